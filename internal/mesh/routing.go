package mesh

import (
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nightjar-mesh/relaymesh/internal/meshproto"
)

// RelayEntry is the mutable catalog record for one relay known to this
// node, held in the RoutingTable. See spec §3.
type RelayEntry struct {
	NodeID         string
	Endpoints      map[string]string
	Capabilities   meshproto.CapabilitiesWire
	WorkspaceCount int
	UptimeSeconds  int64
	Version        string
	LastSeen       time.Time
}

// PeerEndpoint is the shape returned by QueryWorkspacePeers and exposed to
// callers that just need to dial a peer hosting a workspace.
type PeerEndpoint struct {
	NodeID    string
	Endpoints map[string]string
	LastSeen  time.Time
}

// routingTable is the LRU-backed catalog of other relays, capped at
// meshproto.MaxRoutingTableSize with least-recently-seen eviction. Built on
// hashicorp/golang-lru/v2 rather than the teacher's plain
// map-with-linear-scan (state.PeerTable): spec §3 is explicit about a hard
// 100-entry ceiling and LRU eviction order, which the LRU cache gives for
// free on every Add.
type routingTable struct {
	self string
	lru  *lru.Cache[string, RelayEntry]
}

func newRoutingTable(selfNodeID string) *routingTable {
	c, err := lru.New[string, RelayEntry](meshproto.MaxRoutingTableSize)
	if err != nil {
		// Only fails for a non-positive size, which MaxRoutingTableSize never is.
		panic("mesh: failed to construct routing table: " + err.Error())
	}
	return &routingTable{self: selfNodeID, lru: c}
}

// Upsert stores or replaces entry, unless it names this node itself.
// Reports whether the entry was accepted.
func (t *routingTable) Upsert(entry RelayEntry) bool {
	if entry.NodeID == "" || entry.NodeID == t.self {
		return false
	}
	t.lru.Add(entry.NodeID, entry)
	return true
}

func (t *routingTable) Remove(nodeID string) {
	t.lru.Remove(nodeID)
}

func (t *routingTable) Get(nodeID string) (RelayEntry, bool) {
	return t.lru.Peek(nodeID)
}

func (t *routingTable) Len() int { return t.lru.Len() }

// Snapshot returns every entry, in no particular order.
func (t *routingTable) Snapshot() []RelayEntry {
	keys := t.lru.Keys()
	out := make([]RelayEntry, 0, len(keys))
	for _, k := range keys {
		if v, ok := t.lru.Peek(k); ok {
			out = append(out, v)
		}
	}
	return out
}

// TopByRecency returns up to n entries with a "wss" endpoint, sorted
// descending by LastSeen.
func (t *routingTable) TopByRecency(n int) []RelayEntry {
	entries := t.Snapshot()
	filtered := entries[:0]
	for _, e := range entries {
		if _, ok := e.Endpoints["wss"]; ok {
			filtered = append(filtered, e)
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].LastSeen.After(filtered[j].LastSeen)
	})
	if n > 0 && len(filtered) > n {
		filtered = filtered[:n]
	}
	return filtered
}

// Sample returns up to n arbitrary entries, used to answer bootstrap
// requests (spec §4.3: "up to 50 catalog entries").
func (t *routingTable) Sample(n int) []RelayEntry {
	entries := t.Snapshot()
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries
}
