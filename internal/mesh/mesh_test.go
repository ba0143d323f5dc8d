package mesh

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nightjar-mesh/relaymesh/internal/meshproto"
)

// TestRoutingTableTrimsToHardCap is spec §8 boundary behavior: "Adding the
// 101st routing entry evicts exactly one (the least-recently-seen)", and
// end-to-end scenario 4: feeding 120 RELAY_ANNOUNCE messages with strictly
// increasing last_seen leaves exactly 100 entries, the 20 oldest gone.
func TestRoutingTableTrimsToHardCap(t *testing.T) {
	rt := newRoutingTable("self")

	base := time.Now()
	for i := 0; i < 120; i++ {
		accepted := rt.Upsert(RelayEntry{
			NodeID:    fmt.Sprintf("node-%03d", i),
			Endpoints: map[string]string{"wss": "wss://example.invalid"},
			LastSeen:  base.Add(time.Duration(i) * time.Second),
		})
		require.True(t, accepted)
	}

	require.Equal(t, meshproto.MaxRoutingTableSize, rt.Len())

	for i := 0; i < 20; i++ {
		_, ok := rt.Get(fmt.Sprintf("node-%03d", i))
		require.False(t, ok, "expected node-%03d to have been evicted", i)
	}
	for i := 20; i < 120; i++ {
		_, ok := rt.Get(fmt.Sprintf("node-%03d", i))
		require.True(t, ok, "expected node-%03d to remain", i)
	}
}

// TestRoutingTableRejectsSelf is spec §8 universal invariant: self.node_id
// never appears in the routing table.
func TestRoutingTableRejectsSelf(t *testing.T) {
	rt := newRoutingTable("self-node")

	accepted := rt.Upsert(RelayEntry{NodeID: "self-node", Endpoints: map[string]string{"wss": "wss://x"}})
	require.False(t, accepted)
	require.Equal(t, 0, rt.Len())

	_, ok := rt.Get("self-node")
	require.False(t, ok)
}

// TestRoutingTableTopByRecency checks the sort/truncate/filter contract
// behind the public operation top_relays(n).
func TestRoutingTableTopByRecency(t *testing.T) {
	rt := newRoutingTable("self")
	now := time.Now()

	rt.Upsert(RelayEntry{NodeID: "no-wss", Endpoints: map[string]string{}, LastSeen: now})
	rt.Upsert(RelayEntry{NodeID: "old", Endpoints: map[string]string{"wss": "wss://a"}, LastSeen: now.Add(-time.Hour)})
	rt.Upsert(RelayEntry{NodeID: "new", Endpoints: map[string]string{"wss": "wss://b"}, LastSeen: now})

	top := rt.TopByRecency(5)
	require.Len(t, top, 2)
	require.Equal(t, "new", top[0].NodeID)
	require.Equal(t, "old", top[1].NodeID)
}

// TestRelayAnnounceDropsMissingFields is spec §4.3's RELAY_ANNOUNCE
// validation: missing node_id or endpoints, or a self-announce, is
// silently dropped rather than inserted.
func TestRelayAnnounceDropsMissingFields(t *testing.T) {
	p := New(Config{})
	p.routing = newRoutingTable("self-id")
	p.selfID = [32]byte{} // String() is a hex encoding; identity doesn't matter here
	selfHex := p.selfID.String()

	cases := []meshproto.RelayAnnounceMsg{
		{Type: meshproto.TypeRelayAnnounce, NodeID: "", Endpoints: map[string]string{"wss": "wss://x"}},
		{Type: meshproto.TypeRelayAnnounce, NodeID: "peer-1", Endpoints: nil},
		{Type: meshproto.TypeRelayAnnounce, NodeID: selfHex, Endpoints: map[string]string{"wss": "wss://x"}},
	}
	for _, c := range cases {
		raw, err := json.Marshal(c)
		require.NoError(t, err)
		p.handleRelayAnnounce(nil, raw)
	}
	require.Equal(t, 0, p.routing.Len())
}
