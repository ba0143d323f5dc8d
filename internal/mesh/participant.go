// Package mesh implements the Mesh Participant (spec §4.3): a discoverable
// node on the relay mesh that maintains a catalog of other relay endpoints
// and lets the embedding Signaling/Relay Server publish workspace
// availability and query peers for a workspace.
//
// The spec's "DHT join" is implemented as joining meshproto.MeshTopic() as
// a go-libp2p-pubsub GossipSub topic on a libp2p host, plus mDNS for LAN
// peers — see DESIGN.md Open Question 1 for why: this is the pack's only
// P2P overlay primitive and structurally plays the same role (peers
// converge on a shared topic without a central broker). The typed
// request/reply message table (RELAY_ANNOUNCE, BOOTSTRAP_*, WORKSPACE_*)
// travels over direct per-peer streams framed by internal/muxer, exactly
// as spec §4.2/§4.3 describe "every open mesh connection"; GossipSub
// additionally rebroadcasts RELAY_ANNOUNCE network-wide so the catalog
// reaches peers this node has no direct stream to.
package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"

	"github.com/nightjar-mesh/relaymesh/internal/lifecycle"
	"github.com/nightjar-mesh/relaymesh/internal/meshproto"
	"github.com/nightjar-mesh/relaymesh/internal/muxer"
	"github.com/nightjar-mesh/relaymesh/internal/store"
)

var log = logging.Logger("mesh")

// meshProtoID is the libp2p stream protocol carrying framed mesh messages
// (relay-announce, bootstrap-*, workspace-*, ping/pong) between directly
// connected nodes.
const meshProtoID = protocol.ID("/nightjar/mesh/1.0.0")

// Config configures one Mesh Participant instance.
type Config struct {
	// Enabled gates the whole Start() sequence; spec §4.3 step 0.
	Enabled bool
	// RelayMode, when true along with a non-empty PublicURL, causes this
	// node to announce itself on the mesh topic (spec: "server mode").
	RelayMode bool
	PublicURL string
	// AnnounceWorkspaces gates per-workspace announcement: only when it is
	// set (and the node announces itself) does this node list itself in
	// workspace-query replies for workspaces it has joined.
	AnnounceWorkspaces bool

	Version  string
	MaxPeers int

	ListenPort int
	MdnsTag    string
	KeyFile    string

	// DB, if non-nil, persists routing-table entries across restarts
	// (SPEC_FULL.md §10 supplemented feature). Joined workspaces are not
	// persisted.
	DB *store.DB
}

// Participant is one node's membership in the relay mesh.
type Participant struct {
	cfg     Config
	selfID  meshproto.NodeID
	startAt time.Time

	host host.Host
	ps   *pubsub.PubSub

	meshTopic *pubsub.Topic
	meshSub   *pubsub.Subscription

	mu             sync.Mutex
	routing        *routingTable
	ourWorkspaces  map[string]struct{}            // hex(topic) -> present
	workspacePeers map[string]map[string]RelayEntry // hex(topic) -> nodeID -> entry
	wsTopics       map[string]*pubsub.Topic
	wsSubs         map[string]*pubsub.Subscription

	connsMu sync.Mutex
	conns   map[string]*muxer.Conn // peer ID string -> framed connection

	queriesMu sync.Mutex
	queries   map[string][]chan meshproto.WorkspaceResponseMsg // hex(topic) -> waiters

	announceStop chan struct{}
	announceWG   sync.WaitGroup

	// wsHandler, if set, receives every raw byte payload gossiped on a
	// joined workspace topic by some other node (spec §4.4 "cross-relay
	// handoff": C3 emits sync-message/awareness-update, the embedding
	// Signaling/Relay Server fans it out to local subscribers).
	wsHandler func(topicHex string, raw []byte)

	suspend *lifecycle.SuspendGroup

	diagMu   sync.Mutex
	diagLogs []string

	stopped chan struct{}
}

// New constructs a Participant; networking is deferred to Start (spec §9
// "lazy-loaded native dependencies" — the libp2p host is expensive to
// build, so it is not created until the first Start() call).
func New(cfg Config) *Participant {
	p := &Participant{
		cfg:            cfg,
		ourWorkspaces:  make(map[string]struct{}),
		workspacePeers: make(map[string]map[string]RelayEntry),
		wsTopics:       make(map[string]*pubsub.Topic),
		wsSubs:         make(map[string]*pubsub.Subscription),
		conns:          make(map[string]*muxer.Conn),
		queries:        make(map[string][]chan meshproto.WorkspaceResponseMsg),
		diagLogs:       make([]string, 0, 200),
		stopped:        make(chan struct{}),
	}
	p.suspend = lifecycle.NewSuspendGroup(p.onSuspend, p.onResume)
	return p
}

// loadOrCreateIdentity loads a persistent Ed25519 identity key from disk,
// generating and saving one on first run. Adapted from the teacher's
// p2p.loadOrCreateKey, generalized to the mesh node's own key file.
func loadOrCreateIdentity(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warnf("corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("mesh: marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, false, fmt.Errorf("mesh: create key directory: %w", err)
		}
	}
	if err := os.WriteFile(keyFile, raw, 0o600); err != nil {
		return nil, false, fmt.Errorf("mesh: save identity key: %w", err)
	}
	return priv, true, nil
}

// Start brings the Participant fully online per spec §4.3: construct the
// DHT-analog client, join the mesh topic, wait for an initial discovery
// flush, and (if announcing) begin periodic relay announcements.
func (p *Participant) Start(ctx context.Context) error {
	if !p.cfg.Enabled {
		return nil
	}

	priv, isNew, err := loadOrCreateIdentity(p.cfg.KeyFile)
	if err != nil {
		return err
	}
	if isNew {
		log.Infof("generated new mesh identity key at %s", p.cfg.KeyFile)
	}

	nodeIDFromKey(priv, &p.selfID)

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", p.cfg.ListenPort)),
		libp2p.EnableRelay(),
		libp2p.EnableHolePunching(),
	)
	if err != nil {
		return fmt.Errorf("mesh: construct host: %w", err)
	}
	p.host = h
	p.startAt = time.Now()
	p.routing = newRoutingTable(p.selfID.String())

	h.SetStreamHandler(meshProtoID, p.onInboundStream)

	if p.cfg.DB != nil {
		p.seedRoutingFromStore()
	}

	md := mdns.NewMdnsService(h, p.cfg.MdnsTag, &mdnsNotifee{p: p})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return fmt.Errorf("mesh: start mdns: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return fmt.Errorf("mesh: construct gossipsub: %w", err)
	}
	p.ps = ps

	topic, err := ps.Join(meshproto.MeshTopic().Hex())
	if err != nil {
		_ = h.Close()
		return fmt.Errorf("mesh: join mesh topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = h.Close()
		return fmt.Errorf("mesh: subscribe mesh topic: %w", err)
	}
	p.meshTopic = topic
	p.meshSub = sub

	flushed := make(chan struct{})
	go p.readGossipLoop(ctx, sub, p.onMeshGossip, flushed)

	select {
	case <-flushed:
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
	}

	if p.announcing() {
		p.startAnnounceLoop()
	}

	log.Infof("mesh participant started: node=%s relay=%v public_url=%q", p.selfID, p.cfg.RelayMode, p.cfg.PublicURL)
	return nil
}

func (p *Participant) announcing() bool {
	return p.cfg.RelayMode && p.cfg.PublicURL != ""
}

// Stop tears the Participant down per spec §4.3: stop announcing, leave
// every joined topic, destroy the DHT-analog client (closing every
// connection), and signal completion via Stopped().
func (p *Participant) Stop() {
	if !p.cfg.Enabled || p.host == nil {
		close(p.stopped)
		return
	}

	p.stopAnnounceLoop()

	p.mu.Lock()
	for id, t := range p.wsTopics {
		if sub := p.wsSubs[id]; sub != nil {
			sub.Cancel()
		}
		_ = t.Close()
	}
	p.wsTopics = make(map[string]*pubsub.Topic)
	p.wsSubs = make(map[string]*pubsub.Subscription)
	p.ourWorkspaces = make(map[string]struct{})
	p.mu.Unlock()

	if p.meshSub != nil {
		p.meshSub.Cancel()
	}
	if p.meshTopic != nil {
		_ = p.meshTopic.Close()
	}

	_ = p.host.Close()

	p.connsMu.Lock()
	for _, c := range p.conns {
		_ = c.Close()
	}
	p.conns = make(map[string]*muxer.Conn)
	p.connsMu.Unlock()

	close(p.stopped)
}

// Stopped returns a channel closed once Stop has finished all cleanup.
func (p *Participant) Stopped() <-chan struct{} { return p.stopped }

func (p *Participant) onSuspend() {
	if p.meshSub != nil {
		p.meshSub.Cancel()
	}
	p.mu.Lock()
	for id, sub := range p.wsSubs {
		if sub != nil {
			sub.Cancel()
		}
		delete(p.wsSubs, id)
	}
	p.mu.Unlock()
}

// onResume rejoins the mesh topic and every previously joined workspace
// topic, per spec §4.5 ("on resume, rejoins every previously-joined
// topic").
func (p *Participant) onResume() {
	if p.ps == nil {
		return
	}
	if p.meshTopic != nil {
		if sub, err := p.meshTopic.Subscribe(); err == nil {
			p.meshSub = sub
			go p.readGossipLoop(context.Background(), sub, p.onMeshGossip, nil)
		}
	}
	p.mu.Lock()
	ids := make([]string, 0, len(p.ourWorkspaces))
	for id := range p.ourWorkspaces {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, hex := range ids {
		p.resubscribeWorkspace(hex)
	}
}

func (p *Participant) Suspend() { p.suspend.Suspend() }
func (p *Participant) Resume()  { p.suspend.Resume() }

// SetWorkspaceHandler installs the callback invoked for every raw payload
// gossiped on a workspace topic this Participant has joined. Must be
// called before Start (or before JoinWorkspace, if Start has already run)
// to avoid missing early deliveries.
func (p *Participant) SetWorkspaceHandler(fn func(topicHex string, raw []byte)) {
	p.mu.Lock()
	p.wsHandler = fn
	p.mu.Unlock()
}

// Status is a point-in-time snapshot for operator inspection.
type Status struct {
	NodeID        string
	RoutingCount  int
	Workspaces    int
	Connections   int
	UptimeSeconds int64
}

func (p *Participant) Status() Status {
	p.mu.Lock()
	wsCount := len(p.ourWorkspaces)
	p.mu.Unlock()

	p.connsMu.Lock()
	connCount := len(p.conns)
	p.connsMu.Unlock()

	routingCount := 0
	if p.routing != nil {
		routingCount = p.routing.Len()
	}

	uptime := int64(0)
	if !p.startAt.IsZero() {
		uptime = int64(time.Since(p.startAt).Seconds())
	}

	return Status{
		NodeID:        p.selfID.String(),
		RoutingCount:  routingCount,
		Workspaces:    wsCount,
		Connections:   connCount,
		UptimeSeconds: uptime,
	}
}

// DiagSnapshot exposes a small ring buffer of recent mesh diagnostics
// without adding a metrics dependency (SPEC_FULL.md §10 supplemented
// feature, grounded on the teacher's p2p.Node.DiagSnapshot/diagLogs).
func (p *Participant) DiagSnapshot() map[string]any {
	p.diagMu.Lock()
	logs := make([]string, len(p.diagLogs))
	copy(logs, p.diagLogs)
	p.diagMu.Unlock()

	st := p.Status()
	return map[string]any{
		"node_id":       st.NodeID,
		"routing_count": st.RoutingCount,
		"workspaces":    st.Workspaces,
		"connections":   st.Connections,
		"uptime":        st.UptimeSeconds,
		"logs":          logs,
	}
}

func (p *Participant) diag(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Debug(msg)
	ts := time.Now().Format("15:04:05")
	p.diagMu.Lock()
	p.diagLogs = append(p.diagLogs, fmt.Sprintf("[%s] %s", ts, msg))
	if len(p.diagLogs) > 200 {
		p.diagLogs = p.diagLogs[len(p.diagLogs)-200:]
	}
	p.diagMu.Unlock()
}

func (p *Participant) seedRoutingFromStore() {
	rows, err := p.cfg.DB.LoadRoutingEntries()
	if err != nil {
		log.Warnf("seed routing table from store: %v", err)
		return
	}
	for _, r := range rows {
		caps := meshproto.CapabilitiesWire{}
		if v, ok := r.Capabilities["relay"].(bool); ok {
			caps.Relay = v
		}
		if v, ok := r.Capabilities["persist"].(bool); ok {
			caps.Persist = v
		}
		if v, ok := r.Capabilities["maxPeers"].(float64); ok {
			caps.MaxPeers = int(v)
		}
		p.routing.Upsert(RelayEntry{
			NodeID:         r.NodeID,
			Endpoints:      r.Endpoints,
			Capabilities:   caps,
			WorkspaceCount: r.WorkspaceCount,
			UptimeSeconds:  r.UptimeSeconds,
			Version:        r.Version,
			LastSeen:       r.LastSeen,
		})
	}
}

func (p *Participant) persistRoutingEntry(e RelayEntry) {
	if p.cfg.DB == nil {
		return
	}
	if err := p.cfg.DB.UpsertRoutingEntry(store.RoutingRow{
		NodeID:    e.NodeID,
		Endpoints: e.Endpoints,
		Capabilities: map[string]any{
			"relay":    e.Capabilities.Relay,
			"persist":  e.Capabilities.Persist,
			"maxPeers": e.Capabilities.MaxPeers,
		},
		WorkspaceCount: e.WorkspaceCount,
		UptimeSeconds:  e.UptimeSeconds,
		Version:        e.Version,
		LastSeen:       e.LastSeen,
	}); err != nil {
		log.Warnf("persist routing entry %s: %v", e.NodeID, err)
	}
}

// nodeIDFromKey derives a stable 32-byte NodeID from the libp2p identity's
// public key bytes, so the node's mesh identity survives restarts whenever
// its libp2p key does.
func nodeIDFromKey(priv crypto.PrivKey, out *meshproto.NodeID) {
	raw, err := priv.GetPublic().Raw()
	if err != nil || len(raw) == 0 {
		*out = meshproto.GenerateNodeID()
		return
	}
	var id meshproto.NodeID
	n := copy(id[:], raw)
	if n < len(id) {
		// Shorter keys (unexpected for Ed25519) are padded with fresh
		// randomness rather than left as zero bytes.
		tail := meshproto.GenerateNodeID()
		copy(id[n:], tail[n:])
	}
	*out = id
}

type mdnsNotifee struct {
	p *Participant
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := n.p.host.Connect(ctx, pi); err != nil {
		return
	}
	n.p.openMeshStream(ctx, pi.ID)
}

// onInboundStream wraps a freshly accepted mesh stream with a muxer.Conn
// and registers it so broadcasts and targeted replies can reach it.
func (p *Participant) onInboundStream(s network.Stream) {
	p.registerStream(s)
}

// openMeshStream dials out to peer id on the mesh protocol, wrapping the
// resulting stream exactly like an inbound one.
func (p *Participant) openMeshStream(ctx context.Context, id peer.ID) {
	if id == p.host.ID() {
		return
	}
	p.connsMu.Lock()
	_, exists := p.conns[id.String()]
	p.connsMu.Unlock()
	if exists {
		return
	}
	s, err := p.host.NewStream(ctx, id, meshProtoID)
	if err != nil {
		return
	}
	p.registerStream(s)
}

func (p *Participant) registerStream(s network.Stream) {
	peerID := s.Conn().RemotePeer().String()

	c := muxer.New(peerID, s, p)
	p.connsMu.Lock()
	if existing, ok := p.conns[peerID]; ok {
		p.connsMu.Unlock()
		_ = existing.Close()
		p.connsMu.Lock()
	}
	p.conns[peerID] = c
	connCount := len(p.conns)
	p.connsMu.Unlock()

	c.Start(context.Background())

	// spec §4.3: "if the local catalog has fewer than 10 relays,
	// immediately send BOOTSTRAP_REQUEST{node_id}".
	if p.routing != nil && p.routing.Len() < 10 {
		_ = c.Send(meshproto.BootstrapRequestMsg{
			Type:   meshproto.TypeBootstrapRequest,
			NodeID: p.selfID.String(),
		})
	}
	p.diag("mesh connection established peer=%s total=%d", peerID, connCount)
}

// readGossipLoop drains sub, decoding each message as a mesh envelope and
// feeding it to the same handling path a direct connection would use. If
// flushed is non-nil it is closed after the first message (or a short
// grace period with none), satisfying spec §4.3's "await initial flush".
func (p *Participant) readGossipLoop(ctx context.Context, sub *pubsub.Subscription, onMsg func(raw []byte), flushed chan struct{}) {
	var once sync.Once
	closeFlush := func() {
		if flushed != nil {
			once.Do(func() { close(flushed) })
		}
	}
	go func() {
		time.Sleep(500 * time.Millisecond)
		closeFlush()
	}()

	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			closeFlush()
			return
		}
		if p.host != nil && msg.ReceivedFrom == p.host.ID() {
			continue
		}
		onMsg(msg.Data)
		closeFlush()
	}
}

func (p *Participant) onMeshGossip(raw []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return
	}
	if head.Type == meshproto.TypeRelayAnnounce {
		p.handleRelayAnnounce(nil, raw)
	}
}

// broadcastToMesh delivers v to every directly connected mesh connection
// AND (for discovery-relevant messages) publishes it on the mesh
// GossipSub topic so it also reaches peers reachable only by relay.
func (p *Participant) broadcastToMesh(v any, alsoGossip bool) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}

	p.connsMu.Lock()
	conns := make([]*muxer.Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.connsMu.Unlock()

	for _, c := range conns {
		c.SendRaw(b)
	}

	if alsoGossip && p.meshTopic != nil {
		_ = p.meshTopic.Publish(context.Background(), b)
	}
}
