package mesh

import (
	"context"
	"fmt"
	"time"

	"github.com/nightjar-mesh/relaymesh/internal/meshproto"
)

// JoinWorkspace derives the workspace topic, subscribes to it, and
// remembers it in ourWorkspaces. When AnnounceWorkspaces is set this node
// also lists itself in workspace-query replies for the topic (see
// handleWorkspaceQuery). Idempotent, per spec §4.3.
func (p *Participant) JoinWorkspace(id string) error {
	t, err := meshproto.WorkspaceTopic(id)
	if err != nil {
		return err
	}
	hexTopic := t.Hex()

	p.mu.Lock()
	if _, already := p.ourWorkspaces[hexTopic]; already {
		p.mu.Unlock()
		return nil
	}
	p.ourWorkspaces[hexTopic] = struct{}{}
	p.mu.Unlock()

	if p.ps == nil {
		// Mesh disabled or not yet started: remembered for when it is.
		return nil
	}
	return p.subscribeWorkspaceTopic(hexTopic)
}

func (p *Participant) subscribeWorkspaceTopic(hexTopic string) error {
	topic, err := p.ps.Join(hexTopic)
	if err != nil {
		return fmt.Errorf("mesh: join workspace topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		return fmt.Errorf("mesh: subscribe workspace topic: %w", err)
	}

	p.mu.Lock()
	p.wsTopics[hexTopic] = topic
	p.wsSubs[hexTopic] = sub
	p.mu.Unlock()

	go p.readGossipLoop(context.Background(), sub, func(raw []byte) {
		p.mu.Lock()
		h := p.wsHandler
		p.mu.Unlock()
		if h != nil {
			h(hexTopic, raw)
		}
	}, nil)
	return nil
}

// PublishToWorkspace gossips raw (an already-framed SyncFrame) on the
// workspace topic for id, reaching every other node that has joined it.
// No-op if the topic is not currently joined (e.g. mesh disabled).
func (p *Participant) PublishToWorkspace(id string, raw []byte) error {
	t, err := meshproto.WorkspaceTopic(id)
	if err != nil {
		return err
	}
	hexTopic := t.Hex()

	p.mu.Lock()
	topic := p.wsTopics[hexTopic]
	p.mu.Unlock()
	if topic == nil {
		return nil
	}
	return topic.Publish(context.Background(), raw)
}

func (p *Participant) resubscribeWorkspace(hexTopic string) {
	if p.ps == nil {
		return
	}
	_ = p.subscribeWorkspaceTopic(hexTopic)
}

// LeaveWorkspace leaves the workspace topic and forgets it. Idempotent.
func (p *Participant) LeaveWorkspace(id string) error {
	t, err := meshproto.WorkspaceTopic(id)
	if err != nil {
		return err
	}
	hexTopic := t.Hex()

	p.mu.Lock()
	delete(p.ourWorkspaces, hexTopic)
	topic := p.wsTopics[hexTopic]
	sub := p.wsSubs[hexTopic]
	delete(p.wsTopics, hexTopic)
	delete(p.wsSubs, hexTopic)
	delete(p.workspacePeers, hexTopic)
	p.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	if topic != nil {
		_ = topic.Close()
	}
	return nil
}

// QueryWorkspacePeers broadcasts a workspace-query to every open mesh
// connection and collects workspace-response entries for up to
// meshproto.PeerQueryTimeout, deduplicated by node id. Returns immediately
// with an empty slice if there are no mesh connections (spec §4.3).
func (p *Participant) QueryWorkspacePeers(ctx context.Context, id string) ([]PeerEndpoint, error) {
	t, err := meshproto.WorkspaceTopic(id)
	if err != nil {
		return nil, err
	}
	hexTopic := t.Hex()

	p.connsMu.Lock()
	connCount := len(p.conns)
	p.connsMu.Unlock()
	if connCount == 0 {
		return nil, nil
	}

	ch := make(chan meshproto.WorkspaceResponseMsg, 32)
	p.queriesMu.Lock()
	p.queries[hexTopic] = append(p.queries[hexTopic], ch)
	p.queriesMu.Unlock()
	defer p.unregisterQueryWaiter(hexTopic, ch)

	p.broadcastToMesh(meshproto.WorkspaceQueryMsg{
		Type:        meshproto.TypeWorkspaceQuery,
		TopicHash:   hexTopic,
		RequesterID: p.selfID.String(),
	}, false)

	queryCtx, cancel := context.WithTimeout(ctx, meshproto.PeerQueryTimeout)
	defer cancel()

	seen := make(map[string]PeerEndpoint)
	for {
		select {
		case <-queryCtx.Done():
			return dedupedValues(seen), nil
		case resp := <-ch:
			for _, peerWire := range resp.Peers {
				if peerWire.NodeID == "" {
					continue
				}
				seen[peerWire.NodeID] = PeerEndpoint{
					NodeID:    peerWire.NodeID,
					Endpoints: peerWire.Endpoints,
					LastSeen:  time.UnixMilli(peerWire.LastSeen),
				}
			}
		}
	}
}

func dedupedValues(m map[string]PeerEndpoint) []PeerEndpoint {
	out := make([]PeerEndpoint, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

func (p *Participant) unregisterQueryWaiter(hexTopic string, ch chan meshproto.WorkspaceResponseMsg) {
	p.queriesMu.Lock()
	defer p.queriesMu.Unlock()
	waiters := p.queries[hexTopic]
	for i, w := range waiters {
		if w == ch {
			p.queries[hexTopic] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
}

// TopRelays returns self (if relay+public URL) plus catalog entries with a
// wss endpoint, sorted descending by last_seen, truncated to n (spec
// §4.3; default 5 when n <= 0).
func (p *Participant) TopRelays(n int) []RelayEntry {
	if n <= 0 {
		n = meshproto.MaxEmbeddedNodes
	}

	var out []RelayEntry
	if p.announcing() {
		out = append(out, RelayEntry{
			NodeID:       p.selfID.String(),
			Endpoints:    map[string]string{"wss": p.cfg.PublicURL},
			Capabilities: p.selfCapabilities(),
			LastSeen:     time.Now(),
		})
	}
	if p.routing != nil {
		out = append(out, p.routing.TopByRecency(n)...)
	}
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func (p *Participant) startAnnounceLoop() {
	p.announceStop = make(chan struct{})
	p.announceWG.Add(1)
	go func() {
		defer p.announceWG.Done()
		p.sendAnnounce()
		ticker := time.NewTicker(meshproto.RelayAnnounceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.announceStop:
				return
			case <-ticker.C:
				p.sendAnnounce()
			}
		}
	}()
}

func (p *Participant) stopAnnounceLoop() {
	if p.announceStop == nil {
		return
	}
	close(p.announceStop)
	p.announceWG.Wait()
	p.announceStop = nil
}

func (p *Participant) sendAnnounce() {
	p.mu.Lock()
	wsCount := len(p.ourWorkspaces)
	p.mu.Unlock()

	msg := meshproto.RelayAnnounceMsg{
		Type:           meshproto.TypeRelayAnnounce,
		NodeID:         p.selfID.String(),
		Version:        p.cfg.Version,
		Capabilities:   p.selfCapabilities(),
		Endpoints:      map[string]string{"wss": p.cfg.PublicURL},
		WorkspaceCount: wsCount,
		Uptime:         int64(time.Since(p.startAt).Seconds()),
		Timestamp:      time.Now().UnixMilli(),
	}
	p.broadcastToMesh(msg, true)
}
