package mesh

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nightjar-mesh/relaymesh/internal/muxer"

	"github.com/nightjar-mesh/relaymesh/internal/meshproto"
)

// NodeID implements muxer.Handler, letting Conn answer inbound pings with
// pong{nodeId} without muxer needing mesh-specific knowledge.
func (p *Participant) NodeID() string { return p.selfID.String() }

// Dispatch implements muxer.Handler: the message table from spec §4.3.
func (p *Participant) Dispatch(ctx context.Context, c *muxer.Conn, env muxer.Envelope) {
	switch env.Type {
	case meshproto.TypeRelayAnnounce:
		p.handleRelayAnnounce(c, env.Raw)
	case meshproto.TypeBootstrapRequest:
		p.handleBootstrapRequest(c, env.Raw)
	case meshproto.TypeBootstrapResponse:
		p.handleBootstrapResponse(c, env.Raw)
	case meshproto.TypeWorkspaceQuery:
		p.handleWorkspaceQuery(c, env.Raw)
	case meshproto.TypeWorkspaceResponse:
		p.handleWorkspaceResponse(c, env.Raw)
	case meshproto.TypePong:
		// Liveness already handled inside Conn; nothing further to do.
	}
}

// OnUnknown implements muxer.Handler's extensibility escape hatch: a
// Mesh Participant has no higher-layer consumer of its own, so unknown
// types are just logged for visibility.
func (p *Participant) OnUnknown(ctx context.Context, c *muxer.Conn, raw meshproto.Raw) {
	p.diag("unknown mesh frame type=%q from=%s", raw.Type, c.ID())
}

// OnClose implements muxer.Handler: release the per-peer registry entry on
// every exit path (spec §8 universal invariant).
func (p *Participant) OnClose(c *muxer.Conn, reason muxer.CloseReason, err error) {
	p.connsMu.Lock()
	delete(p.conns, c.ID())
	remaining := len(p.conns)
	p.connsMu.Unlock()
	p.diag("mesh connection closed peer=%s reason=%s remaining=%d", c.ID(), reason, remaining)
}

func (p *Participant) handleRelayAnnounce(c *muxer.Conn, raw []byte) {
	var msg meshproto.RelayAnnounceMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.NodeID == "" || len(msg.Endpoints) == 0 {
		return
	}
	if msg.NodeID == p.selfID.String() {
		return
	}

	entry := RelayEntry{
		NodeID:         msg.NodeID,
		Endpoints:      msg.Endpoints,
		Capabilities:   msg.Capabilities,
		WorkspaceCount: msg.WorkspaceCount,
		UptimeSeconds:  msg.Uptime,
		Version:        msg.Version,
		LastSeen:       time.Now(),
	}
	if p.routing.Upsert(entry) {
		p.persistRoutingEntry(entry)
	}
}

func (p *Participant) handleBootstrapRequest(c *muxer.Conn, raw []byte) {
	var msg meshproto.BootstrapRequestMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}

	resp := meshproto.BootstrapResponseMsg{Type: meshproto.TypeBootstrapResponse}
	if p.announcing() {
		resp.Nodes = append(resp.Nodes, meshproto.BootstrapNodeWire{
			NodeID:       p.selfID.String(),
			Endpoints:    map[string]string{"wss": p.cfg.PublicURL},
			Capabilities: p.selfCapabilities(),
		})
	}
	for _, e := range p.routing.Sample(50) {
		resp.Nodes = append(resp.Nodes, meshproto.BootstrapNodeWire{
			NodeID:       e.NodeID,
			Endpoints:    e.Endpoints,
			Capabilities: e.Capabilities,
		})
	}

	if c != nil {
		_ = c.Send(resp)
	}
}

func (p *Participant) handleBootstrapResponse(c *muxer.Conn, raw []byte) {
	var msg meshproto.BootstrapResponseMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	for _, n := range msg.Nodes {
		if n.NodeID == "" || n.NodeID == p.selfID.String() {
			continue
		}
		entry := RelayEntry{
			NodeID:       n.NodeID,
			Endpoints:    n.Endpoints,
			Capabilities: n.Capabilities,
			LastSeen:     time.Now(),
		}
		if p.routing.Upsert(entry) {
			p.persistRoutingEntry(entry)
		}
	}
}

func (p *Participant) handleWorkspaceQuery(c *muxer.Conn, raw []byte) {
	var msg meshproto.WorkspaceQueryMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}

	resp := meshproto.WorkspaceResponseMsg{
		Type:      meshproto.TypeWorkspaceResponse,
		TopicHash: msg.TopicHash,
	}

	p.mu.Lock()
	_, hosting := p.ourWorkspaces[msg.TopicHash]
	peers := p.workspacePeers[msg.TopicHash]
	p.mu.Unlock()

	if hosting && p.cfg.AnnounceWorkspaces && p.announcing() {
		resp.Peers = append(resp.Peers, meshproto.WorkspacePeerWire{
			NodeID:    p.selfID.String(),
			Endpoints: map[string]string{"wss": p.cfg.PublicURL},
			LastSeen:  time.Now().UnixMilli(),
		})
	}
	for _, e := range peers {
		resp.Peers = append(resp.Peers, meshproto.WorkspacePeerWire{
			NodeID:    e.NodeID,
			Endpoints: e.Endpoints,
			LastSeen:  e.LastSeen.UnixMilli(),
		})
	}

	if c != nil {
		_ = c.Send(resp)
	}
}

func (p *Participant) handleWorkspaceResponse(c *muxer.Conn, raw []byte) {
	var msg meshproto.WorkspaceResponseMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}

	p.mu.Lock()
	bucket, ok := p.workspacePeers[msg.TopicHash]
	if !ok {
		bucket = make(map[string]RelayEntry)
		p.workspacePeers[msg.TopicHash] = bucket
	}
	for _, peerWire := range msg.Peers {
		if peerWire.NodeID == "" || peerWire.NodeID == p.selfID.String() {
			continue
		}
		bucket[peerWire.NodeID] = RelayEntry{
			NodeID:    peerWire.NodeID,
			Endpoints: peerWire.Endpoints,
			LastSeen:  time.UnixMilli(peerWire.LastSeen),
		}
	}
	p.mu.Unlock()

	for _, peerWire := range msg.Peers {
		if peerWire.NodeID == "" || peerWire.NodeID == p.selfID.String() {
			continue
		}
		entry := RelayEntry{
			NodeID:    peerWire.NodeID,
			Endpoints: peerWire.Endpoints,
			LastSeen:  time.UnixMilli(peerWire.LastSeen),
		}
		if p.routing.Upsert(entry) {
			p.persistRoutingEntry(entry)
		}
	}

	p.queriesMu.Lock()
	waiters := p.queries[msg.TopicHash]
	p.queriesMu.Unlock()
	for _, ch := range waiters {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (p *Participant) selfCapabilities() meshproto.CapabilitiesWire {
	return meshproto.CapabilitiesWire{
		Relay:    p.cfg.RelayMode,
		Persist:  p.cfg.DB != nil,
		MaxPeers: p.cfg.MaxPeers,
	}
}
