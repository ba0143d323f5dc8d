package meshproto

// Mesh DHT wire message types (newline-delimited JSON over a mesh
// connection, dispatched by internal/muxer).
const (
	TypeRelayAnnounce     = "relay-announce"
	TypeBootstrapRequest  = "bootstrap-request"
	TypeBootstrapResponse = "bootstrap-response"
	TypeWorkspaceQuery    = "workspace-query"
	TypeWorkspaceResponse = "workspace-response"
	TypePing              = "ping"
	TypePong               = "pong"
)

// RelayAnnounceMsg advertises this node's presence, endpoints, and
// workspace load to the mesh.
type RelayAnnounceMsg struct {
	Type           string             `json:"type"`
	NodeID         string             `json:"nodeId"`
	Version        string             `json:"version"`
	Capabilities   CapabilitiesWire   `json:"capabilities"`
	Endpoints      map[string]string  `json:"endpoints"`
	WorkspaceCount int                `json:"workspaceCount"`
	Uptime         int64              `json:"uptime"`
	Timestamp      int64              `json:"timestamp"`
}

type CapabilitiesWire struct {
	Relay    bool `json:"relay"`
	Persist  bool `json:"persist"`
	MaxPeers int  `json:"maxPeers"`
}

type BootstrapRequestMsg struct {
	Type   string `json:"type"`
	NodeID string `json:"nodeId"`
}

type BootstrapNodeWire struct {
	NodeID       string             `json:"nodeId"`
	Endpoints    map[string]string  `json:"endpoints"`
	Capabilities CapabilitiesWire   `json:"capabilities"`
}

type BootstrapResponseMsg struct {
	Type  string              `json:"type"`
	Nodes []BootstrapNodeWire `json:"nodes"`
}

type WorkspaceQueryMsg struct {
	Type        string `json:"type"`
	TopicHash   string `json:"topicHash"`
	RequesterID string `json:"requesterId"`
}

type WorkspacePeerWire struct {
	NodeID    string `json:"nodeId"`
	Endpoints map[string]string `json:"endpoints"`
	LastSeen  int64  `json:"lastSeen"`
}

type WorkspaceResponseMsg struct {
	Type      string              `json:"type"`
	TopicHash string              `json:"topicHash"`
	Peers     []WorkspacePeerWire `json:"peers"`
}

type PingMsg struct {
	Type string `json:"type"`
}

type PongMsg struct {
	Type   string `json:"type"`
	NodeID string `json:"nodeId"`
}

// Raw is the extensibility escape hatch (spec §9): any decoded message
// whose "type" is not in the built-in dispatch table is surfaced as Raw so
// higher layers can multiplex new message kinds without touching this
// package.
type Raw struct {
	Type    string
	Payload []byte
}
