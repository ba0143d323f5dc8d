package relayserver

// Client<->server control messages (spec §4.4), sent as JSON WebSocket
// text frames. Sync/awareness payloads travel as binary frames, never as
// these types — see meshproto.EncodeTopicEnvelope/DecodeTopicEnvelope.
const (
	msgIdentity   = "identity"
	msgJoinTopic  = "join-topic"
	msgLeaveTopic = "leave-topic"
	msgPeersList  = "peers-list"
	msgError      = "error"
)

type inboundEnvelope struct {
	Type string `json:"type"`
}

type identityMsg struct {
	Type        string `json:"type"`
	PublicKey   string `json:"publicKey"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
	Timestamp   int64  `json:"timestamp"` // required for owner_gated signature verification
	Signature   string `json:"signature,omitempty"`
}

type joinTopicMsg struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

type leaveTopicMsg struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

type peerInfo struct {
	NodeID   string `json:"nodeId"`
	Endpoint string `json:"endpoint,omitempty"`
	Local    bool   `json:"local"`
}

type peersListMsg struct {
	Type  string     `json:"type"`
	Topic string     `json:"topic"`
	Peers []peerInfo `json:"peers"`
}

type errorMsg struct {
	Type   string `json:"type"`
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}
