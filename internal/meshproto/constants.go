// Package meshproto defines the wire constants, topic derivation, and
// announcement tokens shared by every other mesh component.
package meshproto

import "time"

const (
	MeshTopicV1          = "nightjar-mesh-v1"
	WorkspaceTopicPrefix = "nightjar-workspace:"

	RelayAnnounceInterval = 60 * time.Second
	PeerQueryTimeout      = 3 * time.Second
	TokenValidity         = 10 * time.Minute

	MaxRoutingTableSize = 100
	MaxEmbeddedNodes    = 5
	DefaultMaxPeers     = 100

	PingInterval = 30 * time.Second
	PongTimeout  = 10 * time.Second

	MaxControlPayload = 1 << 20       // 1 MiB
	MaxSyncPayload     = 10 << 20     // 10 MiB
	MaxInboundBuffer    = 10 << 20    // 10 MiB

	BackoffInitial    = 1 * time.Second
	BackoffMax        = 60 * time.Second
	BackoffMultiplier = 2.0
	BackoffJitter     = 0.30
	BackoffMaxRetries = 15
)

// Mesh server modes.
const (
	ModeHost    = "host"
	ModeRelay   = "relay"
	ModePrivate = "private"
)

// Room auth policies.
const (
	AuthOpen       = "open"
	AuthHMACToken  = "hmac_token"
	AuthOwnerGated = "owner_gated"
)

// WebSocket close codes.
const (
	CloseNormal           = 1000
	CloseAuthTimeout       = 4001
	CloseAuthRejected      = 4403
)
