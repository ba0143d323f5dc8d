// Package bridge implements the Relay Bridge (spec §4.5): a client-side,
// backoff-governed persistent WebSocket link from an edge app to a
// Signaling/Relay Server, carrying the CRDT sync and awareness protocol
// both directions. The CRDT engine itself is out of scope (spec §1); this
// package only produces and consumes its opaque SyncFrame wire bytes
// through the CRDTAdapter interface.
package bridge

import (
	"context"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/nightjar-mesh/relaymesh/internal/lifecycle"
	"github.com/nightjar-mesh/relaymesh/internal/meshproto"
)

var log = logging.Logger("bridge")

// State is a RoomBridge's position in the lifecycle spec §4.5 defines.
type State string

const (
	StateIdle       State = "idle"
	StatePending    State = "pending"
	StateConnected  State = "connected"
	StateBackingOff State = "backing_off"
	StateGaveUp     State = "gave_up"
)

// UpdateEvent is one local CRDT change, tagged with its origin so the
// Relay Bridge can implement the duplication guard (spec §4.5: "updates
// tagged origin=relay are not re-echoed").
type UpdateEvent struct {
	Payload []byte
	Origin  string // "local" or "relay"
}

const originRelay = "relay"

// CRDTAdapter is the local CRDT engine's interface boundary (spec §1 "the
// CRDT engine itself... only its wire frames are consumed"). ydoc_handle
// and awareness_handle from spec §4.5 are this adapter.
type CRDTAdapter interface {
	// StateVector returns the local document's current state vector, sent
	// immediately after connecting.
	StateVector() []byte
	// AwarenessState returns the local presence payload for the self client.
	AwarenessState() []byte
	// ApplySync feeds an inbound sync frame to the CRDT engine's
	// sync-protocol reader. A non-nil reply must be sent back prefixed
	// with outer=sync (spec §4.5 inbound handling).
	ApplySync(meshproto.SyncFrame) (reply *meshproto.SyncFrame, err error)
	// ApplyAwareness applies an inbound awareness payload tagged with
	// origin "relay". Malformed payloads are reported via err but must
	// not close the connection (spec §4.5).
	ApplyAwareness(payload []byte) error
	// SubscribeUpdates streams local document changes as they occur. It is
	// called once per connection session; unsubscribe releases the
	// subscription and is called exactly once, when that session ends
	// (including a session ended by Disconnect).
	SubscribeUpdates() (ch <-chan UpdateEvent, unsubscribe func())
	// SubscribeAwareness streams local presence changes as they occur.
	SubscribeAwareness() (ch <-chan UpdateEvent, unsubscribe func())
}

// Config configures one RoomBridge.
type Config struct {
	URL       string // ws(s)://host/<room>, spec §4.5 step 1
	Room      string
	AuthToken string
	SOCKSAddr string // optional SOCKS5 proxy, spec §4.5 step 2

	CRDT CRDTAdapter

	// Suspend is kept with the configuration but never read by RoomBridge:
	// suspending or resuming the group does not pause or otherwise affect
	// the bridge, which keeps its relay link running.
	Suspend *lifecycle.SuspendGroup
}

// RoomBridge holds the per-room state machine described in spec §4.5.
type RoomBridge struct {
	cfg Config

	mu                 sync.Mutex
	state              State
	attempt            int
	reconnectScheduled bool
	ws                 *wsConn

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a RoomBridge in the idle state. Call Connect to begin.
func New(cfg Config) *RoomBridge {
	b := &RoomBridge{cfg: cfg, state: StateIdle, done: make(chan struct{})}
	return b
}

// State returns the bridge's current lifecycle state.
func (b *RoomBridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *RoomBridge) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// Connect starts the reconnect loop in the background. Safe to call once;
// subsequent calls while already running are no-ops.
func (b *RoomBridge) Connect(ctx context.Context) {
	b.mu.Lock()
	if b.cancel != nil {
		b.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.attempt = 0
	b.state = StatePending
	b.mu.Unlock()

	go b.run(runCtx)
}

// Disconnect is the explicit local disconnect (spec §4.5 close codes):
// cancels any pending reconnect, clears backoff counters, and unbinds
// local event listeners.
func (b *RoomBridge) Disconnect() {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.attempt = 0
	b.reconnectScheduled = false
	ws := b.ws
	b.ws = nil
	b.state = StateIdle
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws != nil {
		ws.close()
	}
}

// Reconnect explicitly retries after a gave_up terminal state (spec §4.5:
// "no further reconnection is scheduled until an explicit reconnect
// call").
func (b *RoomBridge) Reconnect(ctx context.Context) {
	b.mu.Lock()
	b.attempt = 0
	if b.state == StateGaveUp && b.cancel != nil {
		// The previous run loop has returned; release it so Connect
		// starts a fresh one.
		b.cancel()
		b.cancel = nil
		b.done = make(chan struct{})
	}
	b.mu.Unlock()
	b.Connect(ctx)
}

func (b *RoomBridge) run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b.setState(StatePending)
		closeCode, err := b.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}

		if closeCode == meshproto.CloseAuthRejected {
			log.Warnf("room %s: relay rejected auth (4403), giving up", b.cfg.Room)
			b.setState(StateGaveUp)
			return
		}

		b.mu.Lock()
		attempt := b.attempt // 0-indexed exponent for this retry's delay
		b.attempt++
		failures := b.attempt // total failed attempts so far, 1-indexed
		b.reconnectScheduled = false
		b.mu.Unlock()

		if err != nil {
			log.Warnf("room %s: relay connection lost: %v", b.cfg.Room, err)
		}

		if lifecycle.GaveUp(failures) {
			log.Warnf("room %s: exhausted %d reconnect attempts, giving up", b.cfg.Room, failures)
			b.setState(StateGaveUp)
			return
		}

		delay := lifecycle.Backoff(attempt)
		b.setState(StateBackingOff)

		b.mu.Lock()
		b.reconnectScheduled = true
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}
