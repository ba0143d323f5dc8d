// Package demoadapter is a minimal stand-in for the external CRDT engine
// (spec §1: "the CRDT engine itself... only its wire frames are
// consumed"). It satisfies bridge.CRDTAdapter with an in-memory byte log
// instead of a real CRDT document, for driving the Relay Bridge from the
// nightjar bridge CLI without depending on an actual document editor.
package demoadapter

import (
	"sync"

	"github.com/nightjar-mesh/relaymesh/internal/bridge"
	"github.com/nightjar-mesh/relaymesh/internal/meshproto"
)

// Adapter is a trivial local document: an append-only log of opaque
// updates plus a single awareness blob. It never merges or interprets
// payload bytes, matching the spec's boundary that the CRDT engine's
// semantics are out of scope for the relay mesh core.
type Adapter struct {
	mu        sync.Mutex
	log       [][]byte
	awareness []byte

	updates chan bridge.UpdateEvent
	awareCh chan bridge.UpdateEvent
}

// New constructs an empty demo document.
func New() *Adapter {
	return &Adapter{
		updates: make(chan bridge.UpdateEvent, 16),
		awareCh: make(chan bridge.UpdateEvent, 16),
	}
}

func (a *Adapter) StateVector() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	// The demo document's "state vector" is just its entry count; a real
	// CRDT library would return its own opaque encoding here.
	return []byte{byte(len(a.log))}
}

func (a *Adapter) AwarenessState() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]byte(nil), a.awareness...)
}

func (a *Adapter) ApplySync(f meshproto.SyncFrame) (*meshproto.SyncFrame, error) {
	a.mu.Lock()
	a.log = append(a.log, append([]byte(nil), f.Payload...))
	a.mu.Unlock()
	return nil, nil
}

func (a *Adapter) ApplyAwareness(payload []byte) error {
	a.mu.Lock()
	a.awareness = append([]byte(nil), payload...)
	a.mu.Unlock()
	return nil
}

func (a *Adapter) SubscribeUpdates() (<-chan bridge.UpdateEvent, func()) {
	return a.updates, func() {}
}

func (a *Adapter) SubscribeAwareness() (<-chan bridge.UpdateEvent, func()) {
	return a.awareCh, func() {}
}

// PushLocalUpdate simulates a local document edit, the way a real CRDT
// engine would emit one from its update-event stream.
func (a *Adapter) PushLocalUpdate(payload []byte) {
	a.mu.Lock()
	a.log = append(a.log, append([]byte(nil), payload...))
	a.mu.Unlock()
	select {
	case a.updates <- bridge.UpdateEvent{Payload: payload, Origin: "local"}:
	default:
	}
}

// PushLocalAwareness simulates a local presence change.
func (a *Adapter) PushLocalAwareness(payload []byte) {
	a.mu.Lock()
	a.awareness = append([]byte(nil), payload...)
	a.mu.Unlock()
	select {
	case a.awareCh <- bridge.UpdateEvent{Payload: payload, Origin: "local"}:
	default:
	}
}

// Entries returns a snapshot of every update applied so far (local and
// remote).
func (a *Adapter) Entries() [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([][]byte, len(a.log))
	copy(out, a.log)
	return out
}
