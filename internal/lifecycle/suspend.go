package lifecycle

import "sync"

// Suspendable is implemented by subsystems that can be paused and resumed
// without being torn down (e.g. the Mesh Participant's DHT-analog bridge
// when the host enters a relay-only/anonymity mode).
type Suspendable interface {
	Suspend()
	Resume()
}

// SuspendGroup tracks suspend/resume state for a single subsystem so both
// operations are re-entrant: calling Suspend twice, or Resume while never
// suspended, is a no-op.
type SuspendGroup struct {
	mu        sync.Mutex
	suspended bool
	onSuspend func()
	onResume  func()
}

// NewSuspendGroup wires onSuspend/onResume callbacks, either of which may
// be nil.
func NewSuspendGroup(onSuspend, onResume func()) *SuspendGroup {
	return &SuspendGroup{onSuspend: onSuspend, onResume: onResume}
}

func (g *SuspendGroup) Suspend() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.suspended {
		return
	}
	g.suspended = true
	if g.onSuspend != nil {
		g.onSuspend()
	}
}

func (g *SuspendGroup) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.suspended {
		return
	}
	g.suspended = false
	if g.onResume != nil {
		g.onResume()
	}
}

func (g *SuspendGroup) Suspended() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.suspended
}
