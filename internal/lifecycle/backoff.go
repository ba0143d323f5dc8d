// Package lifecycle is the shared scheduling kernel consumed by the Mesh
// Participant, Signaling/Relay Server, and Relay Bridge: jittered
// exponential backoff, idempotent suspend/resume, and graceful shutdown.
package lifecycle

import (
	"math"
	"math/rand"
	"time"

	"github.com/nightjar-mesh/relaymesh/internal/meshproto"
)

// Backoff returns the delay to wait before retry attempt n (0-indexed),
// following delay(n) = min(INITIAL * MULT^n, MAX) * (1 +/- JITTER).
func Backoff(attempt int) time.Duration {
	base := float64(meshproto.BackoffInitial) * math.Pow(meshproto.BackoffMultiplier, float64(attempt))
	capped := math.Min(base, float64(meshproto.BackoffMax))

	jitter := 1 + (rand.Float64()*2-1)*meshproto.BackoffJitter
	return time.Duration(capped * jitter)
}

// GaveUp reports whether attempt has exhausted the retry budget.
func GaveUp(attempt int) bool {
	return attempt >= meshproto.BackoffMaxRetries
}
