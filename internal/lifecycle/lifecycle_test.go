package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nightjar-mesh/relaymesh/internal/meshproto"
)

func TestBackoffWithinBounds(t *testing.T) {
	for n := 0; n < 8; n++ {
		d := Backoff(n)
		unjittered := math_min(float64(meshproto.BackoffInitial)*pow2(n), float64(meshproto.BackoffMax))
		lo := time.Duration(unjittered * (1 - meshproto.BackoffJitter))
		hi := time.Duration(math_min(unjittered, float64(meshproto.BackoffMax)) * (1 + meshproto.BackoffJitter))
		require.GreaterOrEqual(t, d, lo)
		require.LessOrEqual(t, d, hi)
	}
}

func TestBackoffCappedAtMax(t *testing.T) {
	d := Backoff(50)
	require.LessOrEqual(t, d, time.Duration(float64(meshproto.BackoffMax)*(1+meshproto.BackoffJitter)))
}

func TestGaveUpAfterMaxRetries(t *testing.T) {
	require.False(t, GaveUp(meshproto.BackoffMaxRetries-1))
	require.True(t, GaveUp(meshproto.BackoffMaxRetries))
}

func TestSuspendGroupIsReentrant(t *testing.T) {
	suspends, resumes := 0, 0
	g := NewSuspendGroup(func() { suspends++ }, func() { resumes++ })

	g.Suspend()
	g.Suspend()
	require.Equal(t, 1, suspends)

	g.Resume()
	g.Resume()
	require.Equal(t, 1, resumes)
}

func TestShutdownGroupRunsOnce(t *testing.T) {
	g := NewShutdownGroup(time.Second)
	calls := 0
	g.Register(func(ctx context.Context) { calls++ })

	g.Shutdown()
	g.Shutdown()

	require.Equal(t, 1, calls)
	select {
	case <-g.Done():
	default:
		t.Fatal("expected Done() to be closed after Shutdown")
	}
}

func pow2(n int) float64 {
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 2
	}
	return v
}

func math_min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
