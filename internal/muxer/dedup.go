package muxer

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/nightjar-mesh/relaymesh/internal/meshproto"
	"github.com/nightjar-mesh/relaymesh/internal/util"
)

// dedupTTL is the sliding window within which an exact duplicate
// (type, content-hash) pair is suppressed.
const dedupTTL = 30 * time.Second

// dedupRingCapacity bounds the per-connection dedup_window (spec §3: "a
// ring of recently-seen message fingerprints, per-peer, bounded"). Once
// full, the oldest fingerprint is evicted on the next Push regardless of
// its age.
const dedupRingCapacity = 1024

// neverDedup is the set of frame types that bypass the dedup window
// entirely: heartbeats must always flow, regardless of content repetition.
var neverDedup = map[string]bool{
	meshproto.TypePing: true,
	meshproto.TypePong: true,
}

type dedupEntry struct {
	key string
	at  time.Time
}

// dedupWindow is a per-connection, bounded, time-sliding set of recently
// seen (type, content-hash) fingerprints, backed by util.RingBuffer exactly
// as spec §3 describes the dedup_window: a fixed-capacity ring, not an
// unbounded set. A fingerprint matches only while both still in the ring
// and younger than dedupTTL, so an old entry overwritten by ring wraparound
// and one that merely aged out are both forgotten: a repeat of either is
// delivered again.
type dedupWindow struct {
	mu   sync.Mutex
	ring *util.RingBuffer[dedupEntry]
}

func newDedupWindow() *dedupWindow {
	return &dedupWindow{ring: util.NewRingBuffer[dedupEntry](dedupRingCapacity)}
}

// seenOrMark reports whether (frameType, payload) was already observed
// within the last dedupTTL; if not, it records it and returns false.
// Frame types explicitly exempted (heartbeats, or bearing bypassDedup)
// always return false.
func (d *dedupWindow) seenOrMark(frameType string, payload []byte, bypassDedup bool) bool {
	if neverDedup[frameType] || bypassDedup {
		return false
	}

	sum := sha256.Sum256(payload)
	key := frameType + ":" + hex.EncodeToString(sum[:])
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, e := range d.ring.Snapshot() {
		if e.key == key && now.Sub(e.at) < dedupTTL {
			return true
		}
	}

	d.ring.Push(dedupEntry{key: key, at: now})
	return false
}
