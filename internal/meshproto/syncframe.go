package meshproto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Outer frame kind.
type OuterKind uint64

const (
	OuterSync      OuterKind = 0
	OuterAwareness OuterKind = 1
)

// Inner sync frame kind, only meaningful when Outer == OuterSync.
type InnerKind uint64

const (
	InnerStateVector    InnerKind = 0
	InnerStateDiff      InnerKind = 1
	InnerIncrementalUpdate InnerKind = 2
)

var (
	ErrSyncFrameTooLarge = errors.New("meshproto: sync frame payload exceeds size limit")
	ErrSyncFrameTruncated = errors.New("meshproto: sync frame is truncated")
)

// SyncFrame is the binary, two-layer envelope carried between the Relay
// Bridge and the Signaling/Relay Server: an outer varuint distinguishing
// sync-protocol traffic from awareness traffic, an inner varuint (only for
// sync) distinguishing state-vector/state-diff/incremental-update, and an
// opaque payload.
type SyncFrame struct {
	Outer   OuterKind
	Inner   InnerKind // only valid when Outer == OuterSync
	Payload []byte
}

// Encode serializes f as outer-varuint [inner-varuint] payload.
func (f SyncFrame) Encode() ([]byte, error) {
	limit := MaxControlPayload
	if f.Outer == OuterSync {
		limit = MaxSyncPayload
	}
	if len(f.Payload) > limit {
		return nil, ErrSyncFrameTooLarge
	}

	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte

	n := binary.PutUvarint(tmp[:], uint64(f.Outer))
	buf.Write(tmp[:n])

	if f.Outer == OuterSync {
		n = binary.PutUvarint(tmp[:], uint64(f.Inner))
		buf.Write(tmp[:n])
	}

	buf.Write(f.Payload)
	return buf.Bytes(), nil
}

// DecodeSyncFrame parses the wire format produced by Encode. Frames whose
// payload exceeds the configured limit for their kind are rejected without
// being applied.
func DecodeSyncFrame(b []byte) (SyncFrame, error) {
	r := bytes.NewReader(b)

	outer, err := binary.ReadUvarint(r)
	if err != nil {
		return SyncFrame{}, fmt.Errorf("%w: outer tag: %v", ErrSyncFrameTruncated, err)
	}

	f := SyncFrame{Outer: OuterKind(outer)}

	if f.Outer == OuterSync {
		inner, err := binary.ReadUvarint(r)
		if err != nil {
			return SyncFrame{}, fmt.Errorf("%w: inner tag: %v", ErrSyncFrameTruncated, err)
		}
		f.Inner = InnerKind(inner)
	}

	rest := make([]byte, r.Len())
	if _, err := r.Read(rest); err != nil && r.Len() > 0 {
		return SyncFrame{}, fmt.Errorf("%w: payload: %v", ErrSyncFrameTruncated, err)
	}
	f.Payload = rest

	limit := MaxControlPayload
	if f.Outer == OuterSync {
		limit = MaxSyncPayload
	}
	if len(f.Payload) > limit {
		return SyncFrame{}, ErrSyncFrameTooLarge
	}

	return f, nil
}
