package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateRoomIDRejectsEmpty(t *testing.T) {
	_, err := ValidateRoomID("   ")
	require.Error(t, err)
}

// TestValidateRoomIDRejectsOversize is spec §3's room_id invariant: a room
// id over 256 bytes is rejected outright.
func TestValidateRoomIDRejectsOversize(t *testing.T) {
	_, err := ValidateRoomID(strings.Repeat("a", 257))
	require.Error(t, err)
}

func TestValidateRoomIDAcceptsMaxLength(t *testing.T) {
	id := strings.Repeat("a", 256)
	got, err := ValidateRoomID(id)
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestValidateRoomIDTrimsWhitespace(t *testing.T) {
	got, err := ValidateRoomID("  room-1  ")
	require.NoError(t, err)
	require.Equal(t, "room-1", got)
}

func TestRingBufferOverwritesOldestWhenFull(t *testing.T) {
	rb := NewRingBuffer[int](3)
	rb.Push(1)
	rb.Push(2)
	rb.Push(3)
	rb.Push(4)

	require.Equal(t, 3, rb.Len())
	require.Equal(t, []int{2, 3, 4}, rb.Snapshot())
}
