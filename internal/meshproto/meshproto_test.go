package meshproto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorkspaceTopicIsPureAndDeterministic(t *testing.T) {
	t1, err := WorkspaceTopic("room-abc")
	require.NoError(t, err)
	t2, err := WorkspaceTopic("room-abc")
	require.NoError(t, err)
	require.Equal(t, t1, t2)

	other, err := WorkspaceTopic("room-xyz")
	require.NoError(t, err)
	require.NotEqual(t, t1, other)
}

func TestWorkspaceTopicRejectsEmpty(t *testing.T) {
	_, err := WorkspaceTopic("")
	require.Error(t, err)
}

func TestMeshTopicIsStable(t *testing.T) {
	require.Equal(t, MeshTopic(), MeshTopic())
}

func TestTokenRoundTrip(t *testing.T) {
	token, issuedAt, _ := IssueToken("203.0.113.5", "shared-secret")
	require.True(t, VerifyToken(token, "203.0.113.5", "shared-secret", issuedAt))
}

func TestTokenRejectsWrongIP(t *testing.T) {
	token, issuedAt, _ := IssueToken("203.0.113.5", "shared-secret")
	require.False(t, VerifyToken(token, "198.51.100.9", "shared-secret", issuedAt))
}

func TestTokenExpires(t *testing.T) {
	token, _, _ := IssueToken("203.0.113.5", "shared-secret")
	staleIssuedAt := time.Now().Add(-TokenValidity - time.Second)
	require.False(t, VerifyToken(token, "203.0.113.5", "shared-secret", staleIssuedAt))
}

func TestSyncFrameRoundTrip(t *testing.T) {
	f := SyncFrame{Outer: OuterSync, Inner: InnerIncrementalUpdate, Payload: []byte("hello-crdt-bytes")}
	enc, err := f.Encode()
	require.NoError(t, err)

	dec, err := DecodeSyncFrame(enc)
	require.NoError(t, err)
	require.Equal(t, f.Outer, dec.Outer)
	require.Equal(t, f.Inner, dec.Inner)
	require.Equal(t, f.Payload, dec.Payload)
}

func TestSyncFrameAwarenessHasNoInnerTag(t *testing.T) {
	f := SyncFrame{Outer: OuterAwareness, Payload: []byte("presence")}
	enc, err := f.Encode()
	require.NoError(t, err)

	dec, err := DecodeSyncFrame(enc)
	require.NoError(t, err)
	require.Equal(t, OuterAwareness, dec.Outer)
	require.Equal(t, f.Payload, dec.Payload)
}

func TestSyncFrameRejectsOversizedSyncPayload(t *testing.T) {
	f := SyncFrame{Outer: OuterSync, Inner: InnerStateDiff, Payload: make([]byte, MaxSyncPayload+1)}
	_, err := f.Encode()
	require.ErrorIs(t, err, ErrSyncFrameTooLarge)
}

func TestSyncFrameRejectsOversizedControlPayload(t *testing.T) {
	f := SyncFrame{Outer: OuterAwareness, Payload: make([]byte, MaxControlPayload+1)}
	_, err := f.Encode()
	require.ErrorIs(t, err, ErrSyncFrameTooLarge)
}

func TestDecodeSyncFrameRejectsTruncated(t *testing.T) {
	_, err := DecodeSyncFrame(nil)
	require.ErrorIs(t, err, ErrSyncFrameTruncated)
}
