package relayserver

import (
	"crypto/ed25519"
	"encoding/hex"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nightjar-mesh/relaymesh/internal/meshproto"
)

func TestRegistryGetOrCreateIsIdempotent(t *testing.T) {
	reg := newRegistry(nil)
	a := reg.GetOrCreate("room-1", meshproto.AuthOpen, "")
	b := reg.GetOrCreate("room-1", meshproto.AuthOpen, "")
	require.Same(t, a, b)
	require.Equal(t, 1, reg.Len())
}

// TestRegistryRemovesOnlyWhenEmpty is spec §3's Room lifecycle invariant:
// a room with zero subscribers is deleted, recreation is idempotent.
func TestRegistryRemovesOnlyWhenEmpty(t *testing.T) {
	reg := newRegistry(nil)
	room := reg.GetOrCreate("room-1", meshproto.AuthOpen, "")

	conn := &ClientConn{ID: "c1", topics: make(map[string]string)}
	room.addSubscriber(conn)

	reg.removeIfEmpty("room-1")
	_, ok := reg.Get("room-1")
	require.True(t, ok, "room with a subscriber must not be removed")

	room.removeSubscriber("c1")
	reg.removeIfEmpty("room-1")
	_, ok = reg.Get("room-1")
	require.False(t, ok, "empty room must be removed")

	again := reg.GetOrCreate("room-1", meshproto.AuthOpen, "")
	require.NotNil(t, again)
}

func TestSyncEnvelopeRoundTrip(t *testing.T) {
	topic, err := meshproto.WorkspaceTopic("my-doc")
	require.NoError(t, err)

	frame := meshproto.SyncFrame{Outer: meshproto.OuterSync, Inner: meshproto.InnerIncrementalUpdate, Payload: []byte("hello")}
	raw, err := meshproto.EncodeTopicEnvelope(topic, frame)
	require.NoError(t, err)

	gotTopic, gotFrame, err := meshproto.DecodeTopicEnvelope(raw)
	require.NoError(t, err)
	require.Equal(t, topic, gotTopic)
	require.Equal(t, frame.Outer, gotFrame.Outer)
	require.Equal(t, frame.Inner, gotFrame.Inner)
	require.Equal(t, frame.Payload, gotFrame.Payload)
}

// TestSyncEnvelopeRejectsOversizedFrame is spec §8 scenario 5: a 12 MiB
// sync update is rejected rather than forwarded.
func TestSyncEnvelopeRejectsOversizedFrame(t *testing.T) {
	topic, err := meshproto.WorkspaceTopic("big-doc")
	require.NoError(t, err)

	oversized := make([]byte, 12<<20)
	frame := meshproto.SyncFrame{Outer: meshproto.OuterSync, Inner: meshproto.InnerStateDiff, Payload: oversized}
	_, err = meshproto.EncodeTopicEnvelope(topic, frame)
	require.ErrorIs(t, err, meshproto.ErrSyncFrameTooLarge)
}

func TestDecodeSyncEnvelopeRejectsShortFrame(t *testing.T) {
	_, _, err := meshproto.DecodeTopicEnvelope([]byte{1, 2, 3})
	require.ErrorIs(t, err, meshproto.ErrEnvelopeTooShort)
}

// TestSyncFanOutUsesConsistentTopicKey is spec §8 end-to-end scenario 1: a
// sync frame from one subscriber of a room reaches every other subscriber
// of the same topic. Regression test for the join-topic/sync-frame topic
// key mismatch (join-topic membership must be keyed the same way the
// binary SyncFrame's embedded topic hash is).
func TestSyncFanOutUsesConsistentTopicKey(t *testing.T) {
	s := &Server{registry: newRegistry(nil), rateWindow: make(map[string]*rateBucket)}
	room := s.registry.GetOrCreate("room-1", meshproto.AuthOpen, "")

	origin := newClientConn(nil, "1.1.1.1", room, s)
	other := newClientConn(nil, "2.2.2.2", room, s)
	room.addSubscriber(origin)
	room.addSubscriber(other)

	s.joinTopic(origin, "room-1")
	s.joinTopic(other, "room-1")

	// Drain each connection's peers-list reply from joinTopic before
	// asserting on the fan-out below.
	<-origin.sendCh
	<-other.sendCh

	topic, err := meshproto.WorkspaceTopic("room-1")
	require.NoError(t, err)
	frame := meshproto.SyncFrame{Outer: meshproto.OuterSync, Inner: meshproto.InnerIncrementalUpdate, Payload: []byte("hello")}

	s.handleSyncOrAwareness(origin, topic, frame)

	select {
	case msg := <-other.sendCh:
		require.NotNil(t, msg.binary, "fan-out must be a binary SyncFrame")
		gotTopic, gotFrame, err := meshproto.DecodeTopicEnvelope(msg.binary)
		require.NoError(t, err)
		require.Equal(t, topic, gotTopic)
		require.Equal(t, frame.Payload, gotFrame.Payload)
	default:
		t.Fatal("expected the other subscriber to receive the fanned-out sync frame")
	}

	select {
	case <-origin.sendCh:
		t.Fatal("origin must not receive its own sync frame back")
	default:
	}
}

// TestServeHTTPRejectsOversizedRoomID is spec §3's room_id invariant:
// ServeHTTP must reject a >256-byte room id before attempting a websocket
// upgrade.
func TestServeHTTPRejectsOversizedRoomID(t *testing.T) {
	s := NewServer(Config{})

	req := httptest.NewRequest("GET", "/"+strings.Repeat("a", 257), nil)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	require.Equal(t, 400, rec.Code)
	require.Equal(t, 0, s.registry.Len(), "an oversized room id must never reach the registry")
}

func TestRateLimiterAllowsUpToCapPerWindow(t *testing.T) {
	s := &Server{rateWindow: make(map[string]*rateBucket)}
	for i := 0; i < rateBucketCap; i++ {
		require.True(t, s.allowJoinAttempt("1.2.3.4"), "attempt %d should be allowed", i)
	}
	require.False(t, s.allowJoinAttempt("1.2.3.4"), "attempt beyond the cap should be denied")
	require.True(t, s.allowJoinAttempt("5.6.7.8"), "a different IP has its own bucket")
}

// TestVerifyOwnerSignature is spec §4.4's owner_gated policy: a signature
// over room_id||client_pubkey||timestamp, verifiable against the room's
// owner public key.
func TestVerifyOwnerSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	room := &Room{ID: "secret-room", OwnerPubKey: hex.EncodeToString(pub)}
	ts := time.Now().UnixMilli()
	payload := room.ID + "|" + "client-pub" + "|" + strconv.FormatInt(ts, 10)
	sig := ed25519.Sign(priv, []byte(payload))

	msg := identityMsg{PublicKey: "client-pub", Timestamp: ts, Signature: hex.EncodeToString(sig)}
	require.True(t, verifyOwnerSignature(room, msg))

	tampered := append([]byte(nil), sig...)
	tampered[0] ^= 0xFF
	msg.Signature = hex.EncodeToString(tampered)
	require.False(t, verifyOwnerSignature(room, msg))
}
