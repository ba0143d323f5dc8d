package muxer

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nightjar-mesh/relaymesh/internal/meshproto"
)

type recordingHandler struct {
	mu       sync.Mutex
	dispatched []string
	unknown    []meshproto.Raw
	closeReason CloseReason
	closed     chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{closed: make(chan struct{})}
}

func (h *recordingHandler) Dispatch(ctx context.Context, c *Conn, env Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dispatched = append(h.dispatched, env.Type)
}

func (h *recordingHandler) OnUnknown(ctx context.Context, c *Conn, raw meshproto.Raw) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unknown = append(h.unknown, raw)
}

func (h *recordingHandler) OnClose(c *Conn, reason CloseReason, err error) {
	h.mu.Lock()
	h.closeReason = reason
	h.mu.Unlock()
	close(h.closed)
}

func (h *recordingHandler) NodeID() string { return "test-node" }

func pipeConns() (net.Conn, net.Conn) {
	return net.Pipe()
}

func TestConnDispatchesKnownType(t *testing.T) {
	serverSide, clientSide := pipeConns()
	defer clientSide.Close()

	h := newRecordingHandler()
	c := New("test", serverSide, h)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	_, err := clientSide.Write([]byte(`{"type":"bootstrap-request","nodeId":"peer"}` + "\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.dispatched) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestConnSurfacesUnknownTypeAsRaw(t *testing.T) {
	serverSide, clientSide := pipeConns()
	defer clientSide.Close()

	h := newRecordingHandler()
	c := New("test", serverSide, h)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	_, err := clientSide.Write([]byte(`{"type":"file-chunk","requestId":"abc"}` + "\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.unknown) == 1 && h.unknown[0].Type == "file-chunk"
	}, time.Second, 5*time.Millisecond)
}

func TestDedupSuppressesExactDuplicate(t *testing.T) {
	d := newDedupWindow()
	payload := []byte(`{"type":"workspace-query","topicHash":"abc"}`)

	require.False(t, d.seenOrMark("workspace-query", payload, false))
	require.True(t, d.seenOrMark("workspace-query", payload, false))
}

func TestDedupNeverSuppressesPingPong(t *testing.T) {
	d := newDedupWindow()
	payload := []byte(`{"type":"ping"}`)

	require.False(t, d.seenOrMark(meshproto.TypePing, payload, false))
	require.False(t, d.seenOrMark(meshproto.TypePing, payload, false))
}

func TestDedupDoesNotSuppressDifferingBytes(t *testing.T) {
	d := newDedupWindow()

	require.False(t, d.seenOrMark("sync", []byte("a"), false))
	require.False(t, d.seenOrMark("sync", []byte("b"), false))
}

func TestDedupWindowHonorsBypassFlag(t *testing.T) {
	d := newDedupWindow()
	payload := []byte(`{"type":"direct-message","bypass_dedup":true}`)

	require.False(t, d.seenOrMark("direct-message", payload, true))
	require.False(t, d.seenOrMark("direct-message", payload, true))
}

func TestDecodeLineCapturesBypassDedup(t *testing.T) {
	env, err := decodeLine([]byte(`{"type":"direct-message","bypass_dedup":true}`))
	require.NoError(t, err)
	require.True(t, env.BypassDedup)

	env2, err := decodeLine([]byte(`{"type":"ping"}`))
	require.NoError(t, err)
	require.False(t, env2.BypassDedup)
}

func TestSplitCappedRejectsOverflowWithNoNewline(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(make([]byte, MaxBufferSize+10))

	advance, token, err := splitCapped(buf.Bytes(), false)
	require.Equal(t, 0, advance)
	require.Nil(t, token)
	require.ErrorIs(t, err, bufio.ErrTooLong)
}
