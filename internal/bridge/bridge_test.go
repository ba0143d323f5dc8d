package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/nightjar-mesh/relaymesh/internal/meshproto"
)

func newTestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func TestBuildURLAppendsAuthToken(t *testing.T) {
	u, err := buildURL("ws://relay.example/room-1", "tok-123")
	require.NoError(t, err)
	require.Contains(t, u, "auth=tok-123")

	u, err = buildURL("ws://relay.example/room-1", "")
	require.NoError(t, err)
	require.NotContains(t, u, "auth=")
}

// fakeCRDT is a minimal in-memory CRDTAdapter for testing the bridge's
// wire behavior without a real document engine.
type fakeCRDT struct {
	mu         sync.Mutex
	applied    []meshproto.SyncFrame
	awareness  [][]byte
	updates    chan UpdateEvent
	awarenessC chan UpdateEvent
}

func newFakeCRDT() *fakeCRDT {
	return &fakeCRDT{
		updates:    make(chan UpdateEvent, 4),
		awarenessC: make(chan UpdateEvent, 4),
	}
}

func (f *fakeCRDT) StateVector() []byte    { return []byte("sv") }
func (f *fakeCRDT) AwarenessState() []byte { return []byte("aw") }

func (f *fakeCRDT) ApplySync(frame meshproto.SyncFrame) (*meshproto.SyncFrame, error) {
	f.mu.Lock()
	f.applied = append(f.applied, frame)
	f.mu.Unlock()
	return nil, nil
}

func (f *fakeCRDT) ApplyAwareness(payload []byte) error {
	f.mu.Lock()
	f.awareness = append(f.awareness, payload)
	f.mu.Unlock()
	return nil
}

func (f *fakeCRDT) SubscribeUpdates() (<-chan UpdateEvent, func()) {
	return f.updates, func() {}
}

func (f *fakeCRDT) SubscribeAwareness() (<-chan UpdateEvent, func()) {
	return f.awarenessC, func() {}
}

// testRelay is a bare-bones relay server double: it accepts one WebSocket
// connection, records every binary frame it receives, and can close with
// a chosen close code to drive the bridge's reconnect/give-up logic.
type testRelay struct {
	srv        *httptest.Server
	closeCode  int
	gotBinary  chan []byte
	acceptedCh chan struct{}
}

func newTestRelay(closeCode int) *testRelay {
	tr := &testRelay{closeCode: closeCode, gotBinary: make(chan []byte, 16), acceptedCh: make(chan struct{}, 1)}
	upgrader := websocket.Upgrader{}
	tr.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		tr.acceptedCh <- struct{}{}

		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				select {
				case tr.gotBinary <- data:
				default:
				}
			}
			if mt == websocket.TextMessage && strings.Contains(string(data), "join-topic") {
				deadline := time.Now().Add(time.Second)
				msg := websocket.FormatCloseMessage(tr.closeCode, "test-close")
				_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
				return
			}
		}
	}))
	return tr
}

func (tr *testRelay) wsURL() string {
	return "ws" + strings.TrimPrefix(tr.srv.URL, "http")
}

func (tr *testRelay) Close() { tr.srv.Close() }

func TestConnectAndServeReportsCloseCode(t *testing.T) {
	relay := newTestRelay(meshproto.CloseAuthRejected)
	defer relay.Close()

	crdt := newFakeCRDT()
	b := New(Config{URL: relay.wsURL() + "/room-1", Room: "room-1", CRDT: crdt})

	ctx, cancel := newTestContext()
	defer cancel()
	code, err := b.connectAndServe(ctx)
	_ = err
	require.Equal(t, meshproto.CloseAuthRejected, code)
}

func TestGaveUpStateIsTerminalOnAuthRejection(t *testing.T) {
	relay := newTestRelay(meshproto.CloseAuthRejected)
	defer relay.Close()

	crdt := newFakeCRDT()
	b := New(Config{URL: relay.wsURL() + "/room-1", Room: "room-1", CRDT: crdt})

	ctx, cancel := newTestContext()
	defer cancel()
	b.Connect(ctx)

	require.Eventually(t, func() bool {
		return b.State() == StateGaveUp
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReconnectResetsAttemptCounter(t *testing.T) {
	relay := newTestRelay(meshproto.CloseAuthRejected)
	defer relay.Close()

	crdt := newFakeCRDT()
	b := New(Config{URL: relay.wsURL() + "/room-1", Room: "room-1", CRDT: crdt})

	b.mu.Lock()
	b.attempt = 7
	b.mu.Unlock()

	ctx, cancel := newTestContext()
	defer cancel()
	b.Reconnect(ctx)

	b.mu.Lock()
	reset := b.attempt == 0
	b.mu.Unlock()
	require.True(t, reset, "Reconnect must clear the backoff attempt counter")

	require.Eventually(t, func() bool {
		return b.State() == StateGaveUp
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectIsIdempotentAndStopsReconnectLoop(t *testing.T) {
	relay := newTestRelay(1000)
	defer relay.Close()

	crdt := newFakeCRDT()
	b := New(Config{URL: relay.wsURL() + "/room-1", Room: "room-1", CRDT: crdt})

	ctx, cancel := newTestContext()
	defer cancel()
	b.Connect(ctx)

	require.Eventually(t, func() bool {
		select {
		case <-relay.acceptedCh:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	b.Disconnect()
	require.Equal(t, StateIdle, b.State())

	b.Disconnect() // must not panic or double-close
}

func TestForwardLocalEventsSkipsRelayOrigin(t *testing.T) {
	relay := newTestRelay(1000)
	defer relay.Close()

	crdt := newFakeCRDT()
	topic, err := meshproto.WorkspaceTopic("room-1")
	require.NoError(t, err)

	ws := &wsConn{sendCh: make(chan []byte, 8), isText: make(chan bool, 8), closed: make(chan struct{})}
	ctx, cancel := newTestContext()
	defer cancel()

	b := New(Config{Room: "room-1", CRDT: crdt})
	go b.forwardLocalEvents(ctx, ws, topic, crdt.updates, crdt.awarenessC)

	crdt.updates <- UpdateEvent{Payload: []byte("from-relay"), Origin: originRelay}
	crdt.updates <- UpdateEvent{Payload: []byte("local-change"), Origin: "local"}

	select {
	case frame := <-ws.sendCh:
		<-ws.isText
		_, decoded, err := meshproto.DecodeTopicEnvelope(frame)
		require.NoError(t, err)
		require.Equal(t, []byte("local-change"), decoded.Payload)
	case <-time.After(time.Second):
		t.Fatal("expected one forwarded local frame")
	}

	select {
	case <-ws.sendCh:
		t.Fatal("relay-origin update must not be re-forwarded")
	case <-time.After(50 * time.Millisecond):
	}
}
