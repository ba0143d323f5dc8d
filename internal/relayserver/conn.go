package relayserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nightjar-mesh/relaymesh/internal/meshproto"
)

// wsUpgrader mirrors goop2's viewer/routes/call.go media-WebSocket
// upgrader: generous buffers, origin checking left to the room's own auth
// policy rather than same-origin enforcement, since clients are
// deliberately cross-origin desktop/mobile apps, not browser tabs trusting
// cookies.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 1 << 16,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	sendQueueDepth  = 64
	writeWait       = 10 * time.Second
	authWindow      = 30 * time.Second
)

// outMessage is one queued frame awaiting the writer goroutine; exactly
// one of Text/Binary is populated.
type outMessage struct {
	text   []byte
	binary []byte
}

// ClientConn is one accepted WebSocket subscriber of a Room (spec §3
// Connection, §4.4 client acceptance). Framing, auth-window enforcement,
// and fan-out delivery are all owned here; room membership bookkeeping
// lives in Room/Registry.
type ClientConn struct {
	ID   string
	IP   string
	ws   *websocket.Conn
	room *Room
	srv  *Server

	sendCh chan outMessage

	mu            sync.Mutex
	authenticated bool
	displayName   string
	color         string
	publicKey     string
	topics        map[string]string // hex(workspace topic) -> raw join-topic id

	closeOnce sync.Once
	closed    chan struct{}
}

func newClientConn(ws *websocket.Conn, ip string, room *Room, srv *Server) *ClientConn {
	return &ClientConn{
		ID:     uuid.NewString(),
		IP:     ip,
		ws:     ws,
		room:   room,
		srv:    srv,
		sendCh: make(chan outMessage, sendQueueDepth),
		topics: make(map[string]string),
		closed: make(chan struct{}),
	}
}

// run drives the connection until it closes: a dedicated reader goroutine,
// a dedicated writer goroutine serializing all outbound frames (mirroring
// goop2's call.go media-WS handler and group.Manager's writer/drain
// split), and a 30s auth-window timer (spec §4.4 step 2).
func (c *ClientConn) run() {
	defer c.close("peer_closed")

	authTimer := time.NewTimer(authWindow)
	defer authTimer.Stop()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	go func() {
		select {
		case <-authTimer.C:
			c.mu.Lock()
			authed := c.authenticated
			c.mu.Unlock()
			if !authed {
				c.closeWithCode(meshproto.CloseAuthTimeout, "authentication_timeout")
			}
		case <-c.closed:
		}
	}()

	c.readLoop()
	<-writerDone
}

func (c *ClientConn) readLoop() {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		switch mt {
		case websocket.TextMessage:
			c.dispatchText(data)
		case websocket.BinaryMessage:
			c.dispatchBinary(data)
		}
	}
}

func (c *ClientConn) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case m := <-c.sendCh:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			var err error
			if m.text != nil {
				err = c.ws.WriteMessage(websocket.TextMessage, m.text)
			} else {
				err = c.ws.WriteMessage(websocket.BinaryMessage, m.binary)
			}
			if err != nil {
				go c.close("write_error")
				return
			}
		}
	}
}

// sendJSON enqueues v for delivery, dropping it (not the connection) if
// the outbound queue is saturated — a slow subscriber must not block
// others (spec §5 backpressure policy) and control messages are re-derived
// from server state on demand, so a drop here is never silently fatal.
func (c *ClientConn) sendJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.sendCh <- outMessage{text: b}:
	default:
	}
}

// sendBinary enqueues a pre-framed sync/awareness envelope. Unlike
// sendJSON, overflow here closes the connection with slow_consumer: losing
// a control message is harmless, losing a CRDT update silently is not.
func (c *ClientConn) sendBinary(b []byte) {
	select {
	case c.sendCh <- outMessage{binary: b}:
	default:
		go c.closeWithCode(websocket.CloseMessageTooBig, "slow_consumer")
	}
}

func (c *ClientConn) dispatchText(data []byte) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.sendJSON(errorMsg{Type: msgError, Code: "malformed_json"})
		return
	}
	switch env.Type {
	case msgIdentity:
		c.handleIdentity(data)
	case msgJoinTopic:
		c.handleJoinTopic(data)
	case msgLeaveTopic:
		c.handleLeaveTopic(data)
	default:
		c.sendJSON(errorMsg{Type: msgError, Code: "unknown_message_type", Detail: env.Type})
	}
}

func (c *ClientConn) dispatchBinary(data []byte) {
	c.mu.Lock()
	authed := c.authenticated
	c.mu.Unlock()
	if !authed {
		c.closeWithCode(meshproto.CloseAuthTimeout, "authentication_timeout")
		return
	}

	topic, frame, err := meshproto.DecodeTopicEnvelope(data)
	if err != nil {
		// protocol error (oversized/truncated payload): drop the frame
		// only, never the connection. Frames above the WebSocket read
		// limit set in ServeHTTP never get here; that read fails and the
		// connection closes.
		return
	}
	c.srv.handleSyncOrAwareness(c, topic, frame)
}

func (c *ClientConn) handleIdentity(data []byte) {
	var msg identityMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if c.room.AuthPolicy == meshproto.AuthOwnerGated {
		if !verifyOwnerSignature(c.room, msg) {
			c.closeWithCode(meshproto.CloseAuthRejected, "auth_rejected")
			return
		}
	}
	c.mu.Lock()
	c.authenticated = true
	c.displayName = msg.DisplayName
	c.color = msg.Color
	c.publicKey = msg.PublicKey
	c.mu.Unlock()
}

func (c *ClientConn) handleJoinTopic(data []byte) {
	var msg joinTopicMsg
	if err := json.Unmarshal(data, &msg); err != nil || msg.Topic == "" {
		return
	}
	c.srv.joinTopic(c, msg.Topic)
}

func (c *ClientConn) handleLeaveTopic(data []byte) {
	var msg leaveTopicMsg
	if err := json.Unmarshal(data, &msg); err != nil || msg.Topic == "" {
		return
	}
	c.srv.leaveTopic(c, msg.Topic)
}

func (c *ClientConn) close(reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
		c.srv.onConnClosed(c, reason)
	})
}

func (c *ClientConn) closeWithCode(code int, reason string) {
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
	c.close(reason)
}
