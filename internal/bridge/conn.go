package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nightjar-mesh/relaymesh/internal/meshproto"
)

const writeWait = 10 * time.Second

// wsConn is the single underlying WebSocket connection for one
// connectAndServe session, wrapping a dedicated writer goroutine so
// outbound control and binary frames are always serialized (spec §5: "one
// writer at a time").
type wsConn struct {
	conn   *websocket.Conn
	sendCh chan []byte
	isText chan bool // parallel slice: true if the corresponding sendCh entry is text

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{
		conn:   conn,
		sendCh: make(chan []byte, 64),
		isText: make(chan bool, 64),
		closed: make(chan struct{}),
	}
}

func (w *wsConn) writeLoop() {
	for {
		select {
		case <-w.closed:
			return
		case data := <-w.sendCh:
			text := <-w.isText
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			mt := websocket.BinaryMessage
			if text {
				mt = websocket.TextMessage
			}
			if err := w.conn.WriteMessage(mt, data); err != nil {
				w.close()
				return
			}
		}
	}
}

func (w *wsConn) sendBinary(b []byte) {
	select {
	case w.sendCh <- b:
		w.isText <- false
	case <-w.closed:
	}
}

func (w *wsConn) sendJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case w.sendCh <- b:
		w.isText <- true
	case <-w.closed:
	}
}

func (w *wsConn) close() {
	w.closeOnce.Do(func() {
		close(w.closed)
		_ = w.conn.Close()
	})
}

// connectAndServe implements spec §4.5's connect contract and inbound
// handling for one connection attempt. It returns the WebSocket close code
// (0 if the connection never reached an explicit close, e.g. on a local
// transport error) and an error describing why the session ended.
func (b *RoomBridge) connectAndServe(ctx context.Context) (closeCode int, err error) {
	target, err := buildURL(b.cfg.URL, b.cfg.AuthToken)
	if err != nil {
		return 0, err
	}

	raw, err := dial(target, b.cfg.SOCKSAddr)
	if err != nil {
		return 0, err
	}
	ws := newWSConn(raw)

	b.mu.Lock()
	b.ws = ws
	b.state = StateConnected
	b.mu.Unlock()

	sessionCtx, cancelSession := context.WithCancel(ctx)
	defer cancelSession()

	go ws.writeLoop()

	topic, terr := meshproto.WorkspaceTopic(b.cfg.Room)
	if terr != nil {
		ws.close()
		return 0, terr
	}

	ws.sendJSON(joinTopicMsg{Type: "join-topic", Topic: b.cfg.Room})

	if sv := b.cfg.CRDT.StateVector(); sv != nil {
		frame := meshproto.SyncFrame{Outer: meshproto.OuterSync, Inner: meshproto.InnerStateVector, Payload: sv}
		if env, err := meshproto.EncodeTopicEnvelope(topic, frame); err == nil {
			ws.sendBinary(env)
		}
	}
	if aw := b.cfg.CRDT.AwarenessState(); aw != nil {
		frame := meshproto.SyncFrame{Outer: meshproto.OuterAwareness, Payload: aw}
		if env, err := meshproto.EncodeTopicEnvelope(topic, frame); err == nil {
			ws.sendBinary(env)
		}
	}

	updates, unsubUpdates := b.cfg.CRDT.SubscribeUpdates()
	awareness, unsubAwareness := b.cfg.CRDT.SubscribeAwareness()
	defer unsubUpdates()
	defer unsubAwareness()

	go b.forwardLocalEvents(sessionCtx, ws, topic, updates, awareness)

	code, rerr := b.readLoop(sessionCtx, ws, topic)
	cancelSession()
	ws.close()
	return code, rerr
}

// forwardLocalEvents implements spec §4.5 step 4's event subscriptions and
// the duplication guard ("updates tagged origin=relay are not
// re-echoed").
func (b *RoomBridge) forwardLocalEvents(ctx context.Context, ws *wsConn, topic meshproto.Topic, updates, awareness <-chan UpdateEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if ev.Origin == originRelay {
				continue
			}
			frame := meshproto.SyncFrame{Outer: meshproto.OuterSync, Inner: meshproto.InnerIncrementalUpdate, Payload: ev.Payload}
			if env, err := meshproto.EncodeTopicEnvelope(topic, frame); err == nil {
				ws.sendBinary(env)
			}
		case ev, ok := <-awareness:
			if !ok {
				awareness = nil
				continue
			}
			if ev.Origin == originRelay {
				continue
			}
			frame := meshproto.SyncFrame{Outer: meshproto.OuterAwareness, Payload: ev.Payload}
			if env, err := meshproto.EncodeTopicEnvelope(topic, frame); err == nil {
				ws.sendBinary(env)
			}
		}
	}
}

type joinTopicMsg struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

// readLoop drains inbound WebSocket frames until the connection closes,
// dispatching binary sync/awareness envelopes to the CRDT adapter (spec
// §4.5 inbound handling).
func (b *RoomBridge) readLoop(ctx context.Context, ws *wsConn, topic meshproto.Topic) (closeCode int, err error) {
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		mt, data, rerr := ws.conn.ReadMessage()
		if rerr != nil {
			if ce, ok := rerr.(*websocket.CloseError); ok {
				return ce.Code, rerr
			}
			return 0, rerr
		}

		switch mt {
		case websocket.BinaryMessage:
			b.dispatchInbound(ws, topic, data)
		case websocket.TextMessage:
			// peers-list/error control messages: informational only for
			// the bridge, which has no UI of its own to surface them to.
		}
	}
}

func (b *RoomBridge) dispatchInbound(ws *wsConn, topic meshproto.Topic, data []byte) {
	_, frame, err := meshproto.DecodeTopicEnvelope(data)
	if err != nil {
		return
	}

	switch frame.Outer {
	case meshproto.OuterSync:
		reply, aerr := b.cfg.CRDT.ApplySync(frame)
		if aerr != nil {
			log.Warnf("room %s: apply sync frame: %v", b.cfg.Room, aerr)
			return
		}
		if reply != nil {
			reply.Outer = meshproto.OuterSync
			if env, eerr := meshproto.EncodeTopicEnvelope(topic, *reply); eerr == nil {
				ws.sendBinary(env)
			}
		}
	case meshproto.OuterAwareness:
		if aerr := b.cfg.CRDT.ApplyAwareness(frame.Payload); aerr != nil {
			log.Warnf("room %s: malformed awareness payload: %v", b.cfg.Room, aerr)
		}
	}
}
