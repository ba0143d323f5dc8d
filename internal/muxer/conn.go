package muxer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/nightjar-mesh/relaymesh/internal/meshproto"
)

var log = logging.Logger("muxer")

// CloseReason classifies why a Conn was torn down, surfaced to callers in
// the single close notification every exit path emits.
type CloseReason string

const (
	CloseReasonPeer            CloseReason = "peer_close"
	CloseReasonTransportError  CloseReason = "transport_error"
	CloseReasonBufferOverflow  CloseReason = "buffer_overflow"
	CloseReasonHeartbeatTimeout CloseReason = "heartbeat_timeout"
	CloseReasonLocal           CloseReason = "local_close"
)

// Handler reacts to decoded frames and to the single close event. Messages
// whose type is not handled by the built-in dispatch of the embedding
// component surface through OnUnknown as a Raw{type,payload} value (the
// "direct-message" escape hatch).
type Handler interface {
	Dispatch(ctx context.Context, c *Conn, env Envelope)
	OnUnknown(ctx context.Context, c *Conn, raw meshproto.Raw)
	OnClose(c *Conn, reason CloseReason, err error)
	// NodeID returns this node's own identifier, used to answer inbound
	// pings with pong{nodeId} without the muxer package
	// needing any mesh-specific knowledge.
	NodeID() string
}

// Conn turns a raw bidirectional stream into a typed, dispatched message
// channel: one reader goroutine decoding frames, one writer goroutine
// serializing outbound sends, and a heartbeat goroutine enforcing
// liveness. Matches the dedicated-reader/dedicated-writer-per-connection
// shape used throughout the teacher's group and mq managers.
type Conn struct {
	id      string
	rw      io.ReadWriteCloser
	handler Handler
	dedup   *dedupWindow

	sendCh chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	mu        sync.Mutex
	lastRX    time.Time
	pongTimer *time.Timer
}

// New wraps rw (a libp2p stream, a net.Conn, or any ReadWriteCloser) for
// framed dispatch. Start must be called to begin processing.
func New(id string, rw io.ReadWriteCloser, handler Handler) *Conn {
	return &Conn{
		id:      id,
		rw:      rw,
		handler: handler,
		dedup:   newDedupWindow(),
		sendCh:  make(chan []byte, 256),
		closed:  make(chan struct{}),
		lastRX:  time.Now(),
	}
}

func (c *Conn) ID() string { return c.id }

// Start launches the reader, writer, and heartbeat goroutines. It returns
// immediately; use ctx to bound the connection's lifetime.
func (c *Conn) Start(ctx context.Context) {
	go c.writeLoop()
	go c.heartbeatLoop(ctx)
	go c.readLoop(ctx)
}

// Send JSON-encodes v and enqueues it as one line for delivery. It returns
// an error only if encoding fails. Non-blocking: if the outbound queue is
// full, the frame is dropped with a warning log and Send still returns nil.
func (c *Conn) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case c.sendCh <- b:
		return nil
	default:
		log.Warnw("dropping frame, slow consumer", "conn", c.id)
		return nil
	}
}

// SendRaw enqueues an already-encoded line.
func (c *Conn) SendRaw(b []byte) {
	select {
	case c.sendCh <- b:
	default:
		log.Warnw("dropping raw frame, slow consumer", "conn", c.id)
	}
}

// Close tears the connection down exactly once, releasing timers and
// notifying the handler with CloseReasonLocal.
func (c *Conn) Close() error {
	return c.closeWith(CloseReasonLocal, nil)
}

func (c *Conn) closeWith(reason CloseReason, cause error) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		if c.pongTimer != nil {
			c.pongTimer.Stop()
		}
		c.mu.Unlock()
		err = c.rw.Close()
		if c.handler != nil {
			c.handler.OnClose(c, reason, cause)
		}
	})
	return err
}

func (c *Conn) writeLoop() {
	w := bufio.NewWriter(c.rw)
	for {
		select {
		case <-c.closed:
			return
		case line, ok := <-c.sendCh:
			if !ok {
				return
			}
			if _, err := w.Write(line); err != nil {
				c.closeWith(CloseReasonTransportError, err)
				return
			}
			if err := w.WriteByte('\n'); err != nil {
				c.closeWith(CloseReasonTransportError, err)
				return
			}
			if err := w.Flush(); err != nil {
				c.closeWith(CloseReasonTransportError, err)
				return
			}
		}
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	sc := newScanner(bufio.NewReader(c.rw))
	for sc.Scan() {
		line := sc.Bytes()
		c.touch()

		if len(line) > MaxLineSize {
			log.Warnw("dropping oversized line", "conn", c.id, "size", len(line))
			continue
		}
		if len(line) == 0 {
			continue
		}

		env, err := decodeLine(line)
		if err != nil {
			log.Debugw("dropping malformed frame", "conn", c.id, "err", err)
			continue
		}

		if env.Type == meshproto.TypePong {
			c.cancelPongTimer()
		}

		if c.dedup.seenOrMark(env.Type, env.Raw, env.BypassDedup) {
			continue
		}

		if env.Type == meshproto.TypePing {
			nodeID := ""
			if c.handler != nil {
				nodeID = c.handler.NodeID()
			}
			_ = c.Send(meshproto.PongMsg{Type: meshproto.TypePong, NodeID: nodeID})
			continue
		}

		c.dispatch(ctx, env)
	}

	if err := sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			c.closeWith(CloseReasonBufferOverflow, ErrBufferOverflow)
			return
		}
		c.closeWith(CloseReasonTransportError, err)
		return
	}
	c.closeWith(CloseReasonPeer, nil)
}

func (c *Conn) dispatch(ctx context.Context, env Envelope) {
	if c.handler == nil {
		return
	}
	if isKnownType(env.Type) {
		c.handler.Dispatch(ctx, c, env)
		return
	}
	c.handler.OnUnknown(ctx, c, meshproto.Raw{Type: env.Type, Payload: env.Raw})
}

func isKnownType(t string) bool {
	switch t {
	case meshproto.TypeRelayAnnounce, meshproto.TypeBootstrapRequest,
		meshproto.TypeBootstrapResponse, meshproto.TypeWorkspaceQuery,
		meshproto.TypeWorkspaceResponse, meshproto.TypePing, meshproto.TypePong:
		return true
	default:
		return false
	}
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastRX = time.Now()
	c.mu.Unlock()
}

// heartbeatLoop sends a ping after PingInterval of silence and enforces
// PongTimeout once sent, matching spec §4.2 exactly.
func (c *Conn) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(meshproto.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-ticker.C:
			c.mu.Lock()
			idle := time.Since(c.lastRX)
			c.mu.Unlock()
			if idle < meshproto.PingInterval {
				continue
			}
			if err := c.Send(meshproto.PingMsg{Type: meshproto.TypePing}); err != nil {
				continue
			}
			c.armPongTimer()
		}
	}
}

func (c *Conn) armPongTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pongTimer != nil {
		c.pongTimer.Stop()
	}
	c.pongTimer = time.AfterFunc(meshproto.PongTimeout, func() {
		c.closeWith(CloseReasonHeartbeatTimeout, fmt.Errorf("muxer: missed pong within %s", meshproto.PongTimeout))
	})
}

func (c *Conn) cancelPongTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
}
