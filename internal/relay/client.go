package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/billrelay/internal/handoff"
	"github.com/ent0n29/billrelay/internal/protocol"
)

const (
	writeTimeout       = 5 * time.Second
	connectedTimeout   = 10 * time.Second
	maxInboundFrameLen = 1 << 20
)

var errConnClosed = errors.New("relay connection closed")

// WSDialer dials the hub's websocket endpoint.
type WSDialer struct {
	url    string
	log    zerolog.Logger
	dialer websocket.Dialer
}

func NewWSDialer(url string, log zerolog.Logger) *WSDialer {
	return &WSDialer{
		url: strings.TrimSpace(url),
		log: log,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, d.url, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%s: %w", resp.Status, err)
		}
		return nil, &handoff.ConnectError{Endpoint: d.url, Err: err}
	}

	c := newWSConn(conn, d.log)
	id, err := c.awaitConnected(ctx)
	if err != nil {
		_ = c.Close()
		return nil, &handoff.ConnectError{Endpoint: d.url, Err: err}
	}
	c.id = id
	d.log.Debug().Str("session_id", id).Msg("relay connected")
	return c, nil
}

type wsConn struct {
	conn *websocket.Conn
	log  zerolog.Logger
	id   string

	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[string]Handler
	pending  map[string]chan protocol.Ack
	closed   bool

	connected  chan string
	assigned   bool // reader goroutine only
	readerDone chan struct{}
	closeOnce  sync.Once
}

func newWSConn(conn *websocket.Conn, log zerolog.Logger) *wsConn {
	c := &wsConn{
		conn:       conn,
		log:        log,
		handlers:   make(map[string]Handler),
		pending:    make(map[string]chan protocol.Ack),
		connected:  make(chan string, 1),
		readerDone: make(chan struct{}),
	}
	conn.SetReadLimit(maxInboundFrameLen)
	go c.readLoop()
	return c
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) awaitConnected(ctx context.Context) (string, error) {
	timer := time.NewTimer(connectedTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", errors.New("no session id assigned by relay")
	case <-c.readerDone:
		return "", errConnClosed
	case id := <-c.connected:
		return id, nil
	}
}

func (c *wsConn) readLoop() {
	defer close(c.readerDone)
	defer c.failPending()
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		frame, err := protocol.ParseFrame(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("relay frame dropped")
			continue
		}
		switch frame.Type {
		case protocol.FrameAck:
			c.resolve(frame)
		case protocol.FrameEvent:
			c.dispatch(frame)
		}
	}
}

func (c *wsConn) resolve(frame protocol.Frame) {
	ack, err := protocol.ParseAck(frame.Payload)
	if err != nil {
		ack = protocol.Ack{Success: false, Message: err.Error()}
	}
	c.mu.Lock()
	ch, ok := c.pending[frame.ID]
	delete(c.pending, frame.ID)
	c.mu.Unlock()
	if ok {
		ch <- ack
	}
}

func (c *wsConn) dispatch(frame protocol.Frame) {
	if frame.Event == protocol.EventConnected && !c.assigned {
		msg, err := protocol.ParseConnected(frame.Payload)
		if err != nil {
			c.log.Warn().Err(err).Msg("relay connected event invalid")
			return
		}
		c.assigned = true
		c.connected <- msg.SessionID
		return
	}
	c.mu.Lock()
	h := c.handlers[frame.Event]
	closed := c.closed
	c.mu.Unlock()
	if h == nil || closed {
		return
	}
	h(frame.Payload)
}

func (c *wsConn) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *wsConn) On(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h == nil {
		delete(c.handlers, event)
		return
	}
	c.handlers[event] = h
}

func (c *wsConn) Register(ctx context.Context, sessionID string) (protocol.Ack, error) {
	ack, err := c.Emit(ctx, protocol.EventRegister, protocol.Register{SessionID: sessionID})
	if err != nil {
		return ack, err
	}
	if !ack.Success {
		return ack, &handoff.RegisterError{SessionID: sessionID, Message: ack.Message}
	}
	return ack, nil
}

// Emit sends event and waits for the hub's acknowledgement. The ack confirms
// the hub accepted the frame, not that the addressed peer received it.
func (c *wsConn) Emit(ctx context.Context, event string, payload any) (protocol.Ack, error) {
	id := uuid.NewString()
	frame, err := protocol.NewFrame(protocol.FrameEmit, id, event, payload)
	if err != nil {
		return protocol.Ack{}, err
	}

	ch := make(chan protocol.Ack, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return protocol.Ack{}, fmt.Errorf("%w: %s: %v", handoff.ErrRelayDeliveryUnknown, event, errConnClosed)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(frame); err != nil {
		c.forget(id)
		return protocol.Ack{}, fmt.Errorf("%w: %s: %v", handoff.ErrRelayDeliveryUnknown, event, err)
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return protocol.Ack{}, fmt.Errorf("%w: %s: %v", handoff.ErrRelayDeliveryUnknown, event, ctx.Err())
	case ack, ok := <-ch:
		if !ok {
			return protocol.Ack{}, fmt.Errorf("%w: %s: %v", handoff.ErrRelayDeliveryUnknown, event, errConnClosed)
		}
		return ack, nil
	}
}

func (c *wsConn) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *wsConn) write(frame protocol.Frame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer c.conn.SetWriteDeadline(time.Time{})
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	<-c.readerDone
	return nil
}
