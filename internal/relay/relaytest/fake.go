// Package relaytest provides in-memory relay channels for coordinator tests.
package relaytest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ent0n29/billrelay/internal/handoff"
	"github.com/ent0n29/billrelay/internal/protocol"
	"github.com/ent0n29/billrelay/internal/relay"
)

// Emitted is one event sent through a fake Conn.
type Emitted struct {
	Event   string
	Payload json.RawMessage
}

// Decode unmarshals the payload into v and panics on malformed json.
func (e Emitted) Decode(v any) {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		panic(fmt.Sprintf("relaytest: decode %s: %v", e.Event, err))
	}
}

// Conn records emits and lets tests deliver inbound events.
type Conn struct {
	id string

	mu          sync.Mutex
	handlers    map[string]relay.Handler
	emitted     []Emitted
	registered  []string
	closed      bool
	registerErr error
	emitErr     error
	holds       map[string]chan struct{}
	done        chan struct{}
}

func NewConn() *Conn {
	return &Conn{
		id:       uuid.NewString(),
		handlers: make(map[string]relay.Handler),
		holds:    make(map[string]chan struct{}),
		done:     make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

// FailRegister makes Register answer with a rejected ack.
func (c *Conn) FailRegister(message string) {
	c.mu.Lock()
	c.registerErr = &handoff.RegisterError{SessionID: c.id, Message: message}
	c.mu.Unlock()
}

// FailEmit makes every later Emit fail with an unknown delivery outcome.
func (c *Conn) FailEmit() {
	c.mu.Lock()
	c.emitErr = fmt.Errorf("%w: fake transport down", handoff.ErrRelayDeliveryUnknown)
	c.mu.Unlock()
}

// HoldEmit blocks every Emit of event until release is called or the conn
// closes, the way an unanswered ack would.
func (c *Conn) HoldEmit(event string) (release func()) {
	gate := make(chan struct{})
	c.mu.Lock()
	c.holds[event] = gate
	c.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (c *Conn) Register(_ context.Context, sessionID string) (protocol.Ack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return protocol.Ack{}, fmt.Errorf("%w: closed", handoff.ErrRelayDeliveryUnknown)
	}
	c.registered = append(c.registered, sessionID)
	if c.registerErr != nil {
		return protocol.Ack{Success: false, Message: c.registerErr.Error()}, c.registerErr
	}
	return protocol.Ack{Success: true}, nil
}

func (c *Conn) Emit(ctx context.Context, event string, payload any) (protocol.Ack, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return protocol.Ack{}, err
	}
	c.mu.Lock()
	gate := c.holds[event]
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-c.done:
		case <-ctx.Done():
			return protocol.Ack{}, fmt.Errorf("%w: %v", handoff.ErrRelayDeliveryUnknown, ctx.Err())
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return protocol.Ack{}, fmt.Errorf("%w: closed", handoff.ErrRelayDeliveryUnknown)
	}
	if c.emitErr != nil {
		return protocol.Ack{}, c.emitErr
	}
	c.emitted = append(c.emitted, Emitted{Event: event, Payload: raw})
	return protocol.Ack{Success: true}, nil
}

func (c *Conn) On(event string, h relay.Handler) {
	c.mu.Lock()
	c.handlers[event] = h
	c.mu.Unlock()
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

// Deliver runs the handler for event as the reader goroutine would. It reports
// false when the conn is closed or nothing is subscribed.
func (c *Conn) Deliver(event string, payload any) bool {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	c.mu.Lock()
	h, ok := c.handlers[event]
	closed := c.closed
	c.mu.Unlock()
	if closed || !ok {
		return false
	}
	h(raw)
	return true
}

func (c *Conn) Emitted() []Emitted {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Emitted(nil), c.emitted...)
}

// EmittedEvent returns the payloads sent under event, in order.
func (c *Conn) EmittedEvent(event string) []Emitted {
	var out []Emitted
	for _, e := range c.Emitted() {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func (c *Conn) Registered() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.registered...)
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Dialer hands out queued conns, or a fresh one when the queue is empty.
type Dialer struct {
	mu    sync.Mutex
	queue []*Conn
	err   error
	dials []*Conn
	gate  chan struct{}
}

// Hold blocks every Dial until release is called. The conn is created only
// once the gate opens.
func (d *Dialer) Hold() (release func()) {
	gate := make(chan struct{})
	d.mu.Lock()
	d.gate = gate
	d.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// Push queues conn for the next Dial.
func (d *Dialer) Push(conn *Conn) {
	d.mu.Lock()
	d.queue = append(d.queue, conn)
	d.mu.Unlock()
}

// Fail makes Dial return a ConnectError.
func (d *Dialer) Fail(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *Dialer) Dial(ctx context.Context) (relay.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, &handoff.ConnectError{Endpoint: "fake", Err: err}
	}
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		<-gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, &handoff.ConnectError{Endpoint: "fake", Err: d.err}
	}
	var conn *Conn
	if len(d.queue) > 0 {
		conn, d.queue = d.queue[0], d.queue[1:]
	} else {
		conn = NewConn()
	}
	d.dials = append(d.dials, conn)
	return conn, nil
}

// Last returns the most recently dialed conn.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.dials) == 0 {
		return nil
	}
	return d.dials[len(d.dials)-1]
}

var (
	_ relay.Conn   = (*Conn)(nil)
	_ relay.Dialer = (*Dialer)(nil)
)
