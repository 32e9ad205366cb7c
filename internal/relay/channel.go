package relay

import (
	"context"
	"encoding/json"

	"github.com/ent0n29/billrelay/internal/protocol"
)

// Handler receives the payload of an inbound event.
type Handler func(payload json.RawMessage)

// Conn is one connected relay channel.
//
// Handlers registered with On run on the connection's reader goroutine, one at
// a time and in arrival order. They must not call Close.
type Conn interface {
	// ID is the session id the server assigned to this connection.
	ID() string
	Register(ctx context.Context, sessionID string) (protocol.Ack, error)
	Emit(ctx context.Context, event string, payload any) (protocol.Ack, error)
	On(event string, h Handler)
	// Close is idempotent; no handler fires after it returns.
	Close() error
}

// Dialer opens relay channels.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}
