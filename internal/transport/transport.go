// Package transport provides the duplex text channel sessions talk over.
//
// A Dialer opens a Conn for one identifier and credential. The Conn is owned
// by exactly one session: one goroutine reads, one goroutine writes and Close
// may be called from anywhere. ReadMessage reports a closed channel, either
// closed by the peer or by Close, as ErrClosed.
package transport

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("channel closed")

type Conn interface {
	// ReadMessage blocks until the next text message arrives.
	ReadMessage() (string, error)
	WriteMessage(ctx context.Context, text string) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, identifier, credential string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, identifier, credential string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, identifier, credential string) (Conn, error) {
	return f(ctx, identifier, credential)
}
