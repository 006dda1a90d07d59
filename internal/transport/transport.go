// Package transport adapts client connections to one message-oriented
// interface.
//
// Ownership boundary:
// - websocket, framed TCP and in-memory connections
// - close codes as seen on the wire
//
// Out of scope:
// - payload encoding and compression (protocol)
// - session lifecycle (session)
package transport

import (
	"errors"
	"fmt"
)

var ErrClosed = errors.New("transport: connection closed")

// Message is one complete inbound or outbound message.
type Message struct {
	Binary bool
	Data   []byte
}

// Conn is a client connection. Read and Write are each used by a single
// goroutine; Close may be called from any goroutine and is idempotent.
type Conn interface {
	Read() (Message, error)
	Write(msg Message) error
	Close(code int, reason string) error
	RemoteAddr() string
}

// CloseError is returned by Read when the peer closed with a code.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("transport: closed by peer code=%d reason=%q", e.Code, e.Reason)
}

// CloseCode extracts the peer's close code from err. ok is false for
// errors that did not carry one.
func CloseCode(err error) (code int, ok bool) {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code, true
	}
	return 0, false
}
