package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/guildgate/internal/protocol/frame"
)

// TCP carries gateway messages over a raw stream using protocol/frame.
type TCP struct {
	conn         net.Conn
	reader       *bufio.Reader
	limits       frame.Limits
	writeTimeout time.Duration

	mu     sync.Mutex
	seq    uint64
	closed bool
}

func NewTCP(conn net.Conn, limits frame.Limits, writeTimeout time.Duration) *TCP {
	return &TCP{
		conn:         conn,
		reader:       bufio.NewReader(conn),
		limits:       limits,
		writeTimeout: writeTimeout,
	}
}

// DialTCP connects to a framed gateway listener as a client.
func DialTCP(ctx context.Context, addr string) (*TCP, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewTCP(conn, frame.DefaultLimits(), 10*time.Second), nil
}

func (c *TCP) Read() (Message, error) {
	fr, err := frame.ReadFrame(c.reader, c.limits)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return Message{}, errors.Join(ErrClosed, err)
		}
		return Message{}, err
	}
	switch fr.Header.Kind {
	case frame.KindClose:
		code, reason, err := frame.ParseClose(fr.Payload)
		if err != nil {
			return Message{}, err
		}
		return Message{}, &CloseError{Code: code, Reason: reason}
	case frame.KindBinary:
		return Message{Binary: true, Data: fr.Payload}, nil
	default:
		return Message{Data: fr.Payload}, nil
	}
}

func (c *TCP) Write(msg Message) error {
	kind := frame.KindText
	if msg.Binary {
		kind = frame.KindBinary
	}
	return c.write(kind, msg.Data)
}

func (c *TCP) write(kind frame.Kind, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.seq++
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return frame.WriteFrame(c.conn, frame.Frame{
		Header:  frame.Header{Kind: kind, Sequence: c.seq},
		Payload: payload,
	}, c.limits)
}

func (c *TCP) Close(code int, reason string) error {
	err := c.write(frame.KindClose, frame.ClosePayload(code, reason))
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if cerr := c.conn.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (c *TCP) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
