// Package gwclient is a minimal gateway client for tests. It speaks JSON
// frames over any transport.Conn.
package gwclient

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/danmuck/guildgate/internal/protocol"
	"github.com/danmuck/guildgate/internal/transport"
)

const DefaultWait = 2 * time.Second

type result struct {
	frame protocol.Frame
	err   error
}

type Client struct {
	conn     transport.Conn
	codec    protocol.Codec
	inflater *protocol.Inflater
	frames   chan result
	lastSeq  uint64
}

// New starts reading conn in the background. Set compressed when the
// connection negotiated zlib-stream.
func New(conn transport.Conn, enc protocol.Encoding, compressed bool) *Client {
	codec, err := protocol.CodecFor(enc)
	if err != nil {
		panic(err)
	}
	c := &Client{conn: conn, codec: codec, frames: make(chan result, 1024)}
	if compressed {
		c.inflater = protocol.NewInflater()
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	for {
		msg, err := c.conn.Read()
		if err != nil {
			c.frames <- result{err: err}
			return
		}
		data := msg.Data
		if c.inflater != nil {
			out, done, err := c.inflater.Push(data)
			if err != nil {
				c.frames <- result{err: err}
				return
			}
			if !done {
				continue
			}
			data = out
		}
		f, err := c.codec.Decode(data)
		if err != nil {
			c.frames <- result{err: err}
			return
		}
		c.frames <- result{frame: f}
	}
}

func (c *Client) Conn() transport.Conn { return c.conn }

// LastSeq is the highest dispatch sequence number seen.
func (c *Client) LastSeq() uint64 { return c.lastSeq }

func (c *Client) Send(t testing.TB, op protocol.Opcode, d any) {
	t.Helper()
	f, err := protocol.NewFrame(op, d)
	if err != nil {
		t.Fatalf("frame %s: %v", op, err)
	}
	data, err := c.codec.Encode(f)
	if err != nil {
		t.Fatalf("encode %s: %v", op, err)
	}
	if err := c.conn.Write(transport.Message{Binary: c.codec.Binary(), Data: data}); err != nil {
		t.Fatalf("write %s: %v", op, err)
	}
}

// Next returns the next frame or fails the test.
func (c *Client) Next(t testing.TB) protocol.Frame {
	t.Helper()
	select {
	case r := <-c.frames:
		if r.err != nil {
			t.Fatalf("read frame: %v", r.err)
		}
		if r.frame.S != nil {
			c.lastSeq = *r.frame.S
		}
		return r.frame
	case <-time.After(DefaultWait):
		t.Fatalf("no frame within %s", DefaultWait)
	}
	return protocol.Frame{}
}

// Expect reads the next frame and checks its opcode.
func (c *Client) Expect(t testing.TB, op protocol.Opcode) protocol.Frame {
	t.Helper()
	f := c.Next(t)
	if f.Op != op {
		t.Fatalf("frame op got=%s want=%s d=%s", f.Op, op, f.D)
	}
	return f
}

// ExpectDispatch reads the next frame, checks it is a dispatch of
// eventType, and decodes its payload into out when out is non-nil.
func (c *Client) ExpectDispatch(t testing.TB, eventType string, out any) protocol.Frame {
	t.Helper()
	f := c.Expect(t, protocol.OpDispatch)
	if f.T == nil || *f.T != eventType {
		got := "<nil>"
		if f.T != nil {
			got = *f.T
		}
		t.Fatalf("dispatch type got=%s want=%s d=%s", got, eventType, f.D)
	}
	if out != nil {
		if err := json.Unmarshal(f.D, out); err != nil {
			t.Fatalf("decode %s: %v", eventType, err)
		}
	}
	return f
}

// ExpectClose drains frames until the connection closes and returns the
// close code.
func (c *Client) ExpectClose(t testing.TB) int {
	t.Helper()
	deadline := time.After(DefaultWait)
	for {
		select {
		case r := <-c.frames:
			if r.err == nil {
				continue
			}
			code, ok := transport.CloseCode(r.err)
			if !ok {
				t.Fatalf("connection ended without close code: %v", r.err)
			}
			return code
		case <-deadline:
			t.Fatalf("connection still open after %s", DefaultWait)
		}
	}
}

// ExpectSilence fails if any frame arrives within d.
func (c *Client) ExpectSilence(t testing.TB, d time.Duration) {
	t.Helper()
	select {
	case r := <-c.frames:
		if r.err != nil {
			return
		}
		t.Fatalf("unexpected frame op=%s t=%v d=%s", r.frame.Op, r.frame.T, r.frame.D)
	case <-time.After(d):
	}
}

// Hello reads HELLO and returns the heartbeat interval.
func (c *Client) Hello(t testing.TB) time.Duration {
	t.Helper()
	var hello protocol.Hello
	f := c.Expect(t, protocol.OpHello)
	if err := json.Unmarshal(f.D, &hello); err != nil {
		t.Fatalf("decode hello: %v", err)
	}
	return time.Duration(hello.HeartbeatInterval) * time.Millisecond
}

// Identify sends IDENTIFY and returns the READY payload.
func (c *Client) Identify(t testing.TB, id protocol.Identify) protocol.Ready {
	t.Helper()
	c.Send(t, protocol.OpIdentify, id)
	var ready protocol.Ready
	c.ExpectDispatch(t, protocol.EventReady, &ready)
	return ready
}

func (c *Client) Close() {
	_ = c.conn.Close(int(protocol.CloseNormal), "")
}
