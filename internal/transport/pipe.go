package transport

import (
	"fmt"
	"sync"
	"sync/atomic"
)

const pipeBuffer = 1024

var pipeSeq atomic.Uint64

// Pipe returns two connected in-memory ends. Messages written to one end
// are read from the other in order; a close is reported only after every
// message written before it has been read.
func Pipe() (server, client *PipeConn) {
	n := pipeSeq.Add(1)
	server = newPipeConn(fmt.Sprintf("pipe-server-%d", n))
	client = newPipeConn(fmt.Sprintf("pipe-client-%d", n))
	server.peer = client
	client.peer = server
	return server, client
}

type PipeConn struct {
	addr string
	in   chan Message
	done chan struct{}
	once sync.Once
	peer *PipeConn

	mu        sync.Mutex
	closeCode int
	reason    string
}

func newPipeConn(addr string) *PipeConn {
	return &PipeConn{
		addr: addr,
		in:   make(chan Message, pipeBuffer),
		done: make(chan struct{}),
	}
}

func (p *PipeConn) Read() (Message, error) {
	select {
	case m := <-p.in:
		return m, nil
	default:
	}
	select {
	case m := <-p.in:
		return m, nil
	case <-p.done:
		return Message{}, ErrClosed
	case <-p.peer.done:
		select {
		case m := <-p.in:
			return m, nil
		default:
		}
		code, reason := p.peer.CloseStatus()
		return Message{}, &CloseError{Code: code, Reason: reason}
	}
}

func (p *PipeConn) Write(msg Message) error {
	data := append([]byte(nil), msg.Data...)
	select {
	case <-p.done:
		return ErrClosed
	case <-p.peer.done:
		return ErrClosed
	default:
	}
	select {
	case p.peer.in <- Message{Binary: msg.Binary, Data: data}:
		return nil
	case <-p.done:
		return ErrClosed
	case <-p.peer.done:
		return ErrClosed
	}
}

func (p *PipeConn) Close(code int, reason string) error {
	p.once.Do(func() {
		p.mu.Lock()
		p.closeCode = code
		p.reason = reason
		p.mu.Unlock()
		close(p.done)
	})
	return nil
}

// CloseStatus reports the code this end closed with, or zero while open.
func (p *PipeConn) CloseStatus() (int, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCode, p.reason
}

// Done is closed once this end has been closed.
func (p *PipeConn) Done() <-chan struct{} {
	return p.done
}

func (p *PipeConn) RemoteAddr() string {
	return p.peer.addr
}
