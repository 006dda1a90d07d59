package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/danmuck/guildgate/internal/observability"
	"github.com/danmuck/guildgate/internal/protocol"
	"github.com/danmuck/guildgate/internal/transport"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type outItem struct {
	frame protocol.Frame
	close *CloseError
}

// Session is one live connection. It is created in Connecting and ends
// in Closed; its Stream may outlive it.
type Session struct {
	id        string
	m         *Manager
	conn      transport.Conn
	transport string
	remote    string
	codec     protocol.Codec
	comp      protocol.Compressor
	interval  time.Duration

	out    chan outItem
	done   chan struct{}
	closed chan struct{}

	messages *rate.Limiter
	presence *rate.Limiter

	mu        sync.Mutex
	state     State
	stream    *Stream
	closing   *CloseError
	lastBeat  time.Time
	handshake *time.Timer
	heartbeat *time.Timer
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stream returns the attached stream, or nil before identify/resume.
func (s *Session) Stream() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

func (s *Session) setState(from, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return transition(s.state, to)
	}
	if err := transition(from, to); err != nil {
		return err
	}
	s.state = to
	return nil
}

// activate binds st and moves from to Ready. Called with st.mu held.
func (s *Session) activate(st *Stream, from State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing != nil {
		return s.closing
	}
	if s.state != from {
		return transition(s.state, Ready)
	}
	s.state = Ready
	s.stream = st
	if s.handshake != nil {
		s.handshake.Stop()
	}
	return nil
}

// enqueue queues f for the writer without blocking. A full queue closes
// the connection as a slow consumer.
func (s *Session) enqueue(f protocol.Frame) {
	s.mu.Lock()
	if s.closing != nil {
		s.mu.Unlock()
		return
	}
	select {
	case s.out <- outItem{frame: f}:
		s.mu.Unlock()
		return
	default:
	}
	s.mu.Unlock()
	s.fail(&CloseError{Code: protocol.CloseUnknownError, Reason: "outbound queue full", Err: ErrSlowConsumer})
}

func (s *Session) send(op protocol.Opcode, d any) {
	f, err := protocol.NewFrame(op, d)
	if err != nil {
		log.Error().Err(err).Str("conn_id", s.id).Msg("session.encode_failed")
		return
	}
	s.enqueue(f)
}

// fail closes the connection with err's close code after every frame
// queued before it. Only the first call has any effect.
func (s *Session) fail(err error) {
	ce := asCloseError(err)
	s.mu.Lock()
	if s.closing != nil {
		s.mu.Unlock()
		return
	}
	s.closing = ce
	close(s.closed)
	prev := s.state
	s.state = Closed
	if s.handshake != nil {
		s.handshake.Stop()
	}
	if s.heartbeat != nil {
		s.heartbeat.Stop()
	}
	s.mu.Unlock()

	ev := log.Info()
	if !errors.Is(ce, ErrClientClosed) {
		ev = log.Warn()
	}
	ev.Str("conn_id", s.id).
		Str("from", prev.String()).
		Int("close_code", int(ce.Code)).
		Err(ce.Err).
		Msg("session.closed")

	select {
	case s.out <- outItem{close: ce}:
	default:
		// The writer is behind; the close must not wait for it, and callers
		// may hold stream locks.
		go s.conn.Close(int(ce.Code), ce.Reason)
	}
}

func (s *Session) closeReason() *CloseError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// writeLoop sends queued frames until the close item or, when fail could
// not queue one, until the queue drains after closed fires.
func (s *Session) writeLoop() {
	defer close(s.done)
	for {
		select {
		case it := <-s.out:
			if s.flush(it) {
				return
			}
		case <-s.closed:
			for {
				select {
				case it := <-s.out:
					if s.flush(it) {
						return
					}
				default:
					ce := s.closeReason()
					_ = s.conn.Close(int(ce.Code), ce.Reason)
					return
				}
			}
		}
	}
}

// flush handles one queued item and reports whether the writer is done.
func (s *Session) flush(it outItem) bool {
	if it.close != nil {
		_ = s.conn.Close(int(it.close.Code), it.close.Reason)
		return true
	}
	if err := s.write(it.frame); err != nil {
		s.fail(errors.Join(ErrUpstreamUnavailable, err))
		_ = s.conn.Close(int(protocol.CloseUnknownError), "write failed")
		return true
	}
	return false
}

func (s *Session) write(f protocol.Frame) error {
	data, err := s.codec.Encode(f)
	if err != nil {
		return err
	}
	data, err = s.comp.Compress(data)
	if err != nil {
		return err
	}
	observability.RecordFrame("out", f.Op.String())
	return s.conn.Write(transport.Message{
		Binary: s.codec.Binary() || s.comp.Binary(),
		Data:   data,
	})
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		msg, err := s.conn.Read()
		if err != nil {
			if ce := s.closeReason(); ce != nil {
				return ce
			}
			if code, ok := transport.CloseCode(err); ok {
				return &CloseError{Code: protocol.CloseCode(code), Reason: "closed by client", Err: ErrClientClosed}
			}
			return &CloseError{Code: protocol.CloseUnknownError, Reason: "connection lost", Err: errors.Join(ErrClientClosed, err)}
		}
		if !s.messages.Allow() {
			return ErrRateLimited
		}
		f, err := s.codec.Decode(msg.Data)
		if err != nil {
			return violation(protocol.CloseDecodeError, "%v", err)
		}
		observability.RecordFrame("in", f.Op.String())
		if err := s.handle(ctx, f); err != nil {
			return err
		}
	}
}

func (s *Session) handle(ctx context.Context, f protocol.Frame) error {
	switch f.Op {
	case protocol.OpHeartbeat:
		return s.onHeartbeat(f)
	case protocol.OpIdentify:
		return s.onIdentify(ctx, f)
	case protocol.OpResume:
		return s.onResume(ctx, f)
	case protocol.OpStatusUpdate:
		st, err := s.requireReady(f.Op)
		if err != nil {
			return err
		}
		return s.onStatusUpdate(st, f)
	case protocol.OpRequestGuildMembers:
		st, err := s.requireReady(f.Op)
		if err != nil {
			return err
		}
		return s.onRequestGuildMembers(ctx, st, f)
	default:
		return violation(protocol.CloseUnknownOpcode, "op %s", f.Op)
	}
}

func (s *Session) requireReady(op protocol.Opcode) (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Ready || s.stream == nil {
		return nil, violation(protocol.CloseNotAuthenticated, "%s before identify", op)
	}
	return s.stream, nil
}

// beginAuth moves Connecting to to. Any other state means the client
// already authenticated on this connection.
func (s *Session) beginAuth(op protocol.Opcode, to State) error {
	if err := s.setState(Connecting, to); err != nil {
		return violation(protocol.CloseAlreadyAuthenticated, "%s: %v", op, err)
	}
	return nil
}

func (s *Session) hello() {
	s.mu.Lock()
	s.lastBeat = s.m.now()
	s.handshake = time.AfterFunc(s.m.cfg.HandshakeTimeout, s.handshakeExpired)
	s.heartbeat = time.AfterFunc(2*s.interval, s.heartbeatExpired)
	s.mu.Unlock()
	s.send(protocol.OpHello, protocol.Hello{
		HeartbeatInterval: s.interval.Milliseconds(),
		Trace:             []string{s.m.node},
	})
}

func (s *Session) handshakeExpired() {
	switch s.State() {
	case Connecting, Identifying, Resuming:
		s.fail(&CloseError{Code: protocol.CloseSessionTimeout, Reason: "handshake timed out", Err: ErrHandshakeTimeout})
	}
}

// heartbeatExpired fires after two intervals without a heartbeat. A ready
// session passes through Zombie on its way to Closed.
func (s *Session) heartbeatExpired() {
	s.mu.Lock()
	if s.state == Ready {
		s.state = Zombie
	}
	since := s.m.now().Sub(s.lastBeat)
	s.mu.Unlock()
	log.Warn().Str("conn_id", s.id).Dur("since", since).Msg("session.zombie")
	s.fail(&CloseError{Code: protocol.CloseSessionTimeout, Reason: "heartbeat missed", Err: ErrHeartbeatMissed})
}

func (s *Session) onHeartbeat(f protocol.Frame) error {
	if len(f.D) > 0 && string(f.D) != "null" {
		var seq uint64
		if err := json.Unmarshal(f.D, &seq); err != nil {
			return violation(protocol.CloseDecodeError, "heartbeat seq: %v", err)
		}
	}
	s.mu.Lock()
	if s.closing != nil {
		s.mu.Unlock()
		return nil
	}
	s.lastBeat = s.m.now()
	s.heartbeat.Reset(2 * s.interval)
	s.mu.Unlock()
	s.send(protocol.OpHeartbeatAck, nil)
	return nil
}
