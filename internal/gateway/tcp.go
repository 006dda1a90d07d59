package gateway

import (
	"context"
	"errors"
	"net"

	"github.com/danmuck/guildgate/internal/protocol"
	"github.com/danmuck/guildgate/internal/transport"
	"github.com/rs/zerolog/log"
)

// ServeTCP accepts framed TCP clients on ln until ctx ends. TCP clients
// always speak JSON without transport compression.
func (s *Service) ServeTCP(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		go s.handleTCP(ctx, conn)
	}
}

func (s *Service) handleTCP(ctx context.Context, conn net.Conn) {
	defer s.untrackConn(conn)
	defer conn.Close()
	t := transport.NewTCP(conn, s.cfg.Gateway.FrameLimits(), s.cfg.Gateway.WriteTimeout)
	err := s.mgr.Serve(ctx, t, "tcp", protocol.Params{
		Version:  protocol.Version,
		Encoding: protocol.EncodingJSON,
	})
	log.Debug().Str("remote", conn.RemoteAddr().String()).Err(err).Msg("gateway.tcp_closed")
}

func (s *Service) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Service) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

// closeAllConns drops TCP connections the session manager did not close.
func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
