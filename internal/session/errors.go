package session

import (
	"errors"
	"fmt"

	"github.com/danmuck/guildgate/internal/protocol"
	"github.com/danmuck/guildgate/internal/shard"
)

var (
	ErrHandshakeTimeout    = errors.New("session: handshake timeout")
	ErrAuthFailed          = errors.New("session: authentication failed")
	ErrResumeInvalid       = errors.New("session: resume invalid")
	ErrRateLimited         = errors.New("session: rate limited")
	ErrProtocolViolation   = errors.New("session: protocol violation")
	ErrUpstreamUnavailable = errors.New("session: upstream unavailable")

	ErrInvalidTransition = fmt.Errorf("%w: illegal state transition", ErrProtocolViolation)
	ErrHeartbeatMissed   = errors.New("session: heartbeat missed")
	ErrSlowConsumer      = errors.New("session: outbound queue full")
	ErrSuperseded        = errors.New("session: stream resumed on another connection")
	ErrShutdown          = errors.New("session: gateway shutting down")
	ErrClientClosed      = errors.New("session: closed by client")
)

// CloseError is the typed reason a connection ended. Code is what the
// client sees.
type CloseError struct {
	Code   protocol.CloseCode
	Reason string
	Err    error
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("session: close %d (%s): %v", int(e.Code), e.Reason, e.Err)
}

func (e *CloseError) Unwrap() error { return e.Err }

// CloseCodeFor maps an error from the taxonomy onto its close code.
func CloseCodeFor(err error) protocol.CloseCode {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	switch {
	case errors.Is(err, ErrHandshakeTimeout), errors.Is(err, ErrHeartbeatMissed):
		return protocol.CloseSessionTimeout
	case errors.Is(err, ErrAuthFailed):
		return protocol.CloseAuthenticationFailed
	case errors.Is(err, ErrResumeInvalid):
		return protocol.CloseInvalidSeq
	case errors.Is(err, ErrRateLimited):
		return protocol.CloseRateLimited
	case errors.Is(err, shard.ErrShardingRequired):
		return protocol.CloseShardingRequired
	case errors.Is(err, shard.ErrInvalidShard):
		return protocol.CloseInvalidShard
	case errors.Is(err, protocol.ErrUnsupportedVersion):
		return protocol.CloseInvalidVersion
	case errors.Is(err, ErrProtocolViolation),
		errors.Is(err, protocol.ErrInvalidPayload),
		errors.Is(err, protocol.ErrDecode):
		return protocol.CloseDecodeError
	default:
		return protocol.CloseUnknownError
	}
}

func asCloseError(err error) *CloseError {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce
	}
	code := CloseCodeFor(err)
	return &CloseError{Code: code, Reason: code.String(), Err: err}
}

func violation(code protocol.CloseCode, format string, args ...any) *CloseError {
	return &CloseError{
		Code:   code,
		Reason: code.String(),
		Err:    fmt.Errorf("%w: "+format, append([]any{ErrProtocolViolation}, args...)...),
	}
}

// resumable reports whether the stream behind a connection that ended with
// err stays available for resume.
func resumable(err error) bool {
	if err == nil {
		return true
	}
	switch {
	case errors.Is(err, ErrAuthFailed),
		errors.Is(err, ErrProtocolViolation),
		errors.Is(err, ErrResumeInvalid):
		return false
	case errors.Is(err, ErrClientClosed):
		return CloseCodeFor(err) != protocol.CloseNormal
	default:
		return true
	}
}
