package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/guildgate/internal/guildstate"
	"github.com/danmuck/guildgate/internal/observability"
	"github.com/danmuck/guildgate/internal/presence"
	"github.com/danmuck/guildgate/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (s *Session) onIdentify(ctx context.Context, f protocol.Frame) error {
	if err := s.beginAuth(f.Op, Identifying); err != nil {
		return err
	}
	m := s.m
	if !m.allowIdentify(s.remote) {
		return &CloseError{Code: protocol.CloseRateLimited, Reason: "identify rate limited", Err: ErrRateLimited}
	}
	var p protocol.Identify
	if err := f.Decode(&p); err != nil {
		return violation(protocol.CloseDecodeError, "identify: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.UpstreamTimeout)
	defer cancel()
	ident, err := m.validate(ctx, p.Token)
	if err != nil {
		return err
	}
	shardID, err := m.deps.Shards.Assign(p.Shard)
	if err != nil {
		return violation(CloseCodeFor(err), "%v", err)
	}
	guilds, err := m.guildsFor(ctx, ident.ID, shardID, p.GuildSubscriptions)
	if err != nil {
		return err
	}

	var initial presence.Status
	if p.Presence != nil {
		if initial, err = p.Presence.Resolve(); err != nil {
			return violation(protocol.CloseDecodeError, "identify presence: %v", err)
		}
	}
	st := m.newStream(ident, shardID, p.LargeThreshold)
	if p.Presence != nil {
		st.setPresence(initial, p.Presence.Game)
	}
	var readyErr error
	m.deps.Fanout.Join(st, guilds, func() {
		readyErr = m.ready(s, st, guilds)
	})
	if readyErr != nil {
		m.evict(st, "identify aborted")
		return readyErr
	}
	log.Info().
		Str("conn_id", s.id).
		Str("session_id", st.id).
		Str("user_id", ident.ID).
		Bool("bot", ident.Bot).
		Int("shard_id", shardID).
		Int("guilds", len(guilds)).
		Msg("session.ready")
	return nil
}

func (s *Session) onResume(ctx context.Context, f protocol.Frame) error {
	if err := s.beginAuth(f.Op, Resuming); err != nil {
		return err
	}
	m := s.m
	var p protocol.Resume
	if err := f.Decode(&p); err != nil {
		return violation(protocol.CloseDecodeError, "resume: %v", err)
	}
	st, ok := m.Lookup(p.SessionID)
	if !ok {
		return s.invalidate(fmt.Errorf("%w: unknown session %q", ErrResumeInvalid, p.SessionID))
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.UpstreamTimeout)
	defer cancel()
	ident, err := m.validate(ctx, p.Token)
	if err != nil {
		return err
	}
	if ident.ID != st.UserID() {
		return &CloseError{
			Code:   protocol.CloseAuthenticationFailed,
			Reason: protocol.CloseAuthenticationFailed.String(),
			Err:    fmt.Errorf("%w: token does not own session", ErrAuthFailed),
		}
	}

	resumed, err := json.Marshal(protocol.Resumed{Trace: []string{m.node}})
	if err != nil {
		return err
	}
	replayed, previous, err := st.resume(s, p.Seq, resumed)
	if err != nil {
		if errors.Is(err, ErrResumeInvalid) {
			return s.invalidate(err)
		}
		return err
	}
	if previous != nil {
		previous.fail(&CloseError{Code: protocol.CloseUnknownError, Reason: "session resumed elsewhere", Err: ErrSuperseded})
	}
	m.deps.Fanout.SyncPresence(st)
	observability.RecordResume("replayed")
	log.Info().
		Str("conn_id", s.id).
		Str("session_id", st.id).
		Uint64("from_seq", p.Seq).
		Int("replayed", replayed).
		Msg("session.resumed")
	return nil
}

// invalidate tells the client to identify from scratch, then closes.
func (s *Session) invalidate(err error) error {
	observability.RecordResume("invalid")
	s.send(protocol.OpInvalidSession, false)
	return &CloseError{Code: protocol.CloseInvalidSeq, Reason: "invalid session", Err: err}
}

func (s *Session) onStatusUpdate(st *Stream, f protocol.Frame) error {
	if !s.presence.Allow() {
		return &CloseError{Code: protocol.CloseRateLimited, Reason: "presence rate limited", Err: ErrRateLimited}
	}
	var p protocol.StatusUpdate
	if err := f.Decode(&p); err != nil {
		return violation(protocol.CloseDecodeError, "status update: %v", err)
	}
	status, err := p.Resolve()
	if err != nil {
		return violation(protocol.CloseDecodeError, "status update: %v", err)
	}
	st.setPresence(status, p.Game)
	s.m.deps.Fanout.SyncPresence(st)
	return nil
}

// onRequestGuildMembers answers with GUILD_MEMBERS_CHUNK dispatches.
// Requests for guilds the stream is not subscribed to are ignored.
func (s *Session) onRequestGuildMembers(ctx context.Context, st *Stream, f protocol.Frame) error {
	var p protocol.RequestGuildMembers
	if err := f.Decode(&p); err != nil {
		return violation(protocol.CloseDecodeError, "request guild members: %v", err)
	}
	if !st.Subscribed(p.GuildID) {
		log.Debug().Str("session_id", st.id).Str("guild_id", p.GuildID).Msg("session.member_request_ignored")
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.m.cfg.UpstreamTimeout)
	defer cancel()
	snap, err := s.m.deps.Guilds.Get(ctx, p.GuildID)
	if errors.Is(err, guildstate.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: guild %s: %v", ErrUpstreamUnavailable, p.GuildID, err)
	}

	query := strings.ToLower(p.Query)
	var matched []guildstate.Member
	for _, mem := range snap.Guild().Members {
		if len(matched) >= p.Limit {
			break
		}
		if query == "" ||
			strings.HasPrefix(strings.ToLower(mem.Nick), query) ||
			strings.HasPrefix(mem.UserID, p.Query) {
			matched = append(matched, mem)
		}
	}
	for _, chunk := range protocol.ChunkMembers(p.GuildID, matched, protocol.MaxMemberChunk) {
		raw, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		st.Deliver(0, protocol.EventGuildMembersChunk, raw)
	}
	return nil
}
