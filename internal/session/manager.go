package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/guildgate/internal/guildstate"
	"github.com/danmuck/guildgate/internal/identity"
	"github.com/danmuck/guildgate/internal/observability"
	"github.com/danmuck/guildgate/internal/presence"
	"github.com/danmuck/guildgate/internal/protocol"
	"github.com/danmuck/guildgate/internal/sequencer"
	"github.com/danmuck/guildgate/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var ErrMissingDependency = errors.New("session: missing dependency")

// ShardAssigner binds sessions to shards.
type ShardAssigner interface {
	Count() int
	Assign(requested []int) (int, error)
	ShardFor(guildID string) int
}

// Fanout is the dispatch side of a stream's subscriptions.
//
// Join subscribes st to guilds and runs ready while holding the fan-out
// lock, so no envelope for those guilds is delivered between the initial
// snapshot and the first dispatch. Leave drops every subscription.
// SyncPresence re-merges st's presence in each subscribed guild, counting
// a detached stream as offline, and dispatches any change.
type Fanout interface {
	Join(st *Stream, guilds []string, ready func())
	Leave(st *Stream)
	SyncPresence(st *Stream)
}

type Deps struct {
	Identity identity.Validator
	Guilds   *guildstate.Cache
	Presence *presence.Aggregator
	Shards   ShardAssigner
	Fanout   Fanout
	Node     string
	Now      func() time.Time
}

// Manager owns every live connection and resumable stream of one
// process.
type Manager struct {
	cfg  Config
	deps Deps
	node string
	now  func() time.Time

	mu      sync.Mutex
	streams map[string]*Stream
	live    map[*Session]struct{}
	wg      sync.WaitGroup

	identifyMu sync.Mutex
	identify   map[string]*rate.Limiter
}

func NewManager(cfg Config, deps Deps) (*Manager, error) {
	switch {
	case deps.Identity == nil:
		return nil, fmt.Errorf("%w: identity validator", ErrMissingDependency)
	case deps.Guilds == nil:
		return nil, fmt.Errorf("%w: guild cache", ErrMissingDependency)
	case deps.Presence == nil:
		return nil, fmt.Errorf("%w: presence aggregator", ErrMissingDependency)
	case deps.Shards == nil:
		return nil, fmt.Errorf("%w: shard assigner", ErrMissingDependency)
	case deps.Fanout == nil:
		return nil, fmt.Errorf("%w: fanout", ErrMissingDependency)
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	node := strings.TrimSpace(deps.Node)
	if node == "" {
		node = "guildgate"
	}
	return &Manager{
		cfg:      cfg.WithDefaults(),
		deps:     deps,
		node:     node,
		now:      now,
		streams:  make(map[string]*Stream),
		live:     make(map[*Session]struct{}),
		identify: make(map[string]*rate.Limiter),
	}, nil
}

// Serve runs one connection until it closes. kind labels the transport
// in logs and metrics. The returned error is the typed close reason.
func (m *Manager) Serve(ctx context.Context, conn transport.Conn, kind string, params protocol.Params) error {
	codec, err := protocol.CodecFor(params.Encoding)
	if err != nil {
		_ = conn.Close(int(protocol.CloseDecodeError), err.Error())
		return err
	}
	comp, err := protocol.NewCompressor(params.Compression)
	if err != nil {
		_ = conn.Close(int(protocol.CloseDecodeError), err.Error())
		return err
	}

	s := &Session{
		id:        uuid.NewString(),
		m:         m,
		conn:      conn,
		transport: kind,
		remote:    remoteHost(conn.RemoteAddr()),
		codec:     codec,
		comp:      comp,
		interval:  m.heartbeatInterval(),
		out:       make(chan outItem, m.cfg.OutboundQueue),
		done:      make(chan struct{}),
		closed:    make(chan struct{}),
		messages:  m.cfg.MessageLimit.limiter(),
		presence:  m.cfg.PresenceLimit.limiter(),
		state:     Connecting,
	}
	if !m.track(s) {
		_ = conn.Close(int(protocol.CloseUnknownError), "gateway shutting down")
		return ErrShutdown
	}
	defer m.untrack(s)

	observability.RecordConnectionOpened(kind)
	log.Debug().Str("conn_id", s.id).Str("remote", s.remote).Str("transport", kind).
		Str("encoding", string(params.Encoding)).Msg("session.connected")

	go s.writeLoop()
	s.hello()
	err = s.readLoop(ctx)
	s.fail(err)
	<-s.done

	ce := s.closeReason()
	m.release(s, ce)
	observability.RecordConnectionClosed(kind, int(ce.Code))
	return ce
}

// Lookup returns a resumable stream by session id.
func (m *Manager) Lookup(id string) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.streams[id]
	return st, ok
}

func (m *Manager) Streams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

func (m *Manager) Connections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Shutdown asks every client to reconnect elsewhere, closes their
// connections and waits for them to finish or ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.live))
	for s := range m.live {
		sessions = append(sessions, s)
	}
	m.live = nil
	m.mu.Unlock()

	for _, s := range sessions {
		s.send(protocol.OpReconnect, nil)
		s.fail(&CloseError{Code: protocol.CloseUnknownError, Reason: "gateway shutting down", Err: ErrShutdown})
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) track(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live == nil {
		return false
	}
	m.live[s] = struct{}{}
	m.wg.Add(1)
	return true
}

func (m *Manager) untrack(s *Session) {
	m.mu.Lock()
	if m.live != nil {
		delete(m.live, s)
	}
	m.mu.Unlock()
	m.wg.Done()
}

func (m *Manager) heartbeatInterval() time.Duration {
	lo, hi := m.cfg.HeartbeatMin, m.cfg.HeartbeatMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int64N(int64(hi-lo)+1))
}

func (m *Manager) allowIdentify(host string) bool {
	m.identifyMu.Lock()
	defer m.identifyMu.Unlock()
	lim, ok := m.identify[host]
	if !ok {
		if len(m.identify) >= 4096 {
			m.pruneIdentifyLocked()
		}
		lim = m.cfg.IdentifyLimit.limiter()
		m.identify[host] = lim
	}
	return lim.Allow()
}

// pruneIdentifyLocked forgets hosts whose bucket has refilled.
func (m *Manager) pruneIdentifyLocked() {
	for host, lim := range m.identify {
		if lim.Tokens() >= float64(lim.Burst()) {
			delete(m.identify, host)
		}
	}
}

func (m *Manager) newStream(ident identity.Identity, shardID, largeThreshold int) *Stream {
	buf := sequencer.NewBuffer(m.cfg.Resume, m.now)
	st := newStream(uuid.NewString(), ident, shardID, m.deps.Shards.Count(), largeThreshold, buf)
	m.mu.Lock()
	m.streams[st.id] = st
	m.mu.Unlock()
	return st
}

// release runs after a connection has fully closed.
func (m *Manager) release(s *Session, ce *CloseError) {
	st := s.Stream()
	if st == nil {
		return
	}
	keep := resumable(ce)
	if !st.detach(s, keep, m.cfg.ResumeGrace, func() { m.evict(st, "grace expired") }) {
		return
	}
	m.deps.Fanout.SyncPresence(st)
	if !keep {
		m.evict(st, "not resumable")
		return
	}
	log.Debug().Str("session_id", st.id).Dur("grace", m.cfg.ResumeGrace).Msg("session.detached")
}

func (m *Manager) evict(st *Stream, reason string) {
	if !st.markEvicted() {
		return
	}
	m.mu.Lock()
	delete(m.streams, st.id)
	m.mu.Unlock()
	m.deps.Fanout.Leave(st)
	log.Info().Str("session_id", st.id).Str("user_id", st.UserID()).Str("reason", reason).Msg("session.evicted")
}

func (m *Manager) validate(ctx context.Context, token string) (identity.Identity, error) {
	ident, err := m.deps.Identity.Validate(ctx, token)
	switch {
	case err == nil:
		return ident, nil
	case errors.Is(err, identity.ErrUnauthorized):
		return identity.Identity{}, &CloseError{
			Code:   protocol.CloseAuthenticationFailed,
			Reason: protocol.CloseAuthenticationFailed.String(),
			Err:    fmt.Errorf("%w: %v", ErrAuthFailed, err),
		}
	default:
		return identity.Identity{}, fmt.Errorf("%w: identity: %v", ErrUpstreamUnavailable, err)
	}
}

// guildsFor lists the guilds of userID that live on shardID, warming the
// cache for each so the ready snapshot is built without blocking.
func (m *Manager) guildsFor(ctx context.Context, userID string, shardID int, allow []string) ([]string, error) {
	ids, err := m.deps.Guilds.GuildsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: guild list: %v", ErrUpstreamUnavailable, err)
	}
	var allowed map[string]struct{}
	if len(allow) > 0 {
		allowed = make(map[string]struct{}, len(allow))
		for _, g := range allow {
			allowed[g] = struct{}{}
		}
	}
	candidates := make([]string, 0, len(ids))
	for _, g := range ids {
		if m.deps.Shards.ShardFor(g) != shardID {
			continue
		}
		if allowed != nil {
			if _, ok := allowed[g]; !ok {
				continue
			}
		}
		candidates = append(candidates, g)
	}

	var (
		mu    sync.Mutex
		found = make([]string, 0, len(candidates))
	)
	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(8)
	for _, g := range candidates {
		eg.Go(func() error {
			_, err := m.deps.Guilds.Get(egctx, g)
			if errors.Is(err, guildstate.ErrNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("%w: guild %s: %v", ErrUpstreamUnavailable, g, err)
			}
			mu.Lock()
			found = append(found, g)
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	sort.Strings(found)
	return found, nil
}

// ready attaches s to st and delivers READY. It runs under the fan-out
// lock; see Fanout.Join.
func (m *Manager) ready(s *Session, st *Stream, guilds []string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := s.activate(st, Identifying); err != nil {
		return err
	}
	st.attached = s

	payload := protocol.Ready{
		V:               protocol.Version,
		User:            protocol.User{ID: st.identity.ID, Bot: st.identity.Bot},
		SessionID:       st.id,
		Shard:           []int{st.shardID, st.shardCount},
		Guilds:          make([]protocol.GuildPayload, 0, len(guilds)),
		PrivateChannels: []any{},
		Trace:           []string{m.node},
	}
	var creates []protocol.GuildPayload
	for _, g := range guilds {
		snap, ok := m.deps.Guilds.Peek(g)
		if !ok {
			payload.Guilds = append(payload.Guilds, protocol.GuildPayload{ID: g, Unavailable: true})
			continue
		}
		full := protocol.NewGuildPayload(snap, m.deps.Presence.Guild(g), st.largeThreshold)
		if st.identity.Bot {
			payload.Guilds = append(payload.Guilds, protocol.GuildPayload{ID: g, Unavailable: true})
			creates = append(creates, full)
			continue
		}
		payload.Guilds = append(payload.Guilds, full)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	st.deliverLocked(0, protocol.EventReady, raw)
	for _, c := range creates {
		raw, err := json.Marshal(c)
		if err != nil {
			return err
		}
		st.deliverLocked(0, protocol.EventGuildCreate, raw)
	}
	return nil
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
