// Package dispatch turns committed guild mutations into ordered per-stream
// deliveries.
//
// Ownership boundary:
// - global revision assignment
// - recipient computation (subscriptions, channel visibility)
// - parking mutations for shards that are not ready and draining them in order
// - subscription and presence maintenance driven by membership events
//
// Every envelope is assigned its revision and delivered to all recipients
// while holding one lock, so each stream receives envelopes in revision
// order.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/guildgate/internal/guildstate"
	"github.com/danmuck/guildgate/internal/observability"
	"github.com/danmuck/guildgate/internal/presence"
	"github.com/danmuck/guildgate/internal/protocol"
	"github.com/danmuck/guildgate/internal/session"
	"github.com/danmuck/guildgate/internal/shard"
	"github.com/rs/zerolog/log"
)

var ErrInvalidEnvelope = errors.New("dispatch: invalid envelope")

// Envelope is one committed mutation. It is never modified after
// Submit assigns its revision.
type Envelope struct {
	Revision  int64           `json:"revision"`
	GuildID   string          `json:"guild_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Receipt acknowledges a submitted mutation. Queued is set when the
// guild's shard was not ready and the envelope is parked.
type Receipt struct {
	Revision int64 `json:"revision"`
	Queued   bool  `json:"queued"`
}

type Router = shard.Router[Envelope]

type streamSet map[*session.Stream]struct{}

type Dispatcher struct {
	router   *Router
	guilds   *guildstate.Cache
	presence *presence.Aggregator
	now      func() time.Time

	mu       sync.Mutex
	revision int64
	byGuild  map[string]streamSet
	byUser   map[string]streamSet
}

func New(router *Router, guilds *guildstate.Cache, agg *presence.Aggregator, now func() time.Time) *Dispatcher {
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		router:   router,
		guilds:   guilds,
		presence: agg,
		now:      now,
		byGuild:  make(map[string]streamSet),
		byUser:   make(map[string]streamSet),
	}
}

func (d *Dispatcher) Router() *Router { return d.router }

// Revision is the last revision assigned.
func (d *Dispatcher) Revision() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.revision
}

// Subscribers counts the streams subscribed to guildID.
func (d *Dispatcher) Subscribers(guildID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byGuild[guildID])
}

// Submit assigns the next revision to a committed mutation and fans it
// out, or parks it when the guild's shard is not ready. It returns once
// the revision is assigned.
func (d *Dispatcher) Submit(ctx context.Context, guildID, eventType string, payload json.RawMessage) (Receipt, error) {
	guildID = strings.TrimSpace(guildID)
	eventType = strings.TrimSpace(eventType)
	switch {
	case guildID == "":
		return Receipt{}, fmt.Errorf("%w: missing guild id", ErrInvalidEnvelope)
	case eventType == "":
		return Receipt{}, fmt.Errorf("%w: missing event type", ErrInvalidEnvelope)
	case len(payload) == 0 || !json.Valid(payload):
		return Receipt{}, fmt.Errorf("%w: payload is not json", ErrInvalidEnvelope)
	}
	if shardID := d.router.ShardFor(guildID); !d.router.Owns(shardID) {
		return Receipt{}, fmt.Errorf("%w: guild=%q shard=%d", shard.ErrNotOwned, guildID, shardID)
	}
	if needsSnapshot(eventType) {
		// Fan-out reads the cache under the lock; load it first.
		if _, err := d.guilds.Get(ctx, guildID); err != nil && !errors.Is(err, guildstate.ErrNotFound) {
			return Receipt{}, err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submitLocked(guildID, eventType, payload)
}

func needsSnapshot(eventType string) bool {
	if _, ok := protocol.ChannelScope(eventType); ok {
		return true
	}
	return eventType == protocol.EventGuildMemberAdd
}

func (d *Dispatcher) submitLocked(guildID, eventType string, payload json.RawMessage) (Receipt, error) {
	d.revision++
	env := Envelope{
		Revision:  d.revision,
		GuildID:   guildID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: d.now(),
	}
	err := d.router.ParkIfNotReady(guildID, env.Revision, env)
	switch {
	case errors.Is(err, shard.ErrShardNotReady):
		shardID := d.router.ShardFor(guildID)
		observability.RecordParked(shardID, len(d.router.Parked(shardID)))
		log.Debug().Str("guild_id", guildID).Int("shard_id", shardID).Int64("revision", env.Revision).
			Str("type", eventType).Msg("dispatch.parked")
		return Receipt{Revision: env.Revision, Queued: true}, nil
	case err != nil:
		return Receipt{}, err
	}
	d.fanoutLocked(env)
	return Receipt{Revision: env.Revision}, nil
}

// MarkReady marks shardID ready and delivers everything parked for it in
// revision order before any later submission.
func (d *Dispatcher) MarkReady(shardID int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pending, err := d.router.MarkReady(shardID)
	if err != nil {
		return 0, err
	}
	for _, p := range pending {
		d.fanoutLocked(p.Item)
	}
	observability.RecordParked(shardID, 0)
	log.Info().Int("shard_id", shardID).Int("drained", len(pending)).Msg("dispatch.shard_ready")
	return len(pending), nil
}

func (d *Dispatcher) MarkUnready(shardID int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.router.MarkUnready(shardID)
}

func (d *Dispatcher) fanoutLocked(env Envelope) {
	recipients := d.recipientsLocked(env)
	for _, st := range recipients {
		st.Deliver(env.Revision, env.Type, env.Payload)
	}
	observability.RecordDispatch(env.Type, len(recipients))

	switch env.Type {
	case protocol.EventGuildMemberAdd:
		if userID, ok := protocol.SubjectUserID(env.Payload); ok {
			d.subscribeUserLocked(env, userID)
		}
	case protocol.EventGuildMemberRemove:
		if userID, ok := protocol.SubjectUserID(env.Payload); ok {
			d.unsubscribeUserLocked(env, userID)
		}
	case protocol.EventGuildDelete:
		d.dropGuildLocked(env.GuildID)
	}
}

// recipientsLocked is every stream subscribed to the envelope's guild,
// narrowed to members who can view the channel for channel-scoped events.
// A channel-scoped event naming an unknown channel has no recipients.
func (d *Dispatcher) recipientsLocked(env Envelope) []*session.Stream {
	subs := d.byGuild[env.GuildID]
	out := make([]*session.Stream, 0, len(subs))
	field, scoped := protocol.ChannelScope(env.Type)
	if !scoped {
		for st := range subs {
			out = append(out, st)
		}
		return out
	}
	channelID, ok := protocol.ChannelID(env.Payload, field)
	if !ok {
		return out
	}
	snap, ok := d.guilds.Peek(env.GuildID)
	if !ok {
		return out
	}
	for st := range subs {
		if snap.CanView(st.UserID(), channelID) {
			out = append(out, st)
		}
	}
	return out
}

func (d *Dispatcher) indexLocked(guildID string, st *session.Stream) {
	set, ok := d.byGuild[guildID]
	if !ok {
		set = make(streamSet)
		d.byGuild[guildID] = set
	}
	set[st] = struct{}{}
}

func (d *Dispatcher) unindexLocked(guildID string, st *session.Stream) {
	set := d.byGuild[guildID]
	delete(set, st)
	if len(set) == 0 {
		delete(d.byGuild, guildID)
	}
}

// subscribeUserLocked joins the user's streams on the guild's shard to a
// guild they were just added to and sends them its GUILD_CREATE.
func (d *Dispatcher) subscribeUserLocked(env Envelope, userID string) {
	snap, ok := d.guilds.Peek(env.GuildID)
	if !ok {
		log.Warn().Str("guild_id", env.GuildID).Str("user_id", userID).Msg("dispatch.member_add_uncached")
		return
	}
	shardID := d.router.ShardFor(env.GuildID)
	for st := range d.byUser[userID] {
		if st.Shard() != shardID || !st.Subscribe(env.GuildID) {
			continue
		}
		d.indexLocked(env.GuildID, st)
		raw, err := json.Marshal(protocol.NewGuildPayload(snap, d.presence.Guild(env.GuildID), st.LargeThreshold()))
		if err != nil {
			log.Error().Err(err).Str("guild_id", env.GuildID).Msg("dispatch.guild_create_encode")
			continue
		}
		st.Deliver(env.Revision, protocol.EventGuildCreate, raw)
		d.syncGuildLocked(st, env.GuildID)
	}
}

// unsubscribeUserLocked detaches a removed member's streams from the
// guild. Each gets a GUILD_DELETE so the client drops its copy.
func (d *Dispatcher) unsubscribeUserLocked(env Envelope, userID string) {
	guildID := env.GuildID
	gone, _ := json.Marshal(protocol.GuildPayload{ID: guildID})
	for st := range d.byUser[userID] {
		if !st.Unsubscribe(guildID) {
			continue
		}
		d.unindexLocked(guildID, st)
		st.Deliver(env.Revision, protocol.EventGuildDelete, gone)
		if p, changed := d.presence.Remove(userID, guildID, st.ID()); changed {
			d.broadcastPresenceLocked(p)
		}
	}
}

func (d *Dispatcher) dropGuildLocked(guildID string) {
	for st := range d.byGuild[guildID] {
		st.Unsubscribe(guildID)
		d.presence.Remove(st.UserID(), guildID, st.ID())
	}
	delete(d.byGuild, guildID)
}

// Join implements session.Fanout.
func (d *Dispatcher) Join(st *session.Stream, guilds []string, ready func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.byUser[st.UserID()]
	if !ok {
		set = make(streamSet)
		d.byUser[st.UserID()] = set
	}
	set[st] = struct{}{}
	for _, g := range guilds {
		st.Subscribe(g)
		d.indexLocked(g, st)
	}
	ready()
	for _, g := range st.Guilds() {
		d.syncGuildLocked(st, g)
	}
}

// Leave implements session.Fanout.
func (d *Dispatcher) Leave(st *session.Stream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, g := range st.Guilds() {
		d.unindexLocked(g, st)
		if p, changed := d.presence.Remove(st.UserID(), g, st.ID()); changed {
			d.broadcastPresenceLocked(p)
		}
	}
	if set := d.byUser[st.UserID()]; set != nil {
		delete(set, st)
		if len(set) == 0 {
			delete(d.byUser, st.UserID())
		}
	}
}

// SyncPresence implements session.Fanout.
func (d *Dispatcher) SyncPresence(st *session.Stream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, g := range st.Guilds() {
		d.syncGuildLocked(st, g)
	}
}

func (d *Dispatcher) syncGuildLocked(st *session.Stream, guildID string) {
	status, activity, attached := st.Presence()
	var (
		p       presence.Presence
		changed bool
	)
	if attached {
		p, changed = d.presence.Update(st.UserID(), guildID, st.ID(), status, activity)
	} else {
		p, changed = d.presence.Remove(st.UserID(), guildID, st.ID())
	}
	if changed {
		d.broadcastPresenceLocked(p)
	}
}

func (d *Dispatcher) broadcastPresenceLocked(p presence.Presence) {
	raw, err := json.Marshal(protocol.NewPresenceUpdate(p))
	if err != nil {
		log.Error().Err(err).Str("guild_id", p.GuildID).Msg("dispatch.presence_encode")
		return
	}
	if _, err := d.submitLocked(p.GuildID, protocol.EventPresenceUpdate, raw); err != nil {
		log.Warn().Err(err).Str("guild_id", p.GuildID).Str("user_id", p.UserID).Msg("dispatch.presence_dropped")
	}
}
