package guildstate

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Source is the storage collaborator. Implementations return errors
// wrapping ErrNotFound for missing documents.
type Source interface {
	ReadGuild(ctx context.Context, guildID string) (Guild, error)
	ReadMember(ctx context.Context, guildID, userID string) (Member, error)
	GuildsForUser(ctx context.Context, userID string) ([]string, error)
}

type CacheConfig struct {
	ReadTimeout time.Duration
	Backoff     BackoffConfig
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		ReadTimeout: 2 * time.Second,
		Backoff: BackoffConfig{
			MaxAttempts:  3,
			InitialDelay: 50 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     500 * time.Millisecond,
			Jitter:       true,
		},
	}
}

func (c CacheConfig) WithDefaults() CacheConfig {
	def := DefaultCacheConfig()
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.Backoff.MaxAttempts <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}

type slot struct {
	write   sync.Mutex
	current atomic.Pointer[Snapshot]
}

// Cache is the read-through, versioned guild cache. Readers get immutable
// snapshots without locking; writers for one guild are serialized by that
// guild's write section.
type Cache struct {
	src   Source
	cfg   CacheConfig
	group singleflight.Group

	mu    sync.RWMutex
	slots map[string]*slot
}

func NewCache(src Source, cfg CacheConfig) *Cache {
	return &Cache{
		src:   src,
		cfg:   cfg.WithDefaults(),
		slots: make(map[string]*slot),
	}
}

func (c *Cache) slot(guildID string) *slot {
	c.mu.RLock()
	s, ok := c.slots[guildID]
	c.mu.RUnlock()
	if ok {
		return s
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.slots[guildID]; !ok {
		s = &slot{}
		c.slots[guildID] = s
	}
	return s
}

// Peek returns the published snapshot without touching storage.
func (c *Cache) Peek(guildID string) (*Snapshot, bool) {
	c.mu.RLock()
	s, ok := c.slots[guildID]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	snap := s.current.Load()
	return snap, snap != nil
}

// Get returns the current snapshot, loading it from storage on a miss.
// Concurrent misses for one guild share a single storage read.
func (c *Cache) Get(ctx context.Context, guildID string) (*Snapshot, error) {
	if snap, ok := c.Peek(guildID); ok {
		return snap, nil
	}
	v, err, _ := c.group.Do(guildID, func() (any, error) {
		if snap, ok := c.Peek(guildID); ok {
			return snap, nil
		}
		g, err := c.readGuild(ctx, guildID)
		if err != nil {
			return nil, err
		}
		return c.publishLoaded(guildID, g), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// publishLoaded installs a snapshot read from storage unless a writer
// published a newer one while the read was in flight.
func (c *Cache) publishLoaded(guildID string, g Guild) *Snapshot {
	s := c.slot(guildID)
	next := newSnapshot(g)
	for {
		cur := s.current.Load()
		if cur != nil && cur.Version() >= next.Version() {
			return cur
		}
		if s.current.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// Member returns a member of guildID, consulting storage when the cached
// snapshot does not list it.
func (c *Cache) Member(ctx context.Context, guildID, userID string) (Member, error) {
	snap, err := c.Get(ctx, guildID)
	if err != nil {
		return Member{}, err
	}
	if m, ok := snap.Member(userID); ok {
		return m, nil
	}
	var out Member
	err = c.retry(ctx, "read_member", func(ctx context.Context) error {
		m, err := c.src.ReadMember(ctx, guildID, userID)
		out = m
		return err
	})
	return out, err
}

// GuildsForUser lists the guild ids userID belongs to.
func (c *Cache) GuildsForUser(ctx context.Context, userID string) ([]string, error) {
	var out []string
	err := c.retry(ctx, "guilds_for_user", func(ctx context.Context) error {
		ids, err := c.src.GuildsForUser(ctx, userID)
		out = ids
		return err
	})
	return out, err
}

// Update runs apply inside guildID's write section. apply receives a
// private copy of the current guild (zero value with ID set when the guild
// does not exist yet) and is expected to commit the change to canonical
// storage before returning. The returned guild is published atomically;
// if apply fails nothing is published.
func (c *Cache) Update(ctx context.Context, guildID string, apply func(ctx context.Context, current Guild) (Guild, error)) (*Snapshot, error) {
	s := c.slot(guildID)
	s.write.Lock()
	defer s.write.Unlock()

	current := s.current.Load()
	if current == nil {
		g, err := c.readGuild(ctx, guildID)
		switch {
		case err == nil:
			current = newSnapshot(g)
		case errors.Is(err, ErrNotFound):
			current = newSnapshot(Guild{ID: guildID})
		default:
			return nil, err
		}
	}

	next, err := apply(ctx, current.Guild().Clone())
	if err != nil {
		return nil, err
	}
	next.ID = guildID
	if err := next.Validate(); err != nil {
		return nil, err
	}
	if next.Version <= current.Version() {
		next.Version = current.Version() + 1
	}
	snap := newSnapshot(next)
	s.current.Store(snap)
	log.Debug().Str("guild_id", guildID).Uint64("version", snap.Version()).Msg("guildstate.published")
	return snap, nil
}

// Invalidate drops the published snapshot so the next Get reloads it.
func (c *Cache) Invalidate(guildID string) {
	c.mu.RLock()
	s, ok := c.slots[guildID]
	c.mu.RUnlock()
	if !ok {
		return
	}
	s.write.Lock()
	s.current.Store(nil)
	s.write.Unlock()
}

// Remove forgets guildID entirely.
func (c *Cache) Remove(guildID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.slots, guildID)
}

func (c *Cache) readGuild(ctx context.Context, guildID string) (Guild, error) {
	var out Guild
	err := c.retry(ctx, "read_guild", func(ctx context.Context) error {
		g, err := c.src.ReadGuild(ctx, guildID)
		out = g
		return err
	})
	if err != nil {
		return Guild{}, err
	}
	if out.ID == "" {
		out.ID = guildID
	}
	return out, nil
}

// retry bounds each storage call by the read timeout and retries with
// backoff. Not-found is final; anything else that outlives the attempts
// is reported as ErrUpstreamUnavailable.
func (c *Cache) retry(ctx context.Context, op string, call func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.Backoff.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.ReadTimeout)
		err := call(callCtx)
		cancel()
		if err == nil || errors.Is(err, ErrNotFound) {
			return err
		}
		lastErr = err
		if attempt == c.cfg.Backoff.MaxAttempts {
			break
		}
		delay := c.cfg.Backoff.Delay(attempt, rand.Float64())
		if deadline, ok := ctx.Deadline(); !outlives(deadline, ok, delay) {
			return fmt.Errorf("%w: %s: deadline before retry: %v", ErrUpstreamUnavailable, op, err)
		}
		log.Warn().Str("op", op).Int("attempt", attempt).Dur("delay", delay).Err(err).Msg("guildstate.retry")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %s: %v", ErrUpstreamUnavailable, op, ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrUpstreamUnavailable, op, lastErr)
}
