// Package shard maps guilds onto shards, tracks which of this process's
// shards are ready, and holds mutations for shards that are not.
package shard

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrShardNotReady    = errors.New("shard: not ready")
	ErrInvalidShard     = errors.New("shard: invalid shard")
	ErrShardingRequired = errors.New("shard: sharding required")
	ErrNotOwned         = fmt.Errorf("%w: not owned by this process", ErrInvalidShard)
)

// Status is a point-in-time view of one owned shard.
type Status struct {
	ID     int  `json:"id"`
	Ready  bool `json:"ready"`
	Parked int  `json:"parked"`
}

// Router is safe for concurrent use. T is the queued mutation type.
type Router[T any] struct {
	count int
	owned []int
	now   func() time.Time

	mu     sync.RWMutex
	ready  map[int]bool
	parked map[int]*queue[T]
}

func NewRouter[T any](count int, owned []int, now func() time.Time) (*Router[T], error) {
	if count < 1 {
		return nil, fmt.Errorf("%w: count=%d", ErrInvalidShard, count)
	}
	if now == nil {
		now = time.Now
	}
	if len(owned) == 0 {
		owned = make([]int, count)
		for i := range owned {
			owned[i] = i
		}
	}
	r := &Router[T]{
		count:  count,
		now:    now,
		ready:  make(map[int]bool, len(owned)),
		parked: make(map[int]*queue[T], len(owned)),
	}
	for _, id := range owned {
		if id < 0 || id >= count {
			return nil, fmt.Errorf("%w: owned id=%d count=%d", ErrInvalidShard, id, count)
		}
		if _, dup := r.ready[id]; dup {
			continue
		}
		r.ready[id] = false
		r.parked[id] = &queue[T]{}
		r.owned = append(r.owned, id)
	}
	sort.Ints(r.owned)
	return r, nil
}

func (r *Router[T]) Count() int {
	return r.count
}

func (r *Router[T]) Owned() []int {
	return append([]int(nil), r.owned...)
}

func (r *Router[T]) Owns(shardID int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ready[shardID]
	return ok
}

// ShardFor hashes the guild id onto the configured shard count.
func (r *Router[T]) ShardFor(guildID string) int {
	return For(guildID, r.count)
}

// For is the stateless form of ShardFor.
func For(guildID string, count int) int {
	if count <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(guildID) % uint64(count))
}

// Assign validates a client-requested [id, count] pair and returns the
// shard a session is bound to. A nil request is only valid when the
// deployment runs a single shard.
func (r *Router[T]) Assign(requested []int) (int, error) {
	if requested == nil {
		if r.count == 1 {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: count=%d", ErrShardingRequired, r.count)
	}
	if len(requested) != 2 {
		return 0, fmt.Errorf("%w: want [id, count] got %d values", ErrInvalidShard, len(requested))
	}
	id, count := requested[0], requested[1]
	if count < 1 || id < 0 || id >= count {
		return 0, fmt.Errorf("%w: id=%d count=%d", ErrInvalidShard, id, count)
	}
	if count != r.count {
		return 0, fmt.Errorf("%w: count=%d configured=%d", ErrInvalidShard, count, r.count)
	}
	if !r.Owns(id) {
		return 0, fmt.Errorf("%w: id=%d", ErrNotOwned, id)
	}
	return id, nil
}

func (r *Router[T]) IsReady(shardID int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ready[shardID]
}

// AllReady reports whether every owned shard is ready.
func (r *Router[T]) AllReady() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ok := range r.ready {
		if !ok {
			return false
		}
	}
	return true
}

// MarkReady flips shardID to ready and returns the mutations parked while
// it was not, in revision order. The caller owns delivering them.
func (r *Router[T]) MarkReady(shardID int) ([]Pending[T], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ready[shardID]; !ok {
		return nil, fmt.Errorf("%w: id=%d", ErrNotOwned, shardID)
	}
	r.ready[shardID] = true
	return r.parked[shardID].drain(), nil
}

// MarkUnready parks future mutations for shardID until the next MarkReady.
func (r *Router[T]) MarkUnready(shardID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ready[shardID]; !ok {
		return fmt.Errorf("%w: id=%d", ErrNotOwned, shardID)
	}
	r.ready[shardID] = false
	return nil
}

// ParkIfNotReady queues item when the guild's shard is not ready. It
// returns ErrShardNotReady when the item was parked and nil when the
// caller should dispatch it now. The check and the enqueue are atomic with
// respect to MarkReady.
func (r *Router[T]) ParkIfNotReady(guildID string, revision int64, item T) error {
	shardID := r.ShardFor(guildID)
	r.mu.Lock()
	defer r.mu.Unlock()
	ready, owned := r.ready[shardID]
	if !owned {
		return fmt.Errorf("%w: guild=%q shard=%d", ErrNotOwned, guildID, shardID)
	}
	if ready {
		return nil
	}
	r.parked[shardID].push(Pending[T]{
		Revision: revision,
		GuildID:  guildID,
		ShardID:  shardID,
		QueuedAt: r.now(),
		Item:     item,
	})
	return fmt.Errorf("%w: shard=%d", ErrShardNotReady, shardID)
}

func (r *Router[T]) Parked(shardID int) []Pending[T] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.parked[shardID]
	if !ok {
		return nil
	}
	return q.list()
}

func (r *Router[T]) Snapshot() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, 0, len(r.owned))
	for _, id := range r.owned {
		out = append(out, Status{ID: id, Ready: r.ready[id], Parked: r.parked[id].len()})
	}
	return out
}
