package shard

import (
	"sort"
	"time"
)

// Pending is one mutation held for a shard that is not ready.
type Pending[T any] struct {
	Revision int64
	GuildID  string
	ShardID  int
	QueuedAt time.Time
	Item     T
}

// queue keeps pending mutations ordered by revision. Callers serialize
// access through the router lock.
type queue[T any] struct {
	items []Pending[T]
}

func (q *queue[T]) push(p Pending[T]) {
	n := len(q.items)
	if n == 0 || q.items[n-1].Revision <= p.Revision {
		q.items = append(q.items, p)
		return
	}
	i := sort.Search(n, func(i int) bool {
		return q.items[i].Revision > p.Revision
	})
	q.items = append(q.items, Pending[T]{})
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = p
}

func (q *queue[T]) drain() []Pending[T] {
	out := q.items
	q.items = nil
	if out == nil {
		return []Pending[T]{}
	}
	return out
}

func (q *queue[T]) list() []Pending[T] {
	return append([]Pending[T](nil), q.items...)
}

func (q *queue[T]) len() int {
	return len(q.items)
}
