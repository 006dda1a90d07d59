// Package sequencer stamps per-stream sequence numbers on outbound events
// and keeps the bounded replay window used by resume.
//
// Sequence numbers start at 1 and increase by exactly one per stamped
// event for the lifetime of a stream, across any number of resumes.
// Replay is all-or-nothing: a range with any evicted entry is refused.
package sequencer

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrReplayUnavailable = errors.New("sequencer: replay unavailable")
	ErrReplayEvicted     = fmt.Errorf("%w: range evicted", ErrReplayUnavailable)
	ErrSequenceAhead     = fmt.Errorf("%w: sequence ahead of stream", ErrReplayUnavailable)
)

// Limits bounds the replay window. The tighter of the two bounds applies.
type Limits struct {
	MaxEvents int
	MaxAge    time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		MaxEvents: 60,
		MaxAge:    5 * time.Minute,
	}
}

func (l Limits) WithDefaults() Limits {
	def := DefaultLimits()
	if l.MaxEvents <= 0 {
		l.MaxEvents = def.MaxEvents
	}
	if l.MaxAge <= 0 {
		l.MaxAge = def.MaxAge
	}
	return l
}

// Entry is one stamped outbound event.
type Entry struct {
	Seq      uint64
	Revision int64
	Type     string
	Payload  []byte
	At       time.Time
}

// Buffer is the sequence counter and replay window of one stream.
type Buffer struct {
	mu      sync.Mutex
	limits  Limits
	now     func() time.Time
	last    uint64
	entries []Entry
}

func NewBuffer(limits Limits, now func() time.Time) *Buffer {
	if now == nil {
		now = time.Now
	}
	return &Buffer{
		limits:  limits.WithDefaults(),
		now:     now,
		entries: make([]Entry, 0, 16),
	}
}

// Stamp assigns the next sequence number and records the event for replay.
// Revision is zero for events that originate from the stream itself.
func (b *Buffer) Stamp(revision int64, eventType string, payload []byte) Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.last++
	e := Entry{
		Seq:      b.last,
		Revision: revision,
		Type:     eventType,
		Payload:  payload,
		At:       b.now(),
	}
	b.entries = append(b.entries, e)
	b.evictLocked()
	return e
}

// Current is the last stamped sequence number, zero before the first event.
func (b *Buffer) Current() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evictLocked()
	return len(b.entries)
}

// Replay returns every entry with a sequence number in (last, Current()]
// in stamp order. It fails if last is ahead of the stream or if any entry
// of the range has been evicted.
func (b *Buffer) Replay(last uint64) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.evictLocked()
	if last > b.last {
		return nil, fmt.Errorf("%w: last=%d current=%d", ErrSequenceAhead, last, b.last)
	}
	if last == b.last {
		return []Entry{}, nil
	}
	if len(b.entries) == 0 || b.entries[0].Seq > last+1 {
		return nil, fmt.Errorf("%w: last=%d current=%d", ErrReplayEvicted, last, b.last)
	}
	start := int(last + 1 - b.entries[0].Seq)
	out := make([]Entry, len(b.entries)-start)
	copy(out, b.entries[start:])
	return out, nil
}

func (b *Buffer) evictLocked() {
	drop := 0
	if over := len(b.entries) - b.limits.MaxEvents; over > 0 {
		drop = over
	}
	cutoff := b.now().Add(-b.limits.MaxAge)
	for drop < len(b.entries) && b.entries[drop].At.Before(cutoff) {
		drop++
	}
	if drop == 0 {
		return
	}
	n := copy(b.entries, b.entries[drop:])
	clear(b.entries[n:])
	b.entries = b.entries[:n]
}
