package session

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/guildgate/internal/identity"
	"github.com/danmuck/guildgate/internal/presence"
	"github.com/danmuck/guildgate/internal/protocol"
	"github.com/danmuck/guildgate/internal/sequencer"
)

// Stream is the resumable half of a session: everything a client gets
// back when it resumes on a new connection. A stream outlives its
// connection for the resume grace period, stamping and buffering events
// it cannot transmit.
type Stream struct {
	id             string
	identity       identity.Identity
	shardID        int
	shardCount     int
	largeThreshold int
	buf            *sequencer.Buffer

	mu       sync.Mutex
	guilds   map[string]struct{}
	status   presence.Status
	activity *presence.Activity
	attached *Session
	expiry   *time.Timer
	evicted  bool
}

func newStream(id string, ident identity.Identity, shardID, shardCount, largeThreshold int, buf *sequencer.Buffer) *Stream {
	return &Stream{
		id:             id,
		identity:       ident,
		shardID:        shardID,
		shardCount:     shardCount,
		largeThreshold: largeThreshold,
		buf:            buf,
		guilds:         make(map[string]struct{}),
		status:         presence.Online,
	}
}

func (st *Stream) ID() string          { return st.id }
func (st *Stream) UserID() string      { return st.identity.ID }
func (st *Stream) Bot() bool           { return st.identity.Bot }
func (st *Stream) Shard() int          { return st.shardID }
func (st *Stream) LargeThreshold() int { return st.largeThreshold }

// Seq is the last sequence number stamped on this stream.
func (st *Stream) Seq() uint64 { return st.buf.Current() }

// Presence returns the declared status and whether a connection is
// currently attached. A detached stream counts as offline.
func (st *Stream) Presence() (presence.Status, *presence.Activity, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.status, st.activity, st.attached != nil
}

func (st *Stream) setPresence(status presence.Status, activity *presence.Activity) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.status = status
	st.activity = activity
}

func (st *Stream) Attached() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.attached != nil
}

func (st *Stream) Guilds() []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]string, 0, len(st.guilds))
	for g := range st.guilds {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

func (st *Stream) Subscribed(guildID string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := st.guilds[guildID]
	return ok
}

// Subscribe adds guildID and reports whether it was new. Only the fan-out
// maintains subscriptions.
func (st *Stream) Subscribe(guildID string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.guilds[guildID]; ok {
		return false
	}
	st.guilds[guildID] = struct{}{}
	return true
}

func (st *Stream) Unsubscribe(guildID string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.guilds[guildID]; !ok {
		return false
	}
	delete(st.guilds, guildID)
	return true
}

// Deliver stamps the next sequence number on an event, records it for
// replay, and hands it to the attached connection if there is one.
// It never blocks: a connection that cannot keep up is closed instead.
func (st *Stream) Deliver(revision int64, eventType string, payload json.RawMessage) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.evicted {
		return
	}
	st.deliverLocked(revision, eventType, payload)
}

func (st *Stream) deliverLocked(revision int64, eventType string, payload json.RawMessage) {
	e := st.buf.Stamp(revision, eventType, payload)
	if st.attached != nil {
		st.attached.enqueue(entryFrame(e))
	}
}

func entryFrame(e sequencer.Entry) protocol.Frame {
	return protocol.DispatchFrame(e.Seq, e.Type, json.RawMessage(e.Payload))
}

// resume replays (last, current] to s, attaches s, and stamps RESUMED. It
// returns the connection that was attached before, if any.
func (st *Stream) resume(s *Session, last uint64, resumed json.RawMessage) (replayed int, previous *Session, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.evicted {
		return 0, nil, fmt.Errorf("%w: stream %s evicted", ErrResumeInvalid, st.id)
	}
	entries, err := st.buf.Replay(last)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrResumeInvalid, err)
	}
	if err := s.activate(st, Resuming); err != nil {
		return 0, nil, err
	}
	previous = st.attached
	st.attached = s
	if st.expiry != nil {
		st.expiry.Stop()
		st.expiry = nil
	}
	for _, e := range entries {
		s.enqueue(entryFrame(e))
	}
	st.deliverLocked(0, protocol.EventResumed, resumed)
	return len(entries), previous, nil
}

// detach drops s if it is still the attached connection. A resumable
// detach arms expire after grace.
func (st *Stream) detach(s *Session, keep bool, grace time.Duration, expire func()) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.attached != s {
		return false
	}
	st.attached = nil
	if keep && !st.evicted {
		st.expiry = time.AfterFunc(grace, expire)
	}
	return true
}

// markEvicted ends the stream unless a connection reattached first.
func (st *Stream) markEvicted() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.evicted || st.attached != nil {
		return false
	}
	st.evicted = true
	if st.expiry != nil {
		st.expiry.Stop()
		st.expiry = nil
	}
	return true
}
