// Package presence merges the per-session statuses of one identity into
// the single presence other guild members see.
package presence

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var ErrInvalidStatus = errors.New("presence: invalid status")

type Status string

const (
	Online    Status = "online"
	Idle      Status = "idle"
	DND       Status = "dnd"
	Offline   Status = "offline"
	Invisible Status = "invisible"
)

// ParseStatus accepts the client-declared status strings. Invisible is
// reported to others as Offline.
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case Online:
		return Online, nil
	case Idle:
		return Idle, nil
	case DND:
		return DND, nil
	case Offline, Invisible:
		return Offline, nil
	case "":
		return Online, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

func (s Status) priority() int {
	switch s {
	case Online:
		return 3
	case Idle:
		return 2
	case DND:
		return 1
	default:
		return 0
	}
}

// Activity is the optional "playing"/"streaming" descriptor.
type Activity struct {
	Name string `json:"name"`
	Type int    `json:"type"`
	URL  string `json:"url,omitempty"`
}

// Presence is the merged, guild-visible presence of one identity.
type Presence struct {
	UserID   string    `json:"user_id"`
	GuildID  string    `json:"guild_id"`
	Status   Status    `json:"status"`
	Activity *Activity `json:"game"`
}

func (p Presence) equal(o Presence) bool {
	if p.Status != o.Status {
		return false
	}
	if p.Activity == nil || o.Activity == nil {
		return p.Activity == nil && o.Activity == nil
	}
	return *p.Activity == *o.Activity
}

type key struct {
	identity string
	guild    string
}

type sessionState struct {
	status   Status
	activity *Activity
	order    uint64
}

type entry struct {
	sessions map[string]sessionState
	merged   Presence
}

// Aggregator tracks per-session statuses keyed by (identity, guild).
type Aggregator struct {
	mu      sync.Mutex
	entries map[key]*entry
	byGuild map[string]map[string]struct{}
	clock   uint64
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		entries: make(map[key]*entry),
		byGuild: make(map[string]map[string]struct{}),
	}
}

// Update records the declared status of one session of identity in guild
// and returns the merged presence and whether it differs from the previous
// merge.
func (a *Aggregator) Update(identity, guild, sessionID string, status Status, activity *Activity) (Presence, bool) {
	if status == Invisible {
		status = Offline
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	k := key{identity: identity, guild: guild}
	e, ok := a.entries[k]
	if !ok {
		e = &entry{
			sessions: make(map[string]sessionState),
			merged:   Presence{UserID: identity, GuildID: guild, Status: Offline},
		}
		a.entries[k] = e
		members, ok := a.byGuild[guild]
		if !ok {
			members = make(map[string]struct{})
			a.byGuild[guild] = members
		}
		members[identity] = struct{}{}
	}
	a.clock++
	var act *Activity
	if activity != nil {
		cp := *activity
		act = &cp
	}
	e.sessions[sessionID] = sessionState{status: status, activity: act, order: a.clock}
	return a.remergeLocked(k, e)
}

// Remove drops one session of identity from guild. With no sessions left
// the merged presence is Offline.
func (a *Aggregator) Remove(identity, guild, sessionID string) (Presence, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	k := key{identity: identity, guild: guild}
	e, ok := a.entries[k]
	if !ok {
		return Presence{UserID: identity, GuildID: guild, Status: Offline}, false
	}
	if _, ok := e.sessions[sessionID]; !ok {
		return clonePresence(e.merged), false
	}
	delete(e.sessions, sessionID)
	p, changed := a.remergeLocked(k, e)
	if len(e.sessions) == 0 {
		delete(a.entries, k)
		if members := a.byGuild[guild]; members != nil {
			delete(members, identity)
			if len(members) == 0 {
				delete(a.byGuild, guild)
			}
		}
	}
	return p, changed
}

// Get returns the merged presence of identity in guild.
func (a *Aggregator) Get(identity, guild string) Presence {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[key{identity: identity, guild: guild}]
	if !ok {
		return Presence{UserID: identity, GuildID: guild, Status: Offline}
	}
	return clonePresence(e.merged)
}

// Guild lists the non-offline presences in guild ordered by user id.
func (a *Aggregator) Guild(guild string) []Presence {
	a.mu.Lock()
	defer a.mu.Unlock()
	members := a.byGuild[guild]
	out := make([]Presence, 0, len(members))
	for identity := range members {
		e := a.entries[key{identity: identity, guild: guild}]
		if e == nil || e.merged.Status == Offline {
			continue
		}
		out = append(out, clonePresence(e.merged))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (a *Aggregator) remergeLocked(k key, e *entry) (Presence, bool) {
	next := Presence{UserID: k.identity, GuildID: k.guild, Status: Offline}
	var best sessionState
	found := false
	for _, s := range e.sessions {
		if !found ||
			s.status.priority() > best.status.priority() ||
			(s.status.priority() == best.status.priority() && s.order > best.order) {
			best = s
			found = true
		}
	}
	if found {
		next.Status = best.status
		if best.status != Offline {
			next.Activity = best.activity
		}
	}
	changed := !next.equal(e.merged)
	e.merged = next
	return clonePresence(next), changed
}

func clonePresence(p Presence) Presence {
	if p.Activity != nil {
		cp := *p.Activity
		p.Activity = &cp
	}
	return p
}
