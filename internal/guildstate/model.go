// Package guildstate holds the gateway's read-through view of canonical
// guild state.
//
// Ownership boundary:
// - guild, channel and member shapes shared with the storage collaborator
// - immutable, versioned snapshots handed to readers by pointer
// - the single-writer-per-guild section used to publish new versions
package guildstate

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/danmuck/guildgate/internal/permissions"
)

var (
	ErrNotFound            = errors.New("guildstate: not found")
	ErrInvalidGuild        = errors.New("guildstate: invalid guild")
	ErrUpstreamUnavailable = errors.New("guildstate: upstream unavailable")
)

type Channel struct {
	ID         string                  `json:"id"`
	GuildID    string                  `json:"guild_id"`
	Name       string                  `json:"name"`
	Type       int                     `json:"type"`
	Position   int                     `json:"position"`
	ParentID   string                  `json:"parent_id,omitempty"`
	Topic      string                  `json:"topic,omitempty"`
	Overwrites []permissions.Overwrite `json:"permission_overwrites"`
}

type Member struct {
	UserID   string    `json:"user_id"`
	Nick     string    `json:"nick,omitempty"`
	Roles    []string  `json:"roles"`
	JoinedAt time.Time `json:"joined_at"`
}

func (m Member) Subject() permissions.Member {
	return permissions.Member{UserID: m.UserID, RoleIDs: m.Roles}
}

// Guild is the canonical document as read from storage. Version is the
// storage version and only ever grows.
type Guild struct {
	ID       string             `json:"id"`
	Name     string             `json:"name"`
	OwnerID  string             `json:"owner_id"`
	Version  uint64             `json:"version"`
	Roles    []permissions.Role `json:"roles"`
	Channels []Channel          `json:"channels"`
	Members  []Member           `json:"members"`
}

func (g Guild) Validate() error {
	if strings.TrimSpace(g.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidGuild)
	}
	for i, ch := range g.Channels {
		if strings.TrimSpace(ch.ID) == "" {
			return fmt.Errorf("%w: channels[%d] missing id", ErrInvalidGuild, i)
		}
		for j, ow := range ch.Overwrites {
			if err := ow.Validate(); err != nil {
				return fmt.Errorf("%w: channels[%d].overwrites[%d]: %v", ErrInvalidGuild, i, j, err)
			}
		}
	}
	for i, m := range g.Members {
		if strings.TrimSpace(m.UserID) == "" {
			return fmt.Errorf("%w: members[%d] missing user_id", ErrInvalidGuild, i)
		}
	}
	return nil
}

// Clone deep-copies g so callers can mutate the result freely.
func (g Guild) Clone() Guild {
	out := g
	out.Roles = append([]permissions.Role(nil), g.Roles...)
	out.Channels = make([]Channel, len(g.Channels))
	for i, ch := range g.Channels {
		ch.Overwrites = append([]permissions.Overwrite(nil), ch.Overwrites...)
		out.Channels[i] = ch
	}
	out.Members = make([]Member, len(g.Members))
	for i, m := range g.Members {
		m.Roles = append([]string(nil), m.Roles...)
		out.Members[i] = m
	}
	return out
}

// Snapshot is one published, immutable version of a guild. Never mutate
// the value returned by Guild().
type Snapshot struct {
	guild    Guild
	members  map[string]int
	channels map[string]int
}

// NewSnapshot validates g and freezes a copy of it. Snapshots outside a
// Cache are not published anywhere.
func NewSnapshot(g Guild) (*Snapshot, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return newSnapshot(g), nil
}

func newSnapshot(g Guild) *Snapshot {
	g = g.Clone()
	sort.Slice(g.Roles, func(i, j int) bool {
		if g.Roles[i].Position != g.Roles[j].Position {
			return g.Roles[i].Position < g.Roles[j].Position
		}
		return g.Roles[i].ID < g.Roles[j].ID
	})
	s := &Snapshot{
		guild:    g,
		members:  make(map[string]int, len(g.Members)),
		channels: make(map[string]int, len(g.Channels)),
	}
	for i, m := range g.Members {
		s.members[m.UserID] = i
	}
	for i, ch := range g.Channels {
		s.channels[ch.ID] = i
	}
	return s
}

func (s *Snapshot) ID() string      { return s.guild.ID }
func (s *Snapshot) Version() uint64 { return s.guild.Version }
func (s *Snapshot) Guild() Guild    { return s.guild }

func (s *Snapshot) MemberCount() int {
	return len(s.guild.Members)
}

func (s *Snapshot) Member(userID string) (Member, bool) {
	i, ok := s.members[userID]
	if !ok {
		return Member{}, false
	}
	return s.guild.Members[i], true
}

func (s *Snapshot) Channel(channelID string) (Channel, bool) {
	i, ok := s.channels[channelID]
	if !ok {
		return Channel{}, false
	}
	return s.guild.Channels[i], true
}

// Permissions resolves userID's permissions in channelID against this
// version. ok is false when either the member or the channel is unknown.
func (s *Snapshot) Permissions(userID, channelID string) (permissions.Bits, bool) {
	m, ok := s.Member(userID)
	if !ok {
		return 0, false
	}
	ch, ok := s.Channel(channelID)
	if !ok {
		return 0, false
	}
	return permissions.Resolve(s.guild.ID, s.guild.Roles, m.Subject(), ch.Overwrites), true
}

func (s *Snapshot) CanView(userID, channelID string) bool {
	perms, ok := s.Permissions(userID, channelID)
	return ok && perms.Has(permissions.ViewChannel)
}
