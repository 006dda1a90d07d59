// Package store defines the storage collaborator the gateway reads guild
// state from, plus an in-memory implementation.
//
// Writes are made by the REST collaborator; the gateway only calls
// PutGuild/DeleteGuild from the internal intake that fronts it.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/guildgate/internal/guildstate"
)

var ErrClosed = errors.New("store: closed")

type Store interface {
	guildstate.Source
	PutGuild(ctx context.Context, g guildstate.Guild) error
	DeleteGuild(ctx context.Context, guildID string) error
	Close() error
}

// Key layout shared by the key-value backed stores.
func GuildKey(guildID string) string {
	return "guild/" + guildID
}

func MemberKey(guildID, userID string) string {
	return "member/" + guildID + "/" + userID
}

func UserGuildPrefix(userID string) string {
	return "user/" + userID + "/guilds/"
}

func UserGuildKey(userID, guildID string) string {
	return UserGuildPrefix(userID) + guildID
}

// RemovedMembers lists user ids present in prev but not in next.
func RemovedMembers(prev, next guildstate.Guild) []string {
	keep := make(map[string]struct{}, len(next.Members))
	for _, m := range next.Members {
		keep[m.UserID] = struct{}{}
	}
	var out []string
	for _, m := range prev.Members {
		if _, ok := keep[m.UserID]; !ok {
			out = append(out, m.UserID)
		}
	}
	return out
}

func NotFound(kind, id string) error {
	return fmt.Errorf("%w: %s %q", guildstate.ErrNotFound, kind, id)
}

// Memory is an in-memory Store. It is the default backend and the one
// used by tests.
type Memory struct {
	mu     sync.RWMutex
	guilds map[string]guildstate.Guild
	users  map[string]map[string]struct{}
	closed bool
}

func NewMemory() *Memory {
	return &Memory{
		guilds: make(map[string]guildstate.Guild),
		users:  make(map[string]map[string]struct{}),
	}
}

func (m *Memory) ReadGuild(ctx context.Context, guildID string) (guildstate.Guild, error) {
	if err := ctx.Err(); err != nil {
		return guildstate.Guild{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return guildstate.Guild{}, ErrClosed
	}
	g, ok := m.guilds[strings.TrimSpace(guildID)]
	if !ok {
		return guildstate.Guild{}, NotFound("guild", guildID)
	}
	return g.Clone(), nil
}

func (m *Memory) ReadMember(ctx context.Context, guildID, userID string) (guildstate.Member, error) {
	g, err := m.ReadGuild(ctx, guildID)
	if err != nil {
		return guildstate.Member{}, err
	}
	for _, mem := range g.Members {
		if mem.UserID == userID {
			return mem, nil
		}
	}
	return guildstate.Member{}, NotFound("member", guildID+"/"+userID)
}

func (m *Memory) GuildsForUser(ctx context.Context, userID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]string, 0, len(m.users[userID]))
	for id := range m.users[userID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) PutGuild(ctx context.Context, g guildstate.Guild) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := g.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	prev := m.guilds[g.ID]
	for _, userID := range RemovedMembers(prev, g) {
		m.unindexLocked(userID, g.ID)
	}
	for _, mem := range g.Members {
		set, ok := m.users[mem.UserID]
		if !ok {
			set = make(map[string]struct{})
			m.users[mem.UserID] = set
		}
		set[g.ID] = struct{}{}
	}
	m.guilds[g.ID] = g.Clone()
	return nil
}

func (m *Memory) DeleteGuild(ctx context.Context, guildID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	prev, ok := m.guilds[guildID]
	if !ok {
		return NotFound("guild", guildID)
	}
	for _, mem := range prev.Members {
		m.unindexLocked(mem.UserID, guildID)
	}
	delete(m.guilds, guildID)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Memory) unindexLocked(userID, guildID string) {
	set := m.users[userID]
	delete(set, guildID)
	if len(set) == 0 {
		delete(m.users, userID)
	}
}
