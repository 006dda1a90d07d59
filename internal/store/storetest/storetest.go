// Package storetest is the behavior suite every store.Store must pass.
package storetest

import (
	"context"
	"testing"

	"github.com/danmuck/guildgate/internal/guildstate"
	"github.com/danmuck/guildgate/internal/permissions"
	"github.com/danmuck/guildgate/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Guild(id string, members ...string) guildstate.Guild {
	g := guildstate.Guild{
		ID:      id,
		Name:    "guild " + id,
		Version: 1,
		Roles:   []permissions.Role{{ID: id, Permissions: permissions.ViewChannel}},
		Channels: []guildstate.Channel{{
			ID:      id + "-general",
			GuildID: id,
			Name:    "general",
			Overwrites: []permissions.Overwrite{
				permissions.RoleOverwrite(id, 0, permissions.SendMessages),
			},
		}},
	}
	for _, userID := range members {
		g.Members = append(g.Members, guildstate.Member{UserID: userID, Nick: "nick-" + userID})
	}
	return g
}

// Run exercises s. The store must start empty.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.ReadGuild(ctx, "missing")
	require.ErrorIs(t, err, guildstate.ErrNotFound)

	require.NoError(t, s.PutGuild(ctx, Guild("g1", "u1", "u2")))
	require.NoError(t, s.PutGuild(ctx, Guild("g2", "u1")))

	g, err := s.ReadGuild(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "guild g1", g.Name)
	require.Len(t, g.Channels, 1)
	require.Len(t, g.Channels[0].Overwrites, 1)
	assert.Equal(t, permissions.TargetRole, g.Channels[0].Overwrites[0].Kind)
	assert.Equal(t, permissions.SendMessages, g.Channels[0].Overwrites[0].Deny)

	m, err := s.ReadMember(ctx, "g1", "u2")
	require.NoError(t, err)
	assert.Equal(t, "nick-u2", m.Nick)
	_, err = s.ReadMember(ctx, "g1", "u9")
	require.ErrorIs(t, err, guildstate.ErrNotFound)

	ids, err := s.GuildsForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"g1", "g2"}, ids)

	next := Guild("g1", "u1")
	next.Version = 2
	require.NoError(t, s.PutGuild(ctx, next))
	ids, err = s.GuildsForUser(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, ids)
	_, err = s.ReadMember(ctx, "g1", "u2")
	require.ErrorIs(t, err, guildstate.ErrNotFound)

	require.NoError(t, s.DeleteGuild(ctx, "g2"))
	ids, err = s.GuildsForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"g1"}, ids)
	require.ErrorIs(t, s.DeleteGuild(ctx, "g2"), guildstate.ErrNotFound)
}
