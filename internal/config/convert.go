package config

import (
	"strings"

	"github.com/danmuck/guildgate/internal/identity"
	"github.com/danmuck/guildgate/internal/protocol/frame"
	"github.com/danmuck/guildgate/internal/store/badgerstore"
	"github.com/danmuck/guildgate/internal/store/redisstore"
)

// StaticTokens builds the token table for identity.NewStatic.
func (i Identity) StaticTokens() map[string]identity.Identity {
	out := make(map[string]identity.Identity, len(i.Tokens))
	for _, t := range i.Tokens {
		out[strings.TrimSpace(t.Token)] = identity.Identity{ID: strings.TrimSpace(t.UserID), Bot: t.Bot}
	}
	return out
}

func (s Store) BadgerConfig() badgerstore.Config {
	return badgerstore.Config{Path: s.BadgerPath, InMemory: s.BadgerInMemory}
}

func (s Store) RedisConfig() redisstore.Config {
	return redisstore.Config{
		Addr:      s.RedisAddr,
		Password:  s.RedisPassword,
		DB:        s.RedisDB,
		KeyPrefix: s.RedisKeyPrefix,
	}
}

// FrameLimits bounds inbound frames on the raw TCP listener.
func (g Gateway) FrameLimits() frame.Limits {
	limit := g.MaxMessageBytes
	if limit <= 0 || limit > int64(frame.DefaultLimits().MaxPayloadBytes) {
		return frame.DefaultLimits()
	}
	return frame.Limits{MaxPayloadBytes: uint32(limit)}
}
