// Package redisstore is a store.Store backed by Redis.
//
// Guild documents are JSON strings, members live in one hash per guild and
// each user has a set of guild ids.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/danmuck/guildgate/internal/guildstate"
	"github.com/danmuck/guildgate/internal/store"
	"github.com/go-redis/redis/v8"
)

type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

func DefaultConfig() Config {
	return Config{Addr: "127.0.0.1:6379", KeyPrefix: "guildgate:"}
}

type Store struct {
	rdb    *redis.Client
	prefix string
}

func New(cfg Config) *Store {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultConfig().Addr
	}
	return &Store{
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		prefix: cfg.KeyPrefix,
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) guildKey(guildID string) string {
	return s.prefix + store.GuildKey(guildID)
}

func (s *Store) membersKey(guildID string) string {
	return s.prefix + "members/" + guildID
}

func (s *Store) userKey(userID string) string {
	return s.prefix + store.UserGuildPrefix(userID)
}

func (s *Store) ReadGuild(ctx context.Context, guildID string) (guildstate.Guild, error) {
	raw, err := s.rdb.Get(ctx, s.guildKey(guildID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return guildstate.Guild{}, store.NotFound("guild", guildID)
	}
	if err != nil {
		return guildstate.Guild{}, fmt.Errorf("redisstore: read guild: %w", err)
	}
	var g guildstate.Guild
	if err := json.Unmarshal(raw, &g); err != nil {
		return guildstate.Guild{}, fmt.Errorf("redisstore: decode guild %q: %w", guildID, err)
	}
	return g, nil
}

func (s *Store) ReadMember(ctx context.Context, guildID, userID string) (guildstate.Member, error) {
	raw, err := s.rdb.HGet(ctx, s.membersKey(guildID), userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return guildstate.Member{}, store.NotFound("member", guildID+"/"+userID)
	}
	if err != nil {
		return guildstate.Member{}, fmt.Errorf("redisstore: read member: %w", err)
	}
	var m guildstate.Member
	if err := json.Unmarshal(raw, &m); err != nil {
		return guildstate.Member{}, fmt.Errorf("redisstore: decode member: %w", err)
	}
	return m, nil
}

func (s *Store) GuildsForUser(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: guilds for user: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) PutGuild(ctx context.Context, g guildstate.Guild) error {
	if err := g.Validate(); err != nil {
		return err
	}
	prev, err := s.ReadGuild(ctx, g.ID)
	if err != nil && !errors.Is(err, guildstate.ErrNotFound) {
		return err
	}
	doc, err := json.Marshal(g)
	if err != nil {
		return err
	}
	members := make([]any, 0, len(g.Members)*2)
	for _, m := range g.Members {
		raw, err := json.Marshal(m)
		if err != nil {
			return err
		}
		members = append(members, m.UserID, raw)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.guildKey(g.ID), doc, 0)
		pipe.Del(ctx, s.membersKey(g.ID))
		if len(members) > 0 {
			pipe.HSet(ctx, s.membersKey(g.ID), members...)
		}
		for _, userID := range store.RemovedMembers(prev, g) {
			pipe.SRem(ctx, s.userKey(userID), g.ID)
		}
		for _, m := range g.Members {
			pipe.SAdd(ctx, s.userKey(m.UserID), g.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstore: put guild: %w", err)
	}
	return nil
}

func (s *Store) DeleteGuild(ctx context.Context, guildID string) error {
	prev, err := s.ReadGuild(ctx, guildID)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.guildKey(guildID), s.membersKey(guildID))
		for _, m := range prev.Members {
			pipe.SRem(ctx, s.userKey(m.UserID), guildID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstore: delete guild: %w", err)
	}
	return nil
}
