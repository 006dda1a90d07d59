package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/guildgate/internal/config"
	"github.com/danmuck/guildgate/internal/guildstate"
	"github.com/danmuck/guildgate/internal/observability"
	"github.com/danmuck/guildgate/internal/store"
	"github.com/danmuck/guildgate/internal/store/badgerstore"
	"github.com/danmuck/guildgate/internal/store/redisstore"
)

// OpenStore opens the configured storage backend. A redis backend must
// answer a ping before the gateway starts.
func OpenStore(ctx context.Context, cfg config.Store) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		return store.NewMemory(), nil
	case config.BackendBadger:
		return badgerstore.Open(cfg.BadgerConfig())
	case config.BackendRedis:
		rs := redisstore.New(cfg.RedisConfig())
		pingCtx, cancel := context.WithTimeout(ctx, cfg.Cache.WithDefaults().ReadTimeout)
		defer cancel()
		if err := rs.Ping(pingCtx); err != nil {
			_ = rs.Close()
			return nil, fmt.Errorf("gateway: redis %s: %w", cfg.RedisAddr, err)
		}
		return rs, nil
	default:
		return nil, fmt.Errorf("%w: store backend %q", config.ErrInvalidConfig, cfg.Backend)
	}
}

// meteredStore records latency and outcome of every storage call.
type meteredStore struct {
	store.Store
}

func observe(op string, start time.Time, err error) {
	ok := err == nil || errors.Is(err, guildstate.ErrNotFound)
	observability.RecordStoreCall(op, time.Since(start), ok)
}

func (m meteredStore) ReadGuild(ctx context.Context, guildID string) (guildstate.Guild, error) {
	start := time.Now()
	g, err := m.Store.ReadGuild(ctx, guildID)
	observe("read_guild", start, err)
	return g, err
}

func (m meteredStore) ReadMember(ctx context.Context, guildID, userID string) (guildstate.Member, error) {
	start := time.Now()
	mem, err := m.Store.ReadMember(ctx, guildID, userID)
	observe("read_member", start, err)
	return mem, err
}

func (m meteredStore) GuildsForUser(ctx context.Context, userID string) ([]string, error) {
	start := time.Now()
	ids, err := m.Store.GuildsForUser(ctx, userID)
	observe("guilds_for_user", start, err)
	return ids, err
}

func (m meteredStore) PutGuild(ctx context.Context, g guildstate.Guild) error {
	start := time.Now()
	err := m.Store.PutGuild(ctx, g)
	observe("put_guild", start, err)
	return err
}

func (m meteredStore) DeleteGuild(ctx context.Context, guildID string) error {
	start := time.Now()
	err := m.Store.DeleteGuild(ctx, guildID)
	observe("delete_guild", start, err)
	return err
}
