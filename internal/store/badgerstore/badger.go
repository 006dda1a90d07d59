// Package badgerstore is a store.Store backed by an embedded BadgerDB.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/danmuck/guildgate/internal/guildstate"
	"github.com/danmuck/guildgate/internal/store"
	"github.com/dgraph-io/badger/v4"
)

type Config struct {
	// Path is ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
}

func InMemoryConfig() Config {
	return Config{InMemory: true}
}

type Store struct {
	db *badger.DB
}

func Open(cfg Config) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, errors.New("badgerstore: path required when not in memory")
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ReadGuild(ctx context.Context, guildID string) (guildstate.Guild, error) {
	if err := ctx.Err(); err != nil {
		return guildstate.Guild{}, err
	}
	var g guildstate.Guild
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, store.GuildKey(guildID), &g)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return guildstate.Guild{}, store.NotFound("guild", guildID)
	}
	return g, err
}

func (s *Store) ReadMember(ctx context.Context, guildID, userID string) (guildstate.Member, error) {
	if err := ctx.Err(); err != nil {
		return guildstate.Member{}, err
	}
	var m guildstate.Member
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, store.MemberKey(guildID, userID), &m)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return guildstate.Member{}, store.NotFound("member", guildID+"/"+userID)
	}
	return m, err
}

func (s *Store) GuildsForUser(ctx context.Context, userID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := []byte(store.UserGuildPrefix(userID))
	out := []string{}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			out = append(out, string(key[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) PutGuild(ctx context.Context, g guildstate.Guild) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := g.Validate(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		var prev guildstate.Guild
		if err := getJSON(txn, store.GuildKey(g.ID), &prev); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		for _, userID := range store.RemovedMembers(prev, g) {
			if err := txn.Delete([]byte(store.MemberKey(g.ID, userID))); err != nil {
				return err
			}
			if err := txn.Delete([]byte(store.UserGuildKey(userID, g.ID))); err != nil {
				return err
			}
		}
		for _, m := range g.Members {
			if err := setJSON(txn, store.MemberKey(g.ID, m.UserID), m); err != nil {
				return err
			}
			if err := txn.Set([]byte(store.UserGuildKey(m.UserID, g.ID)), nil); err != nil {
				return err
			}
		}
		return setJSON(txn, store.GuildKey(g.ID), g)
	})
}

func (s *Store) DeleteGuild(ctx context.Context, guildID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		var prev guildstate.Guild
		if err := getJSON(txn, store.GuildKey(guildID), &prev); err != nil {
			return err
		}
		for _, m := range prev.Members {
			if err := txn.Delete([]byte(store.MemberKey(guildID, m.UserID))); err != nil {
				return err
			}
			if err := txn.Delete([]byte(store.UserGuildKey(m.UserID, guildID))); err != nil {
				return err
			}
		}
		return txn.Delete([]byte(store.GuildKey(guildID)))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return store.NotFound("guild", guildID)
	}
	return err
}

func getJSON(txn *badger.Txn, key string, out any) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func setJSON(txn *badger.Txn, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), raw)
}
