// Package config loads guildgate's TOML file and resolves it onto the
// runtime configs of each package.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/guildgate/internal/guildstate"
	"github.com/danmuck/guildgate/internal/session"
)

var ErrInvalidConfig = errors.New("config: invalid")

const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

type Gateway struct {
	Node      string
	HTTPAddr  string
	TCPAddr   string
	PublicURL string
	// InternalToken, when set, is required as a bearer token on the
	// /internal routes.
	InternalToken   string
	CorsOrigins     []string
	TLSCertFile     string
	TLSKeyFile      string
	WriteTimeout    time.Duration
	MaxMessageBytes int64
}

type Shards struct {
	Count int
	// Owned lists this process's shard ids. Empty means every shard.
	Owned []int
	// AutoReady marks owned shards ready at startup instead of waiting
	// for the internal ready call.
	AutoReady bool
}

type Store struct {
	Backend        string
	BadgerPath     string
	BadgerInMemory bool
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string
	Cache          guildstate.CacheConfig
}

type Token struct {
	Token  string `toml:"token"`
	UserID string `toml:"user_id"`
	Bot    bool   `toml:"bot"`
}

type Identity struct {
	Tokens    []Token
	JWTSecret string
	JWTIssuer string
}

type Config struct {
	Gateway  Gateway
	Session  session.Config
	Shards   Shards
	Store    Store
	Identity Identity
}

func DefaultConfig() Config {
	return Config{
		Gateway: Gateway{
			Node:            "guildgate",
			HTTPAddr:        ":8080",
			WriteTimeout:    10 * time.Second,
			MaxMessageBytes: 16 << 10,
		},
		Session: session.DefaultConfig(),
		Shards:  Shards{Count: 1, AutoReady: true},
		Store: Store{
			Backend:        BackendMemory,
			RedisAddr:      "127.0.0.1:6379",
			RedisKeyPrefix: "guildgate:",
			Cache:          guildstate.DefaultCacheConfig(),
		},
	}
}

// Validate reports the first setting the gateway cannot start with.
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Gateway.Node) == "" {
		return fmt.Errorf("%w: gateway.node is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.Gateway.HTTPAddr) == "" {
		return fmt.Errorf("%w: gateway.http_addr is required", ErrInvalidConfig)
	}
	if (cfg.Gateway.TLSCertFile == "") != (cfg.Gateway.TLSKeyFile == "") {
		return fmt.Errorf("%w: gateway.tls_cert_file and gateway.tls_key_file must be set together", ErrInvalidConfig)
	}
	if cfg.Gateway.MaxMessageBytes <= 0 {
		return fmt.Errorf("%w: gateway.max_message_bytes must be positive", ErrInvalidConfig)
	}

	s := cfg.Session
	if s.HeartbeatMin <= 0 || s.HeartbeatMax < s.HeartbeatMin {
		return fmt.Errorf("%w: session heartbeat interval [%s, %s]", ErrInvalidConfig, s.HeartbeatMin, s.HeartbeatMax)
	}
	if s.HandshakeTimeout <= 0 || s.ResumeGrace <= 0 {
		return fmt.Errorf("%w: session timeouts must be positive", ErrInvalidConfig)
	}
	if s.Resume.MaxEvents <= 0 || s.Resume.MaxAge <= 0 {
		return fmt.Errorf("%w: resume bounds must be positive", ErrInvalidConfig)
	}
	for name, l := range map[string]session.RateLimit{
		"identify": s.IdentifyLimit,
		"presence": s.PresenceLimit,
		"messages": s.MessageLimit,
	} {
		if l.Count < 0 || l.Window < 0 {
			return fmt.Errorf("%w: limits.%s must not be negative", ErrInvalidConfig, name)
		}
	}

	if cfg.Shards.Count < 1 {
		return fmt.Errorf("%w: shards.count must be at least 1", ErrInvalidConfig)
	}
	seen := make(map[int]struct{}, len(cfg.Shards.Owned))
	for _, id := range cfg.Shards.Owned {
		if id < 0 || id >= cfg.Shards.Count {
			return fmt.Errorf("%w: shards.owned id %d outside [0, %d)", ErrInvalidConfig, id, cfg.Shards.Count)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: shards.owned lists %d twice", ErrInvalidConfig, id)
		}
		seen[id] = struct{}{}
	}

	switch cfg.Store.Backend {
	case BackendMemory:
	case BackendBadger:
		if !cfg.Store.BadgerInMemory && strings.TrimSpace(cfg.Store.BadgerPath) == "" {
			return fmt.Errorf("%w: store.badger_path is required unless store.badger_in_memory", ErrInvalidConfig)
		}
	case BackendRedis:
		if strings.TrimSpace(cfg.Store.RedisAddr) == "" {
			return fmt.Errorf("%w: store.redis_addr is required", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: store.backend %q (expected memory, badger or redis)", ErrInvalidConfig, cfg.Store.Backend)
	}

	if len(cfg.Identity.Tokens) == 0 && strings.TrimSpace(cfg.Identity.JWTSecret) == "" {
		return fmt.Errorf("%w: identity needs static tokens or a jwt_secret", ErrInvalidConfig)
	}
	for i, tok := range cfg.Identity.Tokens {
		if strings.TrimSpace(tok.Token) == "" || strings.TrimSpace(tok.UserID) == "" {
			return fmt.Errorf("%w: identity.tokens[%d] needs token and user_id", ErrInvalidConfig, i)
		}
	}
	return nil
}
