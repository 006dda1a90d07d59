package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// DevToken is the static token the generated template ships with.
const DevToken = "dev-token"

// Template renders a complete guildgate.toml holding the defaults plus one
// development token.
func Template() (string, error) {
	cfg := DefaultConfig()
	cfg.Identity.Tokens = []Token{{Token: DevToken, UserID: "dev"}}
	cfg.Gateway.CorsOrigins = []string{"http://localhost:3000"}
	return Render(cfg)
}

// Render writes cfg in the file layout Load reads.
func Render(cfg Config) (string, error) {
	out, err := toml.Marshal(toFile(cfg))
	if err != nil {
		return "", fmt.Errorf("render config: %w", err)
	}
	return string(out), nil
}

func WriteTemplate(path string, overwrite bool) error {
	template, err := Template()
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

func toFile(cfg Config) fileConfig {
	s := cfg.Session
	rate := func(count int, window time.Duration) fileRate {
		return fileRate{Count: count, Window: window.String()}
	}
	return fileConfig{
		Gateway: fileGateway{
			Node:            cfg.Gateway.Node,
			HTTPAddr:        cfg.Gateway.HTTPAddr,
			TCPAddr:         cfg.Gateway.TCPAddr,
			PublicURL:       cfg.Gateway.PublicURL,
			InternalToken:   cfg.Gateway.InternalToken,
			CorsOrigins:     cfg.Gateway.CorsOrigins,
			TLSCertFile:     cfg.Gateway.TLSCertFile,
			TLSKeyFile:      cfg.Gateway.TLSKeyFile,
			WriteTimeout:    cfg.Gateway.WriteTimeout.String(),
			MaxMessageBytes: cfg.Gateway.MaxMessageBytes,
		},
		Session: fileSession{
			HandshakeTimeout: s.HandshakeTimeout.String(),
			HeartbeatMin:     s.HeartbeatMin.String(),
			HeartbeatMax:     s.HeartbeatMax.String(),
			ResumeGrace:      s.ResumeGrace.String(),
			UpstreamTimeout:  s.UpstreamTimeout.String(),
			OutboundQueue:    s.OutboundQueue,
		},
		Resume: fileResume{MaxEvents: s.Resume.MaxEvents, MaxAge: s.Resume.MaxAge.String()},
		Shards: fileShards{Count: cfg.Shards.Count, Owned: cfg.Shards.Owned, AutoReady: cfg.Shards.AutoReady},
		Limits: fileLimits{
			Identify: rate(s.IdentifyLimit.Count, s.IdentifyLimit.Window),
			Presence: rate(s.PresenceLimit.Count, s.PresenceLimit.Window),
			Messages: rate(s.MessageLimit.Count, s.MessageLimit.Window),
		},
		Store: fileStore{
			Backend:         cfg.Store.Backend,
			BadgerPath:      cfg.Store.BadgerPath,
			BadgerInMemory:  cfg.Store.BadgerInMemory,
			RedisAddr:       cfg.Store.RedisAddr,
			RedisPassword:   cfg.Store.RedisPassword,
			RedisDB:         cfg.Store.RedisDB,
			RedisKeyPrefix:  cfg.Store.RedisKeyPrefix,
			ReadTimeout:     cfg.Store.Cache.ReadTimeout.String(),
			RetryAttempts:   cfg.Store.Cache.Backoff.MaxAttempts,
			RetryInitial:    cfg.Store.Cache.Backoff.InitialDelay.String(),
			RetryMultiplier: cfg.Store.Cache.Backoff.Multiplier,
			RetryMax:        cfg.Store.Cache.Backoff.MaxDelay.String(),
			RetryJitter:     cfg.Store.Cache.Backoff.Jitter,
		},
		Identity: fileIdentity{
			JWTSecret: cfg.Identity.JWTSecret,
			JWTIssuer: cfg.Identity.JWTIssuer,
			Tokens:    cfg.Identity.Tokens,
		},
	}
}
