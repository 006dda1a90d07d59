package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/guildgate/internal/session"
	"github.com/rs/zerolog/log"
)

// guildgate.toml key mapping. Durations are Go duration strings.
type fileConfig struct {
	Gateway  fileGateway  `toml:"gateway"`
	Session  fileSession  `toml:"session"`
	Resume   fileResume   `toml:"resume"`
	Shards   fileShards   `toml:"shards"`
	Limits   fileLimits   `toml:"limits"`
	Store    fileStore    `toml:"store"`
	Identity fileIdentity `toml:"identity"`
}

type fileGateway struct {
	Node            string   `toml:"node"`
	HTTPAddr        string   `toml:"http_addr"`
	TCPAddr         string   `toml:"tcp_addr,omitempty"`
	PublicURL       string   `toml:"public_url,omitempty"`
	InternalToken   string   `toml:"internal_token,omitempty"`
	CorsOrigins     []string `toml:"cors_origins"`
	TLSCertFile     string   `toml:"tls_cert_file,omitempty"`
	TLSKeyFile      string   `toml:"tls_key_file,omitempty"`
	WriteTimeout    string   `toml:"write_timeout"`
	MaxMessageBytes int64    `toml:"max_message_bytes"`
}

type fileSession struct {
	HandshakeTimeout string `toml:"handshake_timeout"`
	HeartbeatMin     string `toml:"heartbeat_interval_min"`
	HeartbeatMax     string `toml:"heartbeat_interval_max"`
	ResumeGrace      string `toml:"resume_grace"`
	UpstreamTimeout  string `toml:"upstream_timeout"`
	OutboundQueue    int    `toml:"outbound_queue"`
}

type fileResume struct {
	MaxEvents int    `toml:"max_events"`
	MaxAge    string `toml:"max_age"`
}

type fileShards struct {
	Count     int   `toml:"count"`
	Owned     []int `toml:"owned"`
	AutoReady bool  `toml:"auto_ready"`
}

type fileRate struct {
	Count  int    `toml:"count"`
	Window string `toml:"window"`
}

type fileLimits struct {
	Identify fileRate `toml:"identify"`
	Presence fileRate `toml:"presence"`
	Messages fileRate `toml:"messages"`
}

type fileStore struct {
	Backend         string  `toml:"backend"`
	BadgerPath      string  `toml:"badger_path,omitempty"`
	BadgerInMemory  bool    `toml:"badger_in_memory"`
	RedisAddr       string  `toml:"redis_addr"`
	RedisPassword   string  `toml:"redis_password,omitempty"`
	RedisDB         int     `toml:"redis_db"`
	RedisKeyPrefix  string  `toml:"redis_key_prefix"`
	ReadTimeout     string  `toml:"read_timeout"`
	RetryAttempts   int     `toml:"retry_attempts"`
	RetryInitial    string  `toml:"retry_initial_delay"`
	RetryMultiplier float64 `toml:"retry_multiplier"`
	RetryMax        string  `toml:"retry_max_delay"`
	RetryJitter     bool    `toml:"retry_jitter"`
}

type fileIdentity struct {
	JWTSecret string  `toml:"jwt_secret,omitempty"`
	JWTIssuer string  `toml:"jwt_issuer,omitempty"`
	Tokens    []Token `toml:"tokens"`
}

// Load reads path and overlays every key it defines onto DefaultConfig.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config (%s): %w", path, err)
	}
	for _, key := range meta.Undecoded() {
		log.Warn().Str("path", path).Str("key", key.String()).Msg("config.unknown_key")
	}

	cfg := DefaultConfig()
	o := overlay{meta: meta}

	g := &cfg.Gateway
	setString(&o, &g.Node, raw.Gateway.Node, "gateway", "node")
	setString(&o, &g.HTTPAddr, raw.Gateway.HTTPAddr, "gateway", "http_addr")
	setString(&o, &g.TCPAddr, raw.Gateway.TCPAddr, "gateway", "tcp_addr")
	setString(&o, &g.PublicURL, raw.Gateway.PublicURL, "gateway", "public_url")
	setString(&o, &g.InternalToken, raw.Gateway.InternalToken, "gateway", "internal_token")
	set(&o, &g.CorsOrigins, raw.Gateway.CorsOrigins, "gateway", "cors_origins")
	setString(&o, &g.TLSCertFile, raw.Gateway.TLSCertFile, "gateway", "tls_cert_file")
	setString(&o, &g.TLSKeyFile, raw.Gateway.TLSKeyFile, "gateway", "tls_key_file")
	setDuration(&o, &g.WriteTimeout, raw.Gateway.WriteTimeout, "gateway", "write_timeout")
	set(&o, &g.MaxMessageBytes, raw.Gateway.MaxMessageBytes, "gateway", "max_message_bytes")

	s := &cfg.Session
	setDuration(&o, &s.HandshakeTimeout, raw.Session.HandshakeTimeout, "session", "handshake_timeout")
	setDuration(&o, &s.HeartbeatMin, raw.Session.HeartbeatMin, "session", "heartbeat_interval_min")
	setDuration(&o, &s.HeartbeatMax, raw.Session.HeartbeatMax, "session", "heartbeat_interval_max")
	setDuration(&o, &s.ResumeGrace, raw.Session.ResumeGrace, "session", "resume_grace")
	setDuration(&o, &s.UpstreamTimeout, raw.Session.UpstreamTimeout, "session", "upstream_timeout")
	set(&o, &s.OutboundQueue, raw.Session.OutboundQueue, "session", "outbound_queue")
	set(&o, &s.Resume.MaxEvents, raw.Resume.MaxEvents, "resume", "max_events")
	setDuration(&o, &s.Resume.MaxAge, raw.Resume.MaxAge, "resume", "max_age")
	for _, l := range []struct {
		name string
		dst  *session.RateLimit
		raw  fileRate
	}{
		{"identify", &s.IdentifyLimit, raw.Limits.Identify},
		{"presence", &s.PresenceLimit, raw.Limits.Presence},
		{"messages", &s.MessageLimit, raw.Limits.Messages},
	} {
		set(&o, &l.dst.Count, l.raw.Count, "limits", l.name, "count")
		setDuration(&o, &l.dst.Window, l.raw.Window, "limits", l.name, "window")
	}

	set(&o, &cfg.Shards.Count, raw.Shards.Count, "shards", "count")
	set(&o, &cfg.Shards.Owned, raw.Shards.Owned, "shards", "owned")
	set(&o, &cfg.Shards.AutoReady, raw.Shards.AutoReady, "shards", "auto_ready")

	st := &cfg.Store
	setString(&o, &st.Backend, strings.ToLower(raw.Store.Backend), "store", "backend")
	setString(&o, &st.BadgerPath, raw.Store.BadgerPath, "store", "badger_path")
	set(&o, &st.BadgerInMemory, raw.Store.BadgerInMemory, "store", "badger_in_memory")
	setString(&o, &st.RedisAddr, raw.Store.RedisAddr, "store", "redis_addr")
	set(&o, &st.RedisPassword, raw.Store.RedisPassword, "store", "redis_password")
	set(&o, &st.RedisDB, raw.Store.RedisDB, "store", "redis_db")
	setString(&o, &st.RedisKeyPrefix, raw.Store.RedisKeyPrefix, "store", "redis_key_prefix")
	setDuration(&o, &st.Cache.ReadTimeout, raw.Store.ReadTimeout, "store", "read_timeout")
	set(&o, &st.Cache.Backoff.MaxAttempts, raw.Store.RetryAttempts, "store", "retry_attempts")
	setDuration(&o, &st.Cache.Backoff.InitialDelay, raw.Store.RetryInitial, "store", "retry_initial_delay")
	set(&o, &st.Cache.Backoff.Multiplier, raw.Store.RetryMultiplier, "store", "retry_multiplier")
	setDuration(&o, &st.Cache.Backoff.MaxDelay, raw.Store.RetryMax, "store", "retry_max_delay")
	set(&o, &st.Cache.Backoff.Jitter, raw.Store.RetryJitter, "store", "retry_jitter")

	set(&o, &cfg.Identity.JWTSecret, raw.Identity.JWTSecret, "identity", "jwt_secret")
	setString(&o, &cfg.Identity.JWTIssuer, raw.Identity.JWTIssuer, "identity", "jwt_issuer")
	set(&o, &cfg.Identity.Tokens, raw.Identity.Tokens, "identity", "tokens")

	if o.err != nil {
		return Config{}, fmt.Errorf("load config (%s): %w", path, o.err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("load config (%s): %w", path, err)
	}
	return cfg, nil
}

// overlay copies file values onto defaults only for keys the file set.
type overlay struct {
	meta toml.MetaData
	err  error
}

func set[T any](o *overlay, dst *T, v T, key ...string) {
	if o.meta.IsDefined(key...) {
		*dst = v
	}
}

func setString(o *overlay, dst *string, v string, key ...string) {
	set(o, dst, strings.TrimSpace(v), key...)
}

func setDuration(o *overlay, dst *time.Duration, v string, key ...string) {
	if !o.meta.IsDefined(key...) {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		if o.err == nil {
			o.err = fmt.Errorf("%w: %s: %v", ErrInvalidConfig, strings.Join(key, "."), err)
		}
		return
	}
	*dst = d
}
