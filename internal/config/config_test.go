package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/guildgate/internal/testutil/testlog"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "guildgate.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)

	path := writeConfig(t, `
[gateway]
node = "gw-a"
http_addr = "127.0.0.1:9080"
tcp_addr = "127.0.0.1:9081"
cors_origins = ["https://chat.example"]

[session]
heartbeat_interval_min = "30s"
heartbeat_interval_max = "31s"
resume_grace = "90s"

[resume]
max_events = 500

[shards]
count = 4
owned = [1, 3]
auto_ready = false

[limits.identify]
count = 2
window = "10s"

[store]
backend = "Badger"
badger_in_memory = true

[[identity.tokens]]
token = "tok-a"
user_id = "alice"

[[identity.tokens]]
token = "tok-bot"
user_id = "bot"
bot = true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	def := DefaultConfig()

	if cfg.Gateway.Node != "gw-a" || cfg.Gateway.HTTPAddr != "127.0.0.1:9080" || cfg.Gateway.TCPAddr != "127.0.0.1:9081" {
		t.Fatalf("unexpected gateway section: %+v", cfg.Gateway)
	}
	if cfg.Gateway.WriteTimeout != def.Gateway.WriteTimeout {
		t.Fatalf("write timeout got=%v want default %v", cfg.Gateway.WriteTimeout, def.Gateway.WriteTimeout)
	}
	if cfg.Session.HeartbeatMin != 30*time.Second || cfg.Session.HeartbeatMax != 31*time.Second {
		t.Fatalf("heartbeat got=[%v, %v]", cfg.Session.HeartbeatMin, cfg.Session.HeartbeatMax)
	}
	if cfg.Session.ResumeGrace != 90*time.Second {
		t.Fatalf("resume grace got=%v", cfg.Session.ResumeGrace)
	}
	if cfg.Session.HandshakeTimeout != def.Session.HandshakeTimeout {
		t.Fatalf("handshake timeout must keep its default got=%v", cfg.Session.HandshakeTimeout)
	}
	if cfg.Session.Resume.MaxEvents != 500 || cfg.Session.Resume.MaxAge != def.Session.Resume.MaxAge {
		t.Fatalf("resume limits got=%+v", cfg.Session.Resume)
	}
	if cfg.Session.IdentifyLimit.Count != 2 || cfg.Session.IdentifyLimit.Window != 10*time.Second {
		t.Fatalf("identify limit got=%+v", cfg.Session.IdentifyLimit)
	}
	if cfg.Session.PresenceLimit != def.Session.PresenceLimit {
		t.Fatalf("presence limit must keep its default got=%+v", cfg.Session.PresenceLimit)
	}
	if cfg.Shards.Count != 4 || !reflect.DeepEqual(cfg.Shards.Owned, []int{1, 3}) || cfg.Shards.AutoReady {
		t.Fatalf("shards got=%+v", cfg.Shards)
	}
	if cfg.Store.Backend != BackendBadger || !cfg.Store.BadgerInMemory {
		t.Fatalf("store got=%+v", cfg.Store)
	}
	tokens := cfg.Identity.StaticTokens()
	if len(tokens) != 2 || tokens["tok-a"].ID != "alice" || !tokens["tok-bot"].Bot {
		t.Fatalf("static tokens got=%+v", tokens)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	testlog.Start(t)

	const tokens = "\n[[identity.tokens]]\ntoken = \"t\"\nuser_id = \"u\"\n"
	cases := map[string]string{
		"bad duration":       "[session]\nresume_grace = \"soon\"\n" + tokens,
		"zero shards":        "[shards]\ncount = 0\n" + tokens,
		"owned out of range": "[shards]\ncount = 2\nowned = [2]\n" + tokens,
		"duplicate owned":    "[shards]\ncount = 2\nowned = [1, 1]\n" + tokens,
		"unknown backend":    "[store]\nbackend = \"postgres\"\n" + tokens,
		"badger no path":     "[store]\nbackend = \"badger\"\n" + tokens,
		"no identity":        "[gateway]\nnode = \"gw\"\n",
		"half tls":           "[gateway]\ntls_cert_file = \"cert.pem\"\n" + tokens,
		"inverted heartbeat": "[session]\nheartbeat_interval_min = \"10s\"\nheartbeat_interval_max = \"5s\"\n" + tokens,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig got=%v", err)
			}
		})
	}
}

func TestLoadReportsParseErrors(t *testing.T) {
	testlog.Start(t)

	if _, err := Load(writeConfig(t, "[gateway\nnode=")); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected missing file error")
	}
}

func TestTemplateRoundTripsThroughLoad(t *testing.T) {
	testlog.Start(t)

	tmpl, err := Template()
	if err != nil {
		t.Fatalf("render template: %v", err)
	}
	for _, section := range []string{"[gateway]", "[session]", "[resume]", "[shards]", "[limits.identify]", "[store]", "[[identity.tokens]]"} {
		if !strings.Contains(tmpl, section) {
			t.Fatalf("template missing %s:\n%s", section, tmpl)
		}
	}

	path := filepath.Join(t.TempDir(), "guildgate.toml")
	if err := WriteTemplate(path, false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, false); err == nil {
		t.Fatalf("expected refusal to overwrite an existing config")
	}
	if err := WriteTemplate(path, true); err != nil {
		t.Fatalf("overwrite template: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	want := DefaultConfig()
	if !reflect.DeepEqual(cfg.Session, want.Session) {
		t.Fatalf("session got=%+v want=%+v", cfg.Session, want.Session)
	}
	if !reflect.DeepEqual(cfg.Store, want.Store) {
		t.Fatalf("store got=%+v want=%+v", cfg.Store, want.Store)
	}
	if cfg.Identity.StaticTokens()[DevToken].ID != "dev" {
		t.Fatalf("template dev token missing got=%+v", cfg.Identity.Tokens)
	}
}

func TestConversions(t *testing.T) {
	testlog.Start(t)

	s := Store{BadgerPath: "/var/lib/guildgate", RedisAddr: "redis:6379", RedisDB: 2, RedisKeyPrefix: "gg:"}
	if b := s.BadgerConfig(); b.Path != "/var/lib/guildgate" || b.InMemory {
		t.Fatalf("badger config got=%+v", b)
	}
	if r := s.RedisConfig(); r.Addr != "redis:6379" || r.DB != 2 || r.KeyPrefix != "gg:" {
		t.Fatalf("redis config got=%+v", r)
	}
	if got := (Gateway{MaxMessageBytes: 1024}).FrameLimits().MaxPayloadBytes; got != 1024 {
		t.Fatalf("frame limit got=%d want=1024", got)
	}
	if got := (Gateway{}).FrameLimits(); got.MaxPayloadBytes == 0 {
		t.Fatalf("zero max message must fall back to default limits")
	}
}
