package session

import (
	"time"

	"github.com/danmuck/guildgate/internal/sequencer"
	"golang.org/x/time/rate"
)

// RateLimit allows Count events per Window, bursting up to Count.
type RateLimit struct {
	Count  int
	Window time.Duration
}

func (l RateLimit) limiter() *rate.Limiter {
	if l.Count <= 0 || l.Window <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(l.Window/time.Duration(l.Count)), l.Count)
}

// Config defines connection lifecycle defaults.
type Config struct {
	HandshakeTimeout time.Duration
	HeartbeatMin     time.Duration
	HeartbeatMax     time.Duration
	ResumeGrace      time.Duration
	UpstreamTimeout  time.Duration
	OutboundQueue    int
	Resume           sequencer.Limits
	IdentifyLimit    RateLimit
	PresenceLimit    RateLimit
	MessageLimit     RateLimit
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 20 * time.Second,
		HeartbeatMin:     40 * time.Second,
		HeartbeatMax:     42 * time.Second,
		ResumeGrace:      2 * time.Minute,
		UpstreamTimeout:  5 * time.Second,
		OutboundQueue:    256,
		Resume:           sequencer.DefaultLimits(),
		IdentifyLimit:    RateLimit{Count: 1, Window: 5 * time.Second},
		PresenceLimit:    RateLimit{Count: 5, Window: 60 * time.Second},
		MessageLimit:     RateLimit{Count: 120, Window: 60 * time.Second},
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.HeartbeatMin <= 0 {
		c.HeartbeatMin = def.HeartbeatMin
	}
	if c.HeartbeatMax < c.HeartbeatMin {
		c.HeartbeatMax = c.HeartbeatMin
	}
	if c.ResumeGrace <= 0 {
		c.ResumeGrace = def.ResumeGrace
	}
	if c.UpstreamTimeout <= 0 {
		c.UpstreamTimeout = def.UpstreamTimeout
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = def.OutboundQueue
	}
	c.Resume = c.Resume.WithDefaults()
	if c.IdentifyLimit == (RateLimit{}) {
		c.IdentifyLimit = def.IdentifyLimit
	}
	if c.PresenceLimit == (RateLimit{}) {
		c.PresenceLimit = def.PresenceLimit
	}
	if c.MessageLimit == (RateLimit{}) {
		c.MessageLimit = def.MessageLimit
	}
	return c
}
