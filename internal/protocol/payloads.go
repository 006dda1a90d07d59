package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/guildgate/internal/guildstate"
	"github.com/danmuck/guildgate/internal/permissions"
	"github.com/danmuck/guildgate/internal/presence"
)

const (
	DefaultLargeThreshold = 50
	MaxLargeThreshold     = 250
	MaxMemberChunk        = 1000
)

var ErrInvalidPayload = errors.New("protocol: invalid payload")

// Frame is one gateway message. D holds the JSON form of the payload
// regardless of the negotiated encoding; S and T are set on dispatches.
type Frame struct {
	Op Opcode          `json:"op"`
	D  json.RawMessage `json:"d"`
	S  *uint64         `json:"s"`
	T  *string         `json:"t"`
}

// NewFrame marshals d into a non-dispatch frame.
func NewFrame(op Opcode, d any) (Frame, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, op, err)
	}
	return Frame{Op: op, D: raw}, nil
}

// DispatchFrame builds a DISPATCH frame from an already-encoded payload.
func DispatchFrame(seq uint64, eventType string, payload json.RawMessage) Frame {
	t := eventType
	s := seq
	return Frame{Op: OpDispatch, D: payload, S: &s, T: &t}
}

// Decode unmarshals the frame payload into out and validates it when out
// has a Validate method.
func (f Frame) Decode(out any) error {
	if len(f.D) == 0 || string(f.D) == "null" {
		return fmt.Errorf("%w: %s missing d", ErrInvalidPayload, f.Op)
	}
	if err := json.Unmarshal(f.D, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, f.Op, err)
	}
	if v, ok := out.(interface{ Validate() error }); ok {
		return v.Validate()
	}
	return nil
}

type Hello struct {
	HeartbeatInterval int64    `json:"heartbeat_interval"`
	Trace             []string `json:"_trace,omitempty"`
}

type ConnectionProperties struct {
	OS      string `json:"$os,omitempty"`
	Browser string `json:"$browser,omitempty"`
	Device  string `json:"$device,omitempty"`
}

type Identify struct {
	Token              string               `json:"token"`
	Properties         ConnectionProperties `json:"properties"`
	Compress           bool                 `json:"compress,omitempty"`
	LargeThreshold     int                  `json:"large_threshold,omitempty"`
	Shard              []int                `json:"shard,omitempty"`
	Presence           *StatusUpdate        `json:"presence,omitempty"`
	GuildSubscriptions []string             `json:"guild_subscriptions,omitempty"`
}

func (p *Identify) Validate() error {
	if strings.TrimSpace(p.Token) == "" {
		return fmt.Errorf("%w: identify missing token", ErrInvalidPayload)
	}
	switch {
	case p.LargeThreshold == 0:
		p.LargeThreshold = DefaultLargeThreshold
	case p.LargeThreshold < DefaultLargeThreshold || p.LargeThreshold > MaxLargeThreshold:
		return fmt.Errorf("%w: large_threshold %d outside [%d, %d]",
			ErrInvalidPayload, p.LargeThreshold, DefaultLargeThreshold, MaxLargeThreshold)
	}
	if p.Presence != nil {
		if err := p.Presence.Validate(); err != nil {
			return err
		}
	}
	return nil
}

type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       uint64 `json:"seq"`
}

func (p *Resume) Validate() error {
	if strings.TrimSpace(p.Token) == "" {
		return fmt.Errorf("%w: resume missing token", ErrInvalidPayload)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		return fmt.Errorf("%w: resume missing session_id", ErrInvalidPayload)
	}
	return nil
}

type StatusUpdate struct {
	Since  *int64             `json:"since"`
	Game   *presence.Activity `json:"game"`
	Status string             `json:"status"`
	AFK    bool               `json:"afk"`
}

func (p *StatusUpdate) Validate() error {
	_, err := p.Resolve()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// Resolve maps the declared status onto the aggregated status set. An
// away-from-keyboard client counts as idle unless it declared itself
// offline.
func (p *StatusUpdate) Resolve() (presence.Status, error) {
	status, err := presence.ParseStatus(p.Status)
	if err != nil {
		return "", err
	}
	if p.AFK && status != presence.Offline {
		return presence.Idle, nil
	}
	return status, nil
}

type RequestGuildMembers struct {
	GuildID string `json:"guild_id"`
	Query   string `json:"query"`
	Limit   int    `json:"limit"`
}

func (p *RequestGuildMembers) Validate() error {
	if strings.TrimSpace(p.GuildID) == "" {
		return fmt.Errorf("%w: request_guild_members missing guild_id", ErrInvalidPayload)
	}
	if p.Limit <= 0 || p.Limit > MaxMemberChunk {
		p.Limit = MaxMemberChunk
	}
	return nil
}

type User struct {
	ID  string `json:"id"`
	Bot bool   `json:"bot"`
}

type Ready struct {
	V               int            `json:"v"`
	User            User           `json:"user"`
	SessionID       string         `json:"session_id"`
	Shard           []int          `json:"shard"`
	Guilds          []GuildPayload `json:"guilds"`
	PrivateChannels []any          `json:"private_channels"`
	Trace           []string       `json:"_trace,omitempty"`
}

type Resumed struct {
	Trace []string `json:"_trace,omitempty"`
}

// GuildPayload is the full guild object in READY and GUILD_CREATE, or an
// unavailable placeholder carrying only ID.
type GuildPayload struct {
	ID          string               `json:"id"`
	Unavailable bool                 `json:"unavailable,omitempty"`
	Name        string               `json:"name,omitempty"`
	OwnerID     string               `json:"owner_id,omitempty"`
	Large       bool                 `json:"large,omitempty"`
	MemberCount int                  `json:"member_count,omitempty"`
	Roles       []permissions.Role   `json:"roles,omitempty"`
	Channels    []guildstate.Channel `json:"channels,omitempty"`
	Members     []guildstate.Member  `json:"members,omitempty"`
	Presences   []presence.Presence  `json:"presences,omitempty"`
}

// NewGuildPayload renders snap for one recipient. Guilds with more members
// than largeThreshold list only members with a visible presence.
func NewGuildPayload(snap *guildstate.Snapshot, presences []presence.Presence, largeThreshold int) GuildPayload {
	g := snap.Guild()
	out := GuildPayload{
		ID:          g.ID,
		Name:        g.Name,
		OwnerID:     g.OwnerID,
		MemberCount: len(g.Members),
		Roles:       g.Roles,
		Channels:    g.Channels,
		Presences:   presences,
	}
	if largeThreshold <= 0 {
		largeThreshold = DefaultLargeThreshold
	}
	if len(g.Members) <= largeThreshold {
		out.Members = g.Members
		return out
	}
	out.Large = true
	online := make(map[string]struct{}, len(presences))
	for _, p := range presences {
		online[p.UserID] = struct{}{}
	}
	out.Members = make([]guildstate.Member, 0, len(presences))
	for _, m := range g.Members {
		if _, ok := online[m.UserID]; ok {
			out.Members = append(out.Members, m)
		}
	}
	return out
}

type PresenceUpdate struct {
	User    User               `json:"user"`
	GuildID string             `json:"guild_id"`
	Status  presence.Status    `json:"status"`
	Game    *presence.Activity `json:"game"`
}

func NewPresenceUpdate(p presence.Presence) PresenceUpdate {
	return PresenceUpdate{
		User:    User{ID: p.UserID},
		GuildID: p.GuildID,
		Status:  p.Status,
		Game:    p.Activity,
	}
}

type GuildMembersChunk struct {
	GuildID    string              `json:"guild_id"`
	Members    []guildstate.Member `json:"members"`
	ChunkIndex int                 `json:"chunk_index"`
	ChunkCount int                 `json:"chunk_count"`
}

// ChunkMembers splits members into GUILD_MEMBERS_CHUNK payloads of at most
// size entries. An empty member list yields one empty chunk.
func ChunkMembers(guildID string, members []guildstate.Member, size int) []GuildMembersChunk {
	if size <= 0 || size > MaxMemberChunk {
		size = MaxMemberChunk
	}
	count := (len(members) + size - 1) / size
	if count == 0 {
		count = 1
	}
	out := make([]GuildMembersChunk, 0, count)
	for i := 0; i < count; i++ {
		lo := i * size
		hi := min(lo+size, len(members))
		out = append(out, GuildMembersChunk{
			GuildID:    guildID,
			Members:    append([]guildstate.Member{}, members[lo:hi]...),
			ChunkIndex: i,
			ChunkCount: count,
		})
	}
	return out
}

// ChannelID extracts the channel id of a channel-scoped payload from field.
func ChannelID(payload json.RawMessage, field string) (string, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return "", false
	}
	raw, ok := fields[field]
	if !ok {
		return "", false
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil || id == "" {
		return "", false
	}
	return id, true
}

// SubjectUserID extracts the user a membership event is about, from either
// "user_id" or "user": {"id": ...}.
func SubjectUserID(payload json.RawMessage) (string, bool) {
	var probe struct {
		UserID string `json:"user_id"`
		User   *struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return "", false
	}
	if probe.UserID != "" {
		return probe.UserID, true
	}
	if probe.User != nil && probe.User.ID != "" {
		return probe.User.ID, true
	}
	return "", false
}
