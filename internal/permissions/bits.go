// Package permissions resolves the effective permission bits of a guild
// member in a channel.
//
// Resolution is a pure function of the role table, the member's role ids
// and the channel's overwrites. Nothing is cached between calls.
package permissions

import (
	"strconv"
	"strings"
)

// Bits is a permission bitmask.
type Bits uint64

const (
	CreateInstantInvite Bits = 1 << 0
	KickMembers         Bits = 1 << 1
	BanMembers          Bits = 1 << 2
	Administrator       Bits = 1 << 3
	ManageChannels      Bits = 1 << 4
	ManageGuild         Bits = 1 << 5
	AddReactions        Bits = 1 << 6
	ViewAuditLog        Bits = 1 << 7
	PrioritySpeaker     Bits = 1 << 8
	Stream              Bits = 1 << 9
	ViewChannel         Bits = 1 << 10
	SendMessages        Bits = 1 << 11
	SendTTSMessages     Bits = 1 << 12
	ManageMessages      Bits = 1 << 13
	EmbedLinks          Bits = 1 << 14
	AttachFiles         Bits = 1 << 15
	ReadMessageHistory  Bits = 1 << 16
	MentionEveryone     Bits = 1 << 17
	UseExternalEmojis   Bits = 1 << 18
	Connect             Bits = 1 << 20
	Speak               Bits = 1 << 21
	MuteMembers         Bits = 1 << 22
	DeafenMembers       Bits = 1 << 23
	MoveMembers         Bits = 1 << 24
	UseVAD              Bits = 1 << 25
	ChangeNickname      Bits = 1 << 26
	ManageNicknames     Bits = 1 << 27
	ManageRoles         Bits = 1 << 28
	ManageWebhooks      Bits = 1 << 29
	ManageEmojis        Bits = 1 << 30
)

// All is every defined permission bit. Administrators resolve to All.
const All = CreateInstantInvite | KickMembers | BanMembers | Administrator |
	ManageChannels | ManageGuild | AddReactions | ViewAuditLog | PrioritySpeaker |
	Stream | ViewChannel | SendMessages | SendTTSMessages | ManageMessages |
	EmbedLinks | AttachFiles | ReadMessageHistory | MentionEveryone |
	UseExternalEmojis | Connect | Speak | MuteMembers | DeafenMembers |
	MoveMembers | UseVAD | ChangeNickname | ManageNicknames | ManageRoles |
	ManageWebhooks | ManageEmojis

var bitNames = []struct {
	bit  Bits
	name string
}{
	{CreateInstantInvite, "CREATE_INSTANT_INVITE"},
	{KickMembers, "KICK_MEMBERS"},
	{BanMembers, "BAN_MEMBERS"},
	{Administrator, "ADMINISTRATOR"},
	{ManageChannels, "MANAGE_CHANNELS"},
	{ManageGuild, "MANAGE_GUILD"},
	{AddReactions, "ADD_REACTIONS"},
	{ViewAuditLog, "VIEW_AUDIT_LOG"},
	{PrioritySpeaker, "PRIORITY_SPEAKER"},
	{Stream, "STREAM"},
	{ViewChannel, "VIEW_CHANNEL"},
	{SendMessages, "SEND_MESSAGES"},
	{SendTTSMessages, "SEND_TTS_MESSAGES"},
	{ManageMessages, "MANAGE_MESSAGES"},
	{EmbedLinks, "EMBED_LINKS"},
	{AttachFiles, "ATTACH_FILES"},
	{ReadMessageHistory, "READ_MESSAGE_HISTORY"},
	{MentionEveryone, "MENTION_EVERYONE"},
	{UseExternalEmojis, "USE_EXTERNAL_EMOJIS"},
	{Connect, "CONNECT"},
	{Speak, "SPEAK"},
	{MuteMembers, "MUTE_MEMBERS"},
	{DeafenMembers, "DEAFEN_MEMBERS"},
	{MoveMembers, "MOVE_MEMBERS"},
	{UseVAD, "USE_VAD"},
	{ChangeNickname, "CHANGE_NICKNAME"},
	{ManageNicknames, "MANAGE_NICKNAMES"},
	{ManageRoles, "MANAGE_ROLES"},
	{ManageWebhooks, "MANAGE_WEBHOOKS"},
	{ManageEmojis, "MANAGE_EMOJIS"},
}

// Has reports whether every bit in p is set.
func (b Bits) Has(p Bits) bool {
	return b&p == p
}

func (b Bits) String() string {
	if b == 0 {
		return "NONE"
	}
	names := make([]string, 0, 4)
	rest := b
	for _, n := range bitNames {
		if b&n.bit != 0 {
			names = append(names, n.name)
			rest &^= n.bit
		}
	}
	if rest != 0 {
		names = append(names, "0x"+strconv.FormatUint(uint64(rest), 16))
	}
	return strings.Join(names, "|")
}
