package protocol

// Dispatch event names.
const (
	EventReady             = "READY"
	EventResumed           = "RESUMED"
	EventGuildCreate       = "GUILD_CREATE"
	EventGuildUpdate       = "GUILD_UPDATE"
	EventGuildDelete       = "GUILD_DELETE"
	EventGuildMemberAdd    = "GUILD_MEMBER_ADD"
	EventGuildMemberUpdate = "GUILD_MEMBER_UPDATE"
	EventGuildMemberRemove = "GUILD_MEMBER_REMOVE"
	EventGuildMembersChunk = "GUILD_MEMBERS_CHUNK"
	EventGuildRoleCreate   = "GUILD_ROLE_CREATE"
	EventGuildRoleUpdate   = "GUILD_ROLE_UPDATE"
	EventGuildRoleDelete   = "GUILD_ROLE_DELETE"
	EventChannelCreate     = "CHANNEL_CREATE"
	EventChannelUpdate     = "CHANNEL_UPDATE"
	EventChannelDelete     = "CHANNEL_DELETE"
	EventChannelPinsUpdate = "CHANNEL_PINS_UPDATE"
	EventMessageCreate     = "MESSAGE_CREATE"
	EventMessageUpdate     = "MESSAGE_UPDATE"
	EventMessageDelete     = "MESSAGE_DELETE"
	EventMessageDeleteBulk = "MESSAGE_DELETE_BULK"
	EventReactionAdd       = "MESSAGE_REACTION_ADD"
	EventReactionRemove    = "MESSAGE_REACTION_REMOVE"
	EventTypingStart       = "TYPING_START"
	EventPresenceUpdate    = "PRESENCE_UPDATE"
	EventWebhooksUpdate    = "WEBHOOKS_UPDATE"
	EventGuildBanAdd       = "GUILD_BAN_ADD"
	EventGuildBanRemove    = "GUILD_BAN_REMOVE"
	EventGuildEmojisUpdate = "GUILD_EMOJIS_UPDATE"
	EventGuildIntegrations = "GUILD_INTEGRATIONS_UPDATE"
	EventInviteCreate      = "INVITE_CREATE"
	EventInviteDelete      = "INVITE_DELETE"
	EventUserUpdate        = "USER_UPDATE"
)

// channelScoped maps channel-scoped event types to the payload field
// carrying the channel id.
var channelScoped = map[string]string{
	EventMessageCreate:     "channel_id",
	EventMessageUpdate:     "channel_id",
	EventMessageDelete:     "channel_id",
	EventMessageDeleteBulk: "channel_id",
	EventReactionAdd:       "channel_id",
	EventReactionRemove:    "channel_id",
	EventTypingStart:       "channel_id",
	EventChannelPinsUpdate: "channel_id",
	EventWebhooksUpdate:    "channel_id",
	EventInviteCreate:      "channel_id",
	EventInviteDelete:      "channel_id",
	EventChannelCreate:     "id",
	EventChannelUpdate:     "id",
}

// ChannelScope returns the payload field naming the channel an event is
// scoped to. ok is false for guild-wide events.
func ChannelScope(eventType string) (field string, ok bool) {
	field, ok = channelScoped[eventType]
	return field, ok
}
