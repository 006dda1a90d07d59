package protocol

import "fmt"

// Opcode identifies the kind of a gateway frame.
type Opcode int

const (
	OpDispatch            Opcode = 0
	OpHeartbeat           Opcode = 1
	OpIdentify            Opcode = 2
	OpStatusUpdate        Opcode = 3
	OpResume              Opcode = 6
	OpReconnect           Opcode = 7
	OpRequestGuildMembers Opcode = 8
	OpInvalidSession      Opcode = 9
	OpHello               Opcode = 10
	OpHeartbeatAck        Opcode = 11
)

func (o Opcode) String() string {
	switch o {
	case OpDispatch:
		return "DISPATCH"
	case OpHeartbeat:
		return "HEARTBEAT"
	case OpIdentify:
		return "IDENTIFY"
	case OpStatusUpdate:
		return "STATUS_UPDATE"
	case OpResume:
		return "RESUME"
	case OpReconnect:
		return "RECONNECT"
	case OpRequestGuildMembers:
		return "REQUEST_GUILD_MEMBERS"
	case OpInvalidSession:
		return "INVALID_SESSION"
	case OpHello:
		return "HELLO"
	case OpHeartbeatAck:
		return "HEARTBEAT_ACK"
	default:
		return fmt.Sprintf("OP_%d", int(o))
	}
}

// ClientSent reports whether clients may send o.
func (o Opcode) ClientSent() bool {
	switch o {
	case OpHeartbeat, OpIdentify, OpStatusUpdate, OpResume, OpRequestGuildMembers:
		return true
	default:
		return false
	}
}

// CloseCode is a websocket close code sent by the gateway.
type CloseCode int

const (
	CloseNormal               CloseCode = 1000
	CloseGoingAway            CloseCode = 1001
	CloseUnknownError         CloseCode = 4000
	CloseUnknownOpcode        CloseCode = 4001
	CloseDecodeError          CloseCode = 4002
	CloseNotAuthenticated     CloseCode = 4003
	CloseAuthenticationFailed CloseCode = 4004
	CloseAlreadyAuthenticated CloseCode = 4005
	CloseInvalidSeq           CloseCode = 4007
	CloseRateLimited          CloseCode = 4008
	CloseSessionTimeout       CloseCode = 4009
	CloseInvalidShard         CloseCode = 4010
	CloseShardingRequired     CloseCode = 4011
	CloseInvalidVersion       CloseCode = 4012
)

// Retryable reports whether a client may reconnect and resume after c.
func (c CloseCode) Retryable() bool {
	switch c {
	case CloseUnknownError, CloseInvalidSeq, CloseRateLimited, CloseSessionTimeout, CloseGoingAway:
		return true
	default:
		return false
	}
}

func (c CloseCode) String() string {
	switch c {
	case CloseNormal:
		return "normal"
	case CloseGoingAway:
		return "going away"
	case CloseUnknownError:
		return "unknown error"
	case CloseUnknownOpcode:
		return "unknown opcode"
	case CloseDecodeError:
		return "decode error"
	case CloseNotAuthenticated:
		return "not authenticated"
	case CloseAuthenticationFailed:
		return "authentication failed"
	case CloseAlreadyAuthenticated:
		return "already authenticated"
	case CloseInvalidSeq:
		return "invalid seq"
	case CloseRateLimited:
		return "rate limited"
	case CloseSessionTimeout:
		return "session timed out"
	case CloseInvalidShard:
		return "invalid shard"
	case CloseShardingRequired:
		return "sharding required"
	case CloseInvalidVersion:
		return "invalid api version"
	default:
		return fmt.Sprintf("close %d", int(c))
	}
}
