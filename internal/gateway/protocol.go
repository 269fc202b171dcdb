package gateway

import (
	"encoding/json"
	"fmt"
)

// Opcode is a gateway payload opcode.
type Opcode int

const (
	OpDispatch            Opcode = 0
	OpHeartbeat           Opcode = 1
	OpIdentify            Opcode = 2
	OpPresenceUpdate      Opcode = 3
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
		return "dispatch"
	case OpHeartbeat:
		return "heartbeat"
	case OpIdentify:
		return "identify"
	case OpPresenceUpdate:
		return "presence_update"
	case OpResume:
		return "resume"
	case OpReconnect:
		return "reconnect"
	case OpRequestGuildMembers:
		return "request_guild_members"
	case OpInvalidSession:
		return "invalid_session"
	case OpHello:
		return "hello"
	case OpHeartbeatAck:
		return "heartbeat_ack"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Payload is one gateway frame.
type Payload struct {
	Op Opcode          `json:"op"`
	D  json.RawMessage `json:"d"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

func newPayload(op Opcode, d any) (*Payload, error) {
	if d == nil {
		return &Payload{Op: op, D: json.RawMessage("null")}, nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("gateway: encode %s: %w", op, err)
	}
	return &Payload{Op: op, D: raw}, nil
}

// Intents is the event-category bitmask sent with Identify.
type Intents int

const (
	IntentGuilds                Intents = 1 << 0
	IntentGuildMembers          Intents = 1 << 1
	IntentGuildModeration       Intents = 1 << 2
	IntentGuildPresences        Intents = 1 << 8
	IntentGuildMessages         Intents = 1 << 9
	IntentGuildMessageReactions Intents = 1 << 10
	IntentDirectMessages        Intents = 1 << 12
	IntentMessageContent        Intents = 1 << 15
)

var intentNames = map[string]Intents{
	"guilds":                  IntentGuilds,
	"guild_members":           IntentGuildMembers,
	"guild_moderation":        IntentGuildModeration,
	"guild_presences":         IntentGuildPresences,
	"guild_messages":          IntentGuildMessages,
	"guild_message_reactions": IntentGuildMessageReactions,
	"direct_messages":         IntentDirectMessages,
	"message_content":         IntentMessageContent,
}

// ParseIntents combines named intents. Unknown names are an error.
func ParseIntents(names []string) (Intents, error) {
	var out Intents
	for _, n := range names {
		v, ok := intentNames[n]
		if !ok {
			return 0, fmt.Errorf("gateway: unknown intent %q", n)
		}
		out |= v
	}
	return out, nil
}

type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

// IdentifyProperties is the client metadata sent with Identify.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type identifyData struct {
	Token          string             `json:"token"`
	Intents        Intents            `json:"intents"`
	Shard          [2]int             `json:"shard"`
	Properties     IdentifyProperties `json:"properties"`
	Compress       bool               `json:"compress,omitempty"`
	LargeThreshold int                `json:"large_threshold,omitempty"`
	Presence       *PresenceUpdate    `json:"presence,omitempty"`
}

type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

type readyData struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
	User             struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
}

// Activity is a presence activity.
type Activity struct {
	Name string `json:"name"`
	Type int    `json:"type"`
}

// PresenceUpdate is the payload of OpPresenceUpdate.
type PresenceUpdate struct {
	Since      *int64     `json:"since"`
	Activities []Activity `json:"activities"`
	Status     string     `json:"status"`
	AFK        bool       `json:"afk"`
}

// GuildMembersRequest is the payload of OpRequestGuildMembers.
type GuildMembersRequest struct {
	GuildID   string   `json:"guild_id"`
	Query     *string  `json:"query,omitempty"`
	Limit     int      `json:"limit"`
	Presences bool     `json:"presences,omitempty"`
	UserIDs   []string `json:"user_ids,omitempty"`
	Nonce     string   `json:"nonce,omitempty"`
}

// Close codes the server sends.
const (
	CloseUnknownError         = 4000
	CloseAuthenticationFailed = 4004
	CloseInvalidSeq           = 4007
	CloseSessionTimedOut      = 4009
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014
)

// CloseClass is how a shard reacts to a close code.
type CloseClass int

const (
	CloseResumable CloseClass = iota
	CloseReidentify
	CloseFatal
)

// ClassifyClose maps a server close code to the recovery it allows.
func ClassifyClose(code int) CloseClass {
	switch code {
	case CloseAuthenticationFailed, CloseInvalidShard, CloseShardingRequired,
		CloseInvalidAPIVersion, CloseInvalidIntents, CloseDisallowedIntents:
		return CloseFatal
	case CloseInvalidSeq, CloseSessionTimedOut:
		return CloseReidentify
	default:
		return CloseResumable
	}
}
