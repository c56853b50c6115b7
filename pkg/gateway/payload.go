// Package gateway implements a Discord-style gateway connection: the
// hello/identify/resume handshake, the heartbeat-ack liveness loop, session
// persistence for resumes, and bounded reconnect with exponential backoff.
package gateway

import "encoding/json"

// Gateway opcodes.
const (
	OpDispatch       = 0
	OpHeartbeat      = 1
	OpIdentify       = 2
	OpPresenceUpdate = 3
	OpResume         = 6
	OpReconnect      = 7
	OpInvalidSession = 9
	OpHello          = 10
	OpHeartbeatAck   = 11
)

// CloseCodeResumable is the close code the server sends (and this client
// sends on op 7) when the session may be resumed.
const CloseCodeResumable = 4000

// Dispatch event names with protocol-level meaning.
const (
	EventReady       = "READY"
	EventResumed     = "RESUMED"
	EventRateLimited = "RATE_LIMITED"
)

// Payload is the outer gateway frame. S and T are only present on
// dispatches.
type Payload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

// HelloData is the op 10 body.
type HelloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
	// TimeoutMS overrides the ack window when the server provides one.
	TimeoutMS int64 `json:"timeout_ms,omitempty"`
}

// IdentifyData is the op 2 body.
type IdentifyData struct {
	Token      string              `json:"token"`
	Properties IdentifyProperties  `json:"properties"`
	Intents    int                 `json:"intents"`
	Presence   *PresenceUpdateData `json:"presence,omitempty"`
}

type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// ResumeData is the op 6 body.
type ResumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// ReadyData is the relevant subset of the READY dispatch.
type ReadyData struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
	User             *struct {
		ID string `json:"id"`
	} `json:"user,omitempty"`
}

// InvalidSessionData is the op 9 body: whether a RESUME may be retried.
type InvalidSessionData bool

// RateLimitedData is the RATE_LIMITED dispatch body. RetryAfter is
// milliseconds.
type RateLimitedData struct {
	Opcode     int   `json:"opcode"`
	RetryAfter int64 `json:"retry_after"`
}

// PresenceUpdateData is the op 3 body, also embeddable in IDENTIFY.
type PresenceUpdateData struct {
	Since      *int64     `json:"since"`
	Activities []Activity `json:"activities"`
	Status     string     `json:"status"`
	AFK        bool       `json:"afk"`
}
