package gateway

import (
	"encoding/json"
	"errors"
	"runtime"
)

// Gateway opcodes.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opResume         = 6
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11
)

// Dispatch event kinds routed to subscribers.
const (
	EventReady              = "READY"
	EventResumed            = "RESUMED"
	EventMessageCreate      = "MESSAGE_CREATE"
	EventMessageUpdate      = "MESSAGE_UPDATE"
	EventMessageDelete      = "MESSAGE_DELETE"
	EventInteractionCreate  = "INTERACTION_CREATE"
	EventInteractionSuccess = "INTERACTION_SUCCESS"
	EventInteractionFailure = "INTERACTION_FAILURE"
)

// Close codes that end the connection for good.
const (
	closeAuthenticationFailed = 4004
	closeInvalidIntents       = 4013
	closeDisallowedIntents    = 4014
)

var (
	ErrAuthenticationFailed = errors.New("gateway authentication failed")
	ErrReconnectExhausted   = errors.New("gateway reconnect attempts exhausted")
	ErrClosed               = errors.New("gateway connection closed")
	ErrNotConnected         = errors.New("gateway not connected")
)

// frame is the envelope of every gateway payload.
type frame struct {
	Op   int             `json:"op"`
	Data json.RawMessage `json:"d"`
	Seq  *int64          `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
}

type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type identifyData struct {
	Token        string             `json:"token"`
	Properties   identifyProperties `json:"properties"`
	Intents      int                `json:"intents,omitempty"`
	Capabilities int                `json:"capabilities,omitempty"`
	Compress     bool               `json:"compress"`
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

func defaultProperties() identifyProperties {
	return identifyProperties{OS: runtime.GOOS, Browser: "gridclaw", Device: "gridclaw"}
}

func encodeFrame(op int, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame{Op: op, Data: raw})
}
