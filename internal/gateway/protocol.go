// Package gateway maintains one authenticated real-time gateway connection
// per account: frame decoding, the handshake and heartbeat state machine,
// and the reconnect policy applied when the connection fails.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
)

// DefaultURL selects JSON encoding, protocol v9 and zlib-stream compression.
const DefaultURL = "wss://gateway.discord.gg/?encoding=json&v=9&compress=zlib-stream"

// Opcode is a gateway message opcode.
type Opcode int

const (
	OpDispatch       Opcode = 0
	OpHeartbeat      Opcode = 1
	OpIdentify       Opcode = 2
	OpResume         Opcode = 6
	OpReconnect      Opcode = 7
	OpInvalidSession Opcode = 9
	OpHello          Opcode = 10
	OpHeartbeatAck   Opcode = 11
)

// Close codes understood by Recovery. Codes at or above CloseFatalMin come
// from the server and forbid resuming; the others are local.
const (
	CloseNormal     = 1000
	CloseInvalidate = 1009 // session discarded, identify again
	CloseException  = 1011 // unexpected fault, reconnect fresh
	CloseReconnect  = 2001 // "please resume"
	CloseFatalMin   = 4000
)

// Dispatch event types handled by the connection itself.
const (
	EventReady   = "READY"
	EventResumed = "RESUMED"
)

var (
	// ErrConnectionHeld is returned by Start when another connection (in
	// this or another process) holds the account's connect lock.
	ErrConnectionHeld = errors.New("gateway: connection held elsewhere")
	// ErrHandshakeTimeout is returned by Start when Running was not reached.
	ErrHandshakeTimeout = errors.New("gateway: handshake timeout")
)

// CloseError reports why a connection ended.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("gateway: closed %d: %s", e.Code, e.Reason)
}

// CodeOf extracts the close code from err, defaulting to CloseException.
func CodeOf(err error) (int, string) {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Reason
	}
	if err == nil {
		return CloseNormal, ""
	}
	return CloseException, err.Error()
}

// payload is an inbound gateway message.
type payload struct {
	Op Opcode          `json:"op"`
	D  json.RawMessage `json:"d"`
	S  *int64          `json:"s"`
	T  string          `json:"t"`
}

// outbound is a message sent to the gateway. D is always serialized so a
// heartbeat before the first dispatch carries null.
type outbound struct {
	Op Opcode `json:"op"`
	D  any    `json:"d"`
}

// Event is one decoded dispatch handed to the dispatch queue.
type Event struct {
	Type string
	Seq  int64
	Data json.RawMessage
}

type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type readyData struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
}

type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// resumeEndpoint returns base with the query parameters of def applied when
// base carries none of its own.
func resumeEndpoint(base, def string) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return def
	}
	if u.RawQuery == "" {
		if d, err := url.Parse(def); err == nil {
			u.RawQuery = d.RawQuery
		}
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String()
}
