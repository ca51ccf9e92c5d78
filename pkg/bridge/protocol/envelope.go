// Package protocol implements the version-1 envelope framing used between the
// bridge and the voice front-end: JSON request/response/event frames with
// per-connection sequence numbers and request correlation.
package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

const Version = 1

type FrameType string

const (
	FrameRequest  FrameType = "req"
	FrameResponse FrameType = "res"
	FrameEvent    FrameType = "evt"
)

type Op string

const (
	OpHello         Op = "system.hello"
	OpPing          Op = "system.ping"
	OpSessionStart  Op = "session.start"
	OpSessionUpdate Op = "session.update"
	OpSessionEnd    Op = "session.end"
)

// SupportedOps is the closed operation set, in handshake-advertisement order.
var SupportedOps = []Op{OpHello, OpPing, OpSessionStart, OpSessionUpdate, OpSessionEnd}

func KnownOp(op Op) bool {
	switch op {
	case OpHello, OpPing, OpSessionStart, OpSessionUpdate, OpSessionEnd:
		return true
	default:
		return false
	}
}

// Error codes answered on protocol-level failures.
const (
	CodeInvalidSession = "invalid_session"
	CodeUnsupportedOp  = "unsupported_op"
	CodeBadRequest     = "bad_request"
)

type WireError struct {
	Code    string
	Message string
	Param   string
}

func (e *WireError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *WireError {
	return &WireError{Code: CodeBadRequest, Message: message, Param: param}
}

// Envelope is one wire frame. SessionID is nil when the field is absent or an
// explicit null, and points at the string otherwise; Payload is always a
// non-nil object.
type Envelope struct {
	V         int            `json:"v"`
	Type      FrameType      `json:"type"`
	ReqID     string         `json:"req_id,omitempty"`
	SessionID *string        `json:"session_id,omitempty"`
	Seq       int64          `json:"seq"`
	TS        string         `json:"ts"`
	Op        Op             `json:"op"`
	Payload   map[string]any `json:"payload"`
}

// Session returns the session id or "" when absent/null.
func (e Envelope) Session() string {
	if e.SessionID == nil {
		return ""
	}
	return *e.SessionID
}

type rawEnvelope struct {
	V         json.RawMessage `json:"v"`
	Type      json.RawMessage `json:"type"`
	ReqID     json.RawMessage `json:"req_id"`
	SessionID json.RawMessage `json:"session_id"`
	Seq       json.RawMessage `json:"seq"`
	TS        json.RawMessage `json:"ts"`
	Op        json.RawMessage `json:"op"`
	Payload   json.RawMessage `json:"payload"`
}

// Parse decodes and validates one inbound frame. It rejects anything that is
// not a well-formed version-1 envelope; unknown operation names still parse so
// the dispatcher can answer unsupported_op.
func Parse(data []byte) (Envelope, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, badFrame("invalid json frame", "")
	}

	var env Envelope

	var v float64
	if raw.V == nil || json.Unmarshal(raw.V, &v) != nil {
		return Envelope{}, badFrame("missing or invalid protocol version", "v")
	}
	if v != Version {
		return Envelope{}, badFrame(fmt.Sprintf("unsupported protocol version %v", v), "v")
	}
	env.V = Version

	var typ string
	if raw.Type == nil || json.Unmarshal(raw.Type, &typ) != nil {
		return Envelope{}, badFrame("missing or invalid frame type", "type")
	}
	switch FrameType(typ) {
	case FrameRequest, FrameResponse, FrameEvent:
		env.Type = FrameType(typ)
	default:
		return Envelope{}, badFrame("unsupported frame type", "type")
	}

	var op string
	if raw.Op == nil || json.Unmarshal(raw.Op, &op) != nil {
		return Envelope{}, badFrame("op must be a string", "op")
	}
	env.Op = Op(op)

	var ts string
	if raw.TS == nil || json.Unmarshal(raw.TS, &ts) != nil {
		return Envelope{}, badFrame("ts must be a string", "ts")
	}
	env.TS = ts

	var seq float64
	if raw.Seq == nil || json.Unmarshal(raw.Seq, &seq) != nil {
		return Envelope{}, badFrame("seq must be a number", "seq")
	}
	if math.IsNaN(seq) || math.IsInf(seq, 0) {
		return Envelope{}, badFrame("seq must be finite", "seq")
	}
	env.Seq = int64(seq)

	if raw.Payload == nil {
		return Envelope{}, badFrame("payload must be an object", "payload")
	}
	var payload map[string]any
	if err := json.Unmarshal(raw.Payload, &payload); err != nil || payload == nil {
		return Envelope{}, badFrame("payload must be an object", "payload")
	}
	env.Payload = payload

	if raw.SessionID != nil {
		if string(raw.SessionID) == "null" {
			env.SessionID = nil
		} else {
			var sid string
			if json.Unmarshal(raw.SessionID, &sid) != nil {
				return Envelope{}, badFrame("session_id must be a string or null", "session_id")
			}
			env.SessionID = &sid
		}
	}

	if env.Type == FrameRequest || env.Type == FrameResponse {
		if raw.ReqID == nil {
			return Envelope{}, badFrame("req_id is required for req/res frames", "req_id")
		}
		var reqID string
		if json.Unmarshal(raw.ReqID, &reqID) != nil || strings.TrimSpace(reqID) == "" {
			return Envelope{}, badFrame("req_id must be a non-empty string", "req_id")
		}
		env.ReqID = reqID
	}

	return env, nil
}

// Marshal encodes an envelope for the wire.
func Marshal(env Envelope) ([]byte, error) {
	if env.Payload == nil {
		env.Payload = map[string]any{}
	}
	return json.Marshal(env)
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// NewRequest builds an outbound request with a fresh req_id. seq is the
// caller's per-connection counter value for this send.
func NewRequest(op Op, sessionID *string, payload map[string]any, seq int64) Envelope {
	if payload == nil {
		payload = map[string]any{}
	}
	return Envelope{
		V:         Version,
		Type:      FrameRequest,
		ReqID:     uuid.NewString(),
		SessionID: sessionID,
		Seq:       seq,
		TS:        timestamp(),
		Op:        op,
		Payload:   payload,
	}
}

// NewEvent builds an outbound event frame.
func NewEvent(op Op, sessionID *string, payload map[string]any, seq int64) Envelope {
	if payload == nil {
		payload = map[string]any{}
	}
	return Envelope{
		V:         Version,
		Type:      FrameEvent,
		SessionID: sessionID,
		Seq:       seq,
		TS:        timestamp(),
		Op:        op,
		Payload:   payload,
	}
}

// NewResponse answers req with a success payload. The response inherits the
// request's req_id, op, and session_id.
func NewResponse(req Envelope, result map[string]any, seq int64) Envelope {
	if result == nil {
		result = map[string]any{}
	}
	return Envelope{
		V:         Version,
		Type:      FrameResponse,
		ReqID:     req.ReqID,
		SessionID: req.SessionID,
		Seq:       seq,
		TS:        timestamp(),
		Op:        req.Op,
		Payload: map[string]any{
			"ok":     true,
			"result": result,
		},
	}
}

// NewErrorResponse answers req with a failure payload.
func NewErrorResponse(req Envelope, code, message string, seq int64) Envelope {
	return Envelope{
		V:         Version,
		Type:      FrameResponse,
		ReqID:     req.ReqID,
		SessionID: req.SessionID,
		Seq:       seq,
		TS:        timestamp(),
		Op:        req.Op,
		Payload: map[string]any{
			"ok": false,
			"error": map[string]any{
				"code":    code,
				"message": message,
			},
		},
	}
}
