package protocol

import (
	"encoding/json"
	"strings"
)

type HelloClient struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Phone   string `json:"phone"`
}

type HelloSupports struct {
	Ops []string `json:"ops"`
}

// HelloPayload is the client half of the system.hello exchange.
type HelloPayload struct {
	Client   HelloClient   `json:"client"`
	Supports HelloSupports `json:"supports"`
}

type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// HelloResult is the server half of the system.hello exchange.
type HelloResult struct {
	ConnID       string     `json:"conn_id"`
	Server       ServerInfo `json:"server"`
	HeartbeatSec int        `json:"heartbeat_sec"`
	DedupeTTLSec int        `json:"dedupe_ttl_sec"`
}

// CallInfo is the optional call descriptor on session.start.
type CallInfo struct {
	CallID    string `json:"call_id,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Direction string `json:"direction,omitempty"`
}

// RealtimeInput is the nested realtime turn payload on session.update.
type RealtimeInput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type Realtime struct {
	TurnID string        `json:"turn_id"`
	Input  RealtimeInput `json:"input"`
}

// ErrorDetail is the error half of a response payload.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Result is the decoded tagged union of a response payload.
type Result struct {
	OK     bool
	Result map[string]any
	Error  *ErrorDetail
}

// ParseResult decodes a response payload into its success/failure halves.
func ParseResult(payload map[string]any) (Result, error) {
	ok, found := payload["ok"].(bool)
	if !found {
		return Result{}, badFrame("response payload missing ok", "payload.ok")
	}
	if ok {
		result, _ := payload["result"].(map[string]any)
		if result == nil {
			result = map[string]any{}
		}
		return Result{OK: true, Result: result}, nil
	}
	raw, _ := payload["error"].(map[string]any)
	if raw == nil {
		return Result{}, badFrame("failure response missing error", "payload.error")
	}
	detail := &ErrorDetail{}
	detail.Code, _ = raw["code"].(string)
	detail.Message, _ = raw["message"].(string)
	detail.Details = raw["details"]
	if strings.TrimSpace(detail.Code) == "" {
		return Result{}, badFrame("failure response missing error code", "payload.error.code")
	}
	return Result{OK: false, Error: detail}, nil
}

// EncodePayload converts a typed payload struct into the envelope's generic
// payload mapping.
func EncodePayload(v any) map[string]any {
	blob, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(blob, &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

// DecodePayload fills a typed struct from the envelope's generic payload
// mapping. Unknown keys are ignored.
func DecodePayload(payload map[string]any, v any) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return badFrame("payload not encodable", "payload")
	}
	if err := json.Unmarshal(blob, v); err != nil {
		return badFrame("payload shape mismatch", "payload")
	}
	return nil
}

// DecodeRealtime extracts the realtime sub-object from a session.update
// payload; ok is false when it is absent or incomplete.
func DecodeRealtime(payload map[string]any) (Realtime, bool) {
	raw, _ := payload["realtime"].(map[string]any)
	if raw == nil {
		return Realtime{}, false
	}
	var rt Realtime
	if err := DecodePayload(raw, &rt); err != nil {
		return Realtime{}, false
	}
	if strings.TrimSpace(rt.TurnID) == "" || strings.TrimSpace(rt.Input.Text) == "" {
		return Realtime{}, false
	}
	if strings.TrimSpace(rt.Input.Type) == "" {
		return Realtime{}, false
	}
	return rt, true
}

// DecodeCall extracts the optional call descriptor from a session.start
// payload.
func DecodeCall(payload map[string]any) *CallInfo {
	raw, _ := payload["call"].(map[string]any)
	if raw == nil {
		return nil
	}
	var call CallInfo
	if err := DecodePayload(raw, &call); err != nil {
		return nil
	}
	return &call
}
