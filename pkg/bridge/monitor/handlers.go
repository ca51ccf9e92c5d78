package monitor

import (
	"context"
	"strings"
	"time"

	"github.com/vango-go/voicebridge/pkg/bridge/action"
	"github.com/vango-go/voicebridge/pkg/bridge/protocol"
	"github.com/vango-go/voicebridge/pkg/bridge/store"
)

// opError is a protocol-level failure answered with an error response; the
// connection stays up.
type opError struct {
	code    string
	message string
}

func (m *Monitor) dispatch(ctx context.Context, c *connState, env protocol.Envelope) {
	m.logger.Debug("frame", "type", env.Type, "op", env.Op, "seq", env.Seq, "session_id", env.Session())

	switch env.Type {
	case protocol.FrameEvent:
		m.handleEvent(env)
	case protocol.FrameRequest:
		m.handleRequest(ctx, c, env)
	case protocol.FrameResponse:
		// Late or unsolicited responses after the handshake carry nothing we
		// correlate; log and move on.
		m.logger.Debug("unsolicited response", "op", env.Op, "req_id", env.ReqID)
	}
}

func (m *Monitor) handleEvent(env protocol.Envelope) {
	if env.Op == protocol.OpSessionEnd {
		sid := env.Session()
		if sid == "" {
			m.logger.Warn("session.end event without session_id")
			return
		}
		m.sessions.End(sid)
		m.logger.Info("session ended", "session_id", sid)
		return
	}
	m.logger.Debug("ignoring event", "op", env.Op)
}

func (m *Monitor) handleRequest(ctx context.Context, c *connState, env protocol.Envelope) {
	var (
		result map[string]any
		opErr  *opError
		err    error
	)

	switch env.Op {
	case protocol.OpHello:
		result = m.handleHello(c)
	case protocol.OpPing:
		result = handlePing(env)
	case protocol.OpSessionStart:
		result, opErr = m.handleSessionStart(env)
	case protocol.OpSessionUpdate:
		result, opErr, err = m.handleSessionUpdate(ctx, env)
	default:
		opErr = &opError{code: protocol.CodeUnsupportedOp, message: "operation not supported: " + string(env.Op)}
	}

	if err != nil {
		// Handler failure: log and report, send no reply, keep the connection.
		m.logger.Error("handler failed", "op", env.Op, "err", err)
		m.updateStatus(func(s *Status) { s.LastError = err.Error() })
		return
	}

	var sendErr error
	if opErr != nil {
		sendErr = m.send(c, func(seq int64) protocol.Envelope {
			return protocol.NewErrorResponse(env, opErr.code, opErr.message, seq)
		})
	} else {
		sendErr = m.send(c, func(seq int64) protocol.Envelope {
			return protocol.NewResponse(env, result, seq)
		})
	}
	if sendErr != nil {
		m.logger.Warn("send response", "op", env.Op, "err", sendErr)
	}
}

func (m *Monitor) handleHello(c *connState) map[string]any {
	return protocol.EncodePayload(protocol.HelloResult{
		ConnID: c.connID,
		Server: protocol.ServerInfo{
			Name:    m.cfg.ClientName,
			Version: m.cfg.ClientVersion,
		},
		HeartbeatSec: heartbeatSec,
		DedupeTTLSec: dedupeTTLSec,
	})
}

func handlePing(env protocol.Envelope) map[string]any {
	if nonce, ok := env.Payload["nonce"]; ok {
		return map[string]any{"nonce": nonce}
	}
	return map[string]any{}
}

func (m *Monitor) handleSessionStart(env protocol.Envelope) (map[string]any, *opError) {
	sid := strings.TrimSpace(env.Session())
	if sid == "" {
		return nil, &opError{code: protocol.CodeInvalidSession, message: "session_id is required"}
	}

	var call *store.Call
	if info := protocol.DecodeCall(env.Payload); info != nil {
		call = &store.Call{
			CallID:    info.CallID,
			From:      info.From,
			To:        info.To,
			Direction: info.Direction,
		}
	}
	m.sessions.Track(sid, call)

	actions := []action.Action{}
	if m.cfg.HelloWorldOnStart {
		actions = append(actions, action.Speak(m.cfg.Greeting))
	}
	actions = append(actions, m.drainQueue(sid)...)

	m.noteOutbound(len(actions))
	return map[string]any{"actions": actions}, nil
}

func (m *Monitor) handleSessionUpdate(ctx context.Context, env protocol.Envelope) (map[string]any, *opError, error) {
	sid := strings.TrimSpace(env.Session())
	if sid == "" {
		return nil, &opError{code: protocol.CodeInvalidSession, message: "session_id is required"}, nil
	}

	m.sessions.Track(sid, nil)

	actions := []action.Action{}
	actions = append(actions, m.drainQueue(sid)...)

	if rt, ok := protocol.DecodeRealtime(env.Payload); ok && realtimeInputAccepted(rt.Input.Type) {
		if m.agent != nil {
			agentActions, err := m.agent.HandleUtterance(ctx, sid, rt)
			if err != nil && ctx.Err() != nil {
				return nil, nil, err
			}
			if err != nil {
				// The turn still answers; the caller hears the queue drain (or
				// silence) rather than a dead line.
				m.logger.Error("agent invocation failed", "session_id", sid, "turn_id", rt.TurnID, "err", err)
				m.updateStatus(func(s *Status) { s.LastError = err.Error() })
			} else {
				actions = append(actions, agentActions...)
			}
		}
	}

	m.noteOutbound(len(actions))
	return map[string]any{"actions": actions}, nil, nil
}

func realtimeInputAccepted(inputType string) bool {
	switch inputType {
	case "user_utterance", "transcript_final", "tool_result":
		return true
	default:
		return false
	}
}

func (m *Monitor) drainQueue(sid string) []action.Action {
	queued := m.sessions.ConsumeQueue(sid)
	actions := make([]action.Action, 0, len(queued))
	for _, msg := range queued {
		actions = append(actions, action.SpeakWithID(msg.MessageID, msg.Text))
	}
	return actions
}

func (m *Monitor) noteOutbound(emitted int) {
	if emitted == 0 {
		return
	}
	m.updateStatus(func(s *Status) { s.LastOutboundAt = time.Now() })
}
