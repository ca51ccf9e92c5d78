package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/voicebridge/pkg/bridge/action"
	"github.com/vango-go/voicebridge/pkg/bridge/protocol"
	"github.com/vango-go/voicebridge/pkg/bridge/store"
)

// fakePeer is a scripted voice front-end: an httptest server that hands each
// upgraded connection to the test.
type fakePeer struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newFakePeer(t *testing.T) *fakePeer {
	t.Helper()
	p := &fakePeer{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p.conns <- conn
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakePeer) url() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http")
}

func (p *fakePeer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-p.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("no connection arrived")
		return nil
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	blob, err := json.Marshal(frame)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, blob))
}

// completeHandshake consumes the monitor's hello and acknowledges it.
func completeHandshake(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	hello := readFrame(t, conn)
	require.Equal(t, "system.hello", hello["op"])
	require.Equal(t, "req", hello["type"])
	require.Equal(t, float64(1), hello["seq"])

	writeFrame(t, conn, map[string]any{
		"v": 1, "type": "res", "req_id": hello["req_id"], "seq": 1,
		"ts": time.Now().UTC().Format(time.RFC3339), "op": "system.hello",
		"payload": map[string]any{
			"ok": true,
			"result": map[string]any{
				"conn_id":        "C1",
				"server":         map[string]any{"name": "fortivoice", "version": "7.0"},
				"heartbeat_sec":  30,
				"dedupe_ttl_sec": 300,
			},
		},
	})
	return hello
}

type statusRecorder struct {
	mu   sync.Mutex
	all  []Status
	seen chan Status
}

func newStatusRecorder() *statusRecorder {
	return &statusRecorder{seen: make(chan Status, 64)}
}

func (r *statusRecorder) sink(s Status) {
	r.mu.Lock()
	r.all = append(r.all, s)
	r.mu.Unlock()
	select {
	case r.seen <- s:
	default:
	}
}

func (r *statusRecorder) await(t *testing.T, pred func(Status) bool) Status {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-r.seen:
			if pred(s) {
				return s
			}
		case <-deadline:
			t.Fatal("status condition never met")
		}
	}
}

type fakeAgent struct {
	mu      sync.Mutex
	calls   []protocol.Realtime
	actions []action.Action
	err     error
}

func (a *fakeAgent) HandleUtterance(_ context.Context, _ string, rt protocol.Realtime) ([]action.Action, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, rt)
	return a.actions, a.err
}

func (a *fakeAgent) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func startMonitor(t *testing.T, cfg Config, sessions *store.Account, agent AgentInvoker) (*Monitor, *statusRecorder, context.CancelFunc) {
	t.Helper()
	rec := newStatusRecorder()
	m := New(cfg, sessions, agent, rec.sink, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("monitor did not stop")
		}
	})
	return m, rec, cancel
}

func testConfig(url string) Config {
	return Config{
		AccountID:         "acme",
		URL:               url,
		Phone:             "+15550001111",
		ClientName:        "voicebridge",
		ClientVersion:     "1.0.0",
		Greeting:          "Hello from VoiceBridge! How can I help you today?",
		HelloWorldOnStart: true,
		ReconnectDelay:    MinReconnectDelay,
		HandshakeTimeout:  2 * time.Second,
	}
}

func TestHandshakeSuccessAndPing(t *testing.T) {
	peer := newFakePeer(t)
	sessions := store.New().Account("acme")
	m, rec, _ := startMonitor(t, testConfig(peer.url()), sessions, nil)

	conn := peer.accept(t)
	hello := completeHandshake(t, conn)

	payload := hello["payload"].(map[string]any)
	client := payload["client"].(map[string]any)
	require.Equal(t, "+15550001111", client["phone"])
	supports := payload["supports"].(map[string]any)
	require.NotEmpty(t, supports["ops"])

	connected := rec.await(t, func(s Status) bool { return s.Connected })
	require.Equal(t, "C1", connected.ConnID)
	require.Equal(t, "C1", m.Status().ConnID)

	writeFrame(t, conn, map[string]any{
		"v": 1, "type": "req", "req_id": "p1", "seq": 2, "ts": "t",
		"op": "system.ping", "payload": map[string]any{"nonce": "n42"},
	})
	res := readFrame(t, conn)
	require.Equal(t, "res", res["type"])
	require.Equal(t, "p1", res["req_id"])
	require.Equal(t, "system.ping", res["op"])
	require.Equal(t, float64(2), res["seq"])
	result := res["payload"].(map[string]any)["result"].(map[string]any)
	require.Equal(t, "n42", result["nonce"])
}

func TestHandshakeTimeout(t *testing.T) {
	peer := newFakePeer(t)
	cfg := testConfig(peer.url())
	cfg.HandshakeTimeout = 150 * time.Millisecond
	cfg.ReconnectDelay = time.Hour // hold the loop after the first failure
	_, rec, _ := startMonitor(t, cfg, store.New().Account("acme"), nil)

	conn := peer.accept(t)
	_ = readFrame(t, conn) // the hello we never answer

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "err=%v", err)
	require.Equal(t, websocket.CloseInternalServerErr, closeErr.Code)
	require.Equal(t, "handshake_failed", closeErr.Text)

	s := rec.await(t, func(s Status) bool { return s.LastError != "" })
	require.Contains(t, s.LastError, "hello")
}

func TestHandshakeRejected(t *testing.T) {
	peer := newFakePeer(t)
	cfg := testConfig(peer.url())
	cfg.ReconnectDelay = time.Hour
	_, rec, _ := startMonitor(t, cfg, store.New().Account("acme"), nil)

	conn := peer.accept(t)
	hello := readFrame(t, conn)
	writeFrame(t, conn, map[string]any{
		"v": 1, "type": "res", "req_id": hello["req_id"], "seq": 1, "ts": "t",
		"op": "system.hello",
		"payload": map[string]any{
			"ok":    false,
			"error": map[string]any{"code": "unauthorized", "message": "bad phone"},
		},
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "err=%v", err)
	require.Equal(t, websocket.CloseInternalServerErr, closeErr.Code)

	s := rec.await(t, func(s Status) bool { return s.LastError != "" })
	require.Contains(t, s.LastError, "unauthorized")
}

func TestSessionStartDrainsQueue(t *testing.T) {
	peer := newFakePeer(t)
	sessions := store.New().Account("acme")
	queued := sessions.QueueText("s1", "hi")
	_, _, _ = startMonitor(t, testConfig(peer.url()), sessions, nil)

	conn := peer.accept(t)
	completeHandshake(t, conn)

	writeFrame(t, conn, map[string]any{
		"v": 1, "type": "req", "req_id": "r1", "seq": 2, "ts": "t",
		"op": "session.start", "session_id": "s1",
		"payload": map[string]any{"call": map[string]any{"call_id": "c1", "direction": "inbound"}},
	})
	res := readFrame(t, conn)
	require.Equal(t, "r1", res["req_id"])
	require.Equal(t, "session.start", res["op"])
	require.Equal(t, "s1", res["session_id"])

	actions := resultActions(t, res)
	require.Len(t, actions, 2)
	require.Equal(t, "speak", actions[0]["type"])
	require.Contains(t, actions[0]["text"], "Hello from")
	require.Equal(t, "speak", actions[1]["type"])
	require.Equal(t, "hi", actions[1]["text"])
	require.Equal(t, queued.MessageID, actions[1]["message_id"])

	require.Empty(t, sessions.ConsumeQueue("s1"))

	sid, ok := sessions.Resolve("call:c1")
	require.True(t, ok)
	require.Equal(t, "s1", sid)
}

func TestSessionUpdateInvokesAgent(t *testing.T) {
	peer := newFakePeer(t)
	sessions := store.New().Account("acme")
	agent := &fakeAgent{actions: []action.Action{
		action.Speak("Which city?"),
		action.CollectFields(action.Field{Key: "city", Type: action.FieldString, Required: true}),
	}}
	_, _, _ = startMonitor(t, testConfig(peer.url()), sessions, agent)

	conn := peer.accept(t)
	completeHandshake(t, conn)

	writeFrame(t, conn, map[string]any{
		"v": 1, "type": "req", "req_id": "r2", "seq": 2, "ts": "t",
		"op": "session.update", "session_id": "s1",
		"payload": map[string]any{
			"realtime": map[string]any{
				"turn_id": "t1",
				"input":   map[string]any{"type": "user_utterance", "text": "What is the weather today?"},
			},
		},
	})
	res := readFrame(t, conn)
	actions := resultActions(t, res)
	require.Len(t, actions, 2)
	require.Equal(t, "speak", actions[0]["type"])
	require.Equal(t, "Which city?", actions[0]["text"])
	require.Equal(t, "collect", actions[1]["type"])

	require.Equal(t, 1, agent.callCount())
}

func TestSessionUpdatePartialTranscriptDropped(t *testing.T) {
	peer := newFakePeer(t)
	sessions := store.New().Account("acme")
	agent := &fakeAgent{actions: []action.Action{action.Speak("should not appear")}}
	_, _, _ = startMonitor(t, testConfig(peer.url()), sessions, agent)

	conn := peer.accept(t)
	completeHandshake(t, conn)

	writeFrame(t, conn, map[string]any{
		"v": 1, "type": "req", "req_id": "r3", "seq": 2, "ts": "t",
		"op": "session.update", "session_id": "s1",
		"payload": map[string]any{
			"realtime": map[string]any{
				"turn_id": "t1",
				"input":   map[string]any{"type": "transcript_partial", "text": "what is"},
			},
		},
	})
	res := readFrame(t, conn)
	actions := resultActions(t, res)
	require.Empty(t, actions)
	require.Zero(t, agent.callCount())
}

func TestSessionEndEventEvicts(t *testing.T) {
	peer := newFakePeer(t)
	sessions := store.New().Account("acme")
	sessions.Track("s1", &store.Call{CallID: "c1"})
	_, _, _ = startMonitor(t, testConfig(peer.url()), sessions, nil)

	conn := peer.accept(t)
	completeHandshake(t, conn)

	writeFrame(t, conn, map[string]any{
		"v": 1, "type": "evt", "seq": 2, "ts": "t",
		"op": "session.end", "session_id": "s1",
		"payload": map[string]any{},
	})

	// A ping after the event proves the event was processed first (frames are
	// handled in arrival order) and that no reply was sent for it.
	writeFrame(t, conn, map[string]any{
		"v": 1, "type": "req", "req_id": "p9", "seq": 3, "ts": "t",
		"op": "system.ping", "payload": map[string]any{},
	})
	res := readFrame(t, conn)
	require.Equal(t, "p9", res["req_id"])

	_, ok := sessions.Resolve("session:s1")
	require.False(t, ok)
	_, ok = sessions.Resolve("call:c1")
	require.False(t, ok)
}

func TestUnknownOpAnswered(t *testing.T) {
	peer := newFakePeer(t)
	_, _, _ = startMonitor(t, testConfig(peer.url()), store.New().Account("acme"), nil)

	conn := peer.accept(t)
	completeHandshake(t, conn)

	writeFrame(t, conn, map[string]any{
		"v": 1, "type": "req", "req_id": "r4", "seq": 2, "ts": "t",
		"op": "system.reboot", "payload": map[string]any{},
	})
	res := readFrame(t, conn)
	require.Equal(t, "r4", res["req_id"])
	payload := res["payload"].(map[string]any)
	require.Equal(t, false, payload["ok"])
	errObj := payload["error"].(map[string]any)
	require.Equal(t, "unsupported_op", errObj["code"])
}

func TestSessionStartWithoutSessionID(t *testing.T) {
	peer := newFakePeer(t)
	_, _, _ = startMonitor(t, testConfig(peer.url()), store.New().Account("acme"), nil)

	conn := peer.accept(t)
	completeHandshake(t, conn)

	writeFrame(t, conn, map[string]any{
		"v": 1, "type": "req", "req_id": "r5", "seq": 2, "ts": "t",
		"op": "session.start", "payload": map[string]any{},
	})
	res := readFrame(t, conn)
	payload := res["payload"].(map[string]any)
	require.Equal(t, false, payload["ok"])
	errObj := payload["error"].(map[string]any)
	require.Equal(t, "invalid_session", errObj["code"])
}

func TestCancellationClosesCleanly(t *testing.T) {
	peer := newFakePeer(t)
	_, rec, cancel := startMonitor(t, testConfig(peer.url()), store.New().Account("acme"), nil)

	conn := peer.accept(t)
	completeHandshake(t, conn)
	rec.await(t, func(s Status) bool { return s.Connected })

	cancel()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "err=%v", err)
	require.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	require.Equal(t, "aborted", closeErr.Text)

	final := rec.await(t, func(s Status) bool { return !s.Running })
	require.False(t, final.Connected)
	require.False(t, final.LastStopAt.IsZero())
}

func TestReconnectAfterServerClose(t *testing.T) {
	peer := newFakePeer(t)
	_, rec, _ := startMonitor(t, testConfig(peer.url()), store.New().Account("acme"), nil)

	first := peer.accept(t)
	completeHandshake(t, first)
	rec.await(t, func(s Status) bool { return s.Connected })

	require.NoError(t, first.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "restarting"), time.Now().Add(time.Second)))
	_ = first.Close()

	rec.await(t, func(s Status) bool { return !s.Connected && s.LastDisconnect != nil })

	second := peer.accept(t)
	completeHandshake(t, second)
	rec.await(t, func(s Status) bool { return s.Connected })
}

func resultActions(t *testing.T, res map[string]any) []map[string]any {
	t.Helper()
	payload, ok := res["payload"].(map[string]any)
	require.True(t, ok, "payload missing: %v", res)
	require.Equal(t, true, payload["ok"])
	result, ok := payload["result"].(map[string]any)
	require.True(t, ok)
	raw, ok := result["actions"].([]any)
	require.True(t, ok, "actions missing: %v", result)
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		out = append(out, item.(map[string]any))
	}
	return out
}
