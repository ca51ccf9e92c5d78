// Package monitor owns one account's connection to the voice front-end: dial,
// handshake, serialised inbound dispatch, reconnect with a fixed delay, and
// cancellation. Callers never see errors from the loop; everything surfaces
// through the status sink and the structured log.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/voicebridge/pkg/bridge/action"
	"github.com/vango-go/voicebridge/pkg/bridge/protocol"
	"github.com/vango-go/voicebridge/pkg/bridge/store"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultReconnectDelay   = 2 * time.Second
	MinReconnectDelay       = 250 * time.Millisecond

	closeWriteTimeout = 2 * time.Second

	heartbeatSec = 30
	dedupeTTLSec = 300
)

// AgentInvoker is the capability the monitor needs from the agent bridge: turn
// an inbound realtime utterance into voice actions.
type AgentInvoker interface {
	HandleUtterance(ctx context.Context, sessionID string, rt protocol.Realtime) ([]action.Action, error)
}

// Disconnect records how the last connection ended.
type Disconnect struct {
	At     time.Time
	Status string
	Error  string
}

// Status is the monitor's externally visible state. The sink receives a full
// copy on every change.
type Status struct {
	Running        bool
	Connected      bool
	ConnID         string
	LastError      string
	LastDisconnect *Disconnect
	LastOutboundAt time.Time
	LastStopAt     time.Time
}

// StatusSink receives status snapshots. It is called from the monitor's
// goroutine and must not block.
type StatusSink func(Status)

type Config struct {
	AccountID         string
	URL               string
	Phone             string
	ClientName        string
	ClientVersion     string
	Greeting          string
	HelloWorldOnStart bool
	ReconnectDelay    time.Duration
	HandshakeTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.ReconnectDelay < MinReconnectDelay {
		c.ReconnectDelay = MinReconnectDelay
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ClientName == "" {
		c.ClientName = "voicebridge"
	}
	return c
}

// Monitor drives one account's connection lifecycle.
type Monitor struct {
	cfg      Config
	sessions *store.Account
	agent    AgentInvoker
	sink     StatusSink
	logger   *slog.Logger
	dial     func(ctx context.Context, url string) (*websocket.Conn, error)

	mu     sync.Mutex
	status Status
}

func New(cfg Config, sessions *store.Account, agent AgentInvoker, sink StatusSink, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:      cfg.withDefaults(),
		sessions: sessions,
		agent:    agent,
		sink:     sink,
		logger:   logger.With("account", cfg.AccountID),
		dial:     defaultDial,
	}
}

// Status returns the current status snapshot.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Monitor) updateStatus(mutate func(*Status)) {
	m.mu.Lock()
	mutate(&m.status)
	snapshot := m.status
	m.mu.Unlock()
	if m.sink != nil {
		m.sink(snapshot)
	}
}

// Run drives the connect loop until ctx is cancelled. It never returns an
// error: failures are logged, reported through the sink, and retried after the
// reconnect delay.
func (m *Monitor) Run(ctx context.Context) {
	m.updateStatus(func(s *Status) { s.Running = true })
	defer m.updateStatus(func(s *Status) {
		s.Running = false
		s.Connected = false
		s.LastStopAt = time.Now()
	})

	for {
		if ctx.Err() != nil {
			return
		}

		err := m.runSession(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.logger.Warn("connection ended", "err", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.ReconnectDelay):
		}
	}
}

// connState is the per-connection mutable state: the socket, its id, and the
// outbound sequence counter (incremented before each send, so the first frame
// carries seq 1).
type connState struct {
	conn    *websocket.Conn
	connID  string
	writeMu sync.Mutex
	seq     int64
}

func (m *Monitor) send(c *connState, build func(seq int64) protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.seq++
	blob, err := protocol.Marshal(build(c.seq))
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return c.conn.WriteMessage(websocket.TextMessage, blob)
}

func (m *Monitor) runSession(ctx context.Context) error {
	conn, err := m.dial(ctx, m.cfg.URL)
	if err != nil {
		m.updateStatus(func(s *Status) { s.LastError = err.Error() })
		return err
	}

	c := &connState{conn: conn, connID: "conn-" + uuid.NewString()}

	// The watcher translates cancellation into a clean close, which unblocks
	// the read loop.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(closeWriteTimeout)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "aborted"), deadline)
			_ = conn.Close()
		case <-watchDone:
		}
	}()

	if err := m.handshake(ctx, c); err != nil {
		if ctx.Err() != nil {
			return err
		}
		deadline := time.Now().Add(closeWriteTimeout)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "handshake_failed"), deadline)
		_ = conn.Close()
		m.updateStatus(func(s *Status) {
			s.Connected = false
			s.LastError = err.Error()
			s.LastDisconnect = &Disconnect{At: time.Now(), Status: "handshake_failed", Error: err.Error()}
		})
		return err
	}

	m.logger.Info("connected", "conn_id", c.connID, "url", m.cfg.URL)
	m.updateStatus(func(s *Status) {
		s.Connected = true
		s.ConnID = c.connID
		s.LastError = ""
	})

	pumpErr := m.pump(ctx, c)
	_ = conn.Close()

	if ctx.Err() != nil {
		// Cancellation already closed the socket; the only status left to
		// publish is the final one from Run.
		return pumpErr
	}

	status := "closed"
	errText := ""
	var closeErr *websocket.CloseError
	if pumpErr != nil {
		errText = pumpErr.Error()
		if errors.As(pumpErr, &closeErr) {
			status = fmt.Sprintf("close_%d", closeErr.Code)
		} else {
			status = "error"
		}
	}
	m.updateStatus(func(s *Status) {
		s.Connected = false
		s.ConnID = ""
		s.LastDisconnect = &Disconnect{At: time.Now(), Status: status, Error: errText}
	})
	m.logger.Info("disconnected", "status", status, "err", errText)
	return pumpErr
}

// handshake sends system.hello and waits for its successful response. Other
// frames arriving before the response are ignored. Expiry of the handshake
// timer, a failure response, or a malformed response payload all fail the
// session.
func (m *Monitor) handshake(ctx context.Context, c *connState) error {
	var helloReqID string
	err := m.send(c, func(seq int64) protocol.Envelope {
		ops := make([]string, 0, len(protocol.SupportedOps))
		for _, op := range protocol.SupportedOps {
			ops = append(ops, string(op))
		}
		env := protocol.NewRequest(protocol.OpHello, nil, protocol.EncodePayload(protocol.HelloPayload{
			Client: protocol.HelloClient{
				Name:    m.cfg.ClientName,
				Version: m.cfg.ClientVersion,
				Phone:   m.cfg.Phone,
			},
			Supports: protocol.HelloSupports{Ops: ops},
		}), seq)
		helloReqID = env.ReqID
		return env
	})
	if err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(m.cfg.HandshakeTimeout)); err != nil {
		return fmt.Errorf("arm handshake timer: %w", err)
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("await hello response: %w", err)
		}
		env, perr := protocol.Parse(data)
		if perr != nil {
			m.logger.Debug("ignoring frame during handshake", "err", perr)
			continue
		}
		if env.Type != protocol.FrameResponse || env.ReqID != helloReqID {
			m.logger.Debug("ignoring frame during handshake", "op", env.Op, "type", env.Type)
			continue
		}

		result, rerr := protocol.ParseResult(env.Payload)
		if rerr != nil {
			return fmt.Errorf("hello response malformed: %w", rerr)
		}
		if !result.OK {
			return fmt.Errorf("hello rejected: %s: %s", result.Error.Code, result.Error.Message)
		}

		var hr protocol.HelloResult
		if err := protocol.DecodePayload(result.Result, &hr); err != nil {
			return fmt.Errorf("hello result malformed: %w", err)
		}
		if hr.ConnID != "" {
			c.connID = hr.ConnID
		}

		if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
			return fmt.Errorf("disarm handshake timer: %w", err)
		}
		return nil
	}
}

// pump reads frames until the connection dies, dispatching strictly in arrival
// order: the next frame is not read until the previous handler returns.
func (m *Monitor) pump(ctx context.Context, c *connState) error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		env, perr := protocol.Parse(data)
		if perr != nil {
			m.logger.Warn("dropping unparseable frame", "err", perr)
			continue
		}

		m.dispatch(ctx, c, env)
	}
}

func defaultDial(ctx context.Context, rawURL string) (*websocket.Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s (status %d): %w", rawURL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}
	return conn, nil
}
