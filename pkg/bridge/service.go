// Package bridge assembles the voice bridge: per-account connection monitors
// over a shared session store, resolved from channel configuration, with an
// outbound send surface for the rest of the host application.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vango-go/voicebridge/pkg/bridge/agent"
	"github.com/vango-go/voicebridge/pkg/bridge/config"
	"github.com/vango-go/voicebridge/pkg/bridge/monitor"
	"github.com/vango-go/voicebridge/pkg/bridge/store"
)

// Dispatcher is the agent capability the service wires into each account's
// adapter; *agent.Gemini satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, route agent.Route, prompt string, deliver func(block string)) error
}

type Service struct {
	cfg        config.Config
	channel    config.Channel
	sessions   *store.Store
	dispatcher Dispatcher
	logger     *slog.Logger

	mu       sync.Mutex
	accounts map[string]*runningAccount
}

type runningAccount struct {
	monitor *monitor.Monitor
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(cfg config.Config, channel config.Channel, dispatcher Dispatcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:        cfg,
		channel:    channel,
		sessions:   store.New(),
		dispatcher: dispatcher,
		logger:     logger,
		accounts:   make(map[string]*runningAccount),
	}
}

// AccountIDs lists the configured account ids.
func (s *Service) AccountIDs() []string {
	return s.channel.AccountIDs()
}

// Start resolves an account and brings its monitor up. Unconfigured or
// disabled accounts fail here and never dial.
func (s *Service) Start(accountID string) error {
	resolved := s.channel.ResolveAccount(s.cfg.ChannelName, accountID)
	if !resolved.Enabled {
		return fmt.Errorf("account %q is disabled", resolved.AccountID)
	}
	if !resolved.Configured {
		return fmt.Errorf("account %q is not configured: url and phone are required", resolved.AccountID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.accounts[resolved.AccountID]; running {
		return fmt.Errorf("account %q is already running", resolved.AccountID)
	}

	shard := s.sessions.Account(resolved.AccountID)

	// Start returns only after the monitor has reported itself running.
	up := make(chan struct{})
	var upOnce sync.Once
	sink := func(st monitor.Status) {
		if st.Running {
			upOnce.Do(func() { close(up) })
		}
	}

	var invoker monitor.AgentInvoker
	if s.dispatcher != nil {
		invoker = agent.New(agent.Config{
			Channel:   s.cfg.ChannelName,
			AccountID: resolved.AccountID,
			Markdown:  resolved.Markdown,
		}, agent.Capabilities{
			Dispatch:      s.dispatcher.Dispatch,
			RecordInbound: agent.StoreRecorder(shard),
		}, s.logger)
	}

	mon := monitor.New(monitor.Config{
		AccountID:         resolved.AccountID,
		URL:               resolved.URL,
		Phone:             resolved.Phone,
		ClientName:        s.cfg.ClientName,
		ClientVersion:     s.cfg.ClientVersion,
		Greeting:          s.cfg.Greeting,
		HelloWorldOnStart: resolved.HelloWorldOnStart,
		ReconnectDelay:    resolved.ReconnectDelay,
		HandshakeTimeout:  s.cfg.HandshakeTimeout,
	}, shard, invoker, sink, s.logger)

	ctx, cancel := context.WithCancel(context.Background())
	ra := &runningAccount{monitor: mon, cancel: cancel, done: make(chan struct{})}
	s.accounts[resolved.AccountID] = ra

	go func() {
		defer close(ra.done)
		mon.Run(ctx)
	}()
	<-up

	s.logger.Info("account started", "account", resolved.AccountID, "url", resolved.URL)
	return nil
}

// Stop cancels an account's monitor and waits for it to exit.
func (s *Service) Stop(accountID string) {
	s.mu.Lock()
	ra := s.accounts[accountID]
	delete(s.accounts, accountID)
	s.mu.Unlock()

	if ra == nil {
		return
	}
	ra.cancel()
	<-ra.done
	s.logger.Info("account stopped", "account", accountID)
}

// StopAll stops every running account.
func (s *Service) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Stop(id)
	}
}

// Status reports a running account's monitor status.
func (s *Service) Status(accountID string) (monitor.Status, bool) {
	s.mu.Lock()
	ra := s.accounts[accountID]
	s.mu.Unlock()
	if ra == nil {
		return monitor.Status{}, false
	}
	return ra.monitor.Status(), true
}

// HasActiveSession reports whether the account currently has any live call
// session.
func (s *Service) HasActiveSession(accountID string) bool {
	return s.sessions.Account(accountID).HasActiveSession()
}

// QueueText is the outbound send surface: queue text to be spoken on the
// targeted session's next turn. target accepts "session:<id>", "call:<id>", a
// bare id, or "" for the latest session.
func (s *Service) QueueText(accountID, target, text string) (string, error) {
	shard := s.sessions.Account(accountID)
	sid, ok := shard.Resolve(target)
	if !ok {
		return "", fmt.Errorf("no session matches target %q", target)
	}
	msg := shard.QueueText(sid, text)
	s.logger.Info("queued outbound text", "account", accountID, "session_id", sid, "message_id", msg.MessageID)
	return msg.MessageID, nil
}

// Sessions exposes an account's session shard to in-process collaborators.
func (s *Service) Sessions(accountID string) *store.Account {
	return s.sessions.Account(accountID)
}
