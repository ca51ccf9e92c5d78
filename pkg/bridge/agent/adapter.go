// Package agent turns inbound caller utterances into agent invocations and
// coerces the streamed reply into voice actions. The monitor depends on the
// Adapter through a small interface; the Adapter itself is assembled from a
// capability bundle so every collaborator can be swapped in tests.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/voicebridge/pkg/bridge/action"
	"github.com/vango-go/voicebridge/pkg/bridge/config"
	"github.com/vango-go/voicebridge/pkg/bridge/protocol"
	"github.com/vango-go/voicebridge/pkg/bridge/store"
)

// Peer describes who the agent is talking to.
type Peer struct {
	Kind string
	ID   string
}

// Route is the agent-side address for a conversation.
type Route struct {
	AgentID    string
	SessionKey string
}

// Capabilities is the bundle the adapter is built from. A nil ResolveRoute or
// Sanitize falls back to the defaults below; a nil RecordInbound or
// NoteActivity is skipped, and a nil Dispatch makes every turn answer with no
// actions.
type Capabilities struct {
	// ResolveRoute maps channel, account, and peer to an agent route.
	ResolveRoute func(channel, accountID string, peer Peer) Route
	// RecordInbound persists the inbound turn with the session collaborator.
	RecordInbound func(ctx context.Context, route Route, peer Peer, text string, at time.Time) error
	// Sanitize rewrites a reply block for a voice surface.
	Sanitize func(text, mode string) string
	// Dispatch sends the prompt to the agent and streams reply blocks back
	// through deliver.
	Dispatch func(ctx context.Context, route Route, prompt string, deliver func(block string)) error
	// NoteActivity records outbound activity.
	NoteActivity func(at time.Time)
}

// instructionBlock is appended to every prompt so the agent answers with
// machine-readable voice actions instead of free prose.
const instructionBlock = `Respond with JSON only: a single object {"actions":[...]} and nothing else.
Each action is one of:
  {"type":"speak","message_id":"<id>","text":"<line to say>","barge_in":true}
  {"type":"collect","schema":{"fields":[{"key":"<slot>","type":"string|number|integer|boolean|date|datetime","required":true}]}}
  {"type":"end","reason":"<why>","transfer":{"to":"<number>","mode":"warm|cold"}}
"text" and "reason" must be non-empty; "transfer" is optional. If you cannot
answer with actions, reply in plain sentences and nothing else.`

// Stats are the adapter's activity counters.
type Stats struct {
	Invocations    int64
	ActionsEmitted int64
	LastOutboundAt time.Time
}

type Config struct {
	Channel   string
	AccountID string
	Markdown  config.Markdown
}

type Adapter struct {
	cfg    Config
	caps   Capabilities
	logger *slog.Logger

	mu       sync.Mutex
	lastSeen map[string]time.Time
	stats    Stats
}

func New(cfg Config, caps Capabilities, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if caps.ResolveRoute == nil {
		caps.ResolveRoute = defaultResolveRoute
	}
	if caps.Sanitize == nil {
		caps.Sanitize = SanitizeMarkdownTables
	}
	return &Adapter{
		cfg:      cfg,
		caps:     caps,
		logger:   logger.With("channel", cfg.Channel, "account", cfg.AccountID),
		lastSeen: make(map[string]time.Time),
	}
}

func defaultResolveRoute(channel, accountID string, peer Peer) Route {
	return Route{
		AgentID:    channel,
		SessionKey: accountID + "/" + peer.ID,
	}
}

// Stats returns a copy of the activity counters.
func (a *Adapter) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// HandleUtterance implements the monitor's AgentInvoker: format the utterance,
// record it, dispatch to the agent, and coerce each delivered block into
// actions.
func (a *Adapter) HandleUtterance(ctx context.Context, sessionID string, rt protocol.Realtime) ([]action.Action, error) {
	if a.caps.Dispatch == nil {
		return []action.Action{}, nil
	}

	peer := Peer{Kind: "direct", ID: "session:" + sessionID}
	route := a.caps.ResolveRoute(a.cfg.Channel, a.cfg.AccountID, peer)

	now := time.Now()
	a.mu.Lock()
	prev := a.lastSeen[route.SessionKey]
	a.lastSeen[route.SessionKey] = now
	a.stats.Invocations++
	a.mu.Unlock()

	prompt := a.formatPrompt(peer, rt.Input.Text, now, prev)

	if a.caps.RecordInbound != nil {
		if err := a.caps.RecordInbound(ctx, route, peer, rt.Input.Text, now); err != nil {
			a.logger.Warn("record inbound turn", "session_id", sessionID, "err", err)
		}
	}

	var actions []action.Action
	err := a.caps.Dispatch(ctx, route, prompt, func(block string) {
		actions = append(actions, a.blockActions(rt.Input.Text, block)...)
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch to agent: %w", err)
	}

	if len(actions) > 0 {
		a.noteActivity(len(actions))
	}
	if actions == nil {
		actions = []action.Action{}
	}
	return actions, nil
}

// blockActions coerces one delivered reply block: sanitise, append media
// notices, then try structured parse, the collect heuristic, and chunked
// speech, in that order.
func (a *Adapter) blockActions(userText, block string) []action.Action {
	block = a.caps.Sanitize(block, a.cfg.Markdown.Mode)
	block = AppendMediaNotice(block)
	if strings.TrimSpace(block) == "" {
		return nil
	}

	if actions, ok := action.ParseStructured(block); ok {
		return actions
	}

	speaks := action.SpeakChunks(block, action.ChunkConfig{
		Limit: a.cfg.Markdown.TextChunkLimit,
		Mode:  a.cfg.Markdown.ChunkMode,
	})
	if collect, ok := action.InferCollect(userText, block); ok {
		return append(speaks, collect)
	}
	return speaks
}

func (a *Adapter) formatPrompt(peer Peer, text string, now, prev time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s message from %s at %s\n", a.cfg.Channel, peer.Kind, peer.ID,
		now.UTC().Format(time.RFC3339))
	if !prev.IsZero() {
		fmt.Fprintf(&b, "previous turn at %s\n", prev.UTC().Format(time.RFC3339))
	}
	b.WriteString("\n")
	b.WriteString(text)
	b.WriteString("\n\n")
	b.WriteString(instructionBlock)
	return b.String()
}

func (a *Adapter) noteActivity(emitted int) {
	now := time.Now()
	a.mu.Lock()
	a.stats.ActionsEmitted += int64(emitted)
	a.stats.LastOutboundAt = now
	a.mu.Unlock()
	if a.caps.NoteActivity != nil {
		a.caps.NoteActivity(now)
	}
}

// StoreRecorder builds a RecordInbound capability over a session shard.
func StoreRecorder(sessions *store.Account) func(ctx context.Context, route Route, peer Peer, text string, at time.Time) error {
	return func(_ context.Context, _ Route, peer Peer, _ string, _ time.Time) error {
		sid := strings.TrimPrefix(peer.ID, "session:")
		if sid == "" {
			return fmt.Errorf("peer %q has no session id", peer.ID)
		}
		sessions.Track(sid, nil)
		return nil
	}
}
