// Package store holds the bridge's in-memory call session state, sharded per
// account. Each shard is mutex-guarded; in practice it is touched only by its
// account's dispatch goroutine and by outbound-send callers.
package store

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TargetPrefix is the channel prefix accepted (and stripped) on send targets.
const TargetPrefix = "fortivoice:"

// Call describes the telephony leg attached to a session.
type Call struct {
	CallID    string
	From      string
	To        string
	Direction string
}

// Session is the bridge's view of one ongoing call.
type Session struct {
	SessionID  string
	CallID     string
	From       string
	To         string
	Direction  string
	LastSeenAt time.Time
}

// QueuedMessage is an out-of-band text waiting to be spoken on the session's
// next turn.
type QueuedMessage struct {
	MessageID string
	Text      string
	CreatedAt time.Time
}

// Account is one account's session shard.
type Account struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	order     []string // session ids in first-insertion order
	callIndex map[string]string
	queues    map[string][]QueuedMessage
	latest    string
	now       func() time.Time
}

func newAccount() *Account {
	return &Account{
		sessions:  make(map[string]*Session),
		callIndex: make(map[string]string),
		queues:    make(map[string][]QueuedMessage),
		now:       time.Now,
	}
}

// Store shards session state by account id.
type Store struct {
	mu       sync.Mutex
	accounts map[string]*Account
}

func New() *Store {
	return &Store{accounts: make(map[string]*Account)}
}

// Account returns the shard for an account id, creating it on first use.
func (s *Store) Account(accountID string) *Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct := s.accounts[accountID]
	if acct == nil {
		acct = newAccount()
		s.accounts[accountID] = acct
	}
	return acct
}

// Track upserts a session, refreshes last_seen_at, indexes any supplied call
// id, and marks the session as the account's latest.
func (a *Account) Track(sessionID string, call *Call) Session {
	a.mu.Lock()
	defer a.mu.Unlock()

	sess := a.sessions[sessionID]
	if sess == nil {
		sess = &Session{SessionID: sessionID}
		a.sessions[sessionID] = sess
		a.order = append(a.order, sessionID)
	}
	sess.LastSeenAt = a.now()

	if call != nil {
		if call.CallID != "" {
			sess.CallID = call.CallID
			a.callIndex[call.CallID] = sessionID
		}
		if call.From != "" {
			sess.From = call.From
		}
		if call.To != "" {
			sess.To = call.To
		}
		if call.Direction != "" {
			sess.Direction = call.Direction
		}
	}

	a.latest = sessionID
	return *sess
}

// Resolve maps a send target to a live session id. Rules, in order: empty →
// latest; "session:<id>" → that session if live; "call:<id>" → call index;
// bare known session id; bare call id; else none. A leading channel prefix is
// stripped first.
func (a *Account) Resolve(target string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	target = strings.TrimSpace(target)
	if len(target) >= len(TargetPrefix) && strings.EqualFold(target[:len(TargetPrefix)], TargetPrefix) {
		target = target[len(TargetPrefix):]
	}

	if target == "" {
		if a.latest == "" {
			return "", false
		}
		return a.latest, true
	}

	lower := strings.ToLower(target)
	if strings.HasPrefix(lower, "session:") {
		id := target[len("session:"):]
		if _, ok := a.sessions[id]; ok {
			return id, true
		}
		return "", false
	}
	if strings.HasPrefix(lower, "call:") {
		id := target[len("call:"):]
		if sid, ok := a.callIndex[id]; ok {
			return sid, true
		}
		return "", false
	}
	if _, ok := a.sessions[target]; ok {
		return target, true
	}
	if sid, ok := a.callIndex[target]; ok {
		return sid, true
	}
	return "", false
}

// QueueText appends a message to a session's outbound queue and returns it.
func (a *Account) QueueText(sessionID, text string) QueuedMessage {
	a.mu.Lock()
	defer a.mu.Unlock()

	msg := QueuedMessage{
		MessageID: "queued-" + uuid.NewString(),
		Text:      text,
		CreatedAt: a.now(),
	}
	a.queues[sessionID] = append(a.queues[sessionID], msg)
	return msg
}

// ConsumeQueue drains a session's queue atomically; an immediate second call
// returns nothing.
func (a *Account) ConsumeQueue(sessionID string) []QueuedMessage {
	a.mu.Lock()
	defer a.mu.Unlock()

	queued := a.queues[sessionID]
	if len(queued) == 0 {
		return nil
	}
	delete(a.queues, sessionID)
	return queued
}

// HasActiveSession reports whether any session is live.
func (a *Account) HasActiveSession() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions) > 0
}

// Get returns a copy of a session.
func (a *Account) Get(sessionID string) (Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sess := a.sessions[sessionID]
	if sess == nil {
		return Session{}, false
	}
	return *sess, true
}

// End deletes a session, its queue, and every call-index entry pointing at it.
// If it was the latest session, the most recently inserted remaining session
// takes over.
func (a *Account) End(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.sessions[sessionID]; !ok {
		return
	}
	delete(a.sessions, sessionID)
	delete(a.queues, sessionID)
	for callID, sid := range a.callIndex {
		if sid == sessionID {
			delete(a.callIndex, callID)
		}
	}

	for i, id := range a.order {
		if id == sessionID {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}

	if a.latest == sessionID {
		a.latest = ""
		if n := len(a.order); n > 0 {
			a.latest = a.order[n-1]
		}
	}
}

// Snapshot reports shard counters for diagnostics.
type Snapshot struct {
	Sessions     int
	QueuedTotal  int
	LatestID     string
	CallBindings int
}

func (a *Account) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	total := 0
	for _, q := range a.queues {
		total += len(q)
	}
	return Snapshot{
		Sessions:     len(a.sessions),
		QueuedTotal:  total,
		LatestID:     a.latest,
		CallBindings: len(a.callIndex),
	}
}
