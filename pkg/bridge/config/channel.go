// Package config loads and resolves bridge configuration: process-level
// settings from the environment, and channel/account settings from a JSON
// document with shared fields overridden per account.
package config

import (
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	// DefaultAccountID is the literal id used when no account is named.
	DefaultAccountID = "default"

	MinReconnectDelay     = 250 * time.Millisecond
	MaxReconnectDelay     = 60 * time.Second
	DefaultReconnectDelay = 2 * time.Second
)

var phonePattern = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

// Markdown is passed through to the bridge adapter untouched by resolution.
type Markdown struct {
	Mode           string `json:"mode,omitempty"`
	ChunkMode      string `json:"chunkMode,omitempty"`
	TextChunkLimit int    `json:"textChunkLimit,omitempty"`
}

// Account holds the per-account (and shared) connection fields.
type Account struct {
	Enabled           *bool     `json:"enabled,omitempty"`
	Name              string    `json:"name,omitempty"`
	Phone             string    `json:"phone,omitempty"`
	URL               string    `json:"url,omitempty"`
	ReconnectDelayMs  int       `json:"reconnectDelayMs,omitempty"`
	HelloWorldOnStart *bool     `json:"helloWorldOnStart,omitempty"`
	Markdown          *Markdown `json:"markdown,omitempty"`
}

// Channel is one channel's configuration: shared fields plus per-account
// overrides.
type Channel struct {
	Account
	Accounts       map[string]Account `json:"accounts,omitempty"`
	DefaultAccount string             `json:"defaultAccount,omitempty"`
}

// Resolved is the effective configuration for one account.
type Resolved struct {
	AccountID         string
	Enabled           bool
	Configured        bool
	Name              string
	Phone             string
	URL               string
	ReconnectDelay    time.Duration
	HelloWorldOnStart bool
	Markdown          Markdown
}

func normalizeAccountID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// ValidWSURL reports whether u parses and uses a ws:// or wss:// scheme.
func ValidWSURL(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	if parsed.Host == "" {
		return false
	}
	switch parsed.Scheme {
	case "ws", "wss":
		return true
	default:
		return false
	}
}

// ValidPhone reports whether p looks like an E.164 number.
func ValidPhone(p string) bool {
	return phonePattern.MatchString(p)
}

func (c Channel) hasSharedField() bool {
	return c.Account.Enabled != nil || c.Account.Name != "" || c.Account.Phone != "" ||
		c.Account.URL != "" || c.Account.ReconnectDelayMs != 0 ||
		c.Account.HelloWorldOnStart != nil || c.Account.Markdown != nil
}

// fallbackAccountID picks the account resolution falls back to when the
// requested id is empty. An unknown non-empty id is kept as given.
func (c Channel) fallbackAccountID() string {
	if id := normalizeAccountID(c.DefaultAccount); id != "" {
		return id
	}
	if _, ok := c.Accounts[DefaultAccountID]; ok || len(c.Accounts) == 0 {
		return DefaultAccountID
	}
	ids := make([]string, 0, len(c.Accounts))
	for id := range c.Accounts {
		ids = append(ids, normalizeAccountID(id))
	}
	sort.Strings(ids)
	return ids[0]
}

// ResolveAccount merges shared fields under the named account's overrides.
// channel is the channel name used for the default account's environment
// overrides (<CHANNEL>_WS_URL, <CHANNEL>_PHONE).
func (c Channel) ResolveAccount(channel, accountID string) Resolved {
	id := normalizeAccountID(accountID)
	if id == "" {
		id = c.fallbackAccountID()
	}
	merged := c.Account
	override, hasOverride := c.Accounts[id]
	if hasOverride {
		if override.Name != "" {
			merged.Name = override.Name
		}
		if override.Phone != "" {
			merged.Phone = override.Phone
		}
		if override.URL != "" {
			merged.URL = override.URL
		}
		if override.ReconnectDelayMs != 0 {
			merged.ReconnectDelayMs = override.ReconnectDelayMs
		}
		if override.HelloWorldOnStart != nil {
			merged.HelloWorldOnStart = override.HelloWorldOnStart
		}
		if override.Markdown != nil {
			merged.Markdown = override.Markdown
		}
	}

	enabled := (c.Account.Enabled == nil || *c.Account.Enabled) &&
		(!hasOverride || override.Enabled == nil || *override.Enabled)

	if id == c.fallbackAccountID() {
		prefix := strings.ToUpper(strings.TrimSpace(channel))
		if prefix != "" {
			if v := strings.TrimSpace(os.Getenv(prefix + "_WS_URL")); v != "" && merged.URL == "" {
				merged.URL = v
			}
			if v := strings.TrimSpace(os.Getenv(prefix + "_PHONE")); v != "" && merged.Phone == "" {
				merged.Phone = v
			}
		}
	}

	delay := time.Duration(merged.ReconnectDelayMs) * time.Millisecond
	if merged.ReconnectDelayMs == 0 {
		delay = DefaultReconnectDelay
	}
	if delay < MinReconnectDelay {
		delay = MinReconnectDelay
	}
	if delay > MaxReconnectDelay {
		delay = MaxReconnectDelay
	}

	helloWorld := merged.HelloWorldOnStart == nil || *merged.HelloWorldOnStart

	var md Markdown
	if merged.Markdown != nil {
		md = *merged.Markdown
	}

	configured := merged.URL != "" && merged.Phone != "" &&
		ValidWSURL(merged.URL) && ValidPhone(merged.Phone)

	return Resolved{
		AccountID:         id,
		Enabled:           enabled,
		Configured:        configured,
		Name:              merged.Name,
		Phone:             merged.Phone,
		URL:               merged.URL,
		ReconnectDelay:    delay,
		HelloWorldOnStart: helloWorld,
		Markdown:          md,
	}
}

// AccountIDs lists the channel's account ids: every configured id, plus the
// default id when any shared field is set or no accounts exist. Sorted.
func (c Channel) AccountIDs() []string {
	seen := make(map[string]struct{}, len(c.Accounts)+1)
	for id := range c.Accounts {
		seen[normalizeAccountID(id)] = struct{}{}
	}
	if c.hasSharedField() || len(c.Accounts) == 0 {
		seen[DefaultAccountID] = struct{}{}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
