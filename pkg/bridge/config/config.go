package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config is the process-level bridge configuration, loaded from the
// environment.
type Config struct {
	ChannelName string
	ConfigPath  string

	ClientName    string
	ClientVersion string
	Greeting      string

	HandshakeTimeout time.Duration

	AgentModel   string
	GeminiAPIKey string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		ChannelName:      envOr("VOICEBRIDGE_CHANNEL", "fortivoice"),
		ConfigPath:       envOr("VOICEBRIDGE_CONFIG", ""),
		ClientName:       envOr("VOICEBRIDGE_CLIENT_NAME", "voicebridge"),
		ClientVersion:    envOr("VOICEBRIDGE_CLIENT_VERSION", "1.0.0"),
		Greeting:         envOr("VOICEBRIDGE_GREETING", "Hello from VoiceBridge! How can I help you today?"),
		HandshakeTimeout: envDurationOr("VOICEBRIDGE_HANDSHAKE_TIMEOUT", 10*time.Second),
		AgentModel:       envOr("VOICEBRIDGE_AGENT_MODEL", "gemini-2.0-flash"),
		GeminiAPIKey:     strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
	}

	if strings.TrimSpace(cfg.ChannelName) == "" {
		return Config{}, fmt.Errorf("VOICEBRIDGE_CHANNEL must not be empty")
	}
	if cfg.HandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEBRIDGE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if strings.TrimSpace(cfg.ClientName) == "" {
		return Config{}, fmt.Errorf("VOICEBRIDGE_CLIENT_NAME must not be empty")
	}

	return cfg, nil
}

// LoadChannel reads a channel configuration document. A missing path yields an
// empty channel (env-only configuration).
func LoadChannel(path string) (Channel, error) {
	if strings.TrimSpace(path) == "" {
		return Channel{}, nil
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return Channel{}, fmt.Errorf("read channel config %q: %w", path, err)
	}
	var ch Channel
	if err := json.Unmarshal(blob, &ch); err != nil {
		return Channel{}, fmt.Errorf("parse channel config %q: %w", path, err)
	}
	if ch.Account.ReconnectDelayMs != 0 && ch.Account.ReconnectDelayMs < int(MinReconnectDelay/time.Millisecond) {
		return Channel{}, fmt.Errorf("channel config %q: reconnectDelayMs must be >= %d", path, MinReconnectDelay/time.Millisecond)
	}
	return ch, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
