package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/vai-call/pkg/joinurl"
)

// First-speaker policies accepted by the create-call API.
const (
	FirstSpeakerAgent = "FIRST_SPEAKER_AGENT"
	FirstSpeakerUser  = "FIRST_SPEAKER_USER"
)

type Config struct {
	// APIKey may be empty when every call is started with an explicit join URL.
	APIKey  string
	BaseURL string

	SystemPrompt     string
	Voice            string
	Model            string
	FirstSpeaker     string
	RecordingEnabled bool

	// Debug subscribes to debug/experimental session messages.
	Debug bool

	// Optional Postgres URL for call history. Empty disables history.
	DatabaseURL string

	HTTPTimeout time.Duration
	JoinTimeout time.Duration
}

func LoadFromEnv() (Config, error) {
	defaults := joinurl.DefaultRequest()
	cfg := Config{
		APIKey:           strings.TrimSpace(os.Getenv(joinurl.APIKeyEnv)),
		BaseURL:          envOr("VAI_CALL_BASE_URL", joinurl.DefaultBaseURL),
		SystemPrompt:     envOr("VAI_CALL_SYSTEM_PROMPT", defaults.SystemPrompt),
		Voice:            envOr("VAI_CALL_VOICE", defaults.Voice),
		Model:            envOr("VAI_CALL_MODEL", defaults.Model),
		FirstSpeaker:     strings.ToUpper(envOr("VAI_CALL_FIRST_SPEAKER", defaults.FirstSpeaker)),
		RecordingEnabled: envBoolOr("VAI_CALL_RECORDING", false),
		Debug:            envBoolOr("VAI_CALL_DEBUG", false),
		DatabaseURL:      envOr("VAI_CALL_DATABASE_URL", ""),
		HTTPTimeout:      envDurationOr("VAI_CALL_HTTP_TIMEOUT", 30*time.Second),
		JoinTimeout:      envDurationOr("VAI_CALL_JOIN_TIMEOUT", 15*time.Second),
	}

	switch cfg.FirstSpeaker {
	case FirstSpeakerAgent, FirstSpeakerUser:
	default:
		return Config{}, fmt.Errorf("VAI_CALL_FIRST_SPEAKER must be one of %s|%s", FirstSpeakerAgent, FirstSpeakerUser)
	}
	if !strings.HasPrefix(cfg.BaseURL, "http://") && !strings.HasPrefix(cfg.BaseURL, "https://") {
		return Config{}, fmt.Errorf("VAI_CALL_BASE_URL must be an http(s) URL")
	}
	if cfg.HTTPTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_CALL_HTTP_TIMEOUT must be > 0")
	}
	if cfg.JoinTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_CALL_JOIN_TIMEOUT must be > 0")
	}

	return cfg, nil
}

// Request returns the create-call body described by cfg.
func (c Config) Request() joinurl.CreateCallRequest {
	return joinurl.CreateCallRequest{
		SystemPrompt:     c.SystemPrompt,
		Voice:            c.Voice,
		Model:            c.Model,
		FirstSpeaker:     c.FirstSpeaker,
		RecordingEnabled: c.RecordingEnabled,
	}
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		if secs, convErr := strconv.Atoi(raw); convErr == nil {
			return time.Duration(secs) * time.Second
		}
		return def
	}
	return d
}
