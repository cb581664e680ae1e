// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port         string
	FrontendURL  string
	DBPath       string
	BackendURL   string // HTTP base of the negotiation service
	NegotiateURL string // WebSocket endpoint; derived from BackendURL when empty
	AuthTokenTTL time.Duration
	RunRetention time.Duration // 0 keeps run history forever
	StaticDir    string        // built front-end bundle; empty serves the API only

	Turn            TurnConfig
	Metrics         MetricsConfig
	ConversationLog ConversationLogConfig
	SSE             SSEConfig
}

// TurnConfig controls turn-taking and the participant's devices.
type TurnConfig struct {
	VoiceEnabled      bool
	AutoListen        bool
	AutoSubmit        bool
	AutoSubmitDelay   time.Duration
	IdlePromptDelay   time.Duration
	FailSafeTimeout   time.Duration
	PlaybackWatchdog  time.Duration
	PermissionTimeout time.Duration
}

// MetricsConfig controls metric event display.
type MetricsConfig struct {
	DisplayWindow time.Duration
	HistoryCap    int
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
	// Rotation of the global log.
	GlobalMaxSizeMB  int
	GlobalMaxBackups int
	GlobalMaxAgeDays int
}

// SSEConfig controls the front-end update stream.
type SSEConfig struct {
	KeepaliveInterval  time.Duration
	RetryDelay         time.Duration
	QueueSize          int
	MaxRequestBodySize int64
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	backendURL := strings.TrimRight(getEnv("BACKEND_URL", "http://localhost:8000"), "/")

	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		FrontendURL:  getEnv("FRONTEND_URL", ""),
		DBPath:       getEnv("DB_PATH", "./data/negotiation.db"),
		BackendURL:   backendURL,
		NegotiateURL: getEnv("NEGOTIATE_URL", ""),
		AuthTokenTTL: getEnvDuration("AUTH_TOKEN_TTL", 12*time.Hour),
		RunRetention: getEnvDuration("RUN_RETENTION", 30*24*time.Hour),
		StaticDir:    getEnv("STATIC_DIR", ""),
		Turn: TurnConfig{
			VoiceEnabled:      getEnvBool("VOICE_ENABLED", true),
			AutoListen:        getEnvBool("AUTO_LISTEN", false),
			AutoSubmit:        getEnvBool("AUTO_SUBMIT", false),
			AutoSubmitDelay:   getEnvDuration("AUTO_SUBMIT_DELAY", 5*time.Second),
			IdlePromptDelay:   getEnvDuration("IDLE_PROMPT_DELAY", 10*time.Second),
			FailSafeTimeout:   getEnvDuration("FAILSAFE_TIMEOUT", 20*time.Second),
			PlaybackWatchdog:  getEnvDuration("PLAYBACK_WATCHDOG", 60*time.Second),
			PermissionTimeout: getEnvDuration("PERMISSION_TIMEOUT", 30*time.Second),
		},
		Metrics: MetricsConfig{
			DisplayWindow: getEnvDuration("METRIC_DISPLAY_WINDOW", 4*time.Second),
			HistoryCap:    getEnvInt("METRIC_HISTORY_CAP", 80),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000),

			GlobalMaxSizeMB:  getEnvInt("CONVERSATION_LOG_GLOBAL_MAX_SIZE_MB", 100),
			GlobalMaxBackups: getEnvInt("CONVERSATION_LOG_GLOBAL_MAX_BACKUPS", 5),
			GlobalMaxAgeDays: getEnvInt("CONVERSATION_LOG_GLOBAL_MAX_AGE_DAYS", 30),
		},
		SSE: SSEConfig{
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			RetryDelay:         getEnvDuration("SSE_RETRY_DELAY", 5*time.Second),
			QueueSize:          getEnvInt("SSE_QUEUE_SIZE", 200),
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
		},
	}
	if cfg.NegotiateURL == "" {
		cfg.NegotiateURL = deriveNegotiateURL(backendURL)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
//
//nolint:gocyclo // Flat list of independent checks.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if u, err := url.Parse(c.BackendURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("BACKEND_URL must be an http(s) URL, got %q", c.BackendURL)
	}
	if u, err := url.Parse(c.NegotiateURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("NEGOTIATE_URL must be a ws(s) URL, got %q", c.NegotiateURL)
	}
	if c.Turn.FailSafeTimeout <= 0 {
		return fmt.Errorf("FAILSAFE_TIMEOUT must be > 0")
	}
	if c.Turn.AutoSubmitDelay <= 0 || c.Turn.IdlePromptDelay <= 0 {
		return fmt.Errorf("AUTO_SUBMIT_DELAY and IDLE_PROMPT_DELAY must be > 0")
	}
	if c.Turn.PlaybackWatchdog <= 0 {
		return fmt.Errorf("PLAYBACK_WATCHDOG must be > 0")
	}
	if c.Metrics.DisplayWindow <= 0 {
		return fmt.Errorf("METRIC_DISPLAY_WINDOW must be > 0")
	}
	if c.Metrics.HistoryCap <= 0 {
		return fmt.Errorf("METRIC_HISTORY_CAP must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	if c.SSE.KeepaliveInterval <= 0 {
		return fmt.Errorf("SSE_KEEPALIVE_INTERVAL must be > 0")
	}
	if c.SSE.QueueSize <= 0 {
		return fmt.Errorf("SSE_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the bridge API.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{strings.TrimRight(c.FrontendURL, "/")}
}

// deriveNegotiateURL maps http://host:8000 to ws://host:8000/negotiate.
func deriveNegotiateURL(backendURL string) string {
	u, err := url.Parse(backendURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/negotiate"
	return u.String()
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("5s", "1m30s") or a bare number of
// milliseconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
