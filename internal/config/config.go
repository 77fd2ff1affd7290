package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RetryPolicy holds the per-provider resilience settings. Loaded once at
// startup and read-only afterwards.
type RetryPolicy struct {
	MaxAttempts          int
	BaseBackoff          time.Duration
	BackoffMultiplier    float64
	MaxConcurrent        int
	CircuitOpenThreshold int
	CircuitCooldown      time.Duration
	QueueWait            time.Duration
}

// Config contains all runtime settings for the phone support service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	// PublicHost is the externally reachable host used when answering the
	// Twilio voice webhook with a media stream URL.
	PublicHost string

	MaxConcurrentCalls int
	SessionIdleTimeout time.Duration
	TurnBudget         time.Duration
	SilenceTimeout     time.Duration

	KBMatchFloor       float64
	IntentUnknownFloor float64

	ClarifyBudget       int
	ConfirmRetryBudget  int
	ContactPromptBudget int

	KBCacheTTL        time.Duration
	KBCacheMaxEntries int
	KBPageSize        int

	KayakoBaseURL  string
	KayakoEmail    string
	KayakoPassword string

	OpenAIAPIKey string
	OpenAIModel  string

	SpeechProvider string
	STTWSBaseURL   string
	STTAPIKey      string
	STTModelID     string
	TTSBaseURL     string
	TTSAPIKey      string
	TTSVoiceID     string

	TicketBaseURL       string
	TicketBearerToken   string
	TicketLookupByPhone bool

	DatabaseURL string

	KBPolicy     RetryPolicy
	NLUPolicy    RetryPolicy
	TTSPolicy    RetryPolicy
	TicketPolicy RetryPolicy
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "helpline"),
		PublicHost:          trimmedEnv("APP_PUBLIC_HOST"),
		ShutdownTimeout:     15 * time.Second,
		MaxConcurrentCalls:  50,
		SessionIdleTimeout:  60 * time.Second,
		TurnBudget:          2 * time.Second,
		SilenceTimeout:      1200 * time.Millisecond,
		KBMatchFloor:        0.6,
		IntentUnknownFloor:  0.5,
		ClarifyBudget:       2,
		ConfirmRetryBudget:  2,
		ContactPromptBudget: 3,
		KBCacheTTL:          5 * time.Minute,
		KBCacheMaxEntries:   100,
		KBPageSize:          5,
		KayakoBaseURL:       trimmedEnv("KAYAKO_API_URL"),
		KayakoEmail:         trimmedEnv("KAYAKO_EMAIL"),
		KayakoPassword:      trimmedEnv("KAYAKO_PASSWORD"),
		OpenAIAPIKey:        trimmedEnv("OPENAI_API_KEY"),
		OpenAIModel:         envOrDefault("OPENAI_INTENT_MODEL", "gpt-4o-mini"),
		SpeechProvider:      envOrDefault("SPEECH_PROVIDER", "auto"),
		STTWSBaseURL:        envOrDefault("STT_WS_BASE_URL", "wss://api.elevenlabs.io"),
		STTAPIKey:           trimmedEnv("STT_API_KEY"),
		STTModelID:          envOrDefault("STT_MODEL_ID", "scribe_v2_realtime"),
		TTSBaseURL:          envOrDefault("TTS_BASE_URL", "https://api.elevenlabs.io"),
		TTSAPIKey:           trimmedEnv("TTS_API_KEY"),
		TTSVoiceID:          envOrDefault("TTS_VOICE_ID", "cgSgspJ2msm6clMCkdW9"),
		TicketBaseURL:       trimmedEnv("TICKET_API_URL"),
		TicketBearerToken:   trimmedEnv("TICKET_BEARER_TOKEN"),
		DatabaseURL:         trimmedEnv("DATABASE_URL"),
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionIdleTimeout, err = durationFromEnv("SESSION_IDLE_TIMEOUT", cfg.SessionIdleTimeout); err != nil {
		return Config{}, err
	}
	if cfg.TurnBudget, err = durationFromEnv("TURN_BUDGET", cfg.TurnBudget); err != nil {
		return Config{}, err
	}
	if cfg.SilenceTimeout, err = durationFromEnv("SILENCE_TIMEOUT", cfg.SilenceTimeout); err != nil {
		return Config{}, err
	}
	if cfg.KBCacheTTL, err = durationFromEnv("KB_CACHE_TTL", cfg.KBCacheTTL); err != nil {
		return Config{}, err
	}
	if cfg.MaxConcurrentCalls, err = intFromEnv("MAX_CONCURRENT_CALLS", cfg.MaxConcurrentCalls); err != nil {
		return Config{}, err
	}
	if cfg.KBCacheMaxEntries, err = intFromEnv("KB_CACHE_MAX_ENTRIES", cfg.KBCacheMaxEntries); err != nil {
		return Config{}, err
	}
	if cfg.KBPageSize, err = intFromEnv("KB_PAGE_SIZE", cfg.KBPageSize); err != nil {
		return Config{}, err
	}
	if cfg.ClarifyBudget, err = intFromEnv("CLARIFY_BUDGET", cfg.ClarifyBudget); err != nil {
		return Config{}, err
	}
	if cfg.ConfirmRetryBudget, err = intFromEnv("CONFIRM_RETRY_BUDGET", cfg.ConfirmRetryBudget); err != nil {
		return Config{}, err
	}
	if cfg.ContactPromptBudget, err = intFromEnv("CONTACT_PROMPT_BUDGET", cfg.ContactPromptBudget); err != nil {
		return Config{}, err
	}
	if cfg.KBMatchFloor, err = floatFromEnv("KB_MATCH_FLOOR", cfg.KBMatchFloor); err != nil {
		return Config{}, err
	}
	if cfg.IntentUnknownFloor, err = floatFromEnv("INTENT_UNKNOWN_FLOOR", cfg.IntentUnknownFloor); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", false); err != nil {
		return Config{}, err
	}
	if cfg.TicketLookupByPhone, err = boolFromEnv("TICKET_LOOKUP_BY_PHONE", false); err != nil {
		return Config{}, err
	}

	defaults := RetryPolicy{
		MaxAttempts:          3,
		BaseBackoff:          200 * time.Millisecond,
		BackoffMultiplier:    2.0,
		MaxConcurrent:        16,
		CircuitOpenThreshold: 5,
		CircuitCooldown:      30 * time.Second,
		QueueWait:            500 * time.Millisecond,
	}
	if cfg.KBPolicy, err = retryPolicyFromEnv("KB", defaults); err != nil {
		return Config{}, err
	}
	if cfg.NLUPolicy, err = retryPolicyFromEnv("NLU", defaults); err != nil {
		return Config{}, err
	}
	if cfg.TTSPolicy, err = retryPolicyFromEnv("TTS", defaults); err != nil {
		return Config{}, err
	}
	if cfg.TicketPolicy, err = retryPolicyFromEnv("TICKET", defaults); err != nil {
		return Config{}, err
	}

	if cfg.MaxConcurrentCalls <= 0 {
		return Config{}, fmt.Errorf("MAX_CONCURRENT_CALLS must be positive")
	}
	if cfg.SessionIdleTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("SESSION_IDLE_TIMEOUT must be at least 5s")
	}
	if cfg.TurnBudget <= 0 {
		return Config{}, fmt.Errorf("TURN_BUDGET must be positive")
	}
	if cfg.SilenceTimeout <= 0 {
		return Config{}, fmt.Errorf("SILENCE_TIMEOUT must be positive")
	}
	if cfg.KBMatchFloor < 0 || cfg.KBMatchFloor > 1 {
		return Config{}, fmt.Errorf("KB_MATCH_FLOOR must be in [0,1]")
	}
	if cfg.IntentUnknownFloor < 0 || cfg.IntentUnknownFloor > 1 {
		return Config{}, fmt.Errorf("INTENT_UNKNOWN_FLOOR must be in [0,1]")
	}
	if cfg.ClarifyBudget < 1 {
		return Config{}, fmt.Errorf("CLARIFY_BUDGET must be at least 1")
	}
	if cfg.ContactPromptBudget < 1 {
		return Config{}, fmt.Errorf("CONTACT_PROMPT_BUDGET must be at least 1")
	}

	return cfg, nil
}

func retryPolicyFromEnv(prefix string, fallback RetryPolicy) (RetryPolicy, error) {
	p := fallback
	var err error
	if p.MaxAttempts, err = intFromEnv(prefix+"_MAX_ATTEMPTS", p.MaxAttempts); err != nil {
		return RetryPolicy{}, err
	}
	if p.BaseBackoff, err = durationFromEnv(prefix+"_BASE_BACKOFF", p.BaseBackoff); err != nil {
		return RetryPolicy{}, err
	}
	if p.BackoffMultiplier, err = floatFromEnv(prefix+"_BACKOFF_MULTIPLIER", p.BackoffMultiplier); err != nil {
		return RetryPolicy{}, err
	}
	if p.MaxConcurrent, err = intFromEnv(prefix+"_MAX_CONCURRENT", p.MaxConcurrent); err != nil {
		return RetryPolicy{}, err
	}
	if p.CircuitOpenThreshold, err = intFromEnv(prefix+"_CIRCUIT_OPEN_THRESHOLD", p.CircuitOpenThreshold); err != nil {
		return RetryPolicy{}, err
	}
	if p.CircuitCooldown, err = durationFromEnv(prefix+"_CIRCUIT_COOLDOWN", p.CircuitCooldown); err != nil {
		return RetryPolicy{}, err
	}
	if p.QueueWait, err = durationFromEnv(prefix+"_QUEUE_WAIT", p.QueueWait); err != nil {
		return RetryPolicy{}, err
	}

	if p.MaxAttempts < 1 {
		return RetryPolicy{}, fmt.Errorf("%s_MAX_ATTEMPTS must be at least 1", prefix)
	}
	if p.BaseBackoff <= 0 {
		return RetryPolicy{}, fmt.Errorf("%s_BASE_BACKOFF must be positive", prefix)
	}
	if p.BackoffMultiplier < 1 {
		return RetryPolicy{}, fmt.Errorf("%s_BACKOFF_MULTIPLIER must be at least 1", prefix)
	}
	if p.MaxConcurrent < 1 {
		return RetryPolicy{}, fmt.Errorf("%s_MAX_CONCURRENT must be at least 1", prefix)
	}
	if p.CircuitOpenThreshold < 1 {
		return RetryPolicy{}, fmt.Errorf("%s_CIRCUIT_OPEN_THRESHOLD must be at least 1", prefix)
	}
	return p, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
