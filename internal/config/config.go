package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the realtime avatar gateway.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string
	LogLevel                 string
	WSReadLimitBytes         int

	AllowAnyOrigin bool

	RealtimeProvider     string
	OpenAIAPIKey         string
	RealtimeURL          string
	RealtimeModel        string
	RealtimeVoice        string
	RealtimeInstructions string

	ResponseBuffering bool
	OutputSampleRate  int

	DIDAPIKey            string
	DIDBaseURL           string
	DIDWebhookURL        string
	DIDPollInterval      time.Duration
	DIDMaxWait           time.Duration
	DIDRequestsPerSecond float64
	VideoMaxConcurrent   int

	PersonaAssetDir   string
	DefaultPersona    string
	PersonaSourceURLs map[string]string

	DatabaseURL      string
	PersistRedactPII bool
}

// Load reads a .env file when present, then environment variables, and applies safe defaults.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "deckard"),
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		// Chunked image uploads arrive as large base64 text frames.
		WSReadLimitBytes: 16 << 20,
		AllowAnyOrigin:   false,
		RealtimeProvider: envOrDefault("REALTIME_PROVIDER", "auto"),
		OpenAIAPIKey:     stringsTrimSpace("OPENAI_API_KEY"),
		RealtimeURL:      envOrDefault("OPENAI_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeModel:    envOrDefault("OPENAI_REALTIME_MODEL", "gpt-4o-realtime-preview"),
		RealtimeVoice:    envOrDefault("OPENAI_REALTIME_VOICE", "alloy"),
		RealtimeInstructions: envOrDefault("OPENAI_REALTIME_INSTRUCTIONS",
			"You are a helpful assistant speaking through a video avatar. Keep answers short and conversational."),
		ResponseBuffering:        true,
		OutputSampleRate:         24000,
		DIDAPIKey:                stringsTrimSpace("DID_API_KEY"),
		DIDBaseURL:               envOrDefault("DID_BASE_URL", "https://api.d-id.com"),
		DIDWebhookURL:            stringsTrimSpace("DID_WEBHOOK_URL"),
		DIDPollInterval:          time.Second,
		DIDMaxWait:               120 * time.Second,
		DIDRequestsPerSecond:     5,
		VideoMaxConcurrent:       8,
		PersonaAssetDir:          envOrDefault("PERSONA_ASSET_DIR", "assets/personas"),
		DefaultPersona:           strings.ToLower(envOrDefault("DEFAULT_PERSONA", "joi")),
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		PersistRedactPII:         true,
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
		PersonaSourceURLs: map[string]string{
			"joi":       stringsTrimSpace("DID_SOURCE_URL_JOI"),
			"officer_k": stringsTrimSpace("DID_SOURCE_URL_OFFICER_K"),
			"officer_j": stringsTrimSpace("DID_SOURCE_URL_OFFICER_J"),
		},
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.WSReadLimitBytes, err = intFromEnv("APP_WS_READ_LIMIT_BYTES", cfg.WSReadLimitBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.ResponseBuffering, err = boolFromEnv("RESPONSE_BUFFERING", cfg.ResponseBuffering)
	if err != nil {
		return Config{}, err
	}
	cfg.OutputSampleRate, err = intFromEnv("OUTPUT_SAMPLE_RATE", cfg.OutputSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.DIDPollInterval, err = durationFromEnv("DID_POLL_INTERVAL", cfg.DIDPollInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.DIDMaxWait, err = durationFromEnv("DID_MAX_WAIT", cfg.DIDMaxWait)
	if err != nil {
		return Config{}, err
	}
	cfg.DIDRequestsPerSecond, err = floatFromEnv("DID_REQUESTS_PER_SECOND", cfg.DIDRequestsPerSecond)
	if err != nil {
		return Config{}, err
	}
	cfg.VideoMaxConcurrent, err = intFromEnv("VIDEO_MAX_CONCURRENT", cfg.VideoMaxConcurrent)
	if err != nil {
		return Config{}, err
	}
	cfg.PersistRedactPII, err = boolFromEnv("PERSIST_REDACT_PII", cfg.PersistRedactPII)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.WSReadLimitBytes < 64<<10 {
		return Config{}, fmt.Errorf("APP_WS_READ_LIMIT_BYTES must be at least 65536")
	}
	if cfg.OutputSampleRate <= 0 {
		return Config{}, fmt.Errorf("OUTPUT_SAMPLE_RATE must be positive")
	}
	if cfg.DIDPollInterval <= 0 {
		return Config{}, fmt.Errorf("DID_POLL_INTERVAL must be positive")
	}
	if cfg.DIDMaxWait < cfg.DIDPollInterval {
		return Config{}, fmt.Errorf("DID_MAX_WAIT must be >= DID_POLL_INTERVAL")
	}
	if cfg.DIDRequestsPerSecond <= 0 {
		return Config{}, fmt.Errorf("DID_REQUESTS_PER_SECOND must be positive")
	}
	if cfg.VideoMaxConcurrent <= 0 {
		return Config{}, fmt.Errorf("VIDEO_MAX_CONCURRENT must be positive")
	}
	switch cfg.RealtimeProvider {
	case "auto", "openai", "mock":
	default:
		return Config{}, fmt.Errorf("REALTIME_PROVIDER must be one of auto|openai|mock, got %q", cfg.RealtimeProvider)
	}
	if _, ok := cfg.PersonaSourceURLs[cfg.DefaultPersona]; !ok {
		return Config{}, fmt.Errorf("DEFAULT_PERSONA must be one of joi|officer_k|officer_j, got %q", cfg.DefaultPersona)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
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
	v := stringsTrimSpace(key)
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
	v := stringsTrimSpace(key)
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
	v := strings.ToLower(stringsTrimSpace(key))
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
