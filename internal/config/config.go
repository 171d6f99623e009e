// Package config provides the configuration schema and loader for the
// Ringdesk voice server.
//
// Configuration comes from two layers: an optional YAML file (for structured
// deployment config) and environment variables, which always win. A local
// .env file is honoured in development via godotenv.
package config

import (
	"encoding/hex"
	"fmt"
	"time"
)

// LogLevel controls log verbosity for the Ringdesk server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Ringdesk.
type Config struct {
	Server      ServerConfig   `yaml:"server"`
	Providers   Providers      `yaml:"providers"`
	Calls       CallConfig     `yaml:"calls"`
	Coordinator CoordConfig    `yaml:"coordinator"`
	Calendar    CalendarConfig `yaml:"calendar"`
	Features    FeatureFlags   `yaml:"features"`
}

// ServerConfig holds network, storage, and security settings.
type ServerConfig struct {
	// Port is the TCP port the HTTP server binds. Default 3000.
	Port int `yaml:"port"`

	// PublicURL is the external base URL used to synthesize media-stream
	// WebSocket URLs and OAuth redirect URLs (e.g. "https://voice.example.com").
	PublicURL string `yaml:"public_url"`

	// DataDir is the directory holding the shared store and per-tenant stores.
	// Default "data".
	DataDir string `yaml:"data_dir"`

	// EncryptionKey is the 64-hex-char vault master key. Required in
	// production; development may auto-generate an ephemeral key.
	EncryptionKey string `yaml:"encryption_key"`

	// AdminAPIKey gates admin endpoints and the development signature bypass.
	AdminAPIKey string `yaml:"admin_api_key"`

	// LogLevel controls verbosity. Default "info".
	LogLevel LogLevel `yaml:"log_level"`

	// Environment is "production" or "development". Default "development".
	Environment string `yaml:"environment"`
}

// Providers holds external provider credentials.
type Providers struct {
	DeepgramAPIKey   string `yaml:"deepgram_api_key"`
	ElevenLabsAPIKey string `yaml:"elevenlabs_api_key"`
	ElevenLabsVoice  string `yaml:"elevenlabs_voice"`
	AnthropicAPIKey  string `yaml:"anthropic_api_key"`
	TwilioAccountSID string `yaml:"twilio_account_sid"`
	TwilioAuthToken  string `yaml:"twilio_auth_token"`
	TwilioFromNumber string `yaml:"twilio_from_number"`
}

// CallConfig holds per-call tuning knobs.
type CallConfig struct {
	// ASRConfidenceThreshold is the minimum final-transcript confidence before
	// the assistant asks the caller to repeat. Default 0.6.
	ASRConfidenceThreshold float64 `yaml:"asr_confidence_threshold"`

	// SilenceTimeout is the STT endpointing silence window. Default 1s.
	SilenceTimeout time.Duration `yaml:"silence_timeout"`

	// MaxCallDuration is the hard per-call duration cap. Default 10m.
	MaxCallDuration time.Duration `yaml:"max_call_duration"`

	// InactivityTimeout closes calls with no caller speech. Default 30s.
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
}

// CoordConfig configures the cross-instance coordinator.
type CoordConfig struct {
	// URL is the redis URL (e.g. "redis://localhost:6379/0"). Empty disables
	// distributed coordination and runs in degraded single-instance mode.
	URL string `yaml:"url"`

	// MaxGlobalActiveCalls caps concurrently admitted calls across all
	// tenants. Default 50.
	MaxGlobalActiveCalls int `yaml:"max_global_active_calls"`

	// MaxTenantActiveCalls caps concurrently admitted calls per tenant.
	// Default 5.
	MaxTenantActiveCalls int `yaml:"max_tenant_active_calls"`

	// QueueEnabled turns on per-tenant FIFO queueing for over-cap calls.
	QueueEnabled bool `yaml:"queue_enabled"`

	// QueueMaxSize caps the per-tenant queue length. Default 10.
	QueueMaxSize int `yaml:"queue_max_size"`
}

// CalendarConfig holds OAuth app credentials and the sync cadence.
type CalendarConfig struct {
	GoogleClientID        string `yaml:"google_client_id"`
	GoogleClientSecret    string `yaml:"google_client_secret"`
	MicrosoftClientID     string `yaml:"microsoft_client_id"`
	MicrosoftClientSecret string `yaml:"microsoft_client_secret"`

	// SyncInterval is the appointment-cache reconciliation cadence.
	// Default 30m.
	SyncInterval time.Duration `yaml:"sync_interval"`
}

// FeatureFlags gates optional behaviour.
type FeatureFlags struct {
	// StreamingTTS enables the live text-in/audio-out TTS session. When off,
	// each assistant turn is synthesized one-shot.
	StreamingTTS bool `yaml:"streaming_tts"`

	// SMSNotifications enables the SMS handoff on fallback level 2.
	SMSNotifications bool `yaml:"sms_notifications"`

	// Recording enables provider-side call recording.
	Recording bool `yaml:"recording"`
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// Validate checks that cfg contains a coherent set of values. It returns the
// first hard failure; soft issues are logged by the loader.
func Validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d is out of range", cfg.Server.Port)
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		return fmt.Errorf("config: server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel)
	}
	if cfg.Server.AdminAPIKey == "" {
		return fmt.Errorf("config: server.admin_api_key (ADMIN_API_KEY) is required")
	}
	if cfg.IsProduction() {
		key, err := hex.DecodeString(cfg.Server.EncryptionKey)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("config: server.encryption_key (ENCRYPTION_KEY) must be 64 hex characters in production")
		}
		if cfg.Server.PublicURL == "" {
			return fmt.Errorf("config: server.public_url (PUBLIC_URL) is required in production")
		}
	}
	if cfg.Calls.ASRConfidenceThreshold < 0 || cfg.Calls.ASRConfidenceThreshold > 1 {
		return fmt.Errorf("config: calls.asr_confidence_threshold %.2f is out of range [0, 1]", cfg.Calls.ASRConfidenceThreshold)
	}
	if cfg.Coordinator.QueueEnabled && cfg.Coordinator.QueueMaxSize <= 0 {
		return fmt.Errorf("config: coordinator.queue_max_size must be positive when queueing is enabled")
	}
	return nil
}

// Defaults returns a Config populated with every documented default.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        3000,
			DataDir:     "data",
			LogLevel:    LogInfo,
			Environment: "development",
		},
		Calls: CallConfig{
			ASRConfidenceThreshold: 0.6,
			SilenceTimeout:         time.Second,
			MaxCallDuration:        10 * time.Minute,
			InactivityTimeout:      30 * time.Second,
		},
		Coordinator: CoordConfig{
			MaxGlobalActiveCalls: 50,
			MaxTenantActiveCalls: 5,
			QueueMaxSize:         10,
		},
		Calendar: CalendarConfig{
			SyncInterval: 30 * time.Minute,
		},
	}
}
