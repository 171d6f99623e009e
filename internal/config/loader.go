package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load builds the effective configuration: defaults, then the optional YAML
// file at path (empty path skips the file), then environment variables. A
// .env file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	// Missing .env is the normal case outside development.
	_ = godotenv.Load()

	cfg := Defaults()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := mergeYAML(cfg, f); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes YAML config from r on top of the defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals. Environment variables are not consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Defaults()
	if err := mergeYAML(cfg, r); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergeYAML(cfg *Config, r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv overlays recognised environment variables onto cfg. Environment
// always wins over the file so operators can override a baked-in config.
func applyEnv(cfg *Config) {
	setInt(&cfg.Server.Port, "PORT")
	setString(&cfg.Server.PublicURL, "PUBLIC_URL")
	setString(&cfg.Server.DataDir, "DATA_DIR")
	setString(&cfg.Server.EncryptionKey, "ENCRYPTION_KEY")
	setString(&cfg.Server.AdminAPIKey, "ADMIN_API_KEY")
	setString(&cfg.Server.Environment, "RINGDESK_ENV")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = LogLevel(v)
	}

	setString(&cfg.Providers.DeepgramAPIKey, "DEEPGRAM_API_KEY")
	setString(&cfg.Providers.ElevenLabsAPIKey, "ELEVENLABS_API_KEY")
	setString(&cfg.Providers.ElevenLabsVoice, "ELEVENLABS_VOICE_ID")
	setString(&cfg.Providers.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	setString(&cfg.Providers.TwilioAccountSID, "TWILIO_ACCOUNT_SID")
	setString(&cfg.Providers.TwilioAuthToken, "TWILIO_AUTH_TOKEN")
	setString(&cfg.Providers.TwilioFromNumber, "TWILIO_FROM_NUMBER")

	setFloat(&cfg.Calls.ASRConfidenceThreshold, "ASR_CONFIDENCE_THRESHOLD")
	setMillis(&cfg.Calls.SilenceTimeout, "SILENCE_TIMEOUT_MS")
	setMillis(&cfg.Calls.MaxCallDuration, "MAX_CALL_DURATION_MS")

	setString(&cfg.Coordinator.URL, "COORDINATOR_URL")
	setInt(&cfg.Coordinator.MaxGlobalActiveCalls, "MAX_GLOBAL_ACTIVE_CALLS")
	setInt(&cfg.Coordinator.MaxTenantActiveCalls, "MAX_TENANT_ACTIVE_CALLS")
	setBool(&cfg.Coordinator.QueueEnabled, "QUEUE_ENABLED")
	setInt(&cfg.Coordinator.QueueMaxSize, "QUEUE_MAX_SIZE")

	setString(&cfg.Calendar.GoogleClientID, "GOOGLE_CLIENT_ID")
	setString(&cfg.Calendar.GoogleClientSecret, "GOOGLE_CLIENT_SECRET")
	setString(&cfg.Calendar.MicrosoftClientID, "MICROSOFT_CLIENT_ID")
	setString(&cfg.Calendar.MicrosoftClientSecret, "MICROSOFT_CLIENT_SECRET")
	if v := os.Getenv("CALENDAR_SYNC_INTERVAL_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Calendar.SyncInterval = time.Duration(n) * time.Minute
		}
	}

	setBool(&cfg.Features.StreamingTTS, "FEATURE_STREAMING_TTS")
	setBool(&cfg.Features.SMSNotifications, "FEATURE_SMS_NOTIFICATIONS")
	setBool(&cfg.Features.Recording, "FEATURE_RECORDING")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setMillis(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
