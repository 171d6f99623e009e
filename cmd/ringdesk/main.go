// Command ringdesk is the main entry point for the Ringdesk voice server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ringdesk/ringdesk/internal/app"
	"github.com/ringdesk/ringdesk/internal/config"
	"github.com/ringdesk/ringdesk/pkg/provider/llm/anthropic"
	"github.com/ringdesk/ringdesk/pkg/provider/stt/deepgram"
	"github.com/ringdesk/ringdesk/pkg/provider/tts/elevenlabs"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (optional)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ringdesk: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("ringdesk starting",
		"port", cfg.Server.Port,
		"environment", cfg.Server.Environment,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Providers ─────────────────────────────────────────────────────────────
	providers, err := buildProviders(cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ─── Provider wiring ──────────────────────────────────────────────────────────

// buildProviders constructs the speech and LLM providers from the configured
// API keys. All three are required: a voice server with no ears, voice, or
// brain cannot answer a call.
func buildProviders(cfg *config.Config) (*app.Providers, error) {
	p := cfg.Providers

	sttP, err := deepgram.New(p.DeepgramAPIKey)
	if err != nil {
		return nil, fmt.Errorf("create stt provider: %w", err)
	}

	var ttsOpts []elevenlabs.Option
	if p.ElevenLabsVoice != "" {
		ttsOpts = append(ttsOpts, elevenlabs.WithVoice(p.ElevenLabsVoice))
	}
	ttsP, err := elevenlabs.New(p.ElevenLabsAPIKey, ttsOpts...)
	if err != nil {
		return nil, fmt.Errorf("create tts provider: %w", err)
	}

	llmP, err := anthropic.New(p.AnthropicAPIKey)
	if err != nil {
		return nil, fmt.Errorf("create llm provider: %w", err)
	}

	return &app.Providers{STT: sttP, TTS: ttsP, LLM: llmP}, nil
}

// ─── Startup summary ──────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Ringdesk — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("STT", "deepgram")
	printRow("TTS", "elevenlabs")
	printRow("LLM", "anthropic")
	printRow("Coordinator", coordinatorMode(cfg))
	printRow("Public URL", valueOr(cfg.Server.PublicURL, "(not set)"))
	printRow("Data dir", cfg.Server.DataDir)
	printRow("Environment", cfg.Server.Environment)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(name, value string) {
	if len([]rune(value)) > 22 {
		value = string([]rune(value)[:19]) + "…"
	}
	fmt.Printf("║  %-12s : %-22s ║\n", name, value)
}

func coordinatorMode(cfg *config.Config) string {
	if cfg.Coordinator.URL == "" {
		return "degraded (no redis)"
	}
	return "redis"
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// ─── Logger ───────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
