package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/agentrail/internal/adapter"
	"github.com/user/agentrail/internal/config"
	"github.com/user/agentrail/internal/ingest"
	"github.com/user/agentrail/internal/resolve"
	"github.com/user/agentrail/internal/state"
	"github.com/user/agentrail/internal/tokens"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "agentrail",
	Short:         "Ingest and reconcile AI coding-agent transcripts",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultPath(), "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(reportError(os.Stderr, err))
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// openStore opens the event store under the configured data dir.
func openStore(cfg *config.Config) (*state.EventStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	estimator, err := tokens.New(tokens.Options{
		Encoding:    cfg.Tokens.Encoding,
		UseTiktoken: cfg.Tokens.UseTiktoken,
	})
	if err != nil {
		slog.Warn("token estimates fall back to the heuristic", "error", err)
	}
	return state.NewEventStore(cfg.DataDir, state.Options{Tokens: estimator})
}

func newEngine(cfg *config.Config, store *state.EventStore) (*ingest.Engine, error) {
	window, err := cfg.TimeWindow()
	if err != nil {
		return nil, err
	}
	registry := adapter.Default(adapter.Options{MaxTextLen: cfg.MaxTextLen})
	resolver := resolve.New(store, resolve.Options{
		MinConfidence: cfg.Resolver.MinConfidence,
		TimeWindow:    window,
		TextWeight:    cfg.Resolver.TextWeight,
	})
	return ingest.New(registry, store, resolver), nil
}
