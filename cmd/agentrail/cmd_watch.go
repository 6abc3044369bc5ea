package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/agentrail/internal/watcher"
)

var watchDir string

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchDir, "dir", "", "drop directory (default: drop_dir from config)")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch a directory for fragment files and apply them",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	dir := watchDir
	if dir == "" {
		dir = cfg.InboxDir()
	}
	w, err := watcher.New(dir, store, watcher.Options{
		Schedule:   cfg.RescanSchedule,
		MaxTextLen: cfg.MaxTextLen,
	})
	if err != nil {
		return err
	}

	pidPath, err := writeWatchRecord(cfg.DataDir, watchRecord{
		PID:       os.Getpid(),
		DropDir:   w.Dir(),
		Schedule:  cfg.RescanSchedule,
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("agentrail watcher started",
		"data_dir", cfg.DataDir,
		"drop_dir", dir,
		"rescan_schedule", cfg.RescanSchedule,
	)
	if err := w.Run(ctx); err != nil {
		return err
	}
	slog.Info("shutting down")
	return nil
}
