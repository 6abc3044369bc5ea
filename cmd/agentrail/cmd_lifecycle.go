package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/agentrail/internal/watcher"
)

const pidFile = "agentrail.pid"

var errNoWatcher = errors.New("no running watcher")

func init() {
	rootCmd.AddCommand(stopCmd, statusCmd)
}

// watchRecord is what a running watcher leaves in <data_dir>/agentrail.pid
// so stop and status can find it and its drop directory.
type watchRecord struct {
	PID       int       `json:"pid"`
	DropDir   string    `json:"drop_dir"`
	Schedule  string    `json:"rescan_schedule"`
	StartedAt time.Time `json:"started_at"`
}

func writeWatchRecord(dataDir string, rec watchRecord) (string, error) {
	path := filepath.Join(dataDir, pidFile)
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal watcher record: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return path, nil
}

// readWatchRecord loads the watcher record and checks the process is still
// alive with signal 0. A bare PID, as older files hold, is accepted.
func readWatchRecord(dataDir string) (*watchRecord, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, pidFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w (PID file not found)", errNoWatcher)
		}
		return nil, fmt.Errorf("read PID file: %w", err)
	}

	var rec watchRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		pid, convErr := strconv.Atoi(strings.TrimSpace(string(data)))
		if convErr != nil {
			return nil, fmt.Errorf("invalid PID file content: %w", err)
		}
		rec = watchRecord{PID: pid}
	}
	if rec.PID <= 0 {
		return nil, fmt.Errorf("invalid PID %d in PID file", rec.PID)
	}

	proc, err := os.FindProcess(rec.PID)
	if err != nil {
		return nil, fmt.Errorf("find process %d: %w", rec.PID, err)
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return nil, fmt.Errorf("%w (process %d not found)", errNoWatcher, rec.PID)
	}
	return &rec, nil
}

// describeBacklog summarizes a drop directory for operators.
func describeBacklog(w io.Writer, dir string) {
	if dir == "" {
		return
	}
	pending, archived, err := watcher.Backlog(dir)
	if err != nil {
		fmt.Fprintf(w, "Drop dir:  %s (%v)\n", dir, err)
		return
	}
	fmt.Fprintf(w, "Drop dir:  %s\n", dir)
	fmt.Fprintf(w, "Pending:   %d fragment(s)\n", pending)
	fmt.Fprintf(w, "Archived:  %d fragment(s)\n", archived)
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running watcher",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		rec, err := readWatchRecord(cfg.DataDir)
		if err != nil {
			return err
		}

		proc, err := os.FindProcess(rec.PID)
		if err != nil {
			return fmt.Errorf("find process: %w", err)
		}
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("send SIGTERM: %w", err)
		}

		fmt.Fprintf(os.Stdout, "Sent SIGTERM to watcher (PID %d).\n", rec.PID)
		// Fragments left behind are picked up by the next watch.
		describeBacklog(os.Stdout, rec.DropDir)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a watcher is running and its drop directory backlog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		rec, err := readWatchRecord(cfg.DataDir)
		switch {
		case errors.Is(err, errNoWatcher):
			fmt.Fprintln(os.Stdout, "Watcher:   not running")
			describeBacklog(os.Stdout, cfg.InboxDir())
			return nil
		case err != nil:
			return err
		}

		fmt.Fprintf(os.Stdout, "Watcher:   running (PID %d)\n", rec.PID)
		if !rec.StartedAt.IsZero() {
			fmt.Fprintf(os.Stdout, "Since:     %s\n", rec.StartedAt.Local().Format("2006-01-02 15:04:05"))
		}
		if rec.Schedule != "" {
			fmt.Fprintf(os.Stdout, "Rescan:    %s\n", rec.Schedule)
		}
		dir := rec.DropDir
		if dir == "" {
			dir = cfg.InboxDir()
		}
		describeBacklog(os.Stdout, dir)
		return nil
	},
}
