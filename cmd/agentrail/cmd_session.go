package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/agentrail/internal/state"
	"github.com/user/agentrail/internal/types"
)

var listFiles bool

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionEventsCmd, sessionEndCmd, sessionSnapshotCmd)
	sessionListCmd.Flags().BoolVar(&listFiles, "files", false, "list session log files on disk instead of the index")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and manage sessions",
}

// withStore loads config, opens the store and runs fn against it.
func withStore(fn func(ctx context.Context, store *state.EventStore) error) error {
	cfg := loadConfig()
	setupLogging(cfg)
	store, err := openStore(cfg)
	if err != nil {
		return types.WithStage(types.StagePersistence, err)
	}
	defer store.Close()
	return fn(context.Background(), store)
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store *state.EventStore) error {
			if listFiles {
				return printSessionFiles(ctx, store)
			}
			list, err := store.List(ctx)
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			if len(list) == 0 {
				fmt.Println("No sessions found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tSOURCE\tSTARTED\tGOAL")
			for _, s := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					s.SessionID,
					s.Status,
					s.Source,
					s.StartedAt.Local().Format("2006-01-02 15:04:05"),
					types.Truncate(s.Goal, 60),
				)
			}
			return w.Flush()
		})
	},
}

func printSessionFiles(ctx context.Context, store *state.EventStore) error {
	files, err := store.ListSessionFiles(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODIFIED\tSTARTED\tPATH")
	for _, f := range files {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			f.ID,
			f.ModifiedAt.Local().Format("2006-01-02 15:04:05"),
			f.StartedAt.Local().Format("2006-01-02 15:04:05"),
			f.Path,
		)
	}
	return w.Flush()
}

var sessionEventsCmd = &cobra.Command{
	Use:   "events <id>",
	Short: "Print a session's events as JSON lines",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store *state.EventStore) error {
			events, err := store.ReadSessionEvents(ctx, types.SessionID(args[0]))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			for _, ev := range events {
				if err := enc.Encode(ev); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var sessionEndCmd = &cobra.Command{
	Use:   "end <id>",
	Short: "Mark a session ended and regenerate its snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store *state.EventStore) error {
			id := types.SessionID(args[0])
			if err := store.EndSession(ctx, id, time.Time{}); err != nil {
				return err
			}
			if _, err := store.RebuildSnapshot(ctx, id); err != nil {
				return types.WithStage(types.StagePersistence, err)
			}
			fmt.Printf("Session %s ended.\n", id)
			return nil
		})
	},
}

var sessionSnapshotCmd = &cobra.Command{
	Use:   "snapshot <id>",
	Short: "Regenerate and print a session snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store *state.EventStore) error {
			snap, err := store.RebuildSnapshot(ctx, types.SessionID(args[0]))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		})
	},
}
