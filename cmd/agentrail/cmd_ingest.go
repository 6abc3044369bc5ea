package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/agentrail/internal/ingest"
	"github.com/user/agentrail/internal/types"
)

var (
	ingestAdapter string
	ingestMerge   string
	ingestJSON    bool
)

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().StringVar(&ingestAdapter, "adapter", "auto", "adapter name (auto, codex, claude, tagged)")
	ingestCmd.Flags().StringVar(&ingestMerge, "merge-session", "", "append into this existing session")
	ingestCmd.Flags().BoolVar(&ingestJSON, "json", false, "print the result as JSON")
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <path|->",
	Short: "Ingest a transcript file, or stdin with -",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		store, err := openStore(cfg)
		if err != nil {
			return types.WithStage(types.StagePersistence, err)
		}
		defer store.Close()
		engine, err := newEngine(cfg, store)
		if err != nil {
			return err
		}

		opts := ingest.Options{
			Adapter:        ingestAdapter,
			MergeSessionID: types.SessionID(ingestMerge),
		}
		ctx := context.Background()

		var res *ingest.Result
		if args[0] == "-" {
			content, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return types.WithStage(types.StageParse, fmt.Errorf("read stdin: %w", err))
			}
			opts.SourcePath = "stdin"
			res, err = engine.Ingest(ctx, content, opts)
			if err != nil {
				return err
			}
		} else {
			res, err = engine.IngestFile(ctx, args[0], opts)
			if err != nil {
				return err
			}
		}

		if ingestJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		fmt.Fprintf(os.Stdout, "session:  %s\n", res.SessionID)
		fmt.Fprintf(os.Stdout, "adapter:  %s\n", res.Adapter)
		if res.MergeConfidence != nil {
			fmt.Fprintf(os.Stdout, "strategy: %s (confidence %.2f)\n", res.MergeStrategy, *res.MergeConfidence)
		} else {
			fmt.Fprintf(os.Stdout, "strategy: %s\n", res.MergeStrategy)
		}
		fmt.Fprintf(os.Stdout, "inserted: %d, skipped duplicates: %d\n", res.Inserted, res.SkippedDuplicates)
		return nil
	},
}
