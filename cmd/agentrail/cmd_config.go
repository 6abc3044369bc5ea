package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/user/agentrail/internal/config"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd, configPathCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

// printConfig writes every effective setting as "key = value". Values
// coming from the environment are marked with their variable, and the
// drop directory shows where the watcher will actually look.
func printConfig(w io.Writer, cfg *config.Config) error {
	values, err := config.ListValues(cfg)
	if err != nil {
		return fmt.Errorf("list config: %w", err)
	}
	fromEnv := make(map[string]string)
	for _, o := range config.EnvOverrides() {
		fromEnv[o.Key] = o.Env
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		switch {
		case fromEnv[k] != "":
			fmt.Fprintf(w, "%s = %v  (from %s)\n", k, values[k], fromEnv[k])
		case k == "drop_dir" && cfg.DropDir == "":
			fmt.Fprintf(w, "%s =   (watching %s)\n", k, cfg.InboxDir())
		default:
			fmt.Fprintf(w, "%s = %v\n", k, values[k])
		}
	}
	return nil
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all configuration values",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printConfig(os.Stdout, loadConfig())
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// Make sure the file exists with defaults before reading it raw.
		loadConfig()
		val, err := config.GetValue(cfgPath, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, val)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		loadConfig()
		if err := config.SetValue(cfgPath, args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Set %s = %s\n", args[0], args[1])
		for _, o := range config.EnvOverrides() {
			if o.Key == args[0] {
				fmt.Fprintf(os.Stderr, "warning: %s=%s overrides this value\n", o.Env, o.Value)
			}
		}
		if args[0] == "rescan_schedule" || args[0] == "drop_dir" {
			fmt.Fprintln(os.Stdout, "Restart the watcher for this to take effect.")
		}
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file path",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(os.Stdout, cfgPath)
		return nil
	},
}
