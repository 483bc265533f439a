package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stackur/pkg/config"
	"github.com/openfroyo/stackur/pkg/engine"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return explain(rootCmd.ExecuteContext(ctx))
}

// explain adds a hint to errors the user can act on.
func explain(err error) error {
	if engine.IsConflict(err) {
		return fmt.Errorf("%w (another operation is running on the stack, retry when it finishes)", err)
	}
	return err
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stackur",
		Short: "stackur - incremental CloudFormation stacks",
		Long: `stackur deploys a CloudFormation stack stage by stage.

A manifest lists resources and Starlark tasks in order. Each resource is
committed through its own change set, so later stages can use the physical
ids of earlier ones:
  - Resources are compiled from short declarations with CUE schemas
  - Change sets are checked by Rego policies before they run
  - Interactive runs ask for confirmation of every change set
  - Every commit is journaled to SQLite`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultManifestFile, "manifest file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newCommitCommand())
	rootCmd.AddCommand(newUncommitCommand())
	rootCmd.AddCommand(newRenderCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newWatchCommand())

	return rootCmd
}

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
