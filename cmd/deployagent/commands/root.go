package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "deployagent",
		Short: "Delegate agent for container service deployments and instance sync",
		Long: `deployagent executes deployment commands against a container service and runs
the perpetual instance-sync tasks that report what is actually running.

Features:
  - Rolling deploy, rollback and canary commands with recorded rollback snapshots
  - Instance sync for ECS, physical data center, AWS SSH/WinRM and script-driven fleets
  - Results published to NATS and recorded in a local SQLite store
  - Prometheus metrics, OpenTelemetry traces and structured logs`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags shared by every subcommand
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "deployagent.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newOnceCommand())
	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newSnapshotCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// printResult writes v as indented JSON, or as YAML unless --json is set.
func printResult(w io.Writer, v interface{}) error {
	// JSON on request, YAML otherwise
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to render output: %w", err)
	}
	_, err = w.Write(data)
	return err
}
