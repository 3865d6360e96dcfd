package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/deploycore/pkg/ecsdeploy"
	"github.com/openfroyo/deploycore/pkg/engine"
)

func newSnapshotCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect and capture stored rollback snapshots",
	}

	cmd.AddCommand(newSnapshotShowCommand())
	cmd.AddCommand(newSnapshotListCommand())
	cmd.AddCommand(newSnapshotCaptureCommand())
	cmd.AddCommand(newSnapshotDeleteCommand())

	return cmd
}

// unitFlags select a deployed unit by infrastructure and service name.
type unitFlags struct {
	infra   string
	service string
}

func (f *unitFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.infra, "infra", "i", "", "infrastructure key from the config file")
	cmd.Flags().StringVar(&f.service, "service-name", "", "service name")
	_ = cmd.MarkFlagRequired("infra")
	_ = cmd.MarkFlagRequired("service-name")
}

func (f *unitFlags) unit(a *agent) (engine.DeployedUnitHandle, error) {
	infra, err := a.infra(f.infra)
	if err != nil {
		return engine.DeployedUnitHandle{}, err
	}
	// Cluster and region come from the infrastructure
	return engine.DeployedUnitHandle{Cluster: infra.Cluster, ServiceName: f.service, Region: infra.Region}, nil
}

// withStore runs fn against the configured store.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, a *agent) error) error {
	a, ctx, err := newAgent(cmd.Context(), configPath, false)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	// Every snapshot command needs the store
	if err := a.requireStore(); err != nil {
		return err
	}
	return fn(ctx, a)
}

func newSnapshotShowCommand() *cobra.Command {
	var flags unitFlags

	cmd := &cobra.Command{
		Use:     "show",
		Short:   "Print the stored rollback snapshot of a service",
		Example: `  deployagent snapshot show -i prod --service-name web --json`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, a *agent) error {
				unit, err := flags.unit(a)
				if err != nil {
					return err
				}
				// Look up stored snapshot
				rec, err := a.store.GetSnapshot(ctx, unit)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), rec)
			})
		},
	}

	flags.register(cmd)
	return cmd
}

func newSnapshotListCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored rollback snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, a *agent) error {
				recs, err := a.store.ListSnapshots(ctx, limit, 0)
				if err != nil {
					return err
				}
				// Summarize; use show for the full snapshot
				type row struct {
					Unit       string   `json:"unit"`
					First      bool     `json:"is_first_deployment"`
					CapturedAt string   `json:"captured_at"`
					Degraded   []string `json:"degraded_entries,omitempty"`
				}
				rows := make([]row, 0, len(recs))
				for _, r := range recs {
					rows = append(rows, row{
						Unit:       r.UnitKey,
						First:      r.Snapshot.IsFirstDeployment,
						CapturedAt: r.Snapshot.CapturedAt.Format("2006-01-02T15:04:05Z07:00"),
						Degraded:   r.Snapshot.DegradedEntries,
					})
				}
				return printResult(cmd.OutOrStdout(), rows)
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "maximum snapshots to list")
	return cmd
}

func newSnapshotCaptureCommand() *cobra.Command {
	var (
		infraKey string
		service  string
		strict   bool
	)

	cmd := &cobra.Command{
		Use:     "capture",
		Short:   "Capture and store the rollback snapshot of a live service",
		Example: `  deployagent snapshot capture -i prod -s web.yaml`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			serviceText, err := readFile(service)
			if err != nil {
				return err
			}
			return withDeployer(cmd, infraKey, "Prepare Rollback Data", func(ctx context.Context, a *agent, d *ecsdeploy.Deployer, infra engine.InfraConfig, cb engine.LogCallback) (interface{}, error) {
				if err := a.requireStore(); err != nil {
					return nil, err
				}
				resp, err := d.PrepareRollback(ctx, ecsdeploy.PrepareRollbackRequest{
					Infra:                 infra,
					ServiceDescriptorText: serviceText,
					FailOnPartialSnapshot: strict,
				}, cb)
				if err != nil {
					return resp, err
				}
				// Replace any earlier snapshot of the unit
				if err := a.store.SaveSnapshot(ctx, resp.Snapshot); err != nil {
					return nil, err
				}
				return resp, nil
			})
		},
	}

	cmd.Flags().StringVarP(&infraKey, "infra", "i", "", "infrastructure key from the config file")
	cmd.Flags().StringVarP(&service, "service", "s", "", "service descriptor file (YAML or JSON)")
	cmd.Flags().BoolVar(&strict, "strict", false, "fail when part of the snapshot cannot be captured")
	_ = cmd.MarkFlagRequired("infra")
	_ = cmd.MarkFlagRequired("service")
	return cmd
}

func newSnapshotDeleteCommand() *cobra.Command {
	var flags unitFlags

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete the stored rollback snapshot of a service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, a *agent) error {
				unit, err := flags.unit(a)
				if err != nil {
					return err
				}
				// Delete and confirm
				if err := a.store.DeleteSnapshot(ctx, unit); err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted snapshot %s\n", unit.Key())
				return err
			})
		},
	}

	flags.register(cmd)
	return cmd
}
