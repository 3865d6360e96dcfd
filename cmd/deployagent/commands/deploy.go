package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/spf13/cobra"

	"github.com/openfroyo/deploycore/pkg/ecsdeploy"
	"github.com/openfroyo/deploycore/pkg/engine"
	"github.com/openfroyo/deploycore/pkg/snapshot"
	"github.com/openfroyo/deploycore/pkg/stores"
)

// manifestFlags are the manifest files shared by the deploy subcommands.
type manifestFlags struct {
	infra           string
	service         string
	taskDefinition  string
	scalableTargets []string
	scalingPolicies []string
	timeoutMinutes  int
}

func (f *manifestFlags) register(cmd *cobra.Command, withAutoScaling bool) {
	cmd.Flags().StringVarP(&f.infra, "infra", "i", "", "infrastructure key from the config file")
	cmd.Flags().StringVarP(&f.service, "service", "s", "", "service descriptor file (YAML or JSON)")
	cmd.Flags().IntVar(&f.timeoutMinutes, "timeout", 10, "steady state timeout in minutes")
	_ = cmd.MarkFlagRequired("infra")
	_ = cmd.MarkFlagRequired("service")
	// Manifests only commands that apply a service accept
	if withAutoScaling {
		cmd.Flags().StringVar(&f.taskDefinition, "task-definition", "", "task definition manifest file")
		cmd.Flags().StringSliceVar(&f.scalableTargets, "scalable-target", nil, "scalable target manifest files")
		cmd.Flags().StringSliceVar(&f.scalingPolicies, "scaling-policy", nil, "scaling policy manifest files")
	}
}

type manifests struct {
	service         string
	taskDefinition  string
	scalableTargets []string
	scalingPolicies []string
}

func (f *manifestFlags) read() (*manifests, error) {
	m := &manifests{}
	var err error
	if m.service, err = readFile(f.service); err != nil {
		return nil, err
	}
	// Task definition is optional
	if f.taskDefinition != "" {
		if m.taskDefinition, err = readFile(f.taskDefinition); err != nil {
			return nil, err
		}
	}
	if m.scalableTargets, err = readFiles(f.scalableTargets); err != nil {
		return nil, err
	}
	if m.scalingPolicies, err = readFiles(f.scalingPolicies); err != nil {
		return nil, err
	}
	return m, nil
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}

func readFiles(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		text, err := readFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, text)
	}
	return out, nil
}

// unitOf names the deployed unit a descriptor targets in infra.
func unitOf(infra engine.InfraConfig, serviceText string) (engine.DeployedUnitHandle, error) {
	// Only the service name is taken from the descriptor
	svc, err := snapshot.ParseServiceManifest(serviceText)
	if err != nil {
		return engine.DeployedUnitHandle{}, err
	}
	return engine.DeployedUnitHandle{
		Cluster:     infra.Cluster,
		ServiceName: aws.ToString(svc.ServiceName),
		Region:      infra.Region,
	}, nil
}

// withDeployer runs fn with a deployer, a resolved infra and a streamed log callback.
func withDeployer(cmd *cobra.Command, infraKey, commandUnit string, fn func(ctx context.Context, a *agent, d *ecsdeploy.Deployer, infra engine.InfraConfig, cb engine.LogCallback) (interface{}, error)) error {
	a, ctx, err := newAgent(cmd.Context(), configPath, false)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	infra, err := a.infra(infraKey)
	if err != nil {
		return err
	}
	// Stream the command log for the duration of fn
	cb, closeLog := a.logCallback(commandUnit)
	out, runErr := fn(ctx, a, a.deployer(), infra, cb)
	closeLog(ctx)

	// Print partial responses too; they carry the execution log
	if out != nil {
		if err := printResult(cmd.OutOrStdout(), out); err != nil {
			return err
		}
	}
	return runErr
}

func newDeployCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy, roll back and canary container services",
	}

	cmd.AddCommand(newDeployRollingCommand())
	cmd.AddCommand(newDeployRollbackCommand())
	cmd.AddCommand(newDeployCanaryCommand())
	cmd.AddCommand(newDeployCanaryDeleteCommand())

	return cmd
}

func newDeployRollingCommand() *cobra.Command {
	var (
		flags        manifestFlags
		force        bool
		sameAsLive   bool
		skipSnapshot bool
		strict       bool
	)

	cmd := &cobra.Command{
		Use:   "rolling",
		Short: "Create or update a service and wait for steady state",
		Long: `Capture a rollback snapshot of the live service, then create or update it.

The snapshot is saved to the store so a later "deploy rollback" can restore it.
Scaling configuration from the manifests replaces whatever is registered.`,
		Example: `  deployagent deploy rolling -i prod -s web.yaml \
    --task-definition web-taskdef.yaml \
    --scalable-target web-target.yaml --scaling-policy web-cpu.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := flags.read()
			if err != nil {
				return err
			}
			return withDeployer(cmd, flags.infra, "Deploy", func(ctx context.Context, a *agent, d *ecsdeploy.Deployer, infra engine.InfraConfig, cb engine.LogCallback) (interface{}, error) {
				// Capture rollback data before touching the service
				if !skipSnapshot {
					if err := a.requireStore(); err != nil {
						return nil, err
					}
					prep, err := d.PrepareRollback(ctx, ecsdeploy.PrepareRollbackRequest{
						Infra:                 infra,
						ServiceDescriptorText: m.service,
						TimeoutMinutes:        flags.timeoutMinutes,
						CommandUnit:           "Prepare Rollback Data",
						FailOnPartialSnapshot: strict,
					}, cb)
					if err != nil {
						return prep, err
					}
					if err := a.store.SaveSnapshot(ctx, prep.Snapshot); err != nil {
						return nil, err
					}
				}

				// Deploy and wait for steady state
				return d.RollingDeploy(ctx, ecsdeploy.RollingDeployRequest{
					Infra:                         infra,
					ServiceDescriptorText:         m.service,
					TimeoutMinutes:                flags.timeoutMinutes,
					TaskDefinitionManifest:        m.taskDefinition,
					ScalableTargetManifests:       m.scalableTargets,
					ScalingPolicyManifests:        m.scalingPolicies,
					ForceNewDeployment:            force,
					SameAsAlreadyRunningInstances: sameAsLive,
				}, cb)
			})
		},
	}

	flags.register(cmd, true)
	cmd.Flags().BoolVar(&force, "force-new-deployment", false, "force a new deployment on update")
	cmd.Flags().BoolVar(&sameAsLive, "same-as-running", false, "keep the live desired count on update")
	cmd.Flags().BoolVar(&skipSnapshot, "skip-snapshot", false, "do not capture a rollback snapshot")
	cmd.Flags().BoolVar(&strict, "strict-snapshot", false, "fail when part of the snapshot cannot be captured")

	return cmd
}

func newDeployRollbackCommand() *cobra.Command {
	var flags manifestFlags

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Restore a service from its stored rollback snapshot",
		Example: `  deployagent deploy rollback -i prod -s web.yaml`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			serviceText, err := readFile(flags.service)
			if err != nil {
				return err
			}
			return withDeployer(cmd, flags.infra, "Rollback", func(ctx context.Context, a *agent, d *ecsdeploy.Deployer, infra engine.InfraConfig, cb engine.LogCallback) (interface{}, error) {
				if err := a.requireStore(); err != nil {
					return nil, err
				}
				resp, err := rollbackFromStore(ctx, a.store, d, infra, serviceText, flags.timeoutMinutes, cb)
				// Avoid returning a typed nil response
				if resp == nil {
					return nil, err
				}
				return resp, err
			})
		},
	}

	flags.register(cmd, false)
	return cmd
}

// rollbacker is the part of ecsdeploy.Deployer a rollback needs.
type rollbacker interface {
	RollingRollback(ctx context.Context, req ecsdeploy.RollingRollbackRequest, cb engine.LogCallback) (*ecsdeploy.DeployResponse, error)
}

// rollbackFromStore restores a service from its stored snapshot. The snapshot is
// consumed: it is deleted once the rollback succeeds and kept when it fails.
func rollbackFromStore(ctx context.Context, store stores.Store, d rollbacker, infra engine.InfraConfig, serviceText string, timeoutMinutes int, cb engine.LogCallback) (*ecsdeploy.DeployResponse, error) {
	unit, err := unitOf(infra, serviceText)
	if err != nil {
		return nil, err
	}
	// Load the snapshot taken before the last deploy
	rec, err := store.GetSnapshot(ctx, unit)
	if err != nil {
		return nil, err
	}

	resp, err := d.RollingRollback(ctx, ecsdeploy.RollingRollbackRequest{
		Infra:                 infra,
		Snapshot:              rec.Snapshot,
		TimeoutMinutes:        timeoutMinutes,
		ServiceDescriptorText: serviceText,
	}, cb)
	if err != nil {
		return resp, err
	}

	// Consume snapshot
	if err := store.DeleteSnapshot(ctx, unit); err != nil {
		return resp, fmt.Errorf("rollback succeeded but the snapshot of %s was not deleted: %w", unit.Key(), err)
	}
	return resp, nil
}

func newDeployCanaryCommand() *cobra.Command {
	var (
		flags manifestFlags
		count int32
	)

	cmd := &cobra.Command{
		Use:   "canary",
		Short: "Deploy the canary of a service",
		Example: `  deployagent deploy canary -i prod -s web.yaml --count 2`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := flags.read()
			if err != nil {
				return err
			}
			req := ecsdeploy.CanaryDeployRequest{
				ServiceDescriptorText:   m.service,
				TimeoutMinutes:          flags.timeoutMinutes,
				TaskDefinitionManifest:  m.taskDefinition,
				ScalableTargetManifests: m.scalableTargets,
				ScalingPolicyManifests:  m.scalingPolicies,
			}
			// Only an explicit --count overrides the descriptor
			if cmd.Flags().Changed("count") {
				req.DesiredCountOverride = &count
			}
			return withDeployer(cmd, flags.infra, "Canary Deploy", func(ctx context.Context, _ *agent, d *ecsdeploy.Deployer, infra engine.InfraConfig, cb engine.LogCallback) (interface{}, error) {
				req.Infra = infra
				return d.CanaryDeploy(ctx, req, cb)
			})
		},
	}

	flags.register(cmd, true)
	cmd.Flags().Int32Var(&count, "count", ecsdeploy.DefaultCanaryDesiredCount, "canary desired count")
	return cmd
}

func newDeployCanaryDeleteCommand() *cobra.Command {
	var flags manifestFlags

	cmd := &cobra.Command{
		Use:     "canary-delete",
		Short:   "Delete the canary of a service",
		Example: `  deployagent deploy canary-delete -i prod -s web.yaml`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			serviceText, err := readFile(flags.service)
			if err != nil {
				return err
			}
			return withDeployer(cmd, flags.infra, "Canary Delete", func(ctx context.Context, _ *agent, d *ecsdeploy.Deployer, infra engine.InfraConfig, cb engine.LogCallback) (interface{}, error) {
				return d.CanaryDelete(ctx, ecsdeploy.CanaryDeleteRequest{
					Infra:                 infra,
					ServiceDescriptorText: serviceText,
					TimeoutMinutes:        flags.timeoutMinutes,
				}, cb)
			})
		},
	}

	flags.register(cmd, false)
	return cmd
}
