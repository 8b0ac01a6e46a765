package cli

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"appdeploy/internal/provision"
	"appdeploy/internal/shared/infra"
	"appdeploy/internal/shared/model"
)

func newRunCommand(opts *Options) *cobra.Command {
	var file, deploymentID string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Provision a host described by a deployment file",
		Long: `Run the provisioning pipeline for one host.

Stages already recorded as complete for the host are skipped. Events are
printed to the terminal and published on the configured event bus, so API
server websocket clients sharing the same Redis can follow along.

Examples:
  deployctl run -f deployment.yaml
  deployctl run -f deployment.yaml --deployment-id nightly-42`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.setup()
			if err != nil {
				return err
			}
			dc, err := readDeploymentFile(file)
			if err != nil {
				return err
			}

			inf, err := infra.New(cmd.Context(), e.cfg)
			if err != nil {
				return err
			}
			defer inf.Close()

			if deploymentID == "" {
				deploymentID = uuid.NewString()
			}
			e.logger.Info("Starting deployment", "deployment_id", deploymentID, "host", dc.Host)

			orch := infra.NewOrchestrator(e.cfg, inf, nil, e.logger)
			reporter := provision.MultiReporter{
				newConsoleReporter(cmd.OutOrStdout()),
				provision.NewBusReporter(inf.EventBus, deploymentID),
			}
			res := orch.Run(cmd.Context(), deploymentID, dc, reporter)
			if !res.Success {
				return fmt.Errorf("deployment %s failed at stage %d: %s", deploymentID, res.Stage, res.Error)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deployment %s completed for %s\n", deploymentID, dc.Host)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "deployment.yaml", "Path to the deployment YAML file")
	cmd.Flags().StringVar(&deploymentID, "deployment-id", "", "Deployment id used to scope events (default: random UUID)")
	return cmd
}

// readDeploymentFile 严格解析，拼错的字段直接报错
func readDeploymentFile(path string) (*model.DeploymentConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open deployment file: %w", err)
	}
	defer f.Close()

	var dc model.DeploymentConfig
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&dc); err != nil {
		return nil, fmt.Errorf("parse deployment file %s: %w", path, err)
	}
	return &dc, nil
}
