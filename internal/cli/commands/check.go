package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leaplineage/internal/cli/output"
	"github.com/leapstack-labs/leaplineage/internal/metadata"
)

// NewCheckCommand creates the check command.
func NewCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check the connection to the metadata catalog",
		Long: `Verify that the configured catalog is reachable and that the pipeline
service workflows are registered under exists.`,
		Example: `  leaplineage check --host-port http://localhost:8585/api --service-name airflow`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := NewCommandContext(cmd)
			cfg, err := cc.Loader.Load()
			if err != nil {
				return err
			}

			client, err := metadata.NewClient(cfg.Metadata, cc.Logger)
			if err != nil {
				return err
			}

			version, err := client.Version(cmd.Context())
			if err != nil {
				return fmt.Errorf("catalog at %s is not reachable: %w", cfg.Metadata.HostPort, err)
			}

			result := checkResult{
				HostPort: cfg.Metadata.HostPort,
				Version:  version.Version,
				Service:  cfg.ServiceName,
			}
			svc, err := client.GetPipelineService(cmd.Context(), cfg.ServiceName)
			switch {
			case errors.Is(err, metadata.ErrNotFound):
			case err != nil:
				return fmt.Errorf("failed to look up pipeline service %q: %w", cfg.ServiceName, err)
			default:
				result.ServiceID = svc.ID
			}

			if err := renderCheck(cc.Renderer, result); err != nil {
				return err
			}
			if result.ServiceID == "" {
				return fmt.Errorf("pipeline service %q does not exist in the catalog", cfg.ServiceName)
			}
			return nil
		},
	}
}

type checkResult struct {
	HostPort  string `json:"host_port"`
	Version   string `json:"version"`
	Service   string `json:"service"`
	ServiceID string `json:"service_id,omitempty"`
}

func renderCheck(r *output.Renderer, res checkResult) error {
	if r.EffectiveMode() == output.ModeJSON {
		return r.JSON(res)
	}

	service := "missing"
	if res.ServiceID != "" {
		service = "ok (" + res.ServiceID + ")"
	}
	r.Table([]string{"CHECK", "RESULT"}, [][]any{
		{"catalog", res.HostPort + " (version " + res.Version + ")"},
		{"pipeline service " + res.Service, service},
	})
	return nil
}
