package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leaplineage/internal/cli/output"
	"github.com/leapstack-labs/leaplineage/internal/config"
)

// NewConfigCommand creates the config command.
func NewConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the resolved lineage configuration",
		Long: `Load the configuration the backend would use (defaults, lineage.yaml,
LEAPLINEAGE_* environment variables and flags) and print it with secrets
masked.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := NewCommandContext(cmd)
			cfg, err := cc.Loader.Load()
			if err != nil {
				return err
			}
			if file := cc.Loader.FileUsed(); file != "" {
				cc.Renderer.Notice("Using config file: %s", file)
			}
			return renderConfig(cc.Renderer, cfg.Masked())
		},
	}
}

type configEntry struct {
	key   string
	value any
}

func configEntries(cfg config.LineageConfig) []configEntry {
	m := cfg.Metadata
	return []configEntry{
		{"service_name", cfg.ServiceName},
		{"only_keep_dag_lineage", cfg.OnlyKeepDagLineage},
		{"max_status", cfg.MaxStatus},
		{"metadata.host_port", m.HostPort},
		{"metadata.auth_provider", m.AuthProvider},
		{"metadata.jwt_token", m.JWTToken},
		{"metadata.verify_ssl", m.VerifySSL},
		{"metadata.timeout", m.Timeout.String()},
		{"metadata.max_retries", m.MaxRetries},
		{"metadata.rate_limit", m.RateLimit},
		{"metadata.rate_burst", m.RateBurst},
	}
}

func renderConfig(r *output.Renderer, cfg config.LineageConfig) error {
	entries := configEntries(cfg)

	if r.EffectiveMode() == output.ModeJSON {
		out := make(map[string]any, len(entries))
		for _, e := range entries {
			out[e.key] = e.value
		}
		return r.JSON(out)
	}

	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []any{config.Root + "." + e.key, fmt.Sprint(e.value)})
	}
	r.Table([]string{"KEY", "VALUE"}, rows)
	return nil
}
