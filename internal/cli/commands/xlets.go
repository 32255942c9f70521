package commands

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leaplineage/internal/cli/output"
	"github.com/leapstack-labs/leaplineage/internal/xlets"
	"github.com/leapstack-labs/leaplineage/pkg/core"
	"github.com/leapstack-labs/leaplineage/pkg/dag"
)

// NewXLetsCommand creates the xlets command.
func NewXLetsCommand() *cobra.Command {
	var dagFile string

	cmd := &cobra.Command{
		Use:   "xlets",
		Short: "Show the inlets and outlets extracted from a workflow",
		Long: `Print the xlets the backend would send for a workflow: one entry per
task that declares inlets or outlets, with duplicate references removed.`,
		Example: `  leaplineage xlets --dag dags/sales.yaml
  leaplineage xlets --dag dags/sales.yaml --output json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := NewCommandContext(cmd)
			d, err := dag.LoadFile(dagFile)
			if err != nil {
				return err
			}
			xs, err := xlets.FromDAG(d)
			if err != nil {
				return err
			}
			return renderXLets(cc.Renderer, d.ID, xs)
		},
	}

	cmd.Flags().StringVar(&dagFile, "dag", "", "Workflow definition file (YAML)")
	_ = cmd.MarkFlagRequired("dag")

	return cmd
}

func renderXLets(r *output.Renderer, dagID string, xs []xlets.XLets) error {
	if r.EffectiveMode() == output.ModeJSON {
		if xs == nil {
			xs = []xlets.XLets{}
		}
		return r.JSON(xs)
	}

	rows := make([][]any, 0, len(xs))
	for _, x := range xs {
		rows = append(rows, []any{x.TaskID, joinRefs(x.Inlets), joinRefs(x.Outlets)})
	}
	r.Header("XLets for " + dagID)
	r.Table([]string{"TASK", "INLETS", "OUTLETS"}, rows)

	inlets, outlets := xlets.Totals(xs)
	r.Printf("%d tasks, %d inlets, %d outlets\n", len(xs), inlets, outlets)
	return nil
}

func joinRefs(refs []core.DatasetRef) string {
	parts := make([]string, len(refs))
	for i, ref := range refs {
		parts[i] = ref.String()
	}
	return strings.Join(parts, "\n")
}
