package commands

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/leapstack-labs/leaplineage/internal/cli/output"
	"github.com/leapstack-labs/leaplineage/internal/config"
)

type globalsKey struct{}

// Globals holds what the root command resolved from its persistent flags.
type Globals struct {
	ConfigFile string
	Flags      *pflag.FlagSet
	Logger     *slog.Logger
	Output     output.Mode
}

// WithGlobals stores g in ctx.
func WithGlobals(ctx context.Context, g *Globals) context.Context {
	return context.WithValue(ctx, globalsKey{}, g)
}

// GetGlobals retrieves the globals from ctx, with defaults when absent.
func GetGlobals(ctx context.Context) *Globals {
	if ctx != nil {
		if g, ok := ctx.Value(globalsKey{}).(*Globals); ok {
			return g
		}
	}
	return &Globals{
		Logger: slog.New(slog.DiscardHandler),
		Output: output.ModeAuto,
	}
}

// CommandContext holds common dependencies for CLI commands.
type CommandContext struct {
	Logger   *slog.Logger
	Renderer *output.Renderer
	Loader   *config.FileLoader
}

// NewCommandContext builds the dependencies of cmd from the root globals.
func NewCommandContext(cmd *cobra.Command) *CommandContext {
	g := GetGlobals(cmd.Context())
	return &CommandContext{
		Logger:   g.Logger,
		Renderer: output.NewRenderer(cmd.OutOrStdout(), cmd.ErrOrStderr(), g.Output),
		Loader:   &config.FileLoader{Path: g.ConfigFile, Flags: g.Flags},
	}
}
