package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-smlp/internal/arch"
	"github.com/23skdu/longbow-smlp/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := NewCLI().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// NewCLI builds the smlp command tree around a registry holding the built-in presets.
func NewCLI() *cobra.Command {
	reg := arch.NewSMLPRegistry()

	var logLevel, logFormat string
	root := &cobra.Command{
		Use:           "smlp",
		Short:         "SMLP architecture presets and checkpoint migration",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.Setup(logLevel, logFormat)
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console or json)")

	root.AddCommand(
		newPresetsCmd(reg),
		newResolveCmd(reg),
		newMigrateCmd(reg),
		newInspectCmd(),
		newServeCmd(),
	)
	return root
}
