// Command graphctl is the operator CLI for the streaming runtime: it can
// stand up a demo chain and serve its metrics (run), or print a snapshot of
// the module's static topology for operators wiring their own graphs
// (inspect).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alxayo/streamcore/internal/logger"
)

// version is injected at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:           "graphctl",
		Short:         "Operate streamcore chains",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger.Init()
			if err := logger.SetLevel(logLevel); err != nil {
				return fmt.Errorf("invalid log level %q: %w", logLevel, err)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug|info|warn|error")

	root.AddCommand(newRunCmd())
	root.AddCommand(newInspectCmd())
	return root
}
