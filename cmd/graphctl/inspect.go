package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// moduleSummary describes one package an operator can wire a chain from.
// Static, not discovered at runtime: graphctl has no dynamic graph
// description format (unit/board construction parameter parsing is an
// explicit non-goal), so inspect's job is to orient an operator reading
// the source, not to introspect a live process.
type moduleSummary struct {
	path string
	role string
}

var modules = []moduleSummary{
	{"internal/streaming/unit", "base unit state machine + pending-packet pipeline"},
	{"internal/streaming/chain", "3-phase prepare/begin/complete command proxy"},
	{"internal/streaming/clock", "per-chain streaming clock rendezvous + sync"},
	{"internal/streaming/replicator", "1-to-N stream replicator"},
	{"internal/streaming/mixer", "N-to-1 stream mixer"},
	{"internal/streaming/link", "cross-chain link pair"},
	{"internal/streaming/parser", "streaming parser (packet -> Handler calls)"},
	{"internal/streaming/formatter", "streaming formatter (Handler calls -> packet)"},
	{"internal/streaming/connector", "input/output connector framework"},
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Print the runtime's static module topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, m := range modules {
				fmt.Fprintf(cmd.OutOrStdout(), "%-38s %s\n", m.path, m.role)
			}
			return nil
		},
	}
}
