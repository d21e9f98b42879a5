// Command wardend runs the warden microkernel daemon: a capability-
// secured wasm kernel with an HTTP control plane, or a batch runner
// for a set of module manifests.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set via ldflags at release build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	root := &cobra.Command{
		Use:           "wardend",
		Short:         "Capability-secured WebAssembly microkernel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("log-level", "", "override log level (debug|info|warn|error)")
	root.PersistentFlags().Bool("log-dev", false, "console log encoding with stack traces")

	root.AddCommand(newRunCmd(), newExecCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "wardend %s (%s)\n", version, commit)
		},
	}
}
