// hookd runs untrusted handler and hook code in isolated worker processes.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "hookd",
	Short: "hookd runs handler and hook code in isolated sandbox workers.",
	Long: `hookd serves HTTP routes whose handlers and pre/post hooks are small
JavaScript bodies. Every body runs in a separate worker process that only
sees a serialized copy of the request context and reaches repositories,
helpers and logs through calls routed back to the host.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, runCmd, workerCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
