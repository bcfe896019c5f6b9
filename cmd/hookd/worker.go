package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/hookd/internal/sandbox"
	"github.com/jkaninda/hookd/internal/worker"
)

// workerCmd is what the process launcher re-executes. It is hidden because
// it speaks the worker protocol on stdin/stdout and is useless by hand.
var workerCmd = &cobra.Command{
	Use:    sandbox.WorkerCommand,
	Short:  "Run as a sandbox worker (internal)",
	Hidden: true,
	Run: func(_ *cobra.Command, _ []string) {
		os.Exit(worker.Main())
	},
}
