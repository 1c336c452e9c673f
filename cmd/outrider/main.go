// Package main is the entry point for the Outrider CLI
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "outrider",
		Short: "Dispatch your backlog to autonomous coding agents",
		Long: `Outrider is a task orchestrator that claims work from a remote issue
tracker, runs an autonomous coding agent against an isolated git worktree for
each task, and reconciles the result back into trunk. It survives crashes by
recovering abandoned tasks on startup and sweeping for stale ones while
running.`,
		Version: "0.1.0",
	}

	rootCmd.AddCommand(
		runCmd(),
		addCmd(),
		statusCmd(),
		recoverCmd(),
		unblockCmd(),
		worktreeCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
