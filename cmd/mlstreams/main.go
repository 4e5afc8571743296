// Package main implements the mlstreams analytics job runner: a long-running,
// out-of-process engine that streams records through a pluggable analysis
// strategy, emits structured results, and checkpoints its model state so a
// restarted job resumes without reprocessing consumed input.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "mlstreams"
)

var configPath string

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the command tree
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           appName,
		Short:         "Streaming ML analytics job engine",
		Long:          "mlstreams runs a streaming analysis job: records in, scored results out, with incremental model-state checkpointing.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (YAML or JSON)")

	root.AddCommand(newRunCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// newVersionCmd reports build information
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("%s version %s (built %s)\n", appName, Version, BuildTime)
		},
	}
}
