package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
)

// wrapperHarnessCmd delegates to the agentpool-wrapper binary, which
// exercises pkg/wrapper's protocol machinery against a stub Agent — a
// stand-in for the out-of-scope real in-container agent process.
var wrapperHarnessCmd = &cobra.Command{
	Use:                "wrapper-harness",
	Short:              "Run the reference in-container wrapper harness (delegates to agentpool-wrapper)",
	DisableFlagParsing: true,
	RunE:               runWrapperHarness,
}

func runWrapperHarness(cmd *cobra.Command, args []string) error {
	path, err := exec.LookPath("agentpool-wrapper")
	if err != nil {
		return fmt.Errorf("wrapper-harness: agentpool-wrapper binary not found on PATH: %w", err)
	}

	c := exec.Command(path, args...)
	c.Stdin = os.Stdin
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	return c.Run()
}
