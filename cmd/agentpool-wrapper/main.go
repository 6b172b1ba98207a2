// Command agentpool-wrapper is the reference in-container wrapper
// harness: it wires pkg/wrapper's protocol machinery to StubAgent, a
// stand-in for the real agent process, which is out of this
// repository's scope (§1).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/agentpool/pkg/broker"
	"github.com/cuemby/agentpool/pkg/log"
	"github.com/cuemby/agentpool/pkg/wrapper"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agentpool-wrapper",
	Short: "Reference in-container wrapper harness",
	RunE:  runWrapper,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func runWrapper(cmd *cobra.Command, args []string) error {
	cfg, err := wrapper.ConfigFromEnv()
	if err != nil {
		return err
	}

	b, err := broker.New(cfg.RedisURL, "agentpool:cc:")
	if err != nil {
		return err
	}
	defer b.Close()

	w := wrapper.New(cfg, b, StubAgent{})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return w.Run(ctx)
}
