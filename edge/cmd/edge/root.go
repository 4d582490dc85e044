package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/client"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/config"
)

const defaultControlAddr = "127.0.0.1:8089"

var (
	cfgFile     string
	controlAddr string
	outputFmt   string
	timeout     time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "edge",
	Short: "TelHawk edge event pipeline",
	Long: `edge runs the on-device event pipeline: consent-gated capture into a
durable local queue and batched, rate-limit aware upload to the ingest API.

The other commands talk to a running agent over its local control API.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or /etc/telhawk/edge/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&controlAddr, "addr", "", "control API address of a running agent (default: control.listen from config)")
	rootCmd.PersistentFlags().StringVar(&outputFmt, "output", "table", "output format: table, json, yaml")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "control API request timeout")
}

// controlClient resolves the agent address from --addr, then the config
// file, then the built-in default.
func controlClient() *client.ControlClient {
	addr := controlAddr
	if addr == "" {
		if cfg, err := config.Load(cfgFile); err == nil {
			addr = cfg.Control.Listen
		} else {
			addr = defaultControlAddr
		}
	}
	return client.NewControlClient(addr, timeout)
}
