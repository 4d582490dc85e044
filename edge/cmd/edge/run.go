package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/telhawk-systems/telhawk-edge/common/logging"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/agent"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/config"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the edge agent",
	Long: `Start the agent: open the queue, load consent, serve the control API and
upload on the configured interval until interrupted.

Configuration cascade (priority order):
  1. EDGE_* environment variables (e.g. EDGE_UPLOADER_URL)
  2. --config file, or ./config.yaml, or /etc/telhawk/edge/config.yaml
  3. Built-in defaults`,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger := agentLogger(os.Stdout, cfg)
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := agent.New(ctx, cfg, logger.Logger)
	if err != nil {
		return fmt.Errorf("start agent: %w", err)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// agentLogger tags every record with the service and device.
func agentLogger(w io.Writer, cfg *config.Config) *logging.Logger {
	logger := logging.NewWithWriter(w, logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	return logger.With(logging.Service("edge"), slog.String("device_id", cfg.DeviceID))
}
