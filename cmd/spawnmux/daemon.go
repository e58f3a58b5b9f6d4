package main

import (
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/spawnmux/spawnmux/internal/config"
	"github.com/spawnmux/spawnmux/internal/control"
	"github.com/spawnmux/spawnmux/internal/events"
	"github.com/spawnmux/spawnmux/internal/logging"
	"github.com/spawnmux/spawnmux/internal/metrics"
	"github.com/spawnmux/spawnmux/internal/process"
	"github.com/spawnmux/spawnmux/internal/supervisor"
)

var daemonConfigPath string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the spawnmux supervisor daemon",
	Long:  "Runs the supervisor event loop. The control socket must already be open on the configured descriptor (3 by default); the daemon takes no spawn instructions from anywhere else.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		var warnings []string
		if daemonConfigPath != "" {
			var err error
			cfg, warnings, err = config.Load(daemonConfigPath)
			if err != nil {
				return err
			}
		}

		logger := logging.NewDaemon(logging.LogConfig{
			Level:  cfg.Supervisor.LogLevel,
			Format: cfg.Supervisor.LogFormat,
		})
		for _, w := range warnings {
			logger.Warn("config warning", "warning", w)
		}

		bus := events.NewBus(logger)
		if cfg.Metrics.Enabled {
			coll := metrics.New()
			coll.Observe(bus)
			mux := http.NewServeMux()
			mux.Handle("/metrics", coll.Handler())
			go func() {
				logger.Info("metrics listening", "addr", cfg.Metrics.Listen)
				if err := http.ListenAndServe(cfg.Metrics.Listen, mux); err != nil {
					logger.Error("metrics listener failed", "error", err)
				}
			}()
		}

		// Anything the parent left open beyond stderr must not reach
		// the children.
		control.SetCloseOnExecAbove(2)

		ch, err := control.FromFD(cfg.Supervisor.ControlFD, control.Options{
			MaxRequestBytes: cfg.Supervisor.MaxRequestBytes,
		}, logger)
		if err != nil {
			return err
		}
		defer ch.Close()

		sup := supervisor.New(ch, process.NewLauncher(nil, logger), bus, logger, supervisor.Config{
			GracePeriod:    time.Duration(cfg.Supervisor.GraceSeconds) * time.Second,
			ReadBufferSize: cfg.Supervisor.ReadBufferBytes,
		})
		return sup.Run()
	},
}

func init() {
	daemonCmd.Flags().StringVar(&daemonConfigPath, "config", "", "path to TOML config file")
	rootCmd.AddCommand(daemonCmd)
}
