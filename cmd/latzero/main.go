// Command latzero runs the LatZero orchestration daemon: it loads
// configuration, wires every component via internal/orchestrator, and
// serves connections until signaled to stop: config load, flag overrides,
// structured logging/tracing/metrics init, signal-driven graceful
// shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/latzero/latzero/internal/config"
	"github.com/latzero/latzero/internal/logging"
	"github.com/latzero/latzero/internal/orchestrator"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "latzero",
		Short: "LatZero - local-host process orchestration fabric",
		Long:  "LatZero brokers connections, pools, and named shared-memory blocks between cooperating local processes.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (JSON or YAML); flags override")

	rootCmd.AddCommand(startCmd(), statusCmd(), stopCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}

func startCmd() *cobra.Command {
	var (
		host       string
		port       int
		dataDir    string
		logLevel   string
		clusterFlg bool
		tlsFlg     bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the LatZero daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("host") {
				cfg.Transport.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Transport.Port = port
			}
			if cmd.Flags().Changed("data-dir") {
				cfg.Persistence.DataDir = dataDir
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Observability.LogLevel = logLevel
			}
			if cmd.Flags().Changed("cluster") {
				cfg.Cluster.Enabled = clusterFlg
			}
			if cmd.Flags().Changed("tls") {
				cfg.Transport.EnableTLS = tlsFlg
			}

			logging.InitStructured(cfg.Observability.LogFormat, cfg.Observability.LogLevel)

			o, err := orchestrator.New(cfg)
			if err != nil {
				return fmt.Errorf("construct orchestrator: %w", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := o.Bootstrap(ctx); err != nil {
				return fmt.Errorf("bootstrap: %w", err)
			}

			runErrCh := make(chan error, 1)
			go func() {
				runErrCh <- o.Run(ctx)
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			logging.Op().Info("latzero daemon started",
				"address", cfg.Transport.Addr(), "data_dir", cfg.Persistence.DataDir)

			select {
			case sig := <-sigCh:
				logging.Op().Info("shutdown signal received", "signal", sig.String())
			case err := <-runErrCh:
				if err != nil {
					logging.Op().Error("transport serve failed", "error", err)
					cancel()
					return fmt.Errorf("serve: %w", err)
				}
			}

			cancel()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer shutdownCancel()
			if err := o.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}

			logging.Op().Info("latzero daemon stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Bind host (overrides config/env)")
	cmd.Flags().IntVar(&port, "port", 0, "Bind port (overrides config/env)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Persistence data directory (overrides config/env)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&clusterFlg, "cluster", false, "Enable cluster mode (reserved, see spec Open Questions)")
	cmd.Flags().BoolVar(&tlsFlg, "tls", false, "Enable TLS on the transport listener (reserved)")

	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the addresses to query a local LatZero daemon at (does not contact it)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Printf("latzero status: querying %s over AdminRPC is not yet wired into this CLI; "+
				"use the AdminRPC client against %s directly.\n", cfg.Transport.Addr(), cfg.AdminRPC.Addr)
			return nil
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running local LatZero daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("stop is not implemented: send SIGTERM to the daemon process directly")
		},
	}
}
