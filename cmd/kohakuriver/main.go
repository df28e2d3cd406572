package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/api"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/config"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/events"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/host"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/log"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/overlay"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/reconciler"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/runner"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kohakuriver",
	Short: "KohakuRiver - small-cluster workload orchestrator",
	Long: `KohakuRiver runs batch tasks and long-lived VPS instances across a
small fleet of compute nodes, as Docker containers or QEMU/KVM virtual
machines with optional GPU passthrough, connected by a flat VXLAN overlay.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"KohakuRiver version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(hostCmd)
	rootCmd.AddCommand(runnerCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Run the control plane",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.LoadHost(cfgPath)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
			cfg.ListenAddr = addr
		}
		if ip, _ := cmd.Flags().GetString("physical-ip"); ip != "" {
			cfg.PhysicalIP = ip
		}
		if cfg.PhysicalIP == "" {
			return fmt.Errorf("physical-ip is required (flag or config)")
		}
		return runHost(cfg)
	},
}

var runnerCmd = &cobra.Command{
	Use:   "runner",
	Short: "Run the per-node execution agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.LoadRunner(cfgPath)
		if err != nil {
			return err
		}
		if u, _ := cmd.Flags().GetString("host-url"); u != "" {
			cfg.HostURL = u
		}
		if ip, _ := cmd.Flags().GetString("physical-ip"); ip != "" {
			cfg.PhysicalIP = ip
		}
		if cfg.PhysicalIP == "" {
			return fmt.Errorf("physical-ip is required (flag or config)")
		}
		return runRunner(cfg)
	},
}

func init() {
	hostCmd.Flags().String("config", "", "Path to host config file (TOML)")
	hostCmd.Flags().String("listen", "", "Listen address override")
	hostCmd.Flags().String("physical-ip", "", "Host address on the physical network")

	runnerCmd.Flags().String("config", "", "Path to runner config file (TOML)")
	runnerCmd.Flags().String("host-url", "", "Host base URL override")
	runnerCmd.Flags().String("physical-ip", "", "Runner address on the physical network")
}

func runHost(cfg *config.Host) error {
	logger := log.WithComponent("main")

	store, err := storage.NewBoltStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	layout := cfg.Layout()
	ov, err := overlay.NewHostManager(layout, cfg.BaseVXLANID, cfg.PhysicalIP, nil)
	if err != nil {
		return err
	}
	if err := ov.Start(); err != nil {
		return fmt.Errorf("overlay start failed: %w", err)
	}

	h, err := host.New(cfg, store, ov, nil, broker)
	if err != nil {
		return err
	}
	h.SetReservations(overlay.NewReservationManager(layout, []byte(cfg.ReservationKey), h.InUseIPs))

	rec := reconciler.New(store, ov, broker, cfg.HeartbeatInterval.Duration)
	rec.Start()
	defer rec.Stop()

	server := api.NewServer(h, cfg.ListenAddr)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	logger.Info().Str("addr", cfg.ListenAddr).Msg("Host started")
	waitForSignal(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func runRunner(cfg *config.Runner) error {
	logger := log.WithComponent("main")

	runner.Version = Version
	r, err := runner.New(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	err = r.Start(ctx)
	cancel()
	if err != nil {
		return err
	}
	defer r.Stop()

	server := runner.NewServer(r, cfg.ListenAddr)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	logger.Info().Str("addr", cfg.ListenAddr).Msg("Runner started")
	waitForSignal(logger)

	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	_ = server.Shutdown(sctx)
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func waitForSignal(logger zerolog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")
}
