package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stagecraft/trafficcore/pkg/client"
	"github.com/stagecraft/trafficcore/pkg/config"
	"github.com/stagecraft/trafficcore/pkg/controller"
	"github.com/stagecraft/trafficcore/pkg/events"
	"github.com/stagecraft/trafficcore/pkg/log"
	"github.com/stagecraft/trafficcore/pkg/metrics"
	"github.com/stagecraft/trafficcore/pkg/placement"
	"github.com/stagecraft/trafficcore/pkg/registry"
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
	Use:   "trafficcore",
	Short: "Agent traffic core - places agents on agent-set workers",
	Long: `Trafficcore is the control plane for a fleet of agent-set workers.
It tracks worker capacity, decides where each agent runs, gates agents on
their prerequisites, and fans mission-wide commands out to the fleet.

All state is held in memory and rebuilt from worker rosters on startup.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"trafficcore version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the traffic core service",
	Long: `Start the traffic core: load configuration from the environment,
register seed workers, rebuild agent state from worker rosters, and serve
the HTTP API until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		cfg, err := config.Load(ctx)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
		logger := log.WithComponent("main")
		metrics.SetVersion(Version)

		seed, err := config.LoadSeedFile(cfg.WorkerSeedFile)
		if err != nil {
			return fmt.Errorf("failed to load worker seed file: %v", err)
		}

		var tokens client.TokenSource
		if cfg.ClientSecret != "" {
			tokens = client.NewSecurityTokenSource(cfg.SecurityURL, cfg.ClientID, cfg.ClientSecret)
		}
		httpClient := client.NewHTTP(tokens)

		broker := events.NewBroker()
		broker.Start()

		reg := registry.NewRegistry(registry.Config{
			DefaultCapacity: cfg.PrimaryWorkerCapacity,
			Fetcher:         client.NewServiceRegistryClient(httpClient, cfg.PostOfficeURL),
			Broker:          broker,
		})
		engine := placement.NewEngine(placement.Config{
			Registry:        reg,
			PrimaryURL:      cfg.PrimaryWorkerURL,
			PrimaryCapacity: cfg.PrimaryWorkerCapacity,
			Broker:          broker,
		})

		ctrl := controller.New(cfg, controller.Deps{
			Registry:       reg,
			Placement:      engine,
			Workers:        client.NewWorkerClient(httpClient),
			MissionControl: client.NewMissionControlClient(httpClient, cfg.MissionControlURL),
			Broker:         broker,
		})

		rebuildCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		ctrl.Rebuild(rebuildCtx, seed)
		cancel()

		ctrl.Start()
		logger.Info().Int("port", cfg.Port).Str("version", Version).Msg("traffic core starting")

		server := controller.NewServer(ctrl, cfg.ClientSecret)
		errCh := make(chan error, 1)
		go func() {
			if err := server.Start(controller.Addr(cfg.Port)); err != nil {
				errCh <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
		case err := <-errCh:
			logger.Error().Err(err).Msg("HTTP server failed")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
		}
		ctrl.Stop()
		broker.Stop()

		logger.Info().Msg("shutdown complete")
		return nil
	},
}
