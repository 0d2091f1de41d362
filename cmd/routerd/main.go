// Command routerd runs the federation's router / pool allocator.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/replicafed/replicafed/internal/config"
	"github.com/replicafed/replicafed/internal/metrics"
	"github.com/replicafed/replicafed/internal/router"
	"github.com/replicafed/replicafed/pkg/api"
	"github.com/replicafed/replicafed/pkg/health"
	"github.com/replicafed/replicafed/pkg/status"
	"github.com/replicafed/replicafed/pkg/utils"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	listenAddr := flag.String("listen", "", "listen address override")
	flag.Parse()

	cfg := config.NewDefault()
	if *configPath != "" {
		if err := cfg.LoadFromFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "routerd: %v\n", err)
			os.Exit(1)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "routerd: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Router.ListenAddr = *listenAddr
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "routerd: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "routerd: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	collCfg := metrics.DefaultConfig()
	collCfg.Enabled = cfg.Monitoring.Metrics.Enabled
	collCfg.Port = cfg.Monitoring.Metrics.Port
	coll, err := metrics.NewCollector(collCfg)
	if err != nil {
		logger.Fatal("failed to initialize metrics", map[string]interface{}{"error": err.Error()})
	}
	healthTracker := health.NewTracker(health.DefaultConfig())
	healthTracker.AddStateChangeCallback(health.StateUnavailable, func(component string, oldState, newState health.HealthState, err error) {
		fields := map[string]interface{}{"component": component, "from": oldState.String()}
		if err != nil {
			fields["error"] = err.Error()
		}
		logger.Error("component became unavailable", fields)
	})
	statusTracker := status.NewTracker(status.DefaultTrackerConfig())

	rt, err := router.New(router.Config{
		ListenAddr:        cfg.Router.ListenAddr,
		DataDir:           filepath.Join(cfg.Global.DataDir, "router"),
		Pool:              cfg.Router.Pool,
		ReplicationFactor: cfg.Router.ReplicationFactor,
		NetworkTimeout:    cfg.Network.Timeouts.Request,
		ProbeTimeout:      cfg.Network.Timeouts.Probe,
	}, logger, coll, healthTracker, statusTracker)
	if err != nil {
		logger.Fatal("failed to construct router", map[string]interface{}{"error": err.Error()})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rt.Start(ctx); err != nil {
		logger.Fatal("failed to start router", map[string]interface{}{"error": err.Error()})
	}
	logger.Info("router started", map[string]interface{}{
		"listen_addr": cfg.Router.ListenAddr,
		"pool_size":   len(cfg.Router.Pool),
	})

	if cfg.Monitoring.Metrics.Enabled {
		if err := coll.Start(ctx); err != nil {
			logger.Warn("metrics collector failed to start", map[string]interface{}{"error": err.Error()})
		}
	}

	apiCfg := api.DefaultServerConfig()
	apiCfg.Address = fmt.Sprintf("127.0.0.1:%d", cfg.Global.HealthPort)
	apiServer := api.NewServer("replicafed-router", apiCfg, statusTracker, healthTracker)
	apiServer.StartBackground()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down", nil)
	_ = apiServer.Shutdown(ctx)
	_ = coll.Stop(ctx)
	if err := rt.Stop(ctx); err != nil {
		logger.Error("shutdown error", map[string]interface{}{"error": err.Error()})
	}
}

func newLogger(cfg *config.Configuration) (*utils.StructuredLogger, error) {
	level, err := utils.ParseLogLevel(cfg.Global.LogLevel)
	if err != nil {
		return nil, err
	}
	lc := utils.DefaultStructuredLoggerConfig()
	lc.Level = level
	if cfg.Monitoring.Logging.Format == "json" {
		lc.Format = utils.FormatJSON
	}
	if cfg.Global.LogFile != "" {
		lc.Rotation = &utils.RotationConfig{Filename: cfg.Global.LogFile}
	}
	return utils.NewStructuredLogger(lc)
}
