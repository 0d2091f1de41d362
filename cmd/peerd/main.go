// Command peerd runs one replica peer. The peer starts in the pooled
// role and waits for the router (or a family primary) to register it;
// everything after that is driven by the protocols themselves.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/replicafed/replicafed/internal/config"
	"github.com/replicafed/replicafed/internal/metrics"
	"github.com/replicafed/replicafed/internal/peer"
	"github.com/replicafed/replicafed/pkg/api"
	"github.com/replicafed/replicafed/pkg/health"
	"github.com/replicafed/replicafed/pkg/status"
	"github.com/replicafed/replicafed/pkg/utils"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	backupAddr := flag.String("backup-addr", "", "backup endpoint override")
	primaryAddr := flag.String("primary-addr", "", "primary endpoint override")
	routerAddr := flag.String("router-addr", "", "router address override")
	flag.Parse()

	cfg := config.NewDefault()
	if *configPath != "" {
		if err := cfg.LoadFromFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "peerd: %v\n", err)
			os.Exit(1)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "peerd: %v\n", err)
		os.Exit(1)
	}
	if *backupAddr != "" {
		cfg.Peer.BackupAddr = *backupAddr
	}
	if *primaryAddr != "" {
		cfg.Peer.PrimaryAddr = *primaryAddr
	}
	if *routerAddr != "" {
		cfg.Peer.RouterAddr = *routerAddr
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "peerd: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "peerd: %v\n", err)
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

	// Each peer keeps its state under a directory derived from its
	// backup address so several peers can share one host for testing.
	dataDir := filepath.Join(cfg.Global.DataDir, "peer-"+sanitizeAddr(cfg.Peer.BackupAddr))

	p, err := peer.New(peer.Config{
		BackupAddr:          cfg.Peer.BackupAddr,
		PrimaryAddr:         cfg.Peer.PrimaryAddr,
		RouterAddr:          cfg.Peer.RouterAddr,
		DataDir:             dataDir,
		TPing:               cfg.Peer.TPing,
		TCheck:              cfg.Peer.TCheck,
		TTimeout:            cfg.Peer.TTimeout,
		NetworkTimeout:      cfg.Network.Timeouts.Request,
		SplitBrainThreshold: cfg.Peer.SplitBrainThreshold,
		FamilyCapacity:      cfg.Peer.FamilyCapacity,
	}, logger, coll, healthTracker, statusTracker)
	if err != nil {
		logger.Fatal("failed to construct peer", map[string]interface{}{"error": err.Error()})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Start(ctx); err != nil {
		logger.Fatal("failed to start peer", map[string]interface{}{"error": err.Error()})
	}
	logger.Info("peer started", map[string]interface{}{
		"backup_addr":  cfg.Peer.BackupAddr,
		"primary_addr": cfg.Peer.PrimaryAddr,
		"role":         p.Role().String(),
	})

	if cfg.Monitoring.Metrics.Enabled {
		if err := coll.Start(ctx); err != nil {
			logger.Warn("metrics collector failed to start", map[string]interface{}{"error": err.Error()})
		}
	}

	apiCfg := api.DefaultServerConfig()
	apiCfg.Address = fmt.Sprintf("127.0.0.1:%d", cfg.Global.HealthPort)
	apiServer := api.NewServer("replicafed-peer", apiCfg, statusTracker, healthTracker)
	apiServer.StartBackground()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down", nil)
	_ = apiServer.Shutdown(ctx)
	_ = coll.Stop(ctx)
	_ = p.Stop(ctx)
}

func sanitizeAddr(addr string) string {
	return strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			return r
		}
		return '-'
	}, addr)
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
