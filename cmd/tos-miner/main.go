// TOS Miner - Multi-address solo miner for TOS Hash V3
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tos-network/tos-miner/internal/api"
	"github.com/tos-network/tos-miner/internal/config"
	"github.com/tos-network/tos-miner/internal/engine"
	"github.com/tos-network/tos-miner/internal/miner"
	"github.com/tos-network/tos-miner/internal/profiling"
	"github.com/tos-network/tos-miner/internal/storage"
	"github.com/tos-network/tos-miner/internal/util"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	// Command line flags
	configPath := flag.String("config", "", "Path to configuration file")
	password := flag.String("password", "", "Wallet password (or TOS_MINER_WALLET_PASSWORD)")
	offset := flag.Int("offset", -1, "Address offset override")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("TOS Miner v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	util.Infof("TOS Miner v%s starting", version)

	walletPassword := *password
	if walletPassword == "" {
		walletPassword = os.Getenv("TOS_MINER_WALLET_PASSWORD")
	}

	addressOffset := cfg.Miner.AddressOffset
	if *offset >= 0 {
		addressOffset = *offset
	}

	// Connect to Redis
	redis, err := storage.NewRedisClient(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		util.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()

	// Hash engine. ROM initialization is deferred until the first
	// active challenge arrives.
	eng := engine.NewLocalEngine()
	defer eng.KillWorkers()

	m := miner.NewMiner(cfg, eng, redis)
	if err := m.Start(walletPassword, addressOffset); err != nil {
		util.Fatalf("Failed to start miner: %v", err)
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg, m, redis)
		if err := apiServer.Start(); err != nil {
			util.Fatalf("Failed to start API server: %v", err)
		}
	}

	var profServer *profiling.Server
	if cfg.Profiling.Enabled {
		profServer = profiling.NewServer(&cfg.Profiling)
		if err := profServer.Start(); err != nil {
			util.Fatalf("Failed to start profiling server: %v", err)
		}
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	util.Info("Miner started successfully. Press Ctrl+C to stop.")

	<-sigChan
	util.Info("Shutting down...")

	// Graceful shutdown
	if apiServer != nil {
		apiServer.Stop()
	}
	if profServer != nil {
		profServer.Stop()
	}
	m.Stop()

	util.Info("Miner stopped")
}
