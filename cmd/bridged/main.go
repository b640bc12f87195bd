// Package main provides the bridged daemon - an HTLC atomic swap coordinator.
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/klingon-exchange/klingon-bridge/internal/adapter"
	"github.com/klingon-exchange/klingon-bridge/internal/chain"
	"github.com/klingon-exchange/klingon-bridge/internal/config"
	"github.com/klingon-exchange/klingon-bridge/internal/rpc"
	"github.com/klingon-exchange/klingon-bridge/internal/storage"
	"github.com/klingon-exchange/klingon-bridge/internal/swap"
	"github.com/klingon-exchange/klingon-bridge/internal/telemetry"
	"github.com/klingon-exchange/klingon-bridge/pkg/logging"
)

var (
	version = rpc.Version
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", config.DefaultDataDir, "Data directory")
		apiAddr     = flag.String("api", "", "JSON-RPC API address, overrides config")
		testnet     = flag.Bool("testnet", false, "Use testnet networks (separate data)")
		mainnet     = flag.Bool("mainnet", false, "Use mainnet networks")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		envFile     = flag.String("env", ".env", "Env file with signing keys")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("bridged %s (commit: %s)", version, commit)
		os.Exit(0)
	}
	if *testnet && *mainnet {
		log.Fatal("--testnet and --mainnet are mutually exclusive")
	}

	// Keys may live in an env file next to the binary.
	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		log.Warn("Failed to load env file", "path", *envFile, "error", err)
	}

	effectiveDataDir := *dataDir
	if *testnet {
		effectiveDataDir = filepath.Join(*dataDir, "testnet")
	}

	cfg, err := config.LoadConfig(effectiveDataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file.
	if *apiAddr != "" {
		cfg.API.Listen = *apiAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	switch {
	case *testnet:
		cfg.NetworkType = chain.Testnet
	case *mainnet:
		cfg.NetworkType = chain.Mainnet
	}
	cfg.Storage.DataDir = effectiveDataDir

	var output io.Writer = os.Stderr
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(config.ExpandPath(cfg.Logging.File), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			log.Fatal("Failed to open log file", "path", cfg.Logging.File, "error", err)
		}
		defer f.Close()
		output = io.MultiWriter(os.Stderr, f)
	}
	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		TimeFormat: time.TimeOnly,
		Output:     output,
	})
	logging.SetDefault(log)

	log.Info("Config loaded", "path", config.ConfigPath(effectiveDataDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dataPath := config.ExpandPath(cfg.Storage.DataDir)
	store, err := storage.New(&storage.Config{DataDir: dataPath})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", store.Path())

	// A data directory belongs to one network type; sessions from the
	// other would reference networks that are not loaded.
	stored, err := store.GetSetting(storage.SettingNetworkType)
	if err != nil {
		log.Fatal("Failed to read settings", "error", err)
	}
	if stored != "" && stored != string(cfg.NetworkType) {
		log.Fatal("Data directory belongs to another network type", "stored", stored, "configured", cfg.NetworkType)
	}
	if err := store.SetSetting(storage.SettingNetworkType, string(cfg.NetworkType)); err != nil {
		log.Fatal("Failed to save settings", "error", err)
	}

	registry := chain.Default()
	if err := cfg.ApplyNetworks(registry); err != nil {
		log.Fatal("Invalid network configuration", "error", err)
	}
	networks := registry.List(cfg.NetworkType)
	log.Info("Network registry initialized", "type", cfg.NetworkType, "networks", len(networks))

	factory := adapter.NewFactory(cfg.AdapterWallets(), cfg.AdapterSidecars(), adapter.Options{
		DialTimeout: cfg.Polling.RequestTimeout,
	})
	defer factory.Close()

	emitter := telemetry.NewEmitter()
	emitter.OnEvent(telemetry.LogHandler(store, log.Component("telemetry")))

	coordinator := swap.NewCoordinator(&swap.CoordinatorConfig{
		Registry:  registry,
		Adapters:  factory,
		Storage:   store,
		Telemetry: emitter,
		Polling:   cfg.PollingIntervals(),
		Timing:    cfg.Timing(),
	})
	defer coordinator.Close()
	log.Info("Swap coordinator initialized")

	if n, err := coordinator.LoadPending(ctx); err != nil {
		log.Warn("Failed to load pending swaps", "error", err)
	} else {
		log.Info("Pending swaps loaded from database", "count", n)
	}

	rpcServer := rpc.NewServer(&rpc.Config{
		Coordinator: coordinator,
		Storage:     store,
		Telemetry:   emitter,
		NetworkType: cfg.NetworkType,
		DataDir:     dataPath,
	})
	if err := rpcServer.Start(cfg.API.Listen); err != nil {
		log.Fatal("Failed to start RPC server", "error", err)
	}

	printBanner(log, cfg, networks, rpcServer.Addr(), dataPath)

	startedAt := time.Now()
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.Info("Status",
					"sessions", coordinator.Count(),
					"ws_clients", rpcServer.WSHub().ClientCount(),
					"uptime", time.Since(startedAt).Round(time.Second))
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	cancel()

	if err := rpcServer.Stop(); err != nil {
		log.Error("Error stopping RPC server", "error", err)
	}

	log.Info("Goodbye!")
}

func printBanner(log *logging.Logger, cfg *config.Config, networks []*chain.Network, apiAddr, dataDir string) {
	networkLabel := "mainnet"
	if cfg.NetworkType == chain.Testnet {
		networkLabel = "TESTNET"
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  Klingon Bridge (%s)", networkLabel)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  API: http://%s", apiAddr)
	log.Infof("  WS:  ws://%s/ws", apiAddr)
	log.Info("")
	log.Info("  Networks:")
	for _, n := range networks {
		ready := "no htlc contract"
		if n.Contract(chain.HTLCNativeContractAddress) != "" || n.Contract(chain.HTLCTokenContractAddress) != "" {
			ready = "ready"
		}
		log.Infof("    %-22s %-9s %s", n.Name, n.Group, ready)
	}
	log.Info("")
	log.Infof("  Data dir: %s", dataDir)
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
