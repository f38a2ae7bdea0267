// Package app wires configuration, storage, clients, and services together.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bobmcallan/brokersync/internal/clients"
	"github.com/bobmcallan/brokersync/internal/clients/alpaca"
	"github.com/bobmcallan/brokersync/internal/clients/marketdata"
	"github.com/bobmcallan/brokersync/internal/clients/tradier"
	"github.com/bobmcallan/brokersync/internal/common"
	"github.com/bobmcallan/brokersync/internal/interfaces"
	"github.com/bobmcallan/brokersync/internal/services/aggregator"
	"github.com/bobmcallan/brokersync/internal/services/connections"
	"github.com/bobmcallan/brokersync/internal/services/fetcher"
	"github.com/bobmcallan/brokersync/internal/services/health"
	"github.com/bobmcallan/brokersync/internal/services/refresh"
	"github.com/bobmcallan/brokersync/internal/services/stream"
	"github.com/bobmcallan/brokersync/internal/storage"
)

// App holds all initialized services and clients. It is the shared core used
// by cmd/brokersync-server.
type App struct {
	Config      *common.Config
	Logger      *common.Logger
	Storage     interfaces.StorageManager
	Brokers     *clients.Registry
	MarketData  interfaces.MarketDataClient
	Connections *connections.Service
	Monitor     *health.Monitor
	Fetcher     *fetcher.Service
	Aggregator  *aggregator.Service
	Refresh     *refresh.Service
	Hub         *stream.Hub
	StartupTime time.Time

	backgroundCancel context.CancelFunc
}

// getBinaryDir returns the directory containing the executable.
func getBinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// NewApp initializes storage, clients, and the aggregation pipeline.
// configPath may be empty, in which case the default resolution logic is used.
func NewApp(configPath string) (*App, error) {
	startupStart := time.Now()

	binDir := getBinaryDir()

	// Load configuration - check provided path, BROKERSYNC_CONFIG, then binary
	// dir, then fallback for development.
	if configPath == "" {
		configPath = os.Getenv("BROKERSYNC_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join(binDir, "brokersync.toml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = "config/brokersync.toml"
		}
	}

	config, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Resolve relative storage path to binary directory
	if config.Storage.Connections.Path != "" && !filepath.IsAbs(config.Storage.Connections.Path) {
		config.Storage.Connections.Path = filepath.Join(binDir, config.Storage.Connections.Path)
	}

	logger := common.NewLoggerFromConfig(config.Logging)

	storageManager, err := storage.NewManager(logger, config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	// Broker capability registry: one client per broker. Adding a broker means
	// registering another implementation here.
	brokers := clients.NewRegistry()

	if key := config.Clients.Alpaca.APIKey; key != "" {
		keyID, secret := splitKey(key)
		brokers.Register(alpaca.NewClient(keyID, secret,
			alpaca.WithBaseURL(config.Clients.Alpaca.BaseURL),
			alpaca.WithLogger(logger),
			alpaca.WithRateLimit(config.Clients.Alpaca.RateLimit),
			alpaca.WithTimeout(config.Clients.Alpaca.GetTimeout()),
		))
	} else {
		logger.Warn().Msg("Alpaca API key not configured - alpaca connections will be unavailable")
	}

	if key := config.Clients.Tradier.APIKey; key != "" {
		brokers.Register(tradier.NewClient(key,
			tradier.WithBaseURL(config.Clients.Tradier.BaseURL),
			tradier.WithLogger(logger),
			tradier.WithRateLimit(config.Clients.Tradier.RateLimit),
			tradier.WithTimeout(config.Clients.Tradier.GetTimeout()),
		))
	} else {
		logger.Warn().Msg("Tradier API key not configured - tradier connections will be unavailable")
	}

	var prices interfaces.MarketDataClient
	if key := config.Clients.MarketData.APIKey; key != "" {
		keyID, secret := splitKey(key)
		prices = marketdata.NewClient(keyID, secret,
			marketdata.WithBaseURL(config.Clients.MarketData.BaseURL),
			marketdata.WithLogger(logger),
			marketdata.WithRateLimit(config.Clients.MarketData.RateLimit),
			marketdata.WithTimeout(config.Clients.MarketData.GetTimeout()),
		)
	} else {
		logger.Warn().Msg("Market data API key not configured - prices will be stale")
	}

	// Aggregation pipeline
	connectionService := connections.NewService(storageManager.ConnectionStore(), config.Aggregation, logger)
	monitor := health.NewMonitor(connectionService, logger)
	fetchService := fetcher.NewService(brokers, connectionService, monitor.Outcomes(), config.Aggregation.GetBrokerCallTimeout(), logger)
	aggregationService := aggregator.NewService(prices, connectionService, logger)
	refreshService := refresh.NewService(fetchService, aggregationService, config.Aggregation, logger)
	hub := stream.NewHub(refreshService, config.Stream, logger)

	refreshService.SetPublisher(hub)
	refreshService.SetSessionLister(hub)

	a := &App{
		Config:      config,
		Logger:      logger,
		Storage:     storageManager,
		Brokers:     brokers,
		MarketData:  prices,
		Connections: connectionService,
		Monitor:     monitor,
		Fetcher:     fetchService,
		Aggregator:  aggregationService,
		Refresh:     refreshService,
		Hub:         hub,
		StartupTime: startupStart,
	}

	logger.Info().
		Strs("brokers", brokers.BrokerIDs()).
		Dur("startup", time.Since(startupStart)).
		Msg("App initialized")

	return a, nil
}

// StartBackground launches the health monitor, broker status consumer, and
// periodic refresh scheduler.
func (a *App) StartBackground() {
	ctx, cancel := context.WithCancel(context.Background())
	a.backgroundCancel = cancel

	go a.Monitor.Run(ctx)
	go a.Hub.RunStatusEvents(ctx, a.Monitor.Events())
	go a.Refresh.Run(ctx)
}

// Close releases all resources held by the App.
// Shutdown order: stop background loops, close storage.
func (a *App) Close() {
	if a.backgroundCancel != nil {
		a.backgroundCancel()
		a.backgroundCancel = nil
	}
	if a.Storage != nil {
		a.Storage.Close()
		a.Storage = nil
	}
}

// splitKey splits a "keyID:secret" credential into its parts. Single-part
// credentials are returned with an empty secret.
func splitKey(key string) (string, string) {
	if idx := strings.Index(key, ":"); idx >= 0 {
		return key[:idx], key[idx+1:]
	}
	return key, ""
}
