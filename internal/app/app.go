// Package app wires the platform together: bus, caches, credentials, venue
// registry, aggregation, risk, orders, execution, detection, the position and
// signal layers and the monitor endpoint. One App owns the component
// lifecycle; Run blocks until the context is cancelled.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/xarb-io/xarb/internal/aggregator"
	"github.com/xarb-io/xarb/internal/config"
	"github.com/xarb-io/xarb/internal/connector"
	"github.com/xarb-io/xarb/internal/engine"
	"github.com/xarb-io/xarb/internal/executor"
	"github.com/xarb-io/xarb/internal/monitor"
	"github.com/xarb-io/xarb/internal/orders"
	"github.com/xarb-io/xarb/internal/position"
	"github.com/xarb-io/xarb/internal/risk"
	"github.com/xarb-io/xarb/internal/signal"
	"github.com/xarb-io/xarb/internal/source"
	"github.com/xarb-io/xarb/pkg/bus"
	"github.com/xarb-io/xarb/pkg/cache"
	"github.com/xarb-io/xarb/pkg/secrets"
	"github.com/xarb-io/xarb/pkg/types"
)

// App holds every wired component.
type App struct {
	cfg    *config.Config
	logger *logrus.Entry

	events    bus.Bus
	redis     *cache.Redis
	registry  *connector.Registry
	agg       *aggregator.Aggregator
	risk      *risk.Manager
	orders    *orders.Manager
	executor  *executor.Engine
	engine    *engine.Engine
	positions *position.Manager
	signals   *signal.Generator
	monitor   *monitor.Server
	health    *monitor.HealthChecker
	metrics   *monitor.Metrics
}

// New builds the component graph from configuration. Nothing is started yet.
func New(ctx context.Context, cfg *config.Config, version string) (*App, error) {
	a := &App{cfg: cfg, logger: logrus.WithField("component", "app"), metrics: monitor.NewMetrics()}

	events, err := buildBus(cfg)
	if err != nil {
		return nil, err
	}
	a.events = events

	if cfg.Redis.Addr != "" {
		redis, err := cache.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			// Redis is a cache tier, not a dependency.
			a.logger.Warnf("redis unavailable, running memory-only: %v", err)
		} else {
			a.redis = redis
		}
	}

	a.registry = connector.NewRegistry(nil, buildCredentials(cfg))
	if err := a.registry.Create(cfg.Venues.Enabled); err != nil {
		return nil, fmt.Errorf("create connectors: %w", err)
	}

	aggOpts := []aggregator.Option{aggregator.WithBus(events), aggregator.WithMetrics(a.metrics)}
	if a.redis != nil {
		aggOpts = append(aggOpts, aggregator.WithRedis(a.redis))
	}
	a.agg = aggregator.New(a.registry, buildSources(cfg), aggregator.Config{
		TaskTimeout: time.Duration(cfg.Aggregator.TaskTimeoutSeconds) * time.Second,
		CacheTTL:    time.Duration(cfg.Aggregator.CacheTTLSeconds) * time.Second,
	}, aggOpts...)

	a.risk = risk.NewManager(risk.Limits{
		MaxPositionSize:  decimal.NewFromFloat(cfg.Risk.MaxPositionSize),
		MaxDailyLoss:     decimal.NewFromFloat(cfg.Risk.MaxDailyLoss),
		MaxDailyTrades:   cfg.Risk.MaxDailyTrades,
		MaxPositionRisk:  cfg.Risk.MaxPositionRisk,
		MaxOpenPositions: cfg.Risk.MaxOpenPositions,
	}, risk.WithMetrics(a.metrics))

	a.orders = orders.NewManager(a.registry, events, orders.Config{
		OrderTimeout: time.Duration(cfg.Orders.OrderTimeoutSeconds) * time.Second,
		Metrics:      a.metrics,
	})

	a.executor = executor.NewEngine(a.orders, a.risk, events, executor.Config{
		MaxConcurrent: cfg.Arbitrage.MaxConcurrentExecutions,
		Metrics:       a.metrics,
	})

	a.engine = engine.New(a.agg, a.registry, a.risk, a.executor, events, engine.Config{
		Watchlist:    cfg.Watchlist,
		ScanInterval: time.Duration(cfg.Arbitrage.ScanIntervalSeconds) * time.Second,
		MinSpreadPct: cfg.Arbitrage.MinSpreadPct,
		MinProfit:    decimal.NewFromFloat(cfg.Arbitrage.MinProfit),
		SlippageBps:  cfg.Arbitrage.SlippageBps,
		MaxNotional:  decimal.NewFromFloat(cfg.Arbitrage.MaxNotional),
		Metrics:      a.metrics,
	})

	a.positions = position.NewManager(events, a.risk, position.Config{
		Equity:       decimal.NewFromFloat(cfg.Position.Equity),
		RiskFraction: decimal.NewFromFloat(cfg.Position.RiskFraction),
		StopPct:      decimal.NewFromFloat(cfg.Position.StopPct),
		TakePct:      decimal.NewFromFloat(cfg.Position.TakePct),
		MinStrength:  cfg.Position.MinStrength,
		Metrics:      a.metrics,
	})

	a.signals = signal.New(events, signal.Config{})

	a.health = monitor.NewHealthChecker(version)
	a.registerHealthChecks()
	a.monitor = monitor.NewServer(cfg.MonitorAddr, a.metrics, a.health)

	return a, nil
}

func buildBus(cfg *config.Config) (bus.Bus, error) {
	if cfg.Bus.NATSURL == "" {
		return bus.NewMemoryBus(cfg.Bus.StreamMaxLen), nil
	}
	return bus.NewJetStreamBus(bus.JetStreamConfig{
		URL:       cfg.Bus.NATSURL,
		ClientID:  "xarb",
		StreamMax: int64(cfg.Bus.StreamMaxLen),
	})
}

// buildCredentials layers static config credentials over Vault when one is
// configured. Credential values never reach the logs.
func buildCredentials(cfg *config.Config) types.CredentialsProvider {
	static := make(map[string]types.Credentials, len(cfg.Venues.Credentials))
	for venue, c := range cfg.Venues.Credentials {
		static[venue] = types.Credentials{Key: c.Key, Secret: c.Secret, Passphrase: c.Passphrase}
	}
	providers := secrets.Chain{secrets.NewStatic(static)}

	if cfg.Vault.Addr != "" {
		vault, err := secrets.NewVault(secrets.VaultConfig{
			Address: cfg.Vault.Addr,
			Token:   cfg.Vault.Token,
		})
		if err != nil {
			logrus.WithField("component", "app").Warnf("vault unavailable: %v", err)
		} else {
			providers = append(providers, vault)
		}
	}
	return providers
}

func buildSources(cfg *config.Config) []types.AltSource {
	var out []types.AltSource
	for _, name := range cfg.Sources.Enabled {
		switch name {
		case "coingecko":
			out = append(out, source.NewCoinGecko())
		case "coinpaprika":
			out = append(out, source.NewCoinPaprika())
		default:
			logrus.WithField("component", "app").Warnf("unknown source %q skipped", name)
		}
	}
	return out
}

func (a *App) registerHealthChecks() {
	a.health.RegisterCheck("bus", func(ctx context.Context) monitor.ComponentHealth {
		if _, err := a.events.Publish(ctx, bus.StreamAPIRequests, map[string]string{"probe": "health"}); err != nil {
			return monitor.ComponentHealth{Status: monitor.HealthStatusUnhealthy, Message: err.Error()}
		}
		return monitor.ComponentHealth{Status: monitor.HealthStatusHealthy}
	})
	a.health.RegisterCheck("connectors", func(ctx context.Context) monitor.ComponentHealth {
		total, up := 0, 0
		for name, conn := range a.registry.Connectors() {
			total++
			if conn.IsConnected() && a.registry.Healthy(name) {
				up++
			}
		}
		a.metrics.SetConnectorsUp(up)
		switch {
		case total == 0 || up == 0:
			return monitor.ComponentHealth{Status: monitor.HealthStatusUnhealthy,
				Message: fmt.Sprintf("%d/%d venues up", up, total)}
		case up < total:
			return monitor.ComponentHealth{Status: monitor.HealthStatusDegraded,
				Message: fmt.Sprintf("%d/%d venues up", up, total)}
		default:
			return monitor.ComponentHealth{Status: monitor.HealthStatusHealthy}
		}
	})
	if a.redis != nil {
		a.health.RegisterCheck("redis", func(ctx context.Context) monitor.ComponentHealth {
			if err := a.redis.Ping(ctx); err != nil {
				return monitor.ComponentHealth{Status: monitor.HealthStatusDegraded, Message: err.Error()}
			}
			return monitor.ComponentHealth{Status: monitor.HealthStatusHealthy}
		})
	}
}

// Run starts every component, blocks until ctx is cancelled, then shuts down
// in reverse dependency order.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting")

	// Streaming feeds attach before connecting.
	if conn, err := a.registry.Get("kraken"); err == nil {
		if k, ok := conn.(*connector.Kraken); ok {
			k.EnableStreaming(a.cfg.Watchlist...)
		}
	}

	a.registry.ConnectAll(ctx)
	a.registry.StartHealthLoop(ctx)
	a.risk.Start(ctx)
	a.orders.Start(ctx)
	if err := a.signals.Start(ctx); err != nil {
		return fmt.Errorf("start signal generator: %w", err)
	}
	if err := a.positions.Start(ctx); err != nil {
		return fmt.Errorf("start position manager: %w", err)
	}
	a.engine.Start(ctx)
	a.monitor.Start()

	a.logger.Info("running")
	<-ctx.Done()

	a.logger.Info("shutting down")
	a.engine.Stop()
	a.positions.Stop()
	a.signals.Stop()
	a.orders.Stop()
	a.risk.Stop()
	a.agg.Stop()
	a.registry.Stop()
	a.registry.DisconnectAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.monitor.Stop(shutdownCtx); err != nil {
		a.logger.Warnf("monitor shutdown: %v", err)
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if err := a.events.Close(); err != nil {
		a.logger.Warnf("bus close: %v", err)
	}
	a.logger.Info("stopped")
	return nil
}
