package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/samber/lo"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/tutti-audio/tutti/internal/bus"
	"github.com/tutti-audio/tutti/internal/config"
	"github.com/tutti-audio/tutti/internal/domain"
	"github.com/tutti-audio/tutti/internal/group"
	"github.com/tutti-audio/tutti/internal/orchestrator"
	"github.com/tutti-audio/tutti/internal/player"
	"github.com/tutti-audio/tutti/internal/provider"
	"github.com/tutti-audio/tutti/internal/resolver"
)

// AppOptions is the full dependency graph, kept as a variable so tests can
// validate it without starting the daemon.
var AppOptions = fx.Options(
	fx.Provide(
		newConfig,
		newLogger,
		newProviders,
		newResolver,
		group.NewRegistry,
		bus.New,
		newPlayers,
		newManager,
	),
	fx.Invoke(registerHooks),
)

func main() {
	app := fx.New(
		// Logger configuration
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),

		AppOptions,
	)

	// Handle graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Start the application
	if err := app.Start(ctx); err != nil {
		panic(err)
	}

	// Wait for interrupt signal
	<-ctx.Done()

	// Stop the application gracefully
	if err := app.Stop(context.Background()); err != nil {
		panic(err)
	}
}

// newConfig loads the daemon configuration. TUTTI_CONFIG overrides the
// default path; a missing file falls back to built-in defaults.
func newConfig() (*config.Config, error) {
	path := os.Getenv("TUTTI_CONFIG")
	if path == "" {
		path = "tutti.yaml"
	}
	return config.Load(path)
}

// newLogger creates the zap logger at the configured level
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = level
	return zapCfg.Build()
}

// newProviders builds one HTTP stream adapter per configured source.
func newProviders(cfg *config.Config, logger *zap.Logger) []domain.Provider {
	return lo.Map(cfg.Providers, func(pc config.ProviderConfig, _ int) domain.Provider {
		return provider.NewHTTPProvider(logger, domain.ProviderID(pc.ID), pc.BaseURL)
	})
}

// newResolver assembles the stream resolver with its handle cache and the
// configured fallback chains.
func newResolver(cfg *config.Config, logger *zap.Logger, providers []domain.Provider) *resolver.Resolver {
	fallbacks := make(map[domain.ProviderID][]domain.ProviderID, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		if len(pc.Fallbacks) == 0 {
			continue
		}
		fallbacks[domain.ProviderID(pc.ID)] = lo.Map(pc.Fallbacks, func(id string, _ int) domain.ProviderID {
			return domain.ProviderID(id)
		})
	}
	return resolver.New(logger, resolver.NewHandleCache(cfg.Resolver.CacheCapacity), providers, fallbacks, resolver.Options{
		Attempts:        cfg.Resolver.Attempts,
		BackoffBase:     cfg.Resolver.BackoffBase(),
		Freshness:       cfg.Resolver.Freshness(),
		PrefetchCeiling: cfg.Resolver.PrefetchCeiling(),
	})
}

// newPlayers builds the configured playback endpoints.
func newPlayers(cfg *config.Config, logger *zap.Logger) []*player.VirtualPlayer {
	return lo.Map(cfg.Players, func(pc config.PlayerConfig, _ int) *player.VirtualPlayer {
		return player.NewVirtualPlayer(logger, domain.PlayerID(pc.ID), cfg.Sync.TelemetryInterval())
	})
}

// newManager wires the playback context manager and registers every
// configured endpoint with it.
func newManager(
	cfg *config.Config,
	logger *zap.Logger,
	res *resolver.Resolver,
	groups *group.Registry,
	eventBus *bus.Bus,
	players []*player.VirtualPlayer,
) *orchestrator.Manager {
	m := orchestrator.NewManager(logger, res, groups, eventBus, orchestrator.Settings{
		DriftTolerance:     cfg.Sync.DriftTolerance(),
		TelemetryInterval:  cfg.Sync.TelemetryInterval(),
		CrossfadeEnabled:   cfg.Crossfade.Enabled,
		CrossfadeWindow:    cfg.Crossfade.Window(),
		CommandTimeout:     cfg.Transport.CommandTimeout(),
		BufferReadyTimeout: cfg.Transport.BufferReadyTimeout(),
	})
	for _, p := range players {
		m.RegisterPlayer(p)
	}
	return m
}

// registerHooks sets up application lifecycle hooks
func registerHooks(lc fx.Lifecycle, logger *zap.Logger, manager *orchestrator.Manager, players []*player.VirtualPlayer) {
	// Endpoints outlive the fx start deadline, so they run off their own
	// context cancelled on shutdown.
	runCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			for _, p := range players {
				if err := p.Start(runCtx); err != nil {
					cancel()
					return err
				}
			}
			logger.Info("Tutti daemon started", zap.Int("players", len(players)))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Shutting down")
			manager.CloseAll()
			cancel()
			for _, p := range players {
				p.Stop()
			}
			return nil
		},
	})
}
