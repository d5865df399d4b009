package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/keilynrp/Trading-Observer/internal/alerting"
	"github.com/keilynrp/Trading-Observer/internal/artifact"
	"github.com/keilynrp/Trading-Observer/internal/config"
	"github.com/keilynrp/Trading-Observer/internal/inference"
	"github.com/keilynrp/Trading-Observer/internal/market"
	"github.com/keilynrp/Trading-Observer/internal/metrics"
	"github.com/keilynrp/Trading-Observer/internal/storage"
	"github.com/keilynrp/Trading-Observer/internal/training"
	"github.com/keilynrp/Trading-Observer/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	registry *prometheus.Registry
	metrics  *metrics.Recorder
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	a := &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
	if cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.metrics = metrics.New(a.registry)
	}
	return a
}

func (a *App) newGateway() *market.AlphaVantage {
	p := a.Config.Provider
	userAgent := p.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}
	return market.NewAlphaVantage(market.AlphaVantageOptions{
		BaseURL:           p.BaseURL,
		APIKey:            p.APIKey,
		Timeout:           p.Timeout,
		UserAgent:         userAgent,
		RequestsPerMinute: p.RequestsPerMinute,
		MaxAttempts:       p.MaxAttempts,
		RetryBackoff:      p.RetryBackoff,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled || !a.Config.Alerting.Telegram.Enabled {
		return nil
	}
	cfg := a.Config.Alerting.Telegram
	return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
}

func (a *App) newArtifactStore() (*artifact.FileStore, error) {
	return artifact.NewFileStore(a.Config.Artifacts.Dir, a.Logger)
}

// openStore connects to the run ledger. A nil store with a nil error means no
// database is configured.
func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	return store, store.Close, nil
}

// trainingOptions maps configuration onto run hyperparameters.
func (a *App) trainingOptions(epochs int) (training.Options, error) {
	t := a.Config.Training
	size, err := market.ParseOutputSize(t.OutputSize)
	if err != nil {
		return training.Options{}, fmt.Errorf("training.output_size: %w", err)
	}
	opts := training.Options{
		Lookback:     t.Lookback,
		HiddenDim:    t.HiddenDim,
		NumLayers:    t.NumLayers,
		Epochs:       t.Epochs,
		BatchSize:    t.BatchSize,
		LearningRate: t.LearningRate,
		TrainRatio:   t.TrainRatio,
		LogEvery:     t.LogEvery,
		Seed:         t.Seed,
		Workers:      t.Workers,
		OutputSize:   size,
	}
	if epochs > 0 {
		opts.Epochs = epochs
	}
	return opts, nil
}

// newTrainer wires a trainer. store may be nil, in which case the ledger and
// cross-process locking are disabled.
func (a *App) newTrainer(store *storage.Store, epochs int, progress training.ProgressFunc) (*training.Trainer, error) {
	opts, err := a.trainingOptions(epochs)
	if err != nil {
		return nil, err
	}
	artifacts, err := a.newArtifactStore()
	if err != nil {
		return nil, err
	}

	deps := training.Dependencies{
		Gateway:         a.newGateway(),
		Publisher:       artifacts,
		Metrics:         a.metrics,
		Notifier:        a.newNotifier(),
		NotifyOnSuccess: a.Config.Alerting.OnSuccess,
		Progress:        progress,
	}
	if store != nil {
		deps.Runs = store
		deps.Locker = store
	}
	return training.New(deps, opts, a.Logger)
}

func (a *App) newPredictor(artifacts *artifact.FileStore) (*inference.Predictor, error) {
	size, err := market.ParseOutputSize(a.Config.Server.OutputSize)
	if err != nil {
		return nil, fmt.Errorf("server.output_size: %w", err)
	}
	return inference.NewPredictor(artifacts, a.newGateway(), inference.Options{
		OutputSize:         size,
		SignalThresholdPct: a.Config.Server.SignalThresholdPct,
	}, a.metrics, a.Logger)
}
