package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/keilynrp/Trading-Observer/internal/scheduler"
	"github.com/keilynrp/Trading-Observer/internal/serving"
	"github.com/keilynrp/Trading-Observer/internal/training"
)

// PredictOptions configure a single command-line forecast.
type PredictOptions struct {
	Symbol string
	JSON   bool
	Out    io.Writer
}

// Predict prints the next-day forecast for a trained symbol.
func (a *App) Predict(ctx context.Context, opts PredictOptions) error {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	artifacts, err := a.newArtifactStore()
	if err != nil {
		return err
	}
	predictor, err := a.newPredictor(artifacts)
	if err != nil {
		return err
	}

	fc, err := predictor.Predict(ctx, opts.Symbol)
	if err != nil {
		return fmt.Errorf("predict %s: %w", opts.Symbol, err)
	}

	if opts.JSON {
		enc := json.NewEncoder(opts.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(fc)
	}
	fmt.Fprintf(opts.Out, "%s  as of %s  last close %.2f  forecast %.2f (%+.2f%%)  signal %s  confidence %.1f\n",
		fc.Symbol, fc.AsOf.Format("2006-01-02"), fc.LastClose, fc.Prediction, fc.ChangePct, fc.Signal, fc.Confidence)
	return nil
}

func (a *App) newServer() (*serving.Server, error) {
	artifacts, err := a.newArtifactStore()
	if err != nil {
		return nil, err
	}
	predictor, err := a.newPredictor(artifacts)
	if err != nil {
		return nil, err
	}

	s := a.Config.Server
	opts := serving.Options{
		Host:            s.Host,
		Port:            s.Port,
		ReadTimeout:     s.ReadTimeout,
		WriteTimeout:    s.WriteTimeout,
		ShutdownTimeout: s.ShutdownTimeout,
		MetricsPath:     a.Config.Metrics.Path,
	}
	if a.registry != nil {
		opts.Gatherer = a.registry
	}
	return serving.NewServer(predictor, artifacts, opts, a.metrics, a.Logger)
}

// Serve runs the prediction API until interrupted.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv, err := a.newServer()
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

// ScheduleOptions configure the retraining daemon.
type ScheduleOptions struct {
	// WithServer also runs the prediction API in the same process.
	WithServer bool
}

// Schedule retrains the configured symbols on the cron schedule until
// interrupted.
func (a *App) Schedule(ctx context.Context, opts ScheduleOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	loc := time.UTC
	if tz := a.Config.Schedule.Timezone; tz != "" {
		var err error
		if loc, err = time.LoadLocation(tz); err != nil {
			return fmt.Errorf("schedule.timezone: %w", err)
		}
	}
	sched, err := scheduler.New(scheduler.Options{
		Cron:       a.Config.Schedule.Cron,
		Location:   loc,
		Symbols:    a.Config.Schedule.Symbols,
		RunOnStart: a.Config.Schedule.RunOnStart,
	}, a.Logger)
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; run ledger and cross-process locks disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	trainer, err := a.newTrainer(store, 0, nil)
	if err != nil {
		return err
	}
	job := func(ctx context.Context, symbol string) error {
		_, err := trainer.Run(ctx, symbol)
		if errors.Is(err, training.ErrRunInProgress) {
			a.Logger.Warn().Str("symbol", symbol).Msg("skipping symbol; another run holds it")
			return nil
		}
		return err
	}

	var srv *serving.Server
	if opts.WithServer {
		if srv, err = a.newServer(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := sched.Run(gctx, job)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if srv != nil {
		g.Go(func() error { return srv.Run(gctx) })
	}

	a.Logger.Info().Msg("retraining scheduler running")
	err = g.Wait()
	a.Logger.Info().Msg("retraining scheduler stopped")
	return err
}
