// Package training runs the fetch, scale, window, fit and publish pipeline
// for one symbol.
package training

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/keilynrp/Trading-Observer/internal/alerting"
	"github.com/keilynrp/Trading-Observer/internal/artifact"
	"github.com/keilynrp/Trading-Observer/internal/market"
	"github.com/keilynrp/Trading-Observer/internal/metrics"
	"github.com/keilynrp/Trading-Observer/internal/model"
	"github.com/keilynrp/Trading-Observer/internal/scaler"
	"github.com/keilynrp/Trading-Observer/internal/storage"
	"github.com/keilynrp/Trading-Observer/internal/window"
)

// ErrRunInProgress is returned when another run holds the symbol.
var ErrRunInProgress = errors.New("training run already in progress")

// Stage is the furthest point a run reached.
type Stage int

const (
	StageUninitialized Stage = iota
	StageDataLoaded
	StageScaled
	StageWindowed
	StageTraining
	StagePersisted
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageUninitialized:
		return "uninitialized"
	case StageDataLoaded:
		return "data_loaded"
	case StageScaled:
		return "scaled"
	case StageWindowed:
		return "windowed"
	case StageTraining:
		return "training"
	case StagePersisted:
		return "persisted"
	case StageFailed:
		return "failed"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Progress is reported every LogEvery epochs and after the last one.
type Progress struct {
	Symbol string
	Epoch  int
	Epochs int
	Loss   float64
}

// ProgressFunc observes progress. It must not block for long.
type ProgressFunc func(Progress)

// Result describes a finished or failed run.
type Result struct {
	Symbol      string
	RunID       int64
	Stage       Stage
	FailedStage Stage
	StartedAt   time.Time
	FinishedAt  time.Time

	Records      int
	TrainWindows int
	TestWindows  int
	EpochLosses  []float64
	TrainLoss    float64
	TestLoss     float64
	TestRMSE     float64

	Scaler   scaler.State
	Artifact artifact.ModelArtifact
}

// Duration is the wall time of the run.
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Dependencies are the collaborators of a Trainer. Gateway and Publisher are
// required; the rest are optional.
type Dependencies struct {
	Gateway         market.Gateway
	Publisher       artifact.Publisher
	Runs            storage.RunStore
	Locker          storage.AdvisoryLocker
	Metrics         *metrics.Recorder
	Notifier        alerting.Notifier
	NotifyOnSuccess bool
	Progress        ProgressFunc
	Now             func() time.Time
}

// Trainer runs training pipelines.
type Trainer struct {
	deps   Dependencies
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New validates opts and builds a Trainer.
func New(deps Dependencies, opts Options, logger zerolog.Logger) (*Trainer, error) {
	if deps.Gateway == nil {
		return nil, errors.New("training: gateway is required")
	}
	if deps.Publisher == nil {
		return nil, errors.New("training: publisher is required")
	}
	if err := opts.Normalize(); err != nil {
		return nil, err
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Trainer{
		deps:     deps,
		opts:     opts,
		logger:   logger.With().Str("component", "trainer").Logger(),
		inflight: make(map[string]struct{}),
	}, nil
}

// Options returns the normalized hyperparameters.
func (t *Trainer) Options() Options { return t.opts }

// Run trains and publishes a model for symbol. On any error before the
// publish step, previously published artifacts are left untouched.
func (t *Trainer) Run(ctx context.Context, symbol string) (*Result, error) {
	symbol, err := artifact.NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}

	res := &Result{Symbol: symbol, Stage: StageUninitialized, StartedAt: t.deps.Now()}
	logger := t.logger.With().Str("symbol", symbol).Logger()

	release, err := t.claim(ctx, symbol)
	if err != nil {
		res.FinishedAt = t.deps.Now()
		return res, err
	}
	defer release()

	res.RunID = t.startLedger(ctx, symbol, logger)
	logger.Info().Int("epochs", t.opts.Epochs).Int("lookback", t.opts.Lookback).
		Int("hidden_dim", t.opts.HiddenDim).Int("num_layers", t.opts.NumLayers).
		Int64("run_id", res.RunID).Msg("training started")

	err = t.execute(ctx, res, logger)
	res.FinishedAt = t.deps.Now()
	if err != nil {
		res.FailedStage = res.Stage
		res.Stage = StageFailed
		logger.Error().Err(err).Str("stage", res.FailedStage.String()).Msg("training failed")
	} else {
		logger.Info().Float64("train_loss", res.TrainLoss).Float64("test_loss", res.TestLoss).
			Float64("test_rmse", res.TestRMSE).Dur("took", res.Duration()).Msg("training complete")
	}

	t.finish(ctx, res, err, logger)
	return res, err
}

func (t *Trainer) execute(ctx context.Context, res *Result, logger zerolog.Logger) error {
	opts := t.opts

	started := time.Now()
	series, err := t.deps.Gateway.FetchDaily(ctx, res.Symbol, opts.OutputSize)
	t.deps.Metrics.ObserveFetch(res.Symbol, string(opts.OutputSize), time.Since(started), err)
	if err != nil {
		return fmt.Errorf("load %s history: %w", res.Symbol, err)
	}
	res.Records = series.Len()
	res.Stage = StageDataLoaded
	logger.Debug().Int("records", res.Records).Msg("history loaded")

	closes := series.Closes()
	state, err := scaler.Fit(closes)
	if err != nil {
		return fmt.Errorf("fit scaler: %w", err)
	}
	res.Scaler = state
	res.Stage = StageScaled

	windows, err := window.Make(state.TransformAll(closes), series.Dates(), opts.Lookback)
	if err != nil {
		return err
	}
	train, test, err := window.Split(windows, opts.TrainRatio)
	if err != nil {
		return err
	}
	if len(train) == 0 {
		return fmt.Errorf("%w: %d windows leave no training data at ratio %.2f",
			window.ErrInsufficientHistory, len(windows), opts.TrainRatio)
	}
	res.TrainWindows, res.TestWindows = len(train), len(test)
	res.Stage = StageWindowed

	arch := opts.Architecture()
	net, err := model.New(arch, rand.New(rand.NewSource(opts.Seed)))
	if err != nil {
		return err
	}
	res.Stage = StageTraining
	logger.Debug().Int("train_windows", len(train)).Int("test_windows", len(test)).
		Int("params", net.NumParams()).Msg("model initialised")

	f := newFitter(net, train, opts)
	for epoch := 1; epoch <= opts.Epochs; epoch++ {
		loss, err := f.epoch(ctx)
		if err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}
		res.EpochLosses = append(res.EpochLosses, loss)
		res.TrainLoss = loss
		t.deps.Metrics.ObserveEpoch(res.Symbol, loss)

		if epoch%opts.LogEvery == 0 || epoch == opts.Epochs {
			logger.Info().Int("epoch", epoch).Int("epochs", opts.Epochs).
				Float64("loss", loss).Msg("epoch finished")
			if t.deps.Progress != nil {
				t.deps.Progress(Progress{Symbol: res.Symbol, Epoch: epoch, Epochs: opts.Epochs, Loss: loss})
			}
		}
	}

	res.TestLoss, err = evaluate(net, test)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	res.TestRMSE = math.Sqrt(res.TestLoss) * (state.Max - state.Min)

	// nothing may be published once the caller has given up
	if err := ctx.Err(); err != nil {
		return err
	}

	res.Artifact = artifact.ModelArtifact{
		Symbol:       res.Symbol,
		TrainedAt:    t.deps.Now().UTC(),
		Architecture: arch,
		Tensors:      net.Tensors(),
		Metrics: artifact.Metrics{
			TrainLoss:    res.TrainLoss,
			TestLoss:     res.TestLoss,
			Epochs:       opts.Epochs,
			TrainWindows: len(train),
			TestWindows:  len(test),
		},
	}
	if err := t.deps.Publisher.Publish(res.Symbol, state, res.Artifact); err != nil {
		return fmt.Errorf("persist artifacts: %w", err)
	}
	res.Stage = StagePersisted
	return nil
}

// claim enforces one run per symbol: in process always, across processes when
// an advisory locker is configured.
func (t *Trainer) claim(ctx context.Context, symbol string) (func(), error) {
	t.mu.Lock()
	if _, busy := t.inflight[symbol]; busy {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w for %s", ErrRunInProgress, symbol)
	}
	t.inflight[symbol] = struct{}{}
	t.mu.Unlock()

	local := func() {
		t.mu.Lock()
		delete(t.inflight, symbol)
		t.mu.Unlock()
	}

	if t.deps.Locker == nil {
		return local, nil
	}
	unlock, acquired, err := t.deps.Locker.TryAdvisoryLock(ctx, storage.SymbolLockKey(symbol))
	if err != nil {
		local()
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		local()
		return nil, fmt.Errorf("%w for %s", ErrRunInProgress, symbol)
	}
	return func() {
		unlock()
		local()
	}, nil
}

func (t *Trainer) startLedger(ctx context.Context, symbol string, logger zerolog.Logger) int64 {
	if t.deps.Runs == nil {
		return 0
	}
	params, err := json.Marshal(t.opts)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to encode run parameters")
	}
	id, err := t.deps.Runs.StartRun(ctx, symbol, params)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to record run start")
		return 0
	}
	return id
}

func (t *Trainer) finish(ctx context.Context, res *Result, runErr error, logger zerolog.Logger) {
	status := storage.RunStatusSucceeded
	if runErr != nil {
		status = storage.RunStatusFailed
	}
	t.deps.Metrics.ObserveRun(res.Symbol, status, res.Duration(), res.TestLoss)

	// bookkeeping still happens when the run was cancelled
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if t.deps.Runs != nil && res.RunID != 0 {
		outcome := storage.RunOutcome{
			Status:    status,
			Epochs:    len(res.EpochLosses),
			TrainLoss: res.TrainLoss,
			TestLoss:  res.TestLoss,
			Err:       runErr,
		}
		if err := t.deps.Runs.FinishRun(ctx, res.RunID, outcome); err != nil {
			logger.Warn().Err(err).Int64("run_id", res.RunID).Msg("failed to record run outcome")
		}
	}

	if t.deps.Notifier == nil || (runErr == nil && !t.deps.NotifyOnSuccess) {
		return
	}
	note := alerting.Notification{
		Symbol:    res.Symbol,
		Status:    status,
		StartedAt: res.StartedAt,
		Duration:  res.Duration(),
		Epochs:    len(res.EpochLosses),
		TrainLoss: finite(res.TrainLoss),
	}
	if runErr != nil {
		note.Error = runErr.Error()
	} else {
		note.TestLoss = finite(res.TestLoss)
		note.TestRMSE = finite(res.TestRMSE)
	}
	if err := t.deps.Notifier.Notify(ctx, note); err != nil {
		logger.Error().Err(err).Msg("failed to dispatch run summary")
	}
}

// finite guards decimal conversion, which panics on NaN and Inf.
func finite(v float64) decimal.Decimal {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v)
}
