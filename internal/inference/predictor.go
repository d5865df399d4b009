// Package inference turns persisted artifacts and recent history into a
// next-day forecast.
package inference

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/keilynrp/Trading-Observer/internal/artifact"
	"github.com/keilynrp/Trading-Observer/internal/market"
	"github.com/keilynrp/Trading-Observer/internal/metrics"
	"github.com/keilynrp/Trading-Observer/internal/window"
)

// Signal is the trading hint derived from a forecast.
type Signal string

const (
	SignalBuy  Signal = "BUY"
	SignalSell Signal = "SELL"
	SignalHold Signal = "HOLD"
)

// Forecast is the answer to one prediction request.
type Forecast struct {
	Symbol     string    `json:"symbol"`
	Prediction float64   `json:"prediction"`
	Confidence float64   `json:"confidence"`
	LastClose  float64   `json:"last_close"`
	ChangePct  float64   `json:"change_pct"`
	Signal     Signal    `json:"signal"`
	AsOf       time.Time `json:"as_of"`
	TrainedAt  time.Time `json:"trained_at"`
}

// Options tune the predictor.
type Options struct {
	OutputSize         market.OutputSize
	SignalThresholdPct float64
}

// Predictor runs one forward pass per request. Artifacts are read on every
// call so a newly published model is picked up immediately.
type Predictor struct {
	loader  artifact.Loader
	gateway market.Gateway
	opts    Options
	metrics *metrics.Recorder
	logger  zerolog.Logger
}

// NewPredictor wires the predictor. rec may be nil.
func NewPredictor(loader artifact.Loader, gateway market.Gateway, opts Options, rec *metrics.Recorder, logger zerolog.Logger) (*Predictor, error) {
	if loader == nil || gateway == nil {
		return nil, errors.New("inference: loader and gateway are required")
	}
	if opts.OutputSize == "" {
		opts.OutputSize = market.SizeCompact
	}
	if opts.SignalThresholdPct < 0 {
		return nil, fmt.Errorf("inference: negative signal threshold %v", opts.SignalThresholdPct)
	}
	return &Predictor{
		loader:  loader,
		gateway: gateway,
		opts:    opts,
		metrics: rec,
		logger:  logger.With().Str("component", "predictor").Logger(),
	}, nil
}

// Predict forecasts the next close for symbol. An untrained symbol yields
// artifact.ErrNotFound.
func (p *Predictor) Predict(ctx context.Context, symbol string) (Forecast, error) {
	fc, err := p.predict(ctx, symbol)
	p.metrics.ObservePrediction(fc.Symbol, fc.Prediction, err)
	return fc, err
}

func (p *Predictor) predict(ctx context.Context, symbol string) (Forecast, error) {
	symbol, err := artifact.NormalizeSymbol(symbol)
	if err != nil {
		return Forecast{}, err
	}
	fc := Forecast{Symbol: symbol}

	state, art, err := p.loader.Load(symbol)
	if err != nil {
		return fc, err
	}
	net, err := art.Model()
	if err != nil {
		return fc, fmt.Errorf("%w: %v", artifact.ErrCorrupt, err)
	}

	started := time.Now()
	series, err := p.gateway.FetchDaily(ctx, symbol, p.opts.OutputSize)
	p.metrics.ObserveFetch(symbol, string(p.opts.OutputSize), time.Since(started), err)
	if err != nil {
		return fc, fmt.Errorf("load %s history: %w", symbol, err)
	}

	lookback := art.Architecture.Lookback
	if series.Len() < lookback {
		return fc, fmt.Errorf("%w: need %d closes, provider returned %d",
			window.ErrInsufficientHistory, lookback, series.Len())
	}
	recent := series.Tail(lookback)
	last, _ := recent.Last()

	scaled, err := net.Predict(state.TransformAll(recent.Closes()))
	if err != nil {
		return fc, err
	}
	prediction := state.Inverse(scaled)

	fc.Prediction = round(prediction, 2)
	fc.LastClose = last.Close
	fc.AsOf = last.Date
	fc.TrainedAt = art.TrainedAt
	fc.ChangePct = round(changePct(prediction, last.Close), 4)
	fc.Signal = signalFor(fc.ChangePct, p.opts.SignalThresholdPct)
	fc.Confidence = round(confidence(art.Metrics, state.Max-state.Min, last.Close), 2)

	p.logger.Debug().Str("symbol", symbol).Float64("prediction", fc.Prediction).
		Float64("last_close", fc.LastClose).Str("signal", string(fc.Signal)).Msg("forecast computed")
	return fc, nil
}

func changePct(prediction, lastClose float64) float64 {
	if lastClose == 0 {
		return 0
	}
	return (prediction - lastClose) / lastClose * 100
}

func signalFor(change, thresholdPct float64) Signal {
	switch {
	case change > thresholdPct:
		return SignalBuy
	case change < -thresholdPct:
		return SignalSell
	default:
		return SignalHold
	}
}

// confidence maps the held-out RMSE, in price units, to a 0-100 score
// relative to the latest close.
func confidence(m artifact.Metrics, span, lastClose float64) float64 {
	loss := m.TestLoss
	if m.TestWindows == 0 {
		loss = m.TrainLoss
	}
	if lastClose <= 0 || loss < 0 || math.IsNaN(loss) {
		return 0
	}
	rmse := math.Sqrt(loss) * span
	score := 100 * (1 - rmse/lastClose)
	return math.Max(0, math.Min(100, score))
}

func round(v float64, places int32) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}
