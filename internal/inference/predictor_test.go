package inference

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/keilynrp/Trading-Observer/internal/artifact"
	"github.com/keilynrp/Trading-Observer/internal/market"
	"github.com/keilynrp/Trading-Observer/internal/model"
	"github.com/keilynrp/Trading-Observer/internal/scaler"
	"github.com/keilynrp/Trading-Observer/internal/window"
)

type stubGateway struct {
	series market.PriceSeries
	size   market.OutputSize
}

func (g *stubGateway) FetchDaily(ctx context.Context, symbol string, size market.OutputSize) (market.PriceSeries, error) {
	g.size = size
	return g.series, nil
}

func closesSeries(closes ...float64) market.PriceSeries {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	s := market.PriceSeries{Symbol: "IBM"}
	for i, c := range closes {
		s.Records = append(s.Records, market.PriceRecord{Date: start.AddDate(0, 0, i), Close: c})
	}
	return s
}

func publishModel(t *testing.T, store *artifact.FileStore, lookback int) (*model.LSTM, scaler.State) {
	t.Helper()
	arch := model.Architecture{InputDim: 1, HiddenDim: 4, NumLayers: 1, OutputDim: 1, Lookback: lookback}
	net, err := model.New(arch, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatal(err)
	}
	state := scaler.State{Min: 90, Max: 110}
	art := artifact.ModelArtifact{
		TrainedAt:    time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
		Architecture: arch,
		Tensors:      net.Tensors(),
		Metrics:      artifact.Metrics{TrainLoss: 0.01, TestLoss: 0.0025, Epochs: 1, TrainWindows: 8, TestWindows: 2},
	}
	if err := store.Publish("IBM", state, art); err != nil {
		t.Fatal(err)
	}
	return net, state
}

func newStore(t *testing.T) *artifact.FileStore {
	t.Helper()
	store, err := artifact.NewFileStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestPredictRunsForwardPassOverLatestWindow(t *testing.T) {
	store := newStore(t)
	net, state := publishModel(t, store, 3)
	gw := &stubGateway{series: closesSeries(95, 96, 97, 98, 100)}

	p, err := NewPredictor(store, gw, Options{SignalThresholdPct: 1}, nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	fc, err := p.Predict(context.Background(), "ibm")
	if err != nil {
		t.Fatalf("predict: %v", err)
	}

	scaled, _ := net.Predict(state.TransformAll([]float64{97, 98, 100}))
	want := state.Inverse(scaled)
	if math.Abs(fc.Prediction-want) > 0.005 {
		t.Fatalf("prediction %v, want %v", fc.Prediction, want)
	}
	if fc.Symbol != "IBM" || fc.LastClose != 100 || !fc.AsOf.Equal(time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected forecast header %+v", fc)
	}
	if gw.size != market.SizeCompact {
		t.Fatalf("inference should request compact history, got %q", gw.size)
	}
	// rmse = sqrt(0.0025) * 20 = 1 on a close of 100
	if fc.Confidence != 99 {
		t.Fatalf("confidence = %v", fc.Confidence)
	}
	if fc.Signal != signalFor(fc.ChangePct, 1) {
		t.Fatalf("signal %s inconsistent with change %v", fc.Signal, fc.ChangePct)
	}
}

func TestPredictUntrainedSymbol(t *testing.T) {
	p, err := NewPredictor(newStore(t), &stubGateway{}, Options{}, nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Predict(context.Background(), "MSFT"); !errors.Is(err, artifact.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPredictNeedsFullWindow(t *testing.T) {
	store := newStore(t)
	publishModel(t, store, 5)
	p, err := NewPredictor(store, &stubGateway{series: closesSeries(100, 101)}, Options{}, nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Predict(context.Background(), "IBM"); !errors.Is(err, window.ErrInsufficientHistory) {
		t.Fatalf("expected ErrInsufficientHistory, got %v", err)
	}
}

func TestSignalFor(t *testing.T) {
	cases := []struct {
		change float64
		want   Signal
	}{
		{2.5, SignalBuy},
		{-1.01, SignalSell},
		{0.99, SignalHold},
		{-1, SignalHold},
	}
	for _, tc := range cases {
		if got := signalFor(tc.change, 1); got != tc.want {
			t.Fatalf("signalFor(%v) = %s, want %s", tc.change, got, tc.want)
		}
	}
}

func TestConfidenceIsClamped(t *testing.T) {
	if c := confidence(artifact.Metrics{TestLoss: 4, TestWindows: 1}, 100, 50); c != 0 {
		t.Fatalf("huge error should clamp to 0, got %v", c)
	}
	if c := confidence(artifact.Metrics{TestLoss: 0, TestWindows: 1}, 100, 50); c != 100 {
		t.Fatalf("perfect fit should be 100, got %v", c)
	}
	// no held-out windows falls back to the training loss
	if c := confidence(artifact.Metrics{TrainLoss: 0.01, TestLoss: 0}, 10, 100); math.Abs(c-99) > 1e-9 {
		t.Fatalf("train-loss fallback = %v", c)
	}
}
