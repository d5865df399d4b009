package training

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/keilynrp/Trading-Observer/internal/alerting"
	"github.com/keilynrp/Trading-Observer/internal/artifact"
	"github.com/keilynrp/Trading-Observer/internal/market"
	"github.com/keilynrp/Trading-Observer/internal/scaler"
	"github.com/keilynrp/Trading-Observer/internal/storage"
	"github.com/keilynrp/Trading-Observer/internal/window"
)

type fakeGateway struct {
	series  market.PriceSeries
	err     error
	entered chan struct{}
	release chan struct{}
}

func (g *fakeGateway) FetchDaily(ctx context.Context, symbol string, size market.OutputSize) (market.PriceSeries, error) {
	if g.entered != nil {
		close(g.entered)
	}
	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
			return market.PriceSeries{}, ctx.Err()
		}
	}
	if g.err != nil {
		return market.PriceSeries{}, g.err
	}
	s := g.series
	s.Symbol = symbol
	return s, nil
}

type fakeLocker struct {
	acquired bool
	unlocked int
}

func (l *fakeLocker) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	if !l.acquired {
		return nil, false, nil
	}
	return func() { l.unlocked++ }, true, nil
}

type fakeRuns struct {
	mu       sync.Mutex
	started  []string
	params   []byte
	outcomes []storage.RunOutcome
}

func (r *fakeRuns) StartRun(ctx context.Context, symbol string, params []byte) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, symbol)
	r.params = params
	return int64(len(r.started)), nil
}

func (r *fakeRuns) FinishRun(ctx context.Context, id int64, outcome storage.RunOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	r.outcomes = append(r.outcomes, outcome)
	return nil
}

func (r *fakeRuns) ListRecentRuns(ctx context.Context, symbol string, limit int) ([]storage.TrainingRun, error) {
	return nil, nil
}

type fakeNotifier struct {
	notes []alerting.Notification
}

func (n *fakeNotifier) Notify(ctx context.Context, note alerting.Notification) error {
	n.notes = append(n.notes, note)
	return nil
}

func syntheticSeries(n int) market.PriceSeries {
	start := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	s := market.PriceSeries{Symbol: "AAPL"}
	for i := 0; i < n; i++ {
		c := 150 + 0.3*float64(i) + 6*math.Sin(float64(i)/4)
		s.Records = append(s.Records, market.PriceRecord{
			Date: start.AddDate(0, 0, i), Open: c - 1, High: c + 2, Low: c - 2, Close: c, Volume: 1e6,
		})
	}
	return s
}

func smallOptions() Options {
	return Options{Lookback: 10, HiddenDim: 6, NumLayers: 2, Epochs: 3, BatchSize: 8, LogEvery: 1, Workers: 3}
}

func newTestTrainer(t *testing.T, deps Dependencies, opts Options) *Trainer {
	t.Helper()
	tr, err := New(deps, opts, zerolog.Nop())
	if err != nil {
		t.Fatalf("new trainer: %v", err)
	}
	return tr
}

func newTestStore(t *testing.T) *artifact.FileStore {
	t.Helper()
	store, err := artifact.NewFileStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestRunOneEpochPersistsLoadableArtifacts(t *testing.T) {
	store := newTestStore(t)
	var progress []Progress
	tr := newTestTrainer(t, Dependencies{
		Gateway:   &fakeGateway{series: syntheticSeries(100)},
		Publisher: store,
		Progress:  func(p Progress) { progress = append(progress, p) },
	}, Options{Lookback: 60, Epochs: 1})

	res, err := tr.Run(context.Background(), "aapl")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Stage != StagePersisted {
		t.Fatalf("stage = %s", res.Stage)
	}
	if res.Records != 100 || res.TrainWindows != 32 || res.TestWindows != 8 {
		t.Fatalf("unexpected split %d/%d of %d", res.TrainWindows, res.TestWindows, res.Records)
	}
	if len(res.EpochLosses) != 1 || len(progress) != 1 || progress[0].Epoch != 1 {
		t.Fatalf("expected one epoch report, got %v %+v", res.EpochLosses, progress)
	}
	if res.TestLoss <= 0 || res.TestRMSE <= 0 {
		t.Fatalf("held-out metrics missing: %+v", res)
	}

	state, art, err := store.Load("AAPL")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state != res.Scaler {
		t.Fatalf("scaler %+v, want %+v", state, res.Scaler)
	}
	if art.Architecture != res.Artifact.Architecture || art.Architecture.Lookback != 60 || art.Architecture.HiddenDim != 50 {
		t.Fatalf("unexpected architecture %+v", art.Architecture)
	}
	if !reflect.DeepEqual(art.Tensors, res.Artifact.Tensors) {
		t.Fatal("loaded tensors differ from trained tensors")
	}
	if art.Metrics.Epochs != 1 || art.Metrics.TrainLoss != res.TrainLoss {
		t.Fatalf("unexpected metrics %+v", art.Metrics)
	}

	if _, _, err := store.Load("MSFT"); !errors.Is(err, artifact.ErrNotFound) {
		t.Fatalf("untrained symbol should be ErrNotFound, got %v", err)
	}
}

func TestRunIsReproducibleForSeed(t *testing.T) {
	run := func() *Result {
		tr := newTestTrainer(t, Dependencies{
			Gateway:   &fakeGateway{series: syntheticSeries(80)},
			Publisher: newTestStore(t),
		}, smallOptions())
		res, err := tr.Run(context.Background(), "AAPL")
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		return res
	}

	a, b := run(), run()
	if !reflect.DeepEqual(a.EpochLosses, b.EpochLosses) {
		t.Fatalf("epoch losses differ: %v vs %v", a.EpochLosses, b.EpochLosses)
	}
	if !reflect.DeepEqual(a.Artifact.Tensors, b.Artifact.Tensors) {
		t.Fatal("weights differ between identically seeded runs")
	}
}

func TestTrainingReducesLoss(t *testing.T) {
	opts := smallOptions()
	opts.Epochs = 30
	opts.LearningRate = 0.01
	tr := newTestTrainer(t, Dependencies{
		Gateway:   &fakeGateway{series: syntheticSeries(120)},
		Publisher: newTestStore(t),
	}, opts)

	res, err := tr.Run(context.Background(), "AAPL")
	if err != nil {
		t.Fatal(err)
	}
	first, last := res.EpochLosses[0], res.EpochLosses[len(res.EpochLosses)-1]
	if !(last < first) {
		t.Fatalf("loss should fall: first %v last %v", first, last)
	}
}

func TestDataUnavailableAbortsBeforeWriting(t *testing.T) {
	const note = "Thank you for using Alpha Vantage! Please visit premium."
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"Note": note})
	}))
	defer srv.Close()

	gw := market.NewAlphaVantage(market.AlphaVantageOptions{BaseURL: srv.URL, APIKey: "k", RetryBackoff: time.Millisecond}, zerolog.Nop())
	store := newTestStore(t)
	runs := &fakeRuns{}
	notifier := &fakeNotifier{}
	tr := newTestTrainer(t, Dependencies{Gateway: gw, Publisher: store, Runs: runs, Notifier: notifier}, smallOptions())

	res, err := tr.Run(context.Background(), "IBM")
	if !errors.Is(err, market.ErrDataUnavailable) {
		t.Fatalf("expected ErrDataUnavailable, got %v", err)
	}
	if !strings.Contains(err.Error(), note) {
		t.Fatalf("provider diagnostic missing: %v", err)
	}
	if res.Stage != StageFailed || res.FailedStage != StageUninitialized {
		t.Fatalf("unexpected stages %s/%s", res.Stage, res.FailedStage)
	}

	entries, _ := os.ReadDir(store.Dir())
	if len(entries) != 0 {
		t.Fatalf("nothing should be written, found %d entries", len(entries))
	}
	if len(runs.outcomes) != 1 || runs.outcomes[0].Status != storage.RunStatusFailed {
		t.Fatalf("ledger should record the failure: %+v", runs.outcomes)
	}
	if len(notifier.notes) != 1 || notifier.notes[0].Status != storage.RunStatusFailed {
		t.Fatalf("failure should be notified: %+v", notifier.notes)
	}
}

func TestShortAndFlatHistoriesFail(t *testing.T) {
	flat := syntheticSeries(80)
	for i := range flat.Records {
		flat.Records[i].Close = 42
	}

	cases := map[string]struct {
		series market.PriceSeries
		want   error
	}{
		"short": {series: syntheticSeries(10), want: window.ErrInsufficientHistory},
		"flat":  {series: flat, want: scaler.ErrDegenerateSeries},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			store := newTestStore(t)
			tr := newTestTrainer(t, Dependencies{Gateway: &fakeGateway{series: tc.series}, Publisher: store}, smallOptions())
			if _, err := tr.Run(context.Background(), "AAPL"); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if ok, _ := store.Exists("AAPL"); ok {
				t.Fatal("no artifact should be written")
			}
		})
	}
}

func TestCancellationKeepsPreviousArtifacts(t *testing.T) {
	store := newTestStore(t)
	gw := &fakeGateway{series: syntheticSeries(80)}

	first := newTestTrainer(t, Dependencies{Gateway: gw, Publisher: store}, smallOptions())
	if _, err := first.Run(context.Background(), "AAPL"); err != nil {
		t.Fatal(err)
	}
	_, before, err := store.Load("AAPL")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	opts := smallOptions()
	opts.Seed = 7
	second := newTestTrainer(t, Dependencies{
		Gateway:   gw,
		Publisher: store,
		Progress:  func(Progress) { cancel() },
	}, opts)

	res, err := second.Run(ctx, "AAPL")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.FailedStage != StageTraining {
		t.Fatalf("should fail during training, got %s", res.FailedStage)
	}

	_, after, err := store.Load("AAPL")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(before.Tensors, after.Tensors) || !before.TrainedAt.Equal(after.TrainedAt) {
		t.Fatal("cancelled run replaced the published artifact")
	}
}

func TestRunInProgress(t *testing.T) {
	t.Run("advisory lock held elsewhere", func(t *testing.T) {
		locker := &fakeLocker{acquired: false}
		tr := newTestTrainer(t, Dependencies{
			Gateway:   &fakeGateway{series: syntheticSeries(80)},
			Publisher: newTestStore(t),
			Locker:    locker,
		}, smallOptions())
		if _, err := tr.Run(context.Background(), "AAPL"); !errors.Is(err, ErrRunInProgress) {
			t.Fatalf("expected ErrRunInProgress, got %v", err)
		}
	})

	t.Run("same process", func(t *testing.T) {
		gw := &fakeGateway{series: syntheticSeries(80), entered: make(chan struct{}), release: make(chan struct{})}
		tr := newTestTrainer(t, Dependencies{Gateway: gw, Publisher: newTestStore(t)}, smallOptions())

		done := make(chan error, 1)
		go func() {
			_, err := tr.Run(context.Background(), "AAPL")
			done <- err
		}()
		<-gw.entered

		if _, err := tr.Run(context.Background(), "aapl"); !errors.Is(err, ErrRunInProgress) {
			t.Fatalf("expected ErrRunInProgress, got %v", err)
		}
		close(gw.release)
		if err := <-done; err != nil {
			t.Fatalf("first run should succeed: %v", err)
		}
	})

	t.Run("lock released after run", func(t *testing.T) {
		locker := &fakeLocker{acquired: true}
		tr := newTestTrainer(t, Dependencies{
			Gateway:   &fakeGateway{series: syntheticSeries(80)},
			Publisher: newTestStore(t),
			Locker:    locker,
		}, smallOptions())
		if _, err := tr.Run(context.Background(), "AAPL"); err != nil {
			t.Fatal(err)
		}
		if locker.unlocked != 1 {
			t.Fatalf("unlock called %d times", locker.unlocked)
		}
	})
}

func TestLedgerAndNotificationOnSuccess(t *testing.T) {
	runs := &fakeRuns{}
	notifier := &fakeNotifier{}
	tr := newTestTrainer(t, Dependencies{
		Gateway:         &fakeGateway{series: syntheticSeries(80)},
		Publisher:       newTestStore(t),
		Runs:            runs,
		Notifier:        notifier,
		NotifyOnSuccess: true,
	}, smallOptions())

	res, err := tr.Run(context.Background(), "AAPL")
	if err != nil {
		t.Fatal(err)
	}
	if res.RunID != 1 || len(runs.started) != 1 || runs.started[0] != "AAPL" {
		t.Fatalf("run not recorded: id=%d started=%v", res.RunID, runs.started)
	}
	var params Options
	if err := json.Unmarshal(runs.params, &params); err != nil || params.Epochs != 3 {
		t.Fatalf("params not recorded: %s %v", runs.params, err)
	}
	out := runs.outcomes[0]
	if out.Status != storage.RunStatusSucceeded || out.Epochs != 3 || out.TrainLoss != res.TrainLoss {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(notifier.notes) != 1 || notifier.notes[0].Status != storage.RunStatusSucceeded {
		t.Fatalf("unexpected notifications %+v", notifier.notes)
	}
}

func TestOptionsDefaultsAndValidation(t *testing.T) {
	tr := newTestTrainer(t, Dependencies{Gateway: &fakeGateway{}, Publisher: newTestStore(t)}, Options{})
	got := tr.Options()
	want := Options{
		Lookback: 60, HiddenDim: 50, NumLayers: 2, Epochs: 20, BatchSize: 32,
		LearningRate: 0.001, TrainRatio: 0.8, LogEvery: 5, Seed: 42, Workers: 4,
		OutputSize: market.SizeFull,
	}
	if got != want {
		t.Fatalf("defaults = %+v, want %+v", got, want)
	}

	for _, bad := range []Options{
		{TrainRatio: 1.5},
		{OutputSize: "weekly"},
		{Workers: -1},
	} {
		if _, err := New(Dependencies{Gateway: &fakeGateway{}, Publisher: newTestStore(t)}, bad, zerolog.Nop()); err == nil {
			t.Fatalf("options %+v should be rejected", bad)
		}
	}
	if _, err := New(Dependencies{Publisher: newTestStore(t)}, Options{}, zerolog.Nop()); err == nil {
		t.Fatal("missing gateway should be rejected")
	}
}

func TestStageNames(t *testing.T) {
	if StagePersisted.String() != "persisted" || StageFailed.String() != "failed" {
		t.Fatal("unexpected stage names")
	}
}
