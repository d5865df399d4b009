// Package metrics exposes Prometheus collectors for fetches, training runs and
// predictions. A nil *Recorder is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "forecaster"

// Recorder groups the collectors used across the pipeline.
type Recorder struct {
	fetches       *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec
	runs          *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	epochs        *prometheus.CounterVec
	epochLoss     *prometheus.GaugeVec
	testLoss      *prometheus.GaugeVec
	predictions   *prometheus.CounterVec
	lastForecast  *prometheus.GaugeVec
	httpRequests  *prometheus.CounterVec
	httpLatencies *prometheus.HistogramVec
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		fetches: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "fetches_total",
				Help:      "Daily series fetches by outcome",
			},
			[]string{"symbol", "outcome"},
		),
		fetchLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "fetch_duration_seconds",
				Help:      "Duration of daily series fetches including retries",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"size"},
		),
		runs: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "training",
				Name:      "runs_total",
				Help:      "Training runs by final status",
			},
			[]string{"symbol", "status"},
		),
		runDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "training",
				Name:      "run_duration_seconds",
				Help:      "Wall time of training runs",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"symbol"},
		),
		epochs: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "training",
				Name:      "epochs_total",
				Help:      "Completed training epochs",
			},
			[]string{"symbol"},
		),
		epochLoss: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "training",
				Name:      "epoch_loss",
				Help:      "Mean training loss of the most recent epoch",
			},
			[]string{"symbol"},
		),
		testLoss: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "training",
				Name:      "test_loss",
				Help:      "Held-out loss of the most recent run",
			},
			[]string{"symbol"},
		),
		predictions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "serving",
				Name:      "predictions_total",
				Help:      "Prediction requests by outcome",
			},
			[]string{"symbol", "outcome"},
		),
		lastForecast: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "serving",
				Name:      "last_forecast",
				Help:      "Most recent forecast in price units",
			},
			[]string{"symbol"},
		),
		httpRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by route and status",
			},
			[]string{"route", "method", "status"},
		),
		httpLatencies: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"route", "method"},
		),
	}
}

// ObserveFetch records one gateway call.
func (r *Recorder) ObserveFetch(symbol, size string, took time.Duration, err error) {
	if r == nil {
		return
	}
	r.fetches.WithLabelValues(symbol, outcome(err)).Inc()
	r.fetchLatency.WithLabelValues(size).Observe(took.Seconds())
}

// ObserveEpoch records a completed epoch and its mean loss.
func (r *Recorder) ObserveEpoch(symbol string, loss float64) {
	if r == nil {
		return
	}
	r.epochs.WithLabelValues(symbol).Inc()
	r.epochLoss.WithLabelValues(symbol).Set(loss)
}

// ObserveRun records the end of a training run.
func (r *Recorder) ObserveRun(symbol, status string, took time.Duration, testLoss float64) {
	if r == nil {
		return
	}
	r.runs.WithLabelValues(symbol, status).Inc()
	r.runDuration.WithLabelValues(symbol).Observe(took.Seconds())
	if status == "succeeded" {
		r.testLoss.WithLabelValues(symbol).Set(testLoss)
	}
}

// ObservePrediction records one prediction request.
func (r *Recorder) ObservePrediction(symbol string, forecast float64, err error) {
	if r == nil {
		return
	}
	r.predictions.WithLabelValues(symbol, outcome(err)).Inc()
	if err == nil {
		r.lastForecast.WithLabelValues(symbol).Set(forecast)
	}
}

// ObserveHTTP records one served request. route should be the registered
// path template to keep label cardinality low.
func (r *Recorder) ObserveHTTP(route, method string, status int, took time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(route, method, statusClass(status)).Inc()
	r.httpLatencies.WithLabelValues(route, method).Observe(took.Seconds())
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
