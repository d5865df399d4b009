package market

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func dailyPayload(rows map[string][5]string) map[string]any {
	series := make(map[string]map[string]string, len(rows))
	for day, v := range rows {
		series[day] = map[string]string{
			"1. open":   v[0],
			"2. high":   v[1],
			"3. low":    v[2],
			"4. close":  v[3],
			"5. volume": v[4],
		}
	}
	return map[string]any{
		"Meta Data":   map[string]string{"2. Symbol": "IBM"},
		timeSeriesKey: series,
	}
}

func newTestGateway(baseURL string) *AlphaVantage {
	return NewAlphaVantage(AlphaVantageOptions{
		BaseURL:      baseURL,
		APIKey:       "secret-key",
		Timeout:      time.Second,
		UserAgent:    "test",
		MaxAttempts:  3,
		RetryBackoff: time.Millisecond,
	}, zerolog.Nop())
}

func TestFetchDailySortsAscending(t *testing.T) {
	var query map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != queryPath {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		query = map[string]string{}
		for k := range r.URL.Query() {
			query[k] = r.URL.Query().Get(k)
		}
		_ = json.NewEncoder(w).Encode(dailyPayload(map[string][5]string{
			"2024-01-04": {"3", "4", "2", "3.5", "300"},
			"2024-01-02": {"1", "2", "0.5", "1.5", "100"},
			"2024-01-03": {"2", "3", "1", "2.5", "200"},
		}))
	}))
	defer srv.Close()

	series, err := newTestGateway(srv.URL).FetchDaily(context.Background(), "ibm", SizeFull)
	if err != nil {
		t.Fatalf("fetch should succeed: %v", err)
	}

	if query["function"] != dailyFunction || query["symbol"] != "IBM" || query["outputsize"] != "full" {
		t.Fatalf("unexpected query %#v", query)
	}
	if query["apikey"] != "secret-key" {
		t.Fatalf("api key not sent")
	}
	if series.Symbol != "IBM" || series.Len() != 3 {
		t.Fatalf("unexpected series %+v", series)
	}

	wantCloses := []float64{1.5, 2.5, 3.5}
	for i, c := range series.Closes() {
		if c != wantCloses[i] {
			t.Fatalf("close[%d] = %v, want %v", i, c, wantCloses[i])
		}
	}
	if err := series.Validate(); err != nil {
		t.Fatalf("series should be ascending: %v", err)
	}
	if series.Records[0].Volume != 100 || series.Records[0].Low != 0.5 {
		t.Fatalf("fields not mapped: %+v", series.Records[0])
	}
}

func TestFetchDailyMissingSeriesIsDataUnavailable(t *testing.T) {
	const note = "Thank you for using Alpha Vantage! Our standard API rate limit is 25 requests per day."
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"Note": note})
	}))
	defer srv.Close()

	_, err := newTestGateway(srv.URL).FetchDaily(context.Background(), "IBM", SizeCompact)
	if !errors.Is(err, ErrDataUnavailable) {
		t.Fatalf("expected ErrDataUnavailable, got %v", err)
	}
	var dataErr *DataUnavailableError
	if !errors.As(err, &dataErr) {
		t.Fatalf("expected *DataUnavailableError, got %T", err)
	}
	if dataErr.Message != note || !strings.Contains(err.Error(), note) {
		t.Fatalf("provider diagnostic missing: %v", err)
	}
}

func TestFetchDailyUnknownSymbolMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"Error Message": "Invalid API call for apikey=secret-key",
		})
	}))
	defer srv.Close()

	_, err := newTestGateway(srv.URL).FetchDaily(context.Background(), "NOPE", SizeCompact)
	if !errors.Is(err, ErrDataUnavailable) {
		t.Fatalf("expected ErrDataUnavailable, got %v", err)
	}
	if strings.Contains(err.Error(), "secret-key") {
		t.Fatalf("api key leaked: %v", err)
	}
	if !strings.Contains(err.Error(), "Invalid API call") {
		t.Fatalf("diagnostic should be kept: %v", err)
	}
}

func TestFetchDailyRetriesAreBounded(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("upstream down for " + r.URL.RawQuery))
	}))
	defer srv.Close()

	_, err := newTestGateway(srv.URL).FetchDaily(context.Background(), "IBM", SizeCompact)
	if err == nil {
		t.Fatal("503 should fail")
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if strings.Contains(err.Error(), "secret-key") {
		t.Fatalf("api key leaked: %v", err)
	}
}

func TestFetchDailyRecoversAfterTransientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(dailyPayload(map[string][5]string{
			"2024-01-02": {"1", "2", "0.5", "1.5", "100"},
		}))
	}))
	defer srv.Close()

	series, err := newTestGateway(srv.URL).FetchDaily(context.Background(), "IBM", SizeCompact)
	if err != nil {
		t.Fatalf("second attempt should succeed: %v", err)
	}
	if series.Len() != 1 {
		t.Fatalf("expected 1 record, got %d", series.Len())
	}
}

func TestFetchDailyDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	if _, err := newTestGateway(srv.URL).FetchDaily(context.Background(), "IBM", SizeCompact); err == nil {
		t.Fatal("400 should fail")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("400 should not be retried, got %d calls", got)
	}
}

func TestFetchDailyTransportErrorRedactsKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	baseURL := srv.URL
	srv.Close()

	gw := newTestGateway(baseURL)
	_, err := gw.FetchDaily(context.Background(), "IBM", SizeCompact)
	if err == nil {
		t.Fatal("closed server should fail")
	}
	if strings.Contains(err.Error(), "secret-key") {
		t.Fatalf("api key leaked: %v", err)
	}
}

func TestFetchDailyRejectsNegativeValues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(dailyPayload(map[string][5]string{
			"2024-01-02": {"1", "2", "0.5", "-1.5", "100"},
		}))
	}))
	defer srv.Close()

	if _, err := newTestGateway(srv.URL).FetchDaily(context.Background(), "IBM", SizeCompact); err == nil {
		t.Fatal("negative close should be rejected")
	}
}

func TestParseOutputSize(t *testing.T) {
	if size, err := ParseOutputSize(" Full "); err != nil || size != SizeFull {
		t.Fatalf("full should parse, got %q %v", size, err)
	}
	if size, err := ParseOutputSize("compact"); err != nil || size != SizeCompact {
		t.Fatalf("compact should parse, got %q %v", size, err)
	}
	if _, err := ParseOutputSize("weekly"); err == nil {
		t.Fatal("unknown size should fail")
	}
}

func TestPriceSeriesTail(t *testing.T) {
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	series := PriceSeries{Symbol: "IBM"}
	for i := 0; i < 5; i++ {
		series.Records = append(series.Records, PriceRecord{Date: day.AddDate(0, 0, i), Close: float64(i)})
	}

	tail := series.Tail(2)
	if tail.Len() != 2 || tail.Records[0].Close != 3 {
		t.Fatalf("unexpected tail %+v", tail.Records)
	}
	if series.Tail(10).Len() != 5 {
		t.Fatal("tail larger than series should return everything")
	}
	last, ok := series.Last()
	if !ok || last.Close != 4 {
		t.Fatalf("unexpected last %+v", last)
	}
}
