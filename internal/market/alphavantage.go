package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL    = "https://www.alphavantage.co"
	queryPath         = "/query"
	dailyFunction     = "TIME_SERIES_DAILY"
	timeSeriesKey     = "Time Series (Daily)"
	redactedPlacehold = "REDACTED"
)

// AlphaVantageOptions parameterise the Alpha Vantage gateway.
type AlphaVantageOptions struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	UserAgent         string
	RequestsPerMinute float64
	MaxAttempts       int
	RetryBackoff      time.Duration
}

// AlphaVantage fetches daily time series from Alpha Vantage.
type AlphaVantage struct {
	opts    AlphaVantageOptions
	logger  zerolog.Logger
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
}

// NewAlphaVantage constructs the gateway.
func NewAlphaVantage(opts AlphaVantageOptions, logger zerolog.Logger) *AlphaVantage {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	limit := rate.Inf
	if opts.RequestsPerMinute > 0 {
		limit = rate.Limit(opts.RequestsPerMinute / 60)
	}

	return &AlphaVantage{
		opts:    opts,
		logger:  logger.With().Str("component", "alphavantage_gateway").Logger(),
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(limit, 1),
		baseURL: baseURL,
	}
}

// FetchDaily retrieves the daily series for symbol sorted ascending by date.
func (a *AlphaVantage) FetchDaily(ctx context.Context, symbol string, size OutputSize) (PriceSeries, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return PriceSeries{}, errors.New("symbol is required")
	}
	if size == "" {
		size = SizeCompact
	}
	if _, err := ParseOutputSize(string(size)); err != nil {
		return PriceSeries{}, err
	}

	var payload []byte
	var lastErr error
	backoff := a.opts.RetryBackoff
	for attempt := 1; attempt <= a.opts.MaxAttempts; attempt++ {
		body, retryable, err := a.do(ctx, symbol, size)
		if err == nil {
			payload = body
			lastErr = nil
			break
		}
		lastErr = err
		if !retryable || attempt == a.opts.MaxAttempts {
			break
		}

		a.logger.Warn().Err(err).Str("symbol", symbol).Int("attempt", attempt).
			Dur("backoff", backoff).Msg("provider request failed, retrying")
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return PriceSeries{}, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	if lastErr != nil {
		return PriceSeries{}, fmt.Errorf("fetch %s daily series: %w", symbol, lastErr)
	}

	series, err := a.parse(symbol, payload)
	if err != nil {
		return PriceSeries{}, err
	}

	a.logger.Debug().Str("symbol", symbol).Str("size", string(size)).
		Int("records", series.Len()).Msg("daily series fetched")
	return series, nil
}

// do performs one request and reports whether a failure is worth retrying.
func (a *AlphaVantage) do(ctx context.Context, symbol string, size OutputSize) ([]byte, bool, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, false, err
	}

	params := url.Values{}
	params.Set("function", dailyFunction)
	params.Set("symbol", symbol)
	params.Set("outputsize", string(size))
	params.Set("apikey", a.opts.APIKey)
	params.Set("datatype", "json")

	endpoint := a.baseURL + queryPath + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, a.redact(err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(a.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, a.redact(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read provider body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, retryable, a.redact(parseHTTPError(resp.StatusCode, body))
	}
	return body, false, nil
}

func (a *AlphaVantage) parse(symbol string, payload []byte) (PriceSeries, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return PriceSeries{}, fmt.Errorf("decode provider response: %w", err)
	}

	raw, ok := envelope[timeSeriesKey]
	if !ok {
		return PriceSeries{}, &DataUnavailableError{
			Symbol:  symbol,
			Message: a.scrub(diagnostic(envelope)),
		}
	}

	var rows map[string]dailyRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return PriceSeries{}, fmt.Errorf("decode %s: %w", timeSeriesKey, err)
	}

	records := make([]PriceRecord, 0, len(rows))
	for day, row := range rows {
		record, err := row.toRecord(day)
		if err != nil {
			return PriceSeries{}, fmt.Errorf("parse %s record %s: %w", symbol, day, err)
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Date.Before(records[j].Date) })

	series := PriceSeries{Symbol: symbol, Records: records}
	if err := series.Validate(); err != nil {
		return PriceSeries{}, fmt.Errorf("invalid %s series: %w", symbol, err)
	}
	return series, nil
}

type dailyRow struct {
	Open   string `json:"1. open"`
	High   string `json:"2. high"`
	Low    string `json:"3. low"`
	Close  string `json:"4. close"`
	Volume string `json:"5. volume"`
}

func (r dailyRow) toRecord(day string) (PriceRecord, error) {
	date, err := time.ParseInLocation(DateLayout, day, time.UTC)
	if err != nil {
		return PriceRecord{}, fmt.Errorf("parse date: %w", err)
	}

	raw := [5]string{r.Open, r.High, r.Low, r.Close, r.Volume}
	names := [5]string{"open", "high", "low", "close", "volume"}
	var values [5]float64
	for i, v := range raw {
		value, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return PriceRecord{}, fmt.Errorf("parse %s: %w", names[i], err)
		}
		if value.IsNegative() {
			return PriceRecord{}, fmt.Errorf("%s is negative", names[i])
		}
		values[i] = value.InexactFloat64()
	}

	record := PriceRecord{
		Date:   date,
		Open:   values[0],
		High:   values[1],
		Low:    values[2],
		Close:  values[3],
		Volume: values[4],
	}
	return record, nil
}

// diagnostic picks the provider's explanation for a response without data.
func diagnostic(envelope map[string]json.RawMessage) string {
	for _, key := range []string{"Note", "Error Message", "Information"} {
		raw, ok := envelope[key]
		if !ok {
			continue
		}
		var msg string
		if err := json.Unmarshal(raw, &msg); err == nil && msg != "" {
			return msg
		}
	}
	return "response did not contain " + timeSeriesKey
}

type errorResponse struct {
	Note         string `json:"Note"`
	ErrorMessage string `json:"Error Message"`
	Information  string `json:"Information"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		for _, msg := range []string{apiErr.ErrorMessage, apiErr.Note, apiErr.Information} {
			if msg != "" {
				return fmt.Errorf("alphavantage error (%d): %s", status, msg)
			}
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("alphavantage error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("alphavantage error (%d)", status)
}

// redact strips the API key from transport errors, which embed the request URL.
func (a *AlphaVantage) redact(err error) error {
	if err == nil {
		return nil
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%s %s: %w", urlErr.Op, a.scrub(urlErr.URL), urlErr.Err)
	}
	return errors.New(a.scrub(err.Error()))
}

func (a *AlphaVantage) scrub(s string) string {
	if a.opts.APIKey == "" {
		return s
	}
	s = strings.ReplaceAll(s, url.QueryEscape(a.opts.APIKey), redactedPlacehold)
	return strings.ReplaceAll(s, a.opts.APIKey, redactedPlacehold)
}

var _ Gateway = (*AlphaVantage)(nil)
