package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// OutputSize selects how much history the provider returns.
type OutputSize string

const (
	// SizeCompact returns the most recent ~100 trading days.
	SizeCompact OutputSize = "compact"
	// SizeFull returns the entire available history.
	SizeFull OutputSize = "full"
)

// ParseOutputSize validates a user supplied size mode.
func ParseOutputSize(v string) (OutputSize, error) {
	switch OutputSize(strings.ToLower(strings.TrimSpace(v))) {
	case SizeCompact:
		return SizeCompact, nil
	case SizeFull:
		return SizeFull, nil
	default:
		return "", fmt.Errorf("unknown output size %q (use compact or full)", v)
	}
}

// ErrDataUnavailable marks responses that carry no usable time series.
var ErrDataUnavailable = errors.New("market data unavailable")

// DataUnavailableError carries the provider's diagnostic for a missing series.
type DataUnavailableError struct {
	Symbol  string
	Message string
}

func (e *DataUnavailableError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s for %s", ErrDataUnavailable, e.Symbol)
	}
	return fmt.Sprintf("%s for %s: %s", ErrDataUnavailable, e.Symbol, e.Message)
}

// Is lets errors.Is match ErrDataUnavailable.
func (e *DataUnavailableError) Is(target error) bool {
	return target == ErrDataUnavailable
}

// PriceRecord is one daily OHLCV observation.
type PriceRecord struct {
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// PriceSeries is the ascending, duplicate-free daily history of one symbol.
// Callers treat it as read-only.
type PriceSeries struct {
	Symbol  string
	Records []PriceRecord
}

// Len returns the number of records.
func (s PriceSeries) Len() int { return len(s.Records) }

// Closes extracts the closing price column.
func (s PriceSeries) Closes() []float64 {
	closes := make([]float64, len(s.Records))
	for i, r := range s.Records {
		closes[i] = r.Close
	}
	return closes
}

// Dates extracts the date column.
func (s PriceSeries) Dates() []time.Time {
	dates := make([]time.Time, len(s.Records))
	for i, r := range s.Records {
		dates[i] = r.Date
	}
	return dates
}

// Tail returns a series holding the last n records.
func (s PriceSeries) Tail(n int) PriceSeries {
	if n >= len(s.Records) || n < 0 {
		return s
	}
	return PriceSeries{Symbol: s.Symbol, Records: s.Records[len(s.Records)-n:]}
}

// Last returns the most recent record.
func (s PriceSeries) Last() (PriceRecord, bool) {
	if len(s.Records) == 0 {
		return PriceRecord{}, false
	}
	return s.Records[len(s.Records)-1], true
}

// Validate checks the ordering and value invariants of the series.
func (s PriceSeries) Validate() error {
	for i, r := range s.Records {
		if r.Open < 0 || r.High < 0 || r.Low < 0 || r.Close < 0 || r.Volume < 0 {
			return fmt.Errorf("record %s has negative values", r.Date.Format(DateLayout))
		}
		if i > 0 && !s.Records[i-1].Date.Before(r.Date) {
			return fmt.Errorf("records not strictly ascending at %s", r.Date.Format(DateLayout))
		}
	}
	return nil
}

// DateLayout is the provider's calendar day format.
const DateLayout = "2006-01-02"

// Gateway retrieves daily history for a symbol.
type Gateway interface {
	FetchDaily(ctx context.Context, symbol string, size OutputSize) (PriceSeries, error)
}
