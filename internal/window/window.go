// Package window turns a scaled series into supervised look-back samples.
package window

import (
	"errors"
	"fmt"
	"time"
)

// ErrInsufficientHistory is returned when the series is not longer than the look-back.
var ErrInsufficientHistory = errors.New("insufficient history for look-back window")

// Window is one supervised sample: L consecutive inputs and the value that follows.
type Window struct {
	Inputs []float64
	Target float64
	// Date is the date of the target observation; zero when no dates were supplied.
	Date time.Time
}

// Make slices values into len(values)-lookback windows in chronological order.
// dates is optional; when present it must align with values.
func Make(values []float64, dates []time.Time, lookback int) ([]Window, error) {
	if lookback <= 0 {
		return nil, fmt.Errorf("look-back must be positive, got %d", lookback)
	}
	if dates != nil && len(dates) != len(values) {
		return nil, fmt.Errorf("dates length %d does not match values length %d", len(dates), len(values))
	}

	n := len(values)
	if n <= lookback {
		return nil, fmt.Errorf("%w: have %d points, need more than %d", ErrInsufficientHistory, n, lookback)
	}

	windows := make([]Window, 0, n-lookback)
	for i := 0; i < n-lookback; i++ {
		inputs := make([]float64, lookback)
		copy(inputs, values[i:i+lookback])
		w := Window{Inputs: inputs, Target: values[i+lookback]}
		if dates != nil {
			w.Date = dates[i+lookback]
		}
		windows = append(windows, w)
	}
	return windows, nil
}

// Split divides windows chronologically: the oldest floor(len*ratio) go to train.
func Split(windows []Window, trainRatio float64) (train, test []Window, err error) {
	if trainRatio <= 0 || trainRatio > 1 {
		return nil, nil, fmt.Errorf("train ratio must be in (0, 1], got %v", trainRatio)
	}
	cut := int(float64(len(windows)) * trainRatio)
	return windows[:cut], windows[cut:], nil
}
