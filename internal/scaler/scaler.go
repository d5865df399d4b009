// Package scaler implements the reversible min-max transform applied to closing
// prices before training and inverted after inference.
package scaler

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

var (
	// ErrDegenerateSeries is returned when the fitted column has zero variance.
	ErrDegenerateSeries = errors.New("scaler: degenerate series (max equals min)")
	// ErrEmptySeries is returned when there is nothing to fit.
	ErrEmptySeries = errors.New("scaler: empty series")
)

// State holds the fitted range of a single feature.
type State struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Fit computes the range of values.
func Fit(values []float64) (State, error) {
	if len(values) == 0 {
		return State{}, ErrEmptySeries
	}
	if floats.HasNaN(values) {
		return State{}, errors.New("scaler: series contains NaN")
	}

	state := State{Min: floats.Min(values), Max: floats.Max(values)}
	if math.IsInf(state.Min, 0) || math.IsInf(state.Max, 0) {
		return State{}, errors.New("scaler: series contains Inf")
	}
	if err := state.Validate(); err != nil {
		return State{}, err
	}
	return state, nil
}

// Validate checks the invariant max > min.
func (s State) Validate() error {
	if s.Max == s.Min {
		return fmt.Errorf("%w: value %v", ErrDegenerateSeries, s.Min)
	}
	if s.Max < s.Min {
		return fmt.Errorf("scaler: max %v below min %v", s.Max, s.Min)
	}
	return nil
}

// Transform maps v into the fitted unit range.
func (s State) Transform(v float64) float64 {
	return (v - s.Min) / (s.Max - s.Min)
}

// Inverse maps a scaled value back to price units.
func (s State) Inverse(scaled float64) float64 {
	return scaled*(s.Max-s.Min) + s.Min
}

// TransformAll scales a copy of values.
func (s State) TransformAll(values []float64) []float64 {
	out := make([]float64, len(values))
	copy(out, values)
	floats.AddConst(-s.Min, out)
	floats.Scale(1/(s.Max-s.Min), out)
	return out
}

// InverseAll reverses TransformAll on a copy of scaled.
func (s State) InverseAll(scaled []float64) []float64 {
	out := make([]float64, len(scaled))
	for i, v := range scaled {
		out[i] = s.Inverse(v)
	}
	return out
}
