package scaler

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func TestFitTransformInverseRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	values := make([]float64, 500)
	for i := range values {
		values[i] = 10 + rng.Float64()*990
	}

	state, err := Fit(values)
	if err != nil {
		t.Fatalf("fit should succeed: %v", err)
	}

	for _, v := range values {
		got := state.Inverse(state.Transform(v))
		if math.Abs(got-v) > 1e-9*math.Max(1, math.Abs(v)) {
			t.Fatalf("inverse(transform(%v)) = %v", v, got)
		}
	}
}

func TestTransformRange(t *testing.T) {
	state, err := Fit([]float64{5, 10, 15, 20})
	if err != nil {
		t.Fatalf("fit should succeed: %v", err)
	}
	if state.Min != 5 || state.Max != 20 {
		t.Fatalf("unexpected state %+v", state)
	}
	if state.Transform(5) != 0 || state.Transform(20) != 1 {
		t.Fatalf("bounds should map to 0 and 1")
	}

	scaled := state.TransformAll([]float64{5, 12.5, 20})
	want := []float64{0, 0.5, 1}
	for i := range want {
		if math.Abs(scaled[i]-want[i]) > 1e-12 {
			t.Fatalf("scaled[%d] = %v, want %v", i, scaled[i], want[i])
		}
	}

	back := state.InverseAll(scaled)
	if math.Abs(back[1]-12.5) > 1e-12 {
		t.Fatalf("inverse all failed: %v", back)
	}
}

func TestTransformAllDoesNotMutateInput(t *testing.T) {
	state := State{Min: 0, Max: 10}
	in := []float64{2, 4}
	_ = state.TransformAll(in)
	if in[0] != 2 || in[1] != 4 {
		t.Fatalf("input mutated: %v", in)
	}
}

func TestFitConstantSeriesIsDegenerate(t *testing.T) {
	_, err := Fit([]float64{42, 42, 42, 42})
	if !errors.Is(err, ErrDegenerateSeries) {
		t.Fatalf("expected ErrDegenerateSeries, got %v", err)
	}
}

func TestFitRejectsEmptyAndNaN(t *testing.T) {
	if _, err := Fit(nil); !errors.Is(err, ErrEmptySeries) {
		t.Fatalf("expected ErrEmptySeries, got %v", err)
	}
	if _, err := Fit([]float64{1, math.NaN(), 3}); err == nil {
		t.Fatal("NaN should be rejected")
	}
}

func TestValidateLoadedState(t *testing.T) {
	if err := (State{Min: 3, Max: 3}).Validate(); !errors.Is(err, ErrDegenerateSeries) {
		t.Fatalf("expected ErrDegenerateSeries, got %v", err)
	}
	if err := (State{Min: 4, Max: 1}).Validate(); err == nil {
		t.Fatal("inverted range should fail")
	}
}
