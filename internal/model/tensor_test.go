package model

import (
	"math"
	"strings"
	"testing"
)

func TestTensorsRoundTrip(t *testing.T) {
	arch := smallArch()
	m := newTestModel(t, arch, 9)
	tensors := m.Tensors()

	names := []string{
		"lstm.weight_ih_l0", "lstm.weight_hh_l0", "lstm.bias_l0",
		"lstm.weight_ih_l1", "lstm.weight_hh_l1", "lstm.bias_l1",
		"fc.weight", "fc.bias",
	}
	if len(tensors) != len(names) {
		t.Fatalf("expected %d tensors, got %d", len(names), len(tensors))
	}
	for i, name := range names {
		if tensors[i].Name != name {
			t.Fatalf("tensor %d named %q, want %q", i, tensors[i].Name, name)
		}
	}

	restored, err := FromTensors(arch, tensors)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	seq := []float64{0.4, 0.1, 0.8, 0.6}
	want, _ := m.Predict(seq)
	got, _ := restored.Predict(seq)
	if want != got {
		t.Fatalf("restored model predicts %v, want %v", got, want)
	}

	// exported tensors are copies
	tensors[0].Data[0] += 1
	again, _ := m.Predict(seq)
	if again != want {
		t.Fatal("mutating exported tensors changed the model")
	}
}

func TestFromTensorsRejectsMismatches(t *testing.T) {
	arch := smallArch()
	base := newTestModel(t, arch, 2).Tensors()

	clone := func() []Tensor {
		out := make([]Tensor, len(base))
		for i, tn := range base {
			out[i] = Tensor{Name: tn.Name, Shape: append([]int(nil), tn.Shape...), Data: append([]float64(nil), tn.Data...)}
		}
		return out
	}

	cases := map[string]func([]Tensor) []Tensor{
		"missing": func(ts []Tensor) []Tensor { return ts[:len(ts)-1] },
		"renamed": func(ts []Tensor) []Tensor { ts[0].Name = "lstm.weight_ih_l9"; return ts },
		"shape":   func(ts []Tensor) []Tensor { ts[1].Shape = []int{3, 12}; return ts },
		"length":  func(ts []Tensor) []Tensor { ts[2].Data = ts[2].Data[:1]; return ts },
		"nan":     func(ts []Tensor) []Tensor { ts[3].Data[0] = math.NaN(); return ts },
		"duplicate": func(ts []Tensor) []Tensor {
			return append(ts, ts[0])
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := FromTensors(arch, mutate(clone())); err == nil {
				t.Fatal("expected an error")
			}
		})
	}

	wider := arch
	wider.HiddenDim = 4
	_, err := FromTensors(wider, clone())
	if err == nil || !strings.Contains(err.Error(), "shape") {
		t.Fatalf("architecture mismatch should be a shape error, got %v", err)
	}
}
