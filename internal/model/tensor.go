package model

import (
	"fmt"
	"math"
)

// Tensor is the serialized form of one parameter.
type Tensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// Tensors exports copies of every parameter in a stable order.
func (m *LSTM) Tensors() []Tensor {
	out := make([]Tensor, len(m.params))
	for i, p := range m.params {
		out[i] = Tensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float64(nil), p.Data...),
		}
	}
	return out
}

// FromTensors rebuilds a model from exported tensors. Every parameter the
// architecture implies must be present exactly once with a matching shape.
func FromTensors(arch Architecture, tensors []Tensor) (*LSTM, error) {
	m, err := newSkeleton(arch)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]Tensor, len(tensors))
	for _, t := range tensors {
		if _, dup := byName[t.Name]; dup {
			return nil, fmt.Errorf("duplicate tensor %q", t.Name)
		}
		byName[t.Name] = t
	}
	if len(byName) != len(m.params) {
		return nil, fmt.Errorf("expected %d tensors, got %d", len(m.params), len(byName))
	}

	for _, p := range m.params {
		t, ok := byName[p.Name]
		if !ok {
			return nil, fmt.Errorf("missing tensor %q", p.Name)
		}
		if !sameShape(p.Shape, t.Shape) {
			return nil, fmt.Errorf("tensor %q has shape %v, want %v", p.Name, t.Shape, p.Shape)
		}
		if len(t.Data) != len(p.Data) {
			return nil, fmt.Errorf("tensor %q has %d values, want %d", p.Name, len(t.Data), len(p.Data))
		}
		for _, v := range t.Data {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("tensor %q contains non-finite values", p.Name)
			}
		}
		copy(p.Data, t.Data)
	}
	return m, nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
