package model

import (
	"errors"
	"math"
)

// Gradients is a per-parameter accumulation buffer shaped like a model.
type Gradients struct {
	data [][]float64
}

// NewGradients allocates a zeroed buffer for m.
func (m *LSTM) NewGradients() *Gradients {
	g := &Gradients{data: make([][]float64, len(m.params))}
	for i, p := range m.params {
		g.data[i] = make([]float64, len(p.Data))
	}
	return g
}

func (g *Gradients) row(p *Param, r int) []float64 {
	return g.data[p.idx][r*p.cols : (r+1)*p.cols]
}

// Zero clears the buffer for reuse.
func (g *Gradients) Zero() {
	for _, d := range g.data {
		for i := range d {
			d[i] = 0
		}
	}
}

// Add sums other into g.
func (g *Gradients) Add(other *Gradients) {
	for i, d := range g.data {
		src := other.data[i]
		for j := range d {
			d[j] += src[j]
		}
	}
}

// Adam implements the Adam optimizer with bias correction.
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64

	steps int
	m, v  [][]float64
}

// NewAdam creates an optimizer for model with the usual beta/epsilon defaults.
func NewAdam(model *LSTM, learningRate float64) *Adam {
	a := &Adam{
		LearningRate: learningRate,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		m:            make([][]float64, len(model.params)),
		v:            make([][]float64, len(model.params)),
	}
	for i, p := range model.params {
		a.m[i] = make([]float64, len(p.Data))
		a.v[i] = make([]float64, len(p.Data))
	}
	return a
}

// Steps reports how many updates have been applied.
func (a *Adam) Steps() int { return a.steps }

// Step applies one update to model using grads.
func (a *Adam) Step(model *LSTM, grads *Gradients) error {
	if len(grads.data) != len(model.params) || len(a.m) != len(model.params) {
		return errors.New("model: optimizer state does not match model")
	}

	a.steps++
	c1 := 1 - math.Pow(a.Beta1, float64(a.steps))
	c2 := 1 - math.Pow(a.Beta2, float64(a.steps))
	for i, p := range model.params {
		g := grads.data[i]
		m := a.m[i]
		v := a.v[i]
		for j := range p.Data {
			m[j] = a.Beta1*m[j] + (1-a.Beta1)*g[j]
			v[j] = a.Beta2*v[j] + (1-a.Beta2)*g[j]*g[j]
			p.Data[j] -= a.LearningRate * (m[j] / c1) / (math.Sqrt(v[j]/c2) + a.Epsilon)
		}
	}
	return nil
}
