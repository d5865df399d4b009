// Package model implements a stacked LSTM regressor with a linear head,
// trained by back-propagation through time.
package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/go-playground/validator/v10"
	"gonum.org/v1/gonum/floats"
)

var validate = validator.New()

// Architecture fixes the tensor shapes of a model.
type Architecture struct {
	InputDim  int `json:"input_dim" validate:"eq=1"`
	HiddenDim int `json:"hidden_dim" validate:"gt=0,lte=1024"`
	NumLayers int `json:"num_layers" validate:"gt=0,lte=8"`
	OutputDim int `json:"output_dim" validate:"eq=1"`
	Lookback  int `json:"lookback" validate:"gt=0"`
}

// Validate reports shape settings the network cannot run with.
func (a Architecture) Validate() error {
	if err := validate.Struct(a); err != nil {
		return fmt.Errorf("invalid architecture: %w", err)
	}
	return nil
}

// Param is one named weight matrix stored row-major.
type Param struct {
	Name  string
	Shape []int
	Data  []float64

	idx  int
	cols int
}

func (p *Param) row(r int) []float64 {
	return p.Data[r*p.cols : (r+1)*p.cols]
}

type lstmLayer struct {
	in int
	wx *Param // 4H x in, gates i|f|g|o
	wh *Param // 4H x H
	b  *Param // 4H
}

// LSTM maps a sequence of scalars to a single next-value estimate.
// Weights are only read during Predict and Accumulate, so both may run concurrently.
type LSTM struct {
	arch   Architecture
	layers []lstmLayer
	fcW    *Param // OutputDim x H
	fcB    *Param // OutputDim
	params []*Param
}

// New builds a model with weights drawn uniformly from (-1/sqrt(H), 1/sqrt(H)).
func New(arch Architecture, rng *rand.Rand) (*LSTM, error) {
	if rng == nil {
		return nil, errors.New("model: random source is required")
	}
	m, err := newSkeleton(arch)
	if err != nil {
		return nil, err
	}

	bound := 1 / math.Sqrt(float64(arch.HiddenDim))
	for _, p := range m.params {
		for i := range p.Data {
			p.Data[i] = (rng.Float64()*2 - 1) * bound
		}
	}
	return m, nil
}

func newSkeleton(arch Architecture) (*LSTM, error) {
	if err := arch.Validate(); err != nil {
		return nil, err
	}

	h := arch.HiddenDim
	m := &LSTM{arch: arch}
	for l := 0; l < arch.NumLayers; l++ {
		in := h
		if l == 0 {
			in = arch.InputDim
		}
		layer := lstmLayer{
			in: in,
			wx: m.addParam(fmt.Sprintf("lstm.weight_ih_l%d", l), 4*h, in),
			wh: m.addParam(fmt.Sprintf("lstm.weight_hh_l%d", l), 4*h, h),
			b:  m.addParam(fmt.Sprintf("lstm.bias_l%d", l), 4*h, 0),
		}
		m.layers = append(m.layers, layer)
	}
	m.fcW = m.addParam("fc.weight", arch.OutputDim, h)
	m.fcB = m.addParam("fc.bias", arch.OutputDim, 0)
	return m, nil
}

// addParam registers a rows x cols matrix; cols == 0 declares a vector.
func (m *LSTM) addParam(name string, rows, cols int) *Param {
	shape := []int{rows, cols}
	width := cols
	if cols == 0 {
		shape = []int{rows}
		width = 1
	}
	p := &Param{
		Name:  name,
		Shape: shape,
		Data:  make([]float64, rows*width),
		idx:   len(m.params),
		cols:  width,
	}
	m.params = append(m.params, p)
	return p
}

// Architecture returns the model's shape settings.
func (m *LSTM) Architecture() Architecture { return m.arch }

// NumParams counts trainable scalars.
func (m *LSTM) NumParams() int {
	n := 0
	for _, p := range m.params {
		n += len(p.Data)
	}
	return n
}

// stepCache keeps the activations of one timestep for the backward pass.
type stepCache struct {
	x, hPrev, cPrev []float64
	i, f, g, o      []float64
	c, tanhC, h     []float64
}

func (m *LSTM) step(l lstmLayer, x, hPrev, cPrev []float64) stepCache {
	h := m.arch.HiddenDim
	z := make([]float64, 4*h)
	for r := range z {
		z[r] = floats.Dot(l.wx.row(r), x) + floats.Dot(l.wh.row(r), hPrev) + l.b.Data[r]
	}

	sc := stepCache{
		x: x, hPrev: hPrev, cPrev: cPrev,
		i: make([]float64, h), f: make([]float64, h),
		g: make([]float64, h), o: make([]float64, h),
		c: make([]float64, h), tanhC: make([]float64, h), h: make([]float64, h),
	}
	for k := 0; k < h; k++ {
		sc.i[k] = sigmoid(z[k])
		sc.f[k] = sigmoid(z[h+k])
		sc.g[k] = math.Tanh(z[2*h+k])
		sc.o[k] = sigmoid(z[3*h+k])
		sc.c[k] = sc.f[k]*cPrev[k] + sc.i[k]*sc.g[k]
		sc.tanhC[k] = math.Tanh(sc.c[k])
		sc.h[k] = sc.o[k] * sc.tanhC[k]
	}
	return sc
}

// forward runs the full stack; caches are indexed [layer][timestep].
func (m *LSTM) forward(seq []float64) (float64, [][]stepCache) {
	steps := len(seq)
	h := m.arch.HiddenDim

	inputs := make([][]float64, steps)
	for t, v := range seq {
		inputs[t] = []float64{v}
	}

	caches := make([][]stepCache, len(m.layers))
	for li, l := range m.layers {
		hState := make([]float64, h)
		cState := make([]float64, h)
		cache := make([]stepCache, steps)
		outputs := make([][]float64, steps)
		for t := 0; t < steps; t++ {
			sc := m.step(l, inputs[t], hState, cState)
			cache[t] = sc
			hState, cState = sc.h, sc.c
			outputs[t] = sc.h
		}
		caches[li] = cache
		inputs = outputs
	}

	top := inputs[steps-1]
	return floats.Dot(m.fcW.row(0), top) + m.fcB.Data[0], caches
}

// Predict returns the next-value estimate for one window. No state carries
// over between calls.
func (m *LSTM) Predict(seq []float64) (float64, error) {
	if len(seq) == 0 {
		return 0, errors.New("model: empty input sequence")
	}
	yhat, _ := m.forward(seq)
	return yhat, nil
}

// Accumulate adds scale * d(squared error)/d(weights) for one sample into grads
// and returns the sample's squared error.
func (m *LSTM) Accumulate(seq []float64, target, scale float64, grads *Gradients) (float64, error) {
	if len(seq) == 0 {
		return 0, errors.New("model: empty input sequence")
	}
	if grads == nil || len(grads.data) != len(m.params) {
		return 0, errors.New("model: gradient buffer does not match model")
	}

	yhat, caches := m.forward(seq)
	diff := yhat - target
	dy := 2 * diff * scale

	steps := len(seq)
	h := m.arch.HiddenDim
	top := caches[len(caches)-1][steps-1].h

	floats.AddScaled(grads.row(m.fcW, 0), dy, top)
	grads.data[m.fcB.idx][0] += dy

	dhAbove := make([][]float64, steps)
	dhAbove[steps-1] = make([]float64, h)
	floats.AddScaled(dhAbove[steps-1], dy, m.fcW.row(0))

	dz := make([]float64, 4*h)
	for li := len(m.layers) - 1; li >= 0; li-- {
		l := m.layers[li]
		cache := caches[li]
		gb := grads.data[l.b.idx]

		var dxBelow [][]float64
		if li > 0 {
			dxBelow = make([][]float64, steps)
		}

		dhNext := make([]float64, h)
		dcNext := make([]float64, h)
		for t := steps - 1; t >= 0; t-- {
			sc := cache[t]
			above := dhAbove[t]
			for k := 0; k < h; k++ {
				dh := dhNext[k]
				if above != nil {
					dh += above[k]
				}
				do := dh * sc.tanhC[k]
				dc := dh*sc.o[k]*(1-sc.tanhC[k]*sc.tanhC[k]) + dcNext[k]
				dcNext[k] = dc * sc.f[k]

				dz[k] = dc * sc.g[k] * sc.i[k] * (1 - sc.i[k])
				dz[h+k] = dc * sc.cPrev[k] * sc.f[k] * (1 - sc.f[k])
				dz[2*h+k] = dc * sc.i[k] * (1 - sc.g[k]*sc.g[k])
				dz[3*h+k] = do * sc.o[k] * (1 - sc.o[k])
			}

			dhNext = make([]float64, h)
			var dx []float64
			if li > 0 {
				dx = make([]float64, l.in)
			}
			for r, d := range dz {
				if d == 0 {
					continue
				}
				floats.AddScaled(grads.row(l.wx, r), d, sc.x)
				floats.AddScaled(grads.row(l.wh, r), d, sc.hPrev)
				gb[r] += d
				floats.AddScaled(dhNext, d, l.wh.row(r))
				if dx != nil {
					floats.AddScaled(dx, d, l.wx.row(r))
				}
			}
			if dxBelow != nil {
				dxBelow[t] = dx
			}
		}
		dhAbove = dxBelow
	}

	return diff * diff, nil
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
