package training

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"github.com/keilynrp/Trading-Observer/internal/model"
	"github.com/keilynrp/Trading-Observer/internal/window"
)

// fitter runs the epoch loop for one model.
type fitter struct {
	net     *model.LSTM
	opt     *model.Adam
	data    []window.Window
	order   []int
	shuffle *rand.Rand

	batchSize int
	chunks    []*model.Gradients
	sums      []float64
	total     *model.Gradients
}

func newFitter(net *model.LSTM, data []window.Window, opts Options) *fitter {
	f := &fitter{
		net:       net,
		opt:       model.NewAdam(net, opts.LearningRate),
		data:      data,
		order:     make([]int, len(data)),
		shuffle:   rand.New(rand.NewSource(opts.Seed + 1)),
		batchSize: opts.BatchSize,
		chunks:    make([]*model.Gradients, opts.Workers),
		sums:      make([]float64, opts.Workers),
		total:     net.NewGradients(),
	}
	for i := range f.order {
		f.order[i] = i
	}
	for i := range f.chunks {
		f.chunks[i] = net.NewGradients()
	}
	return f
}

// epoch shuffles the training windows, applies one optimizer step per batch
// and returns the mean of this epoch's batch losses.
func (f *fitter) epoch(ctx context.Context) (float64, error) {
	f.shuffle.Shuffle(len(f.order), func(i, j int) {
		f.order[i], f.order[j] = f.order[j], f.order[i]
	})

	var sum float64
	batches := 0
	for start := 0; start < len(f.order); start += f.batchSize {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		end := min(start+f.batchSize, len(f.order))

		loss, err := f.gradient(f.order[start:end])
		if err != nil {
			return 0, err
		}
		if err := f.opt.Step(f.net, f.total); err != nil {
			return 0, err
		}
		sum += loss
		batches++
	}
	if batches == 0 {
		return 0, fmt.Errorf("%w: no training windows", window.ErrInsufficientHistory)
	}

	mean := sum / float64(batches)
	if math.IsNaN(mean) || math.IsInf(mean, 0) {
		return 0, fmt.Errorf("training diverged: epoch loss is %v", mean)
	}
	return mean, nil
}

// gradient fills f.total with the batch-mean gradient and returns the batch MSE.
// The batch is cut into fixed contiguous chunks, one per worker, and the chunk
// buffers are summed in chunk order so the result does not depend on scheduling.
func (f *fitter) gradient(batch []int) (float64, error) {
	n := len(batch)
	chunks := min(len(f.chunks), n)
	size := (n + chunks - 1) / chunks
	scale := 1 / float64(n)

	used := 0
	var g errgroup.Group
	for c := 0; c < chunks; c++ {
		lo := c * size
		if lo >= n {
			break
		}
		hi := min(lo+size, n)
		used++

		c := c
		g.Go(func() error {
			buf := f.chunks[c]
			buf.Zero()
			var sse float64
			for _, idx := range batch[lo:hi] {
				w := f.data[idx]
				se, err := f.net.Accumulate(w.Inputs, w.Target, scale, buf)
				if err != nil {
					return err
				}
				sse += se
			}
			f.sums[c] = sse
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	f.total.Zero()
	var sse float64
	for c := 0; c < used; c++ {
		f.total.Add(f.chunks[c])
		sse += f.sums[c]
	}
	return sse / float64(n), nil
}

// evaluate returns the MSE of net over windows, in scaled units.
func evaluate(net *model.LSTM, windows []window.Window) (float64, error) {
	if len(windows) == 0 {
		return 0, nil
	}
	var sse float64
	for _, w := range windows {
		y, err := net.Predict(w.Inputs)
		if err != nil {
			return 0, err
		}
		d := y - w.Target
		sse += d * d
	}
	return sse / float64(len(windows)), nil
}
