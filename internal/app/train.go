package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keilynrp/Trading-Observer/internal/training"
)

// TrainOptions configure a one-shot training run.
type TrainOptions struct {
	Symbol  string
	Epochs  int
	Timeout time.Duration
	LossPNG string
	Out     io.Writer
}

// Train runs the pipeline once for a symbol and prints progress to opts.Out.
// On failure nothing is written to the artifact directory.
func (a *App) Train(ctx context.Context, opts TrainOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Symbol == "" {
		opts.Symbol = a.Config.Training.Symbol
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = a.Config.Training.Timeout
	}
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, timeout)
		defer cancelTimeout()
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Debug().Msg("database.dsn not configured; run ledger disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	progress := func(p training.Progress) {
		fmt.Fprintf(opts.Out, "Epoch [%d/%d], Loss: %.6f\n", p.Epoch, p.Epochs, p.Loss)
	}
	trainer, err := a.newTrainer(store, opts.Epochs, progress)
	if err != nil {
		return err
	}

	res, err := trainer.Run(ctx, opts.Symbol)
	if err != nil {
		return fmt.Errorf("train %s: %w", opts.Symbol, err)
	}

	fmt.Fprintf(opts.Out, "Model training completed for %s: train loss %.6f, test loss %.6f, test RMSE %.4f (%d/%d windows, %s)\n",
		res.Symbol, res.TrainLoss, res.TestLoss, res.TestRMSE, res.TrainWindows, res.TestWindows,
		res.Duration().Round(time.Millisecond))

	if opts.LossPNG != "" {
		if err := writeLossPNG(opts.LossPNG, res.Symbol, res.EpochLosses); err != nil {
			return fmt.Errorf("write loss chart: %w", err)
		}
		a.Logger.Info().Str("path", opts.LossPNG).Msg("loss curve written")
	}
	return nil
}
