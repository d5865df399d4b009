package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"github.com/keilynrp/Trading-Observer/internal/storage"
)

// RunsOptions configure the runs command.
type RunsOptions struct {
	Symbol string
	Limit  int
	// PruneOlderThan deletes finished ledger rows older than this age first.
	PruneOlderThan time.Duration
	Out            io.Writer
}

// Runs prints recent entries of the training ledger.
func (a *App) Runs(ctx context.Context, opts RunsOptions) error {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show training runs")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.PruneOlderThan > 0 {
		removed, err := store.DeleteRunsBefore(ctx, time.Now().Add(-opts.PruneOlderThan))
		if err != nil {
			return err
		}
		a.Logger.Info().Int64("removed", removed).Dur("older_than", opts.PruneOlderThan).Msg("pruned training runs")
	}

	symbol := strings.ToUpper(strings.TrimSpace(opts.Symbol))
	runs, err := store.ListRecentRuns(ctx, symbol, opts.Limit)
	if err != nil {
		return err
	}
	printRuns(opts.Out, runs)
	return nil
}

func printRuns(out io.Writer, runs []storage.TrainingRun) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "no training runs found")
		return
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tSymbol\tStarted (UTC)\tDuration\tStatus\tEpochs\tTrain loss\tTest loss\tError")
	for _, run := range runs {
		duration := "-"
		if run.FinishedAt != nil {
			duration = run.FinishedAt.Sub(run.StartedAt).Round(time.Second).String()
		}
		errMsg := ""
		if run.Error != nil {
			errMsg = sanitizeInline(*run.Error)
		}
		fmt.Fprintf(
			writer,
			"%d\t%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			run.ID,
			run.Symbol,
			run.StartedAt.UTC().Format(time.RFC3339),
			duration,
			run.Status,
			run.Epochs,
			formatLoss(run.TrainLoss),
			formatLoss(run.TestLoss),
			errMsg,
		)
	}
	writer.Flush()
}

func formatLoss(d *decimal.Decimal) string {
	if d == nil {
		return "-"
	}
	return d.StringFixed(6)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
