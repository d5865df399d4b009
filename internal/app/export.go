package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"github.com/keilynrp/Trading-Observer/internal/market"
)

// FetchOptions hold parameters for exporting a provider series.
type FetchOptions struct {
	Symbol      string
	Size        string
	CSVPath     string
	ParquetPath string
	PNGPath     string
	MaxPoints   int
}

// priceRow is the parquet layout of one daily record.
type priceRow struct {
	Date   string  `parquet:"date"`
	Open   float64 `parquet:"open"`
	High   float64 `parquet:"high"`
	Low    float64 `parquet:"low"`
	Close  float64 `parquet:"close"`
	Volume int64   `parquet:"volume"`
}

// Fetch downloads the daily series for a symbol and writes it as CSV,
// Parquet and/or a PNG chart.
func (a *App) Fetch(ctx context.Context, opts FetchOptions) error {
	if opts.CSVPath == "" && opts.ParquetPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv, --parquet or --png must be provided")
	}
	if opts.Symbol == "" {
		opts.Symbol = a.Config.Training.Symbol
	}
	if opts.Size == "" {
		opts.Size = a.Config.Training.OutputSize
	}
	size, err := market.ParseOutputSize(opts.Size)
	if err != nil {
		return err
	}
	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	started := time.Now()
	series, err := a.newGateway().FetchDaily(ctx, opts.Symbol, size)
	a.metrics.ObserveFetch(opts.Symbol, string(size), time.Since(started), err)
	if err != nil {
		return err
	}
	if series.Len() == 0 {
		a.Logger.Info().Str("symbol", opts.Symbol).Msg("provider returned no records")
		return nil
	}

	records := downsampleRecords(series.Records, opts.MaxPoints)
	a.Logger.Info().Str("symbol", series.Symbol).Int("total", series.Len()).
		Int("exported", len(records)).Msg("exporting series")

	if opts.CSVPath != "" {
		if err := writeRecordsCSV(a.exportPath(opts.CSVPath), records); err != nil {
			return err
		}
	}
	if opts.ParquetPath != "" {
		if err := writeRecordsParquet(a.exportPath(opts.ParquetPath), records); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeRecordsPNG(a.exportPath(opts.PNGPath), series.Symbol, records); err != nil {
			return err
		}
	}
	return nil
}

// exportPath places bare file names under export.dir.
func (a *App) exportPath(path string) string {
	if filepath.IsAbs(path) || filepath.Dir(path) != "." || a.Config.Export.Dir == "" {
		return path
	}
	return filepath.Join(a.Config.Export.Dir, path)
}

func downsampleRecords(records []market.PriceRecord, max int) []market.PriceRecord {
	if max <= 1 || len(records) <= max {
		return records
	}

	result := make([]market.PriceRecord, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

func writeRecordsCSV(path string, records []market.PriceRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"date", "open", "high", "low", "close", "volume"}); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			r.Date.Format(market.DateLayout),
			formatPrice(r.Open),
			formatPrice(r.High),
			formatPrice(r.Low),
			formatPrice(r.Close),
			strconv.FormatInt(int64(r.Volume), 10),
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func writeRecordsParquet(path string, records []market.PriceRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	rows := make([]priceRow, len(records))
	for i, r := range records {
		rows[i] = priceRow{
			Date:   r.Date.Format(market.DateLayout),
			Open:   r.Open,
			High:   r.High,
			Low:    r.Low,
			Close:  r.Close,
			Volume: int64(r.Volume),
		}
	}
	if err := parquet.WriteFile(path, rows); err != nil {
		return fmt.Errorf("write parquet: %w", err)
	}
	return nil
}

func writeRecordsPNG(path, symbol string, records []market.PriceRecord) error {
	if len(records) < 2 {
		return errors.New("need at least two records to draw a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(records))
	closes := make([]float64, len(records))
	volumes := make([]float64, len(records))
	for i, r := range records {
		x[i] = r.Date
		closes[i] = r.Close
		volumes[i] = r.Volume
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Title:  symbol + " daily close",
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Close",
			ValueFormatter: priceFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Volume",
			ValueFormatter: func(v interface{}) string { return chart.FloatValueFormatterWithFormat(v, "%.0f") },
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Close",
				XValues: x,
				YValues: closes,
			},
			chart.TimeSeries{
				Name:    "Volume",
				XValues: x,
				YValues: volumes,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}
	return renderPNG(path, graph)
}

// writeLossPNG plots the mean loss of every epoch.
func writeLossPNG(path, symbol string, losses []float64) error {
	if len(losses) == 0 {
		return errors.New("no epoch losses to plot")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	epochs := make([]float64, len(losses))
	for i := range losses {
		epochs[i] = float64(i + 1)
	}
	// a single point cannot define a range
	if len(losses) == 1 {
		epochs = []float64{1, 2}
		losses = []float64{losses[0], losses[0]}
	}

	graph := chart.Chart{
		Title:  symbol + " training loss",
		Width:  1024,
		Height: 576,
		XAxis: chart.XAxis{
			Name:           "Epoch",
			ValueFormatter: func(v interface{}) string { return chart.FloatValueFormatterWithFormat(v, "%.0f") },
		},
		YAxis: chart.YAxis{
			Name:           "MSE (scaled)",
			ValueFormatter: func(v interface{}) string { return chart.FloatValueFormatterWithFormat(v, "%.5f") },
			Range:          lossRange(losses),
		},
		Series: []chart.Series{
			chart.ContinuousSeries{
				Name:    "Loss",
				XValues: epochs,
				YValues: losses,
			},
		},
	}
	return renderPNG(path, graph)
}

// lossRange pads a flat curve, which go-chart cannot scale on its own.
func lossRange(losses []float64) chart.Range {
	lo, hi := losses[0], losses[0]
	for _, v := range losses[1:] {
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}
	if hi > lo {
		return nil
	}
	pad := math.Max(math.Abs(lo)*0.1, 1e-6)
	return &chart.ContinuousRange{Min: lo - pad, Max: hi + pad}
}

func renderPNG(path string, graph chart.Chart) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := graph.Render(chart.PNG, file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatPrice(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(4)
}
