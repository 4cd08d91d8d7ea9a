package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"floorwatch/internal/storage"
)

// Export renders an item's quote history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.Item == "" {
		return errors.New("--item is required")
	}
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	quotes, err := store.ListQuotesBetween(ctx, opts.Item, from, to)
	if err != nil {
		return err
	}
	if len(quotes) == 0 {
		a.Logger.Info().Str("item", opts.Item).Msg("no quotes found for export window")
		return nil
	}

	downsampled := downsampleQuotes(quotes, opts.MaxPoints)
	a.Logger.Info().Int("total", len(quotes)).Int("exported", len(downsampled)).Msg("exporting quotes")

	if opts.CSVPath != "" {
		if err := writeQuotesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeQuotesPNG(opts.PNGPath, opts.Item, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleQuotes(quotes []storage.QuoteRecord, max int) []storage.QuoteRecord {
	if max <= 0 || len(quotes) <= max {
		return quotes
	}

	result := make([]storage.QuoteRecord, 0, max)
	step := float64(len(quotes)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(quotes) {
			idx = len(quotes) - 1
		}
		result = append(result, quotes[idx])
	}
	return result
}

func writeQuotesCSV(path string, quotes []storage.QuoteRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"bucket_ts", "item", "support_price", "current_price", "chosen_method", "chosen_market", "secondary_price", "final_price", "status", "error"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, quote := range quotes {
		secondary := ""
		if quote.SecondaryPrice != nil {
			secondary = quote.SecondaryPrice.String()
		}
		errMsg := ""
		if quote.Error != nil {
			errMsg = *quote.Error
		}
		record := []string{
			quote.Bucket.Format(time.RFC3339),
			quote.Item,
			quote.SupportPrice.String(),
			quote.CurrentPrice.String(),
			quote.ChosenMethod,
			quote.ChosenMarket,
			secondary,
			quote.FinalPrice.String(),
			quote.Status,
			errMsg,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeQuotesPNG(path, item string, quotes []storage.QuoteRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(quotes))
	support := make([]float64, len(quotes))
	current := make([]float64, len(quotes))
	final := make([]float64, len(quotes))

	for i, quote := range quotes {
		x[i] = quote.Bucket
		support[i] = quote.SupportPrice.InexactFloat64()
		current[i] = quote.CurrentPrice.InexactFloat64()
		final[i] = quote.FinalPrice.InexactFloat64()
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Title:  item,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Support",
				XValues: x,
				YValues: support,
			},
			chart.TimeSeries{
				Name:    "Current",
				XValues: x,
				YValues: current,
			},
			chart.TimeSeries{
				Name:    "Final",
				XValues: x,
				YValues: final,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
