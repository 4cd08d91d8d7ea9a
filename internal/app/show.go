package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"floorwatch/internal/storage"
)

// Show prints recent quotes, or recent floor-drop alerts with --alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show history")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.Alerts {
		return showAlerts(ctx, store, opts.Limit)
	}
	return showQuotes(ctx, store, opts.Limit)
}

func showQuotes(ctx context.Context, store storage.QuoteStore, limit int) error {
	quotes, err := store.ListRecentQuotes(ctx, limit)
	if err != nil {
		return err
	}
	if len(quotes) == 0 {
		fmt.Fprintln(os.Stdout, "no quotes found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tItem\tSupport\tCurrent\tMethod\tMarket\tFinal\tStatus\tError")

	for _, quote := range quotes {
		errMsg := ""
		if quote.Error != nil {
			errMsg = sanitizeInline(*quote.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			quote.Bucket.UTC().Format(time.RFC3339),
			quote.Item,
			formatDecimal(quote.SupportPrice, 2),
			formatDecimal(quote.CurrentPrice, 2),
			quote.ChosenMethod,
			quote.ChosenMarket,
			formatDecimal(quote.FinalPrice, 2),
			quote.Status,
			errMsg,
		)
	}

	writer.Flush()
	return nil
}

func showAlerts(ctx context.Context, store storage.AlertStore, limit int) error {
	alerts, err := store.ListRecentAlerts(ctx, limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tItem\tPrev\tNew\tDrop%\tThreshold%\tChannels")

	for _, alert := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			alert.CreatedAt.UTC().Format(time.RFC3339),
			alert.Item,
			formatDecimal(alert.PrevPrice, 2),
			formatDecimal(alert.NewPrice, 2),
			formatDecimal(alert.DropPct, 2),
			formatDecimal(alert.ThresholdPct, 2),
			strings.Join(alert.Channels, ","),
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
