package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"floorwatch/internal/fetcher"
	"floorwatch/internal/service"
	"floorwatch/internal/support"
)

// Analyze fetches an item's history, runs the support-price analysis, and
// prints a per-range breakdown of both weighting methods.
func (a *App) Analyze(ctx context.Context, opts AnalyzeOptions) error {
	if opts.Item == "" {
		return errors.New("item name is required")
	}

	engine, err := a.newEngine()
	if err != nil {
		return err
	}

	points, err := a.newPrimaryFetcher().FetchHistory(ctx, opts.Item)
	if err != nil {
		return err
	}

	var dual support.DualResult
	if opts.Density != nil {
		dual, err = engine.ComputeDualWithDensity(points, *opts.Density)
	} else {
		dual, err = engine.ComputeDual(points)
	}
	if err != nil {
		return err
	}

	out := os.Stdout
	fmt.Fprintf(out, "item: %s\npoints fetched: %d\n\n", opts.Item, len(points))

	printMethod(out, dual.VolumeWeighted, opts.Verbose)
	printMethod(out, dual.PointWeighted, opts.Verbose)

	fmt.Fprintf(out, "chosen method: %s\nsupport price: %.2f\n", dual.ChosenMethod, dual.SupportPrice)
	if current := dual.VolumeWeighted.CurrentPrice; current > 0 {
		diff := (dual.SupportPrice - current) / current * 100
		fmt.Fprintf(out, "current price: %.2f (%+.2f%%)\n", current, diff)
	}
	if dual.UsedFallback {
		fmt.Fprintln(out, "note: no range qualified, fell back to the most recent price")
	}

	var secondaryRec *float64
	if !opts.SkipSecondary && a.Config.Secondary.BaseURL != "" {
		secondary, closeCatalog, err := a.newSecondaryFetcher()
		if err != nil {
			return err
		}
		if closeCatalog != nil {
			defer closeCatalog()
		}
		secondaryRec = a.analyzeSecondary(ctx, out, secondary, opts.Item, dual.SupportPrice, engine)
	}

	market, final := service.CompareMarkets(a.Config.Compare, dual.SupportPrice, secondaryRec)
	fmt.Fprintf(out, "\nrecommended market: %s\nfinal price: %s\n", market, final.StringFixed(2))
	return nil
}

// analyzeSecondary mirrors the service's secondary-market gating, printing
// each gate decision instead of logging it.
func (a *App) analyzeSecondary(ctx context.Context, out io.Writer, secondary fetcher.HistoryFetcher, item string, primaryRec float64, engine *support.Engine) *float64 {
	gates := a.Config.Secondary
	fmt.Fprintln(out)

	if primaryRec < gates.MinPrimaryPriceCheck {
		fmt.Fprintf(out, "secondary market: skipped, primary floor %.2f below %.2f gate\n", primaryRec, gates.MinPrimaryPriceCheck)
		return nil
	}

	points, err := secondary.FetchHistory(ctx, item)
	if err != nil {
		fmt.Fprintf(out, "secondary market: history unavailable (%v)\n", err)
		return nil
	}

	cutoff := time.Now().UTC().Add(-48 * time.Hour).Unix()
	sales := fetcher.CountSalesSince(points, cutoff)
	fmt.Fprintf(out, "secondary market: %d sales in last 48h (min %d)\n", sales, gates.MinSalesLastTwoDays)
	if sales < gates.MinSalesLastTwoDays {
		return nil
	}

	dual, err := engine.ComputeDualWithDensity(points, 0)
	if err != nil {
		fmt.Fprintf(out, "secondary market: analysis failed (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "secondary support price: %.2f (%s)\n", dual.SupportPrice, dual.ChosenMethod)
	price := dual.SupportPrice
	return &price
}

func printMethod(out io.Writer, res support.Result, verbose bool) {
	fmt.Fprintf(out, "== %s ==\n", res.Method)
	fmt.Fprintf(out, "ranges=%d range_hours=%g required_points=%d current=%.2f\n",
		res.RangesCount, res.RangeHours, res.RequiredPoints, res.CurrentPrice)

	if verbose {
		for _, note := range res.Notes {
			fmt.Fprintf(out, "  %s\n", note)
		}
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Idx\tStart\tEnd\tPoints\tWeight\tq\tPercentile\tState")
	for _, st := range res.Stats {
		state := "valid"
		switch {
		case st.IgnoredByViolation:
			state = "ignored"
		case !st.Valid:
			state = st.InvalidReason
		}
		percentile := "-"
		if st.Valid {
			percentile = strconv.FormatFloat(st.PercentilePrice, 'f', 4, 64)
		}
		fmt.Fprintf(writer, "%d\t%s\t%s\t%d\t%d %s\t%.2f\t%s\t%s\n",
			st.Idx,
			time.Unix(st.StartTS, 0).UTC().Format("01-02 15:04"),
			time.Unix(st.EndTS, 0).UTC().Format("01-02 15:04"),
			st.PointsCount,
			st.VolumeUsed, st.VolumeUsedName,
			st.PercentileQ,
			percentile,
			state,
		)
	}
	writer.Flush()

	if res.HasCandidate {
		fmt.Fprintf(out, "selected: %.4f from range %d\n\n", res.SelectedPrice, res.SelectedRangeIdx)
	} else {
		fmt.Fprintln(out, "selected: no candidate")
		fmt.Fprintln(out)
	}
}
