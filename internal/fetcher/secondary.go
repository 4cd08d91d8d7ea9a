package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"floorwatch/internal/support"
)

// SecondaryOptions parameterise the secondary marketplace client.
type SecondaryOptions struct {
	BaseURL string
	Timeout time.Duration
}

// Secondary fetches per-sale history from the secondary marketplace
// full-history endpoint. Item ids come from the injected resolver.
type Secondary struct {
	opts     SecondaryOptions
	resolver Resolver
	client   *http.Client
	logger   zerolog.Logger
}

// NewSecondary builds the secondary marketplace fetcher.
func NewSecondary(opts SecondaryOptions, resolver Resolver, logger zerolog.Logger) *Secondary {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Secondary{
		opts:     opts,
		resolver: resolver,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "secondary_fetcher").Logger(),
	}
}

type secondaryResponse struct {
	Data struct {
		// rows: [timestamp, price_native, price_usd, price_eur]
		History [][]json.Number `json:"history"`
	} `json:"data"`
}

// FetchHistory retrieves the item's sale history in USD. Every row is one
// sale, so each observation carries Count=1.
func (s *Secondary) FetchHistory(ctx context.Context, item string) ([]support.Observation, error) {
	if s.opts.BaseURL == "" {
		return nil, errors.New("secondary base url not configured")
	}

	id, ok, err := s.resolver.Resolve(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("resolve item id: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("item %q not present in marketplace catalog", item)
	}

	url := fmt.Sprintf("%s/full-history/%d.json", strings.TrimRight(s.opts.BaseURL, "/"), id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch secondary history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("secondary history status: %d", resp.StatusCode)
	}

	var decoded secondaryResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode secondary response: %w", err)
	}
	if decoded.Data.History == nil {
		return nil, errors.New("secondary response missing history")
	}

	out := make([]support.Observation, 0, len(decoded.Data.History))
	for _, row := range decoded.Data.History {
		if len(row) < 3 {
			continue
		}
		ts, err := row[0].Int64()
		if err != nil {
			continue
		}
		price, err := row[2].Float64()
		if err != nil || price <= 0 {
			continue
		}
		out = append(out, support.Observation{TS: ts, Price: price, Count: 1})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid USD history points for item %q", item)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].TS < out[j].TS })

	s.logger.Debug().Str("item", item).Int64("id", id).Int("points", len(out)).Msg("secondary history fetched")
	return out, nil
}

// CountSalesSince counts observations at or after the cutoff. Secondary
// market points carry one sale each, so points are counted rather than
// summed volumes.
func CountSalesSince(points []support.Observation, cutoff int64) int {
	cnt := 0
	for i := range points {
		if points[i].TS >= cutoff {
			cnt++
		}
	}
	return cnt
}

var _ HistoryFetcher = (*Secondary)(nil)
