package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"floorwatch/internal/support"
)

const (
	pulseUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
		"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
	pulseBackoffMult = 1.7
)

// PulseOptions parameterise the primary marketplace history client.
type PulseOptions struct {
	BaseURL           string
	GameType          string
	Market            string
	CurrencyOverride  int
	DeviceID          string
	Authorization     string
	Cookie            string
	Origin            string
	Referer           string
	FetchHours        float64 // analysis window plus slack behind the last point
	Timeout           time.Duration
	MaxRetries        int
	RetryInitialDelay time.Duration
	RequestsPerSec    float64
}

// Pulse fetches aggregated trade history from the Pulse item-info endpoint.
type Pulse struct {
	opts    PulseOptions
	client  *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
	now     func() time.Time
}

// NewPulse builds the primary history fetcher.
func NewPulse(opts PulseOptions, logger zerolog.Logger) *Pulse {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSec), 1)
	}
	return &Pulse{
		opts:    opts,
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
		logger:  logger.With().Str("component", "pulse_fetcher").Logger(),
		now:     time.Now,
	}
}

type pulseRequest struct {
	CurrencyOverride int    `json:"currencyOverride"`
	GameType         string `json:"gameType"`
	Market           string `json:"market"`
	MarketHashName   string `json:"marketHashName"`
	MinTimestamp     int64  `json:"minTimestamp"`
	MaxTimestamp     int64  `json:"maxTimestamp"`
}

type pulseHistoryPoint struct {
	TimeSpan     int64   `json:"timeSpan"`
	AveragePrice float64 `json:"averagePrice"`
	Count        int64   `json:"count"`
}

type pulseResponse struct {
	History struct {
		CanUseHistory bool                `json:"canUseHistory"`
		HistoryPoints []pulseHistoryPoint `json:"historyPoints"`
	} `json:"history"`
}

// FetchHistory retrieves and normalises the item's trade history. Transient
// failures (429, 5xx, network) are retried with exponential backoff; other
// client errors abort immediately.
func (p *Pulse) FetchHistory(ctx context.Context, item string) ([]support.Observation, error) {
	if p.opts.BaseURL == "" {
		return nil, errors.New("pulse base url not configured")
	}

	now := p.now().UTC().Unix()
	payload := pulseRequest{
		CurrencyOverride: p.opts.CurrencyOverride,
		GameType:         p.opts.GameType,
		Market:           p.opts.Market,
		MarketHashName:   item,
		MinTimestamp:     now - int64(p.opts.FetchHours*3600),
		MaxTimestamp:     now,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal pulse payload: %w", err)
	}

	url := strings.TrimRight(p.opts.BaseURL, "/") + "/api/item/info"

	var decoded pulseResponse
	operation := func() error {
		if err := p.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		p.setHeaders(req)

		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("pulse rate limited (429)")
		case resp.StatusCode >= 500:
			return fmt.Errorf("pulse server error: %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("pulse client error: %d", resp.StatusCode))
		}

		decoded = pulseResponse{}
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return fmt.Errorf("decode pulse response: %w", err)
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(p.retryPolicy(), uint64(p.opts.MaxRetries)), ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("fetch pulse history for %q: %w", item, err)
	}

	if !decoded.History.CanUseHistory || len(decoded.History.HistoryPoints) == 0 {
		return nil, fmt.Errorf("no history points for item %q", item)
	}

	points := normalisePoints(decoded.History.HistoryPoints)
	if len(points) == 0 {
		return nil, fmt.Errorf("no valid points after parsing for item %q", item)
	}

	p.logger.Debug().Str("item", item).Int("points", len(points)).Msg("pulse history fetched")
	return points, nil
}

func (p *Pulse) retryPolicy() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.Multiplier = pulseBackoffMult
	if p.opts.RetryInitialDelay > 0 {
		bo.InitialInterval = p.opts.RetryInitialDelay
	}
	return bo
}

func (p *Pulse) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", pulseUserAgent)
	if p.opts.Origin != "" {
		req.Header.Set("Origin", p.opts.Origin)
	}
	if p.opts.Referer != "" {
		req.Header.Set("Referer", p.opts.Referer)
	}
	if p.opts.DeviceID != "" {
		req.Header.Set("Device-Id", p.opts.DeviceID)
	}
	if p.opts.Authorization != "" {
		req.Header.Set("Authorization", p.opts.Authorization)
	}
	if p.opts.Cookie != "" {
		req.Header.Set("Cookie", p.opts.Cookie)
	}
}

// normalisePoints drops unusable raw points (non-positive timestamp or
// price, negative count), converts millisecond timestamps to seconds, and
// sorts ascending.
func normalisePoints(raw []pulseHistoryPoint) []support.Observation {
	out := make([]support.Observation, 0, len(raw))
	for _, hp := range raw {
		ts := hp.TimeSpan
		if ts > 1_000_000_000_000 {
			ts /= 1000
		}
		if ts <= 0 || hp.AveragePrice <= 0 || hp.Count < 0 {
			continue
		}
		out = append(out, support.Observation{TS: ts, Price: hp.AveragePrice, Count: hp.Count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TS < out[j].TS })
	return out
}

var _ HistoryFetcher = (*Pulse)(nil)
