package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"floorwatch/internal/alerting"
	"floorwatch/internal/config"
	"floorwatch/internal/storage"
	"floorwatch/internal/support"
)

const testItem = "AK-47 | Redline"

var testNow = time.Unix(1_700_000_000, 0).UTC()

type stubFetcher struct {
	points []support.Observation
	err    error
	calls  int
}

func (f *stubFetcher) FetchHistory(_ context.Context, _ string) ([]support.Observation, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.points, nil
}

type memQuotes struct {
	records []storage.QuoteRecord
}

func (m *memQuotes) UpsertQuote(_ context.Context, quote storage.QuoteRecord) error {
	m.records = append(m.records, quote)
	return nil
}

func (m *memQuotes) LatestQuote(_ context.Context, item string) (*storage.QuoteRecord, error) {
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].Item == item {
			rec := m.records[i]
			return &rec, nil
		}
	}
	return nil, nil
}

func (m *memQuotes) ListQuotesBetween(_ context.Context, item string, from, to time.Time) ([]storage.QuoteRecord, error) {
	var out []storage.QuoteRecord
	for _, rec := range m.records {
		if rec.Item == item && !rec.Bucket.Before(from) && rec.Bucket.Before(to) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memQuotes) ListRecentQuotes(_ context.Context, limit int) ([]storage.QuoteRecord, error) {
	if len(m.records) <= limit {
		return m.records, nil
	}
	return m.records[len(m.records)-limit:], nil
}

func (m *memQuotes) CountQuotes(_ context.Context) (int64, error) {
	return int64(len(m.records)), nil
}

type memAlerts struct {
	records []storage.FloorAlert
}

func (m *memAlerts) InsertAlert(_ context.Context, alert storage.FloorAlert) (storage.FloorAlert, error) {
	alert.ID = int64(len(m.records) + 1)
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = testNow
	}
	m.records = append(m.records, alert)
	return alert, nil
}

func (m *memAlerts) LatestAlert(_ context.Context, item string) (*storage.FloorAlert, error) {
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].Item == item {
			rec := m.records[i]
			return &rec, nil
		}
	}
	return nil, nil
}

func (m *memAlerts) ListRecentAlerts(_ context.Context, limit int) ([]storage.FloorAlert, error) {
	return m.records, nil
}

func (m *memAlerts) DeleteAlertsBefore(_ context.Context, _ time.Time) error {
	return nil
}

type memNotifier struct {
	notes []alerting.Notification
}

func (m *memNotifier) Notify(_ context.Context, note alerting.Notification) error {
	m.notes = append(m.notes, note)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Watchlist: []string{testItem},
		Secondary: config.SecondaryConfig{
			MinSalesLastTwoDays:  5,
			MinPrimaryPriceCheck: 0.35,
		},
		Compare: config.CompareConfig{
			PrimaryFee:      0.87,
			SecondaryFee:    0.95,
			DiffCoefficient: 0.91 * 0.95,
		},
		Alerting: config.AlertingConfig{
			Enabled:  true,
			DropPct:  5,
			Cooldown: 30 * time.Minute,
			Channels: []string{"telegram"},
		},
	}
}

func testEngine(t *testing.T) *support.Engine {
	t.Helper()
	group := support.ThresholdGroup{
		LastRangeCount:  1,
		MinShare:        0.2,
		MinWindowVolume: 1,
	}
	pair := support.GroupPair{Last: group, Other: group}
	engine, err := support.New(support.Params{
		WindowHours:   24,
		MinRangeHours: 24,
		DensityShare:  0.1,
	}, pair, pair)
	require.NoError(t, err)
	return engine
}

// flatHistory spreads uniform-price observations across the last 20 hours
// before testNow.
func flatHistory(price float64, count int64) []support.Observation {
	points := make([]support.Observation, 0, 10)
	for i := 9; i >= 0; i-- {
		points = append(points, support.Observation{
			TS:    testNow.Unix() - int64(i)*7200,
			Price: price,
			Count: count,
		})
	}
	return points
}

func newTestService(t *testing.T, primary, secondary *stubFetcher, quotes *memQuotes, alerts *memAlerts, notifier *memNotifier) *Service {
	t.Helper()
	svc := New(testConfig(), testEngine(t), nil, primary, secondary, quotes, alerts, notifier, zerolog.Nop())
	svc.now = func() time.Time { return testNow }
	return svc
}

func TestProcessBucketPersistsQuote(t *testing.T) {
	primary := &stubFetcher{points: flatHistory(2.0, 5)}
	secondary := &stubFetcher{points: flatHistory(3.0, 1)}
	quotes := &memQuotes{}
	alerts := &memAlerts{}
	notifier := &memNotifier{}

	svc := newTestService(t, primary, secondary, quotes, alerts, notifier)
	require.NoError(t, svc.ProcessBucket(context.Background(), testNow))

	require.Len(t, quotes.records, 1)
	quote := quotes.records[0]
	require.Equal(t, testItem, quote.Item)
	require.Equal(t, "complete", quote.Status)
	require.Equal(t, support.MethodVolumeWeighted, quote.ChosenMethod)
	require.True(t, quote.SupportPrice.Equal(decimal.NewFromInt(2)), "support price %s", quote.SupportPrice)

	// secondary nets 3*0.95 against primary 2*0.87*0.8645, so the
	// secondary market floor wins
	require.Equal(t, "secondary", quote.ChosenMarket)
	require.True(t, quote.FinalPrice.Equal(decimal.NewFromInt(3)), "final price %s", quote.FinalPrice)
	require.NotNil(t, quote.SecondaryPrice)
	require.Equal(t, 1, secondary.calls)
}

func TestCheapItemSkipsSecondaryMarket(t *testing.T) {
	primary := &stubFetcher{points: flatHistory(0.2, 5)}
	secondary := &stubFetcher{points: flatHistory(3.0, 1)}
	quotes := &memQuotes{}

	svc := newTestService(t, primary, secondary, quotes, &memAlerts{}, &memNotifier{})
	require.NoError(t, svc.ProcessBucket(context.Background(), testNow))

	require.Zero(t, secondary.calls, "items below the price gate must not hit the secondary API")
	require.Len(t, quotes.records, 1)
	require.Equal(t, "primary", quotes.records[0].ChosenMarket)
	require.Nil(t, quotes.records[0].SecondaryPrice)
}

func TestQuietSecondaryMarketIgnored(t *testing.T) {
	stale := make([]support.Observation, 0, 10)
	for i := 9; i >= 0; i-- {
		stale = append(stale, support.Observation{
			TS:    testNow.Add(-72 * time.Hour).Unix() - int64(i)*3600,
			Price: 3.0,
			Count: 1,
		})
	}

	primary := &stubFetcher{points: flatHistory(2.0, 5)}
	secondary := &stubFetcher{points: stale}
	quotes := &memQuotes{}

	svc := newTestService(t, primary, secondary, quotes, &memAlerts{}, &memNotifier{})
	require.NoError(t, svc.ProcessBucket(context.Background(), testNow))

	require.Equal(t, 1, secondary.calls)
	require.Len(t, quotes.records, 1)
	require.Equal(t, "primary", quotes.records[0].ChosenMarket)
	require.Nil(t, quotes.records[0].SecondaryPrice)
}

func TestFloorDropFiresAlert(t *testing.T) {
	primary := &stubFetcher{points: flatHistory(2.0, 5)}
	secondary := &stubFetcher{points: flatHistory(3.0, 1)}
	quotes := &memQuotes{records: []storage.QuoteRecord{{
		Item:       testItem,
		Bucket:     testNow.Add(-time.Hour),
		FinalPrice: decimal.NewFromInt(4),
		Status:     "complete",
	}}}
	alerts := &memAlerts{}
	notifier := &memNotifier{}

	svc := newTestService(t, primary, secondary, quotes, alerts, notifier)
	require.NoError(t, svc.ProcessBucket(context.Background(), testNow))

	require.Len(t, notifier.notes, 1)
	note := notifier.notes[0]
	require.Equal(t, testItem, note.Item)
	require.True(t, note.PrevPrice.Equal(decimal.NewFromInt(4)))
	require.True(t, note.NewPrice.Equal(decimal.NewFromInt(3)))
	require.True(t, note.DropPct.Equal(decimal.NewFromInt(25)), "drop pct %s", note.DropPct)

	require.Len(t, alerts.records, 1)
	require.True(t, alerts.records[0].ThresholdPct.Equal(decimal.NewFromInt(5)))
}

func TestAlertCooldownSuppressesRepeat(t *testing.T) {
	primary := &stubFetcher{points: flatHistory(2.0, 5)}
	secondary := &stubFetcher{points: flatHistory(3.0, 1)}
	quotes := &memQuotes{records: []storage.QuoteRecord{{
		Item:       testItem,
		Bucket:     testNow.Add(-time.Hour),
		FinalPrice: decimal.NewFromInt(4),
		Status:     "complete",
	}}}
	alerts := &memAlerts{records: []storage.FloorAlert{{
		ID:        1,
		Item:      testItem,
		CreatedAt: testNow.Add(-10 * time.Minute),
	}}}
	notifier := &memNotifier{}

	svc := newTestService(t, primary, secondary, quotes, alerts, notifier)
	require.NoError(t, svc.ProcessBucket(context.Background(), testNow))

	require.Empty(t, notifier.notes, "a second alert inside the cooldown must be suppressed")
	require.Len(t, alerts.records, 1)
}

func TestSmallDropStaysQuiet(t *testing.T) {
	primary := &stubFetcher{points: flatHistory(2.0, 5)}
	secondary := &stubFetcher{points: flatHistory(3.0, 1)}
	quotes := &memQuotes{records: []storage.QuoteRecord{{
		Item:       testItem,
		Bucket:     testNow.Add(-time.Hour),
		FinalPrice: decimal.RequireFromString("3.10"),
		Status:     "complete",
	}}}
	notifier := &memNotifier{}

	svc := newTestService(t, primary, secondary, quotes, &memAlerts{}, notifier)
	require.NoError(t, svc.ProcessBucket(context.Background(), testNow))

	// 3.10 -> 3.00 is about 3.2%, below the 5% threshold
	require.Empty(t, notifier.notes)
}

func TestPrimaryFetchErrorRecordsErroredQuote(t *testing.T) {
	primary := &stubFetcher{err: errors.New("upstream down")}
	quotes := &memQuotes{}
	notifier := &memNotifier{}

	svc := newTestService(t, primary, nil, quotes, &memAlerts{}, notifier)
	require.NoError(t, svc.ProcessBucket(context.Background(), testNow))

	require.Len(t, quotes.records, 1)
	require.Equal(t, "errored", quotes.records[0].Status)
	require.NotNil(t, quotes.records[0].Error)
	require.Empty(t, notifier.notes)
}
