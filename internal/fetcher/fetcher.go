package fetcher

import (
	"context"

	"floorwatch/internal/support"
)

// HistoryFetcher retrieves the sorted trade history for a single item.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, item string) ([]support.Observation, error)
}

// Resolver maps a marketplace item name to its numeric id.
type Resolver interface {
	Resolve(ctx context.Context, name string) (int64, bool, error)
}
