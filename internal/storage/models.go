package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// QuoteRecord is one persisted support-price computation for an item.
type QuoteRecord struct {
	Item           string
	Bucket         time.Time
	SupportPrice   decimal.Decimal
	CurrentPrice   decimal.Decimal
	ChosenMethod   string
	UsedFallback   bool
	RangesCount    int
	RangeHours     float64
	ChosenMarket   string
	SecondaryPrice *decimal.Decimal
	FinalPrice     decimal.Decimal
	Status         string
	Error          *string
	CreatedAt      time.Time
}

// FloorAlert captures an emitted floor-drop alert for auditing and cooldown.
type FloorAlert struct {
	ID           int64
	Item         string
	Bucket       time.Time
	PrevPrice    decimal.Decimal
	NewPrice     decimal.Decimal
	DropPct      decimal.Decimal
	ThresholdPct decimal.Decimal
	Channels     []string
	CreatedAt    time.Time
}
