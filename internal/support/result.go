package support

import (
	"math"

	"github.com/shopspring/decimal"
)

// Method names as reported in results.
const (
	MethodVolumeWeighted  = "volume_weighted"
	MethodPointWeighted   = "point_weighted"
	MethodFallbackCurrent = "fallback_current"
)

// RangeStat describes one analysed sub-range of the window.
type RangeStat struct {
	Idx     int
	StartTS int64
	EndTS   int64 // exclusive; the final sub-range covers the last observation

	PointsCount    int
	VolumeSales    int64
	VolumeUsed     int64
	VolumeUsedName string // "sales" or "points"

	MinShare        float64
	MinWindowVolume int64
	PercentileQ     float64
	PercentilePrice float64

	Valid              bool
	InvalidReason      string
	IgnoredByViolation bool
}

// Candidate reports whether the sub-range is eligible for selection.
func (s RangeStat) Candidate() bool {
	return s.Valid && s.PercentilePrice > 0 && !s.IgnoredByViolation
}

// Result is the outcome of one weighting method over one window.
type Result struct {
	Method string

	WindowHours    float64
	MinRangeHours  float64
	DensityShare   float64
	RangesCount    int
	RangeHours     float64
	RequiredPoints int

	CurrentPrice float64

	SelectedPrice    float64 // +Inf when no candidate survived
	SelectedRangeIdx int     // -1 when no candidate survived
	HasCandidate     bool

	Notes []string
	Stats []RangeStat
}

// DualResult combines both weighting methods into the published figure.
type DualResult struct {
	VolumeWeighted Result
	PointWeighted  Result

	SupportPrice float64
	ChosenMethod string
	UsedFallback bool
}

// TruncatePrice cuts everything beyond two fractional digits, truncating
// toward zero instead of rounding, so the published floor never overstates
// support.
func TruncatePrice(x float64) float64 {
	if math.IsInf(x, 0) || math.IsNaN(x) {
		return x
	}
	return decimal.NewFromFloat(x).Truncate(2).InexactFloat64()
}
