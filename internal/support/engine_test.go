package support

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fourRangePoints lays three observations into each of four 6h sub-ranges of
// a 24h window ending at testBase, pricing each sub-range uniformly. A final
// observation at exactly testBase pins the window end.
func fourRangePoints(prices [4]float64, count int64) []Observation {
	tStart := testBase - 86400
	var out []Observation
	for i := 0; i < 4; i++ {
		rangeStart := tStart + int64(i)*21600
		for _, off := range []int64{600, 7200, 14000} {
			out = append(out, Observation{TS: rangeStart + off, Price: prices[i], Count: count})
		}
	}
	out = append(out, Observation{TS: testBase, Price: prices[3], Count: count})
	return out
}

func openPair(minShare float64, violations int) GroupPair {
	return GroupPair{
		Last:  ThresholdGroup{MinShare: minShare},
		Other: ThresholdGroup{MinShare: minShare, MaxAllowedViolations: violations},
	}
}

func fourRangeEngine(t *testing.T, volume, points GroupPair) *Engine {
	t.Helper()
	eng, err := New(Params{WindowHours: 24, MinRangeHours: 6, DensityShare: 0}, volume, points)
	require.NoError(t, err)
	return eng
}

func TestNewRejectsBadConfig(t *testing.T) {
	ok := openPair(0.2, 0)

	_, err := New(Params{WindowHours: 0, MinRangeHours: 1}, ok, ok)
	require.ErrorIs(t, err, ErrConfig)

	_, err = New(Params{WindowHours: 24, MinRangeHours: 0}, ok, ok)
	require.ErrorIs(t, err, ErrConfig)

	_, err = New(Params{WindowHours: 24, MinRangeHours: 1, DensityShare: -1}, ok, ok)
	require.ErrorIs(t, err, ErrConfig)

	bad := ok
	bad.Other.MinShare = 1.0
	_, err = New(Params{WindowHours: 24, MinRangeHours: 1}, ok, bad)
	require.ErrorIs(t, err, ErrConfig)

	bad = ok
	bad.Last.MaxAllowedViolations = -1
	_, err = New(Params{WindowHours: 24, MinRangeHours: 1}, bad, ok)
	require.ErrorIs(t, err, ErrConfig)
}

func TestComputeDualEmptyInput(t *testing.T) {
	eng := fourRangeEngine(t, openPair(0.2, 0), openPair(0.2, 0))

	_, err := eng.ComputeDual(nil)
	require.ErrorIs(t, err, ErrNoObservations)
}

// Ten observations evenly spread over a flat 24h market: a single forced
// range and a support price equal to the only traded price.
func TestComputeDualFlatDay(t *testing.T) {
	eng, err := New(
		Params{WindowHours: 24, MinRangeHours: 24, DensityShare: 0},
		openPair(0.2, 0),
		openPair(0.2, 0),
	)
	require.NoError(t, err)

	var pts []Observation
	for i := 1; i <= 10; i++ {
		pts = append(pts, Observation{TS: testBase - 86400 + int64(i)*8640, Price: 1.0, Count: 5})
	}

	dual, err := eng.ComputeDual(pts)
	require.NoError(t, err)

	assert.Equal(t, 1, dual.VolumeWeighted.RangesCount)
	assert.InDelta(t, 0.8, dual.VolumeWeighted.Stats[0].PercentileQ, 1e-12)
	assert.Equal(t, 1.0, dual.SupportPrice)
	assert.Equal(t, MethodVolumeWeighted, dual.ChosenMethod)
	assert.False(t, dual.UsedFallback)
}

func TestComputeDualPointMethodRescues(t *testing.T) {
	gatedVolume := openPair(0.2, 0)
	gatedVolume.Last.MinWindowVolume = 1000
	gatedVolume.Other.MinWindowVolume = 1000

	eng := fourRangeEngine(t, gatedVolume, openPair(0.2, 0))

	dual, err := eng.ComputeDual(fourRangePoints([4]float64{2.5, 2.5, 2.5, 2.5}, 1))
	require.NoError(t, err)

	assert.False(t, dual.VolumeWeighted.HasCandidate)
	assert.True(t, math.IsInf(dual.VolumeWeighted.SelectedPrice, 1))
	assert.Equal(t, -1, dual.VolumeWeighted.SelectedRangeIdx)
	assert.Equal(t, "sales_below_threshold", dual.VolumeWeighted.Stats[0].InvalidReason)

	assert.True(t, dual.PointWeighted.HasCandidate)
	assert.Equal(t, 2.5, dual.SupportPrice)
	assert.Equal(t, MethodPointWeighted, dual.ChosenMethod)
}

func TestComputeDualFallbackCurrent(t *testing.T) {
	gated := openPair(0.2, 0)
	gated.Last.MinWindowVolume = 1000
	gated.Other.MinWindowVolume = 1000

	eng := fourRangeEngine(t, gated, gated)

	pts := fourRangePoints([4]float64{4.0, 2.0, 3.0, 3.37}, 1)
	dual, err := eng.ComputeDual(pts)
	require.NoError(t, err)

	assert.True(t, dual.UsedFallback)
	assert.Equal(t, MethodFallbackCurrent, dual.ChosenMethod)
	// The fallback is the most recent observation's price, exactly.
	assert.Equal(t, 3.37, dual.SupportPrice)
	assert.Equal(t, "points_below_threshold", dual.PointWeighted.Stats[0].InvalidReason)
}

func TestComputeDualMinimumAcrossMethodsWins(t *testing.T) {
	eng, err := New(
		Params{WindowHours: 24, MinRangeHours: 24, DensityShare: 0},
		openPair(0.2, 0), // q=0.8
		openPair(0.8, 0), // q=0.2
	)
	require.NoError(t, err)

	pts := []Observation{
		{TS: testBase - 40000, Price: 2.95, Count: 1},
		{TS: testBase - 30000, Price: 3.10, Count: 9},
		{TS: testBase - 20000, Price: 3.10, Count: 9},
		{TS: testBase - 10000, Price: 3.10, Count: 9},
		{TS: testBase, Price: 3.10, Count: 9},
	}

	dual, err := eng.ComputeDual(pts)
	require.NoError(t, err)

	assert.Equal(t, 3.10, dual.VolumeWeighted.SelectedPrice)
	assert.Equal(t, 2.95, dual.PointWeighted.SelectedPrice)
	assert.Equal(t, 2.95, dual.SupportPrice)
	assert.Equal(t, MethodPointWeighted, dual.ChosenMethod)
}

func TestViolationBudgetSuppressesCheapest(t *testing.T) {
	eng := fourRangeEngine(t, openPair(0.2, 2), openPair(0.2, 2))

	dual, err := eng.ComputeDual(fourRangePoints([4]float64{4.0, 2.0, 3.0, 5.0}, 1))
	require.NoError(t, err)

	res := dual.PointWeighted
	ignored := 0
	for _, s := range res.Stats {
		if s.IgnoredByViolation {
			ignored++
		}
	}
	assert.Equal(t, 2, ignored)
	assert.True(t, res.Stats[1].IgnoredByViolation, "cheapest range must be suppressed")
	assert.True(t, res.Stats[2].IgnoredByViolation, "second cheapest range must be suppressed")
	assert.Equal(t, 4.0, res.SelectedPrice)
	assert.Equal(t, 0, res.SelectedRangeIdx)
}

func TestZeroViolationBudgetSuppressesNothing(t *testing.T) {
	eng := fourRangeEngine(t, openPair(0.2, 0), openPair(0.2, 0))

	dual, err := eng.ComputeDual(fourRangePoints([4]float64{4.0, 2.0, 3.0, 5.0}, 1))
	require.NoError(t, err)

	for _, s := range dual.PointWeighted.Stats {
		assert.False(t, s.IgnoredByViolation)
	}
	assert.Equal(t, 2.0, dual.SupportPrice)
}

func TestViolationBudgetClampedToGroupSize(t *testing.T) {
	eng := fourRangeEngine(t, openPair(0.2, 9), openPair(0.2, 9))

	dual, err := eng.ComputeDual(fourRangePoints([4]float64{4.0, 2.0, 3.0, 5.0}, 1))
	require.NoError(t, err)

	// All four valid ranges suppressed in both methods: fallback applies.
	for _, s := range dual.PointWeighted.Stats {
		assert.True(t, s.IgnoredByViolation)
	}
	assert.True(t, dual.UsedFallback)
	assert.Equal(t, MethodFallbackCurrent, dual.ChosenMethod)
	assert.Equal(t, 5.0, dual.SupportPrice)
}

func TestTieBreakPrefersRecentRange(t *testing.T) {
	eng := fourRangeEngine(t, openPair(0.2, 0), openPair(0.2, 0))

	dual, err := eng.ComputeDual(fourRangePoints([4]float64{2.0, 2.0, 5.0, 5.0}, 1))
	require.NoError(t, err)

	assert.Equal(t, 2.0, dual.PointWeighted.SelectedPrice)
	assert.Equal(t, 1, dual.PointWeighted.SelectedRangeIdx)
}

func TestLastGroupUsesOwnThresholds(t *testing.T) {
	points := openPair(0.2, 0)
	points.Last.LastRangeCount = 1
	points.Last.MinWindowVolume = 10 // final range has only 4 points

	eng := fourRangeEngine(t, openPair(0.2, 0), points)

	dual, err := eng.ComputeDual(fourRangePoints([4]float64{4.0, 3.0, 5.0, 2.0}, 1))
	require.NoError(t, err)

	last := dual.PointWeighted.Stats[3]
	assert.False(t, last.Valid)
	assert.Equal(t, "points_below_threshold", last.InvalidReason)
	// The cheap final range is gated out, so the other group supplies the floor.
	assert.Equal(t, 3.0, dual.PointWeighted.SelectedPrice)
}

func TestComputeDualDeterministic(t *testing.T) {
	eng := fourRangeEngine(t, openPair(0.2, 1), openPair(0.3, 1))
	pts := fourRangePoints([4]float64{4.17, 2.02, 3.58, 5.41}, 3)

	first, err := eng.ComputeDual(pts)
	require.NoError(t, err)
	second, err := eng.ComputeDual(pts)
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func TestComputeDualWithDensityOverride(t *testing.T) {
	eng, err := New(
		Params{WindowHours: 24, MinRangeHours: 6, DensityShare: 50},
		openPair(0.2, 0),
		openPair(0.2, 0),
	)
	require.NoError(t, err)

	pts := fourRangePoints([4]float64{4.0, 2.0, 3.0, 5.0}, 1)

	dense, err := eng.ComputeDual(pts)
	require.NoError(t, err)
	assert.Equal(t, 1, dense.VolumeWeighted.RangesCount, "unsatisfiable density must force a single range")

	thin, err := eng.ComputeDualWithDensity(pts, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, thin.VolumeWeighted.RangesCount)
}

func TestTruncatePrice(t *testing.T) {
	assert.Equal(t, 2.99, TruncatePrice(2.999))
	assert.Equal(t, 2.0, TruncatePrice(2.0))
	assert.Equal(t, 0.33, TruncatePrice(1.0/3.0))
	assert.True(t, math.IsInf(TruncatePrice(math.Inf(1)), 1))

	for _, x := range []float64{0, 0.004, 1.005, 12.349999, 99.999, 1234.5678} {
		got := TruncatePrice(x)
		assert.LessOrEqual(t, got, x, "truncation must never increase %v", x)
	}
}
