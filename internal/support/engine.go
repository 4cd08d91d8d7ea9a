package support

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrNoObservations reports an empty input series, or one that became empty
// after window filtering. This is a caller data problem; a method finding no
// candidate is a regular outcome, not this error.
var ErrNoObservations = errors.New("support: no usable observations")

// ErrConfig reports invalid engine configuration. Raised from New only; a
// constructed engine never re-validates.
var ErrConfig = errors.New("support: invalid configuration")

// ThresholdGroup gates sub-ranges and sets their percentile quantile
// (q = 1 - MinShare).
type ThresholdGroup struct {
	LastRangeCount       int
	MinShare             float64
	MaxAllowedViolations int
	MinWindowVolume      int64
}

// GroupPair holds the threshold group applied to the trailing
// Last.LastRangeCount sub-ranges and the group for everything before them.
type GroupPair struct {
	Last  ThresholdGroup
	Other ThresholdGroup
}

func (g GroupPair) validate(method string) error {
	if g.Last.LastRangeCount < 0 {
		return fmt.Errorf("%w: %s last_range_count cannot be negative", ErrConfig, method)
	}
	for _, part := range []struct {
		name  string
		group ThresholdGroup
	}{{"last", g.Last}, {"other", g.Other}} {
		if part.group.MinShare < 0 || part.group.MinShare >= 1 {
			return fmt.Errorf("%w: %s %s group min_share must be in [0,1)", ErrConfig, method, part.name)
		}
		if part.group.MaxAllowedViolations < 0 {
			return fmt.Errorf("%w: %s %s group max_allowed_violations cannot be negative", ErrConfig, method, part.name)
		}
		if part.group.MinWindowVolume < 0 {
			return fmt.Errorf("%w: %s %s group min_window_volume cannot be negative", ErrConfig, method, part.name)
		}
	}
	return nil
}

// Params tune the analysis window and the partition search.
type Params struct {
	WindowHours   float64
	MinRangeHours float64
	DensityShare  float64 // required points per hour of sub-range
}

// Engine computes support prices from trade history. Construct via New; a
// constructed engine is immutable and safe for concurrent use.
type Engine struct {
	params Params
	volume GroupPair
	points GroupPair
}

// New validates the configuration once and returns a ready engine.
func New(params Params, volume, points GroupPair) (*Engine, error) {
	if params.WindowHours <= 0 {
		return nil, fmt.Errorf("%w: window_hours must be positive", ErrConfig)
	}
	if params.MinRangeHours <= 0 {
		return nil, fmt.Errorf("%w: min_range_hours must be positive", ErrConfig)
	}
	if params.DensityShare < 0 {
		return nil, fmt.Errorf("%w: density_share cannot be negative", ErrConfig)
	}
	if err := volume.validate(MethodVolumeWeighted); err != nil {
		return nil, err
	}
	if err := points.validate(MethodPointWeighted); err != nil {
		return nil, err
	}
	return &Engine{params: params, volume: volume, points: points}, nil
}

// ComputeDual runs both weighting methods over the series and reconciles
// them with the configured density share.
func (e *Engine) ComputeDual(points []Observation) (DualResult, error) {
	return e.computeDual(points, e.params.DensityShare)
}

// ComputeDualWithDensity overrides the density share for this call only.
// Zero disables density gating in the partition search, which is the right
// setting for thin markets.
func (e *Engine) ComputeDualWithDensity(points []Observation, densityShare float64) (DualResult, error) {
	return e.computeDual(points, densityShare)
}

func (e *Engine) computeDual(points []Observation, densityShare float64) (DualResult, error) {
	resVolume, err := e.computeMethod(points, e.volume, MethodVolumeWeighted, true, densityShare)
	if err != nil {
		return DualResult{}, err
	}
	resPoints, err := e.computeMethod(points, e.points, MethodPointWeighted, false, densityShare)
	if err != nil {
		return DualResult{}, err
	}

	out := DualResult{VolumeWeighted: resVolume, PointWeighted: resPoints}

	// The more conservative (lower) estimate wins; on an exact tie the
	// volume-weighted method is kept because it is checked first.
	var best *Result
	for _, r := range []*Result{&out.VolumeWeighted, &out.PointWeighted} {
		if !r.HasCandidate {
			continue
		}
		if best == nil || r.SelectedPrice < best.SelectedPrice {
			best = r
		}
	}
	if best != nil {
		out.SupportPrice = TruncatePrice(best.SelectedPrice)
		out.ChosenMethod = best.Method
		return out, nil
	}

	// Neither method produced a candidate: fall back to the most recent
	// price. Both methods share the window, so either CurrentPrice works.
	out.SupportPrice = TruncatePrice(resVolume.CurrentPrice)
	out.ChosenMethod = MethodFallbackCurrent
	out.UsedFallback = true
	return out, nil
}

func (e *Engine) computeMethod(points []Observation, groups GroupPair, method string, useVolume bool, densityShare float64) (Result, error) {
	if len(points) == 0 {
		return Result{}, fmt.Errorf("%s: %w", method, ErrNoObservations)
	}

	var notes []string
	pts := filterWindow(points, e.params.WindowHours)
	if len(pts) < len(points) {
		notes = append(notes, fmt.Sprintf(
			"filtered to last %gh from last point: %d/%d points",
			e.params.WindowHours, len(pts), len(points),
		))
	}
	if len(pts) == 0 {
		return Result{}, fmt.Errorf("%s: window empty: %w", method, ErrNoObservations)
	}

	currentPrice := pts[len(pts)-1].Price

	part, partNotes := pickPartition(pts, e.params.WindowHours, e.params.MinRangeHours, densityShare)
	notes = append(notes, partNotes...)

	n := part.n
	lastCount := groups.Last.LastRangeCount
	if lastCount > n {
		lastCount = n
	}

	if useVolume {
		notes = append(notes, fmt.Sprintf("%s: gating and percentile weights use sale volume", method))
	} else {
		notes = append(notes, fmt.Sprintf("%s: gating and percentile weights use point counts", method))
	}

	tEnd := pts[len(pts)-1].TS
	tStart := tEnd - int64(e.params.WindowHours*3600)

	stats := make([]RangeStat, 0, n)
	for i := 0; i < n; i++ {
		a, b := rangeBounds(tStart, tEnd, e.params.WindowHours, n, i)

		var member []Observation
		for j := range pts {
			if pts[j].TS >= a && pts[j].TS < b {
				member = append(member, pts[j])
			}
		}

		pointsCount := len(member)
		var volumeSales int64
		for _, p := range member {
			volumeSales += p.Count
		}

		cfg := groups.Other
		if lastCount > 0 && i >= n-lastCount {
			cfg = groups.Last
		}

		volumeUsed, usedName := volumeSales, "sales"
		if !useVolume {
			volumeUsed, usedName = int64(pointsCount), "points"
		}

		st := RangeStat{
			Idx:             i,
			StartTS:         a,
			EndTS:           b,
			PointsCount:     pointsCount,
			VolumeSales:     volumeSales,
			VolumeUsed:      volumeUsed,
			VolumeUsedName:  usedName,
			MinShare:        cfg.MinShare,
			MinWindowVolume: cfg.MinWindowVolume,
			PercentileQ:     1 - cfg.MinShare,
		}

		if volumeUsed < cfg.MinWindowVolume {
			st.InvalidReason = usedName + "_below_threshold"
			stats = append(stats, st)
			continue
		}
		if pointsCount == 0 {
			// Unreachable when the volume gate passed with a positive
			// threshold, but guarded regardless.
			st.InvalidReason = "no_prices"
			stats = append(stats, st)
			continue
		}

		prices := make([]float64, pointsCount)
		weights := make([]int64, pointsCount)
		var totalWeight int64
		for j, p := range member {
			prices[j] = p.Price
			if useVolume {
				weights[j] = p.Count
			} else {
				weights[j] = 1
			}
			totalWeight += weights[j]
		}
		if useVolume && totalWeight <= 0 {
			st.InvalidReason = "zero_total_weight"
			stats = append(stats, st)
			continue
		}

		perc := weightedQuantile(prices, weights, st.PercentileQ)
		if perc <= 0 {
			st.InvalidReason = "nonpositive_percentile"
			stats = append(stats, st)
			continue
		}

		st.PercentilePrice = perc
		st.Valid = true
		stats = append(stats, st)
	}

	var lastGroup, otherGroup []*RangeStat
	for i := range stats {
		if lastCount > 0 && stats[i].Idx >= n-lastCount {
			lastGroup = append(lastGroup, &stats[i])
		} else {
			otherGroup = append(otherGroup, &stats[i])
		}
	}
	suppressCheapest(lastGroup, groups.Last.MaxAllowedViolations)
	suppressCheapest(otherGroup, groups.Other.MaxAllowedViolations)

	res := Result{
		Method:           method,
		WindowHours:      e.params.WindowHours,
		MinRangeHours:    e.params.MinRangeHours,
		DensityShare:     densityShare,
		RangesCount:      n,
		RangeHours:       part.rangeHours,
		RequiredPoints:   part.requiredPoints,
		CurrentPrice:     currentPrice,
		SelectedPrice:    math.Inf(1),
		SelectedRangeIdx: -1,
		Notes:            notes,
		Stats:            stats,
	}

	var candidates []*RangeStat
	for i := range stats {
		if stats[i].Candidate() {
			candidates = append(candidates, &stats[i])
		}
	}
	if len(candidates) == 0 {
		res.Notes = append(res.Notes, fmt.Sprintf("%s: no valid candidates after filters", method))
		return res, nil
	}

	// Cheapest price wins; exact ties go to the most recent sub-range.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].PercentilePrice != candidates[j].PercentilePrice {
			return candidates[i].PercentilePrice < candidates[j].PercentilePrice
		}
		return candidates[i].Idx > candidates[j].Idx
	})
	chosen := candidates[0]

	res.SelectedPrice = chosen.PercentilePrice
	res.SelectedRangeIdx = chosen.Idx
	res.HasCandidate = true
	return res, nil
}

// suppressCheapest marks up to budget of the group's cheapest valid
// sub-ranges as ignored, discounting them as manipulation noise rather than
// genuine support.
func suppressCheapest(group []*RangeStat, budget int) {
	var valid []*RangeStat
	for _, s := range group {
		if s.Valid && s.PercentilePrice > 0 {
			valid = append(valid, s)
		}
	}
	sort.SliceStable(valid, func(i, j int) bool { return valid[i].PercentilePrice < valid[j].PercentilePrice })
	for i := 0; i < len(valid) && i < budget; i++ {
		valid[i].IgnoredByViolation = true
	}
}
