package support

import (
	"fmt"
	"math"
)

// rangeEpsilon absorbs float drift when comparing candidate range lengths
// against the configured minimum.
const rangeEpsilon = 1e-9

// partition is the accepted sub-range layout for an analysis window.
type partition struct {
	n              int
	rangeHours     float64
	requiredPoints int
}

// rangeBounds returns the [start, end) second bounds of sub-range i out of n.
// The final sub-range is widened by one second so the last observation is
// included.
func rangeBounds(tStart, tEnd int64, windowHours float64, n, i int) (int64, int64) {
	rangeSeconds := windowHours * 3600 / float64(n)
	a := tStart + int64(float64(i)*rangeSeconds)
	if i == n-1 {
		return a, tEnd + 1
	}
	return a, tStart + int64(float64(i+1)*rangeSeconds)
}

func countBetween(points []Observation, a, b int64) int {
	cnt := 0
	for i := range points {
		if points[i].TS >= a && points[i].TS < b {
			cnt++
		}
	}
	return cnt
}

// pickPartition searches for the largest number of equal-length sub-ranges
// that all satisfy the density requirement, starting from the densest
// candidate and walking down. When nothing satisfies it, a single range
// covering the whole window is forced; density gating is advisory at the
// limit. The returned notes record every attempt for diagnostics.
func pickPartition(points []Observation, windowHours, minRangeHours, densityShare float64) (partition, []string) {
	if windowHours <= 0 {
		return partition{n: 1, rangeHours: math.Max(1, minRangeHours), requiredPoints: 1},
			[]string{"window hours <= 0, forced single range"}
	}

	nMax := int(math.Floor(windowHours / math.Max(1e-9, minRangeHours)))
	if nMax < 1 {
		nMax = 1
	}

	tEnd := points[len(points)-1].TS
	tStart := tEnd - int64(windowHours*3600)

	notes := []string{fmt.Sprintf(
		"partition search: window=%gh min_range=%gh density=%g -> n_max=%d",
		windowHours, minRangeHours, densityShare, nMax,
	)}

	for n := nMax; n >= 1; n-- {
		rangeHours := windowHours / float64(n)
		if rangeHours+rangeEpsilon < minRangeHours {
			notes = append(notes, fmt.Sprintf("try n=%d: range_hours=%g -> skip (below min_range)", n, rangeHours))
			continue
		}

		required := int(math.Ceil(rangeHours * densityShare))
		counts := make([]int, 0, n)
		var sparse []string
		for i := 0; i < n; i++ {
			a, b := rangeBounds(tStart, tEnd, windowHours, n, i)
			cnt := countBetween(points, a, b)
			counts = append(counts, cnt)
			if cnt < required {
				sparse = append(sparse, fmt.Sprintf(
					"idx=%d (%.2f..%.2fh): points=%d < required=%d",
					i, float64(a-tStart)/3600, float64(b-tStart)/3600, cnt, required,
				))
			}
		}

		if len(sparse) > 0 {
			notes = append(notes, fmt.Sprintf(
				"try n=%d: range_hours=%g required=%d -> fail (%d/%d ranges sparse) counts=%v",
				n, rangeHours, required, len(sparse), n, counts,
			))
			for _, s := range sparse {
				notes = append(notes, "  sparse range "+s)
			}
			continue
		}

		notes = append(notes, fmt.Sprintf(
			"try n=%d: range_hours=%g required=%d -> ok counts=%v", n, rangeHours, required, counts,
		))
		return partition{n: n, rangeHours: rangeHours, requiredPoints: required}, notes
	}

	notes = append(notes, "no partition satisfied density condition; fallback to single range")
	return partition{
		n:              1,
		rangeHours:     windowHours,
		requiredPoints: int(math.Ceil(windowHours * densityShare)),
	}, notes
}
