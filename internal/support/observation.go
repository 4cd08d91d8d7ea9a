package support

// Observation is a single historical trade print: unix timestamp in seconds,
// average sale price at that timestamp, and how many sales it aggregates.
type Observation struct {
	TS    int64
	Price float64
	Count int64
}

// filterWindow keeps the observations inside the trailing window that ends at
// the last observation. The input must already be sorted ascending by TS;
// that is a caller contract and is not re-verified here.
func filterWindow(points []Observation, hours float64) []Observation {
	if len(points) == 0 {
		return nil
	}
	tMin := points[len(points)-1].TS - int64(hours*3600)
	for i := range points {
		if points[i].TS >= tMin {
			return points[i:]
		}
	}
	return nil
}
