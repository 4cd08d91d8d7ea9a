package support

import "sort"

type weightedPoint struct {
	price  float64
	weight int64
}

// weightedQuantile returns the price at quantile q of the weighted price
// distribution described by the parallel prices/weights slices. Pairs with a
// non-positive weight do not contribute. q at or below 0 degrades to the
// minimum price, q at or above 1 to the maximum.
func weightedQuantile(prices []float64, weights []int64, q float64) float64 {
	if len(prices) == 0 {
		return 0
	}
	if q <= 0 {
		lowest := prices[0]
		for _, p := range prices[1:] {
			if p < lowest {
				lowest = p
			}
		}
		return lowest
	}
	if q >= 1 {
		highest := prices[0]
		for _, p := range prices[1:] {
			if p > highest {
				highest = p
			}
		}
		return highest
	}

	pairs := make([]weightedPoint, len(prices))
	for i := range prices {
		pairs[i] = weightedPoint{price: prices[i], weight: weights[i]}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].price < pairs[j].price })

	var totalWeight int64
	for _, wp := range pairs {
		if wp.weight > 0 {
			totalWeight += wp.weight
		}
	}
	if totalWeight <= 0 {
		return 0
	}

	target := q * float64(totalWeight)
	cumulative := 0.0
	last := 0.0
	for _, wp := range pairs {
		if wp.weight <= 0 {
			continue
		}
		cumulative += float64(wp.weight)
		last = wp.price
		if cumulative >= target {
			return wp.price
		}
	}
	// Floating-point edge: the walk exhausted without reaching the target.
	return last
}
