package policy

import "sort"

// DefaultPercentile selects the 80th percentile of batch errors.
const DefaultPercentile = 0.80

// ReconstructionErrors returns the per-row mean squared difference between
// features and reconstruction. Rows must have equal width.
func ReconstructionErrors(features, reconstruction [][]float64) []float64 {
	errs := make([]float64, len(features))
	for i := range features {
		var sum float64
		for k := range features[i] {
			d := features[i][k] - reconstruction[i][k]
			sum += d * d
		}
		if n := len(features[i]); n > 0 {
			errs[i] = sum / float64(n)
		}
	}
	return errs
}

// Threshold sorts a copy of errs ascending and returns the element at index
// int(percentile * N), clamped to the last element. Returns 0 for no errors.
func Threshold(errs []float64, percentile float64) float64 {
	if len(errs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), errs...)
	sort.Float64s(sorted)

	idx := int(percentile * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}
