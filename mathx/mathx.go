// Package mathx contains small numeric helpers for formatting instrument values
package mathx

import "math"

// Round rounds a float to the nearest "unit" (0.1 for tenth, 0.01 for hundredth, and so on).
func Round(x, unit float64) float64 {
	return math.Round(x/unit) * unit
}

// Floor rounds a float down to a multiple of unit
func Floor(x, unit float64) float64 {
	return math.Floor(x/unit) * unit
}

// Fixed rounds x to n decimal places
func Fixed(x float64, n int) float64 {
	p := math.Pow(10, float64(n))
	return math.Round(x*p) / p
}
