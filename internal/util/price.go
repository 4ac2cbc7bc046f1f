// Package util provides common utility functions for price calculations.
package util

import "math"

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.01, 1.2345 becomes 1.23 or 1.24 depending on rounding.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// RoundToCents rounds a premium to two decimal places, the tick used for
// spread limit prices.
func RoundToCents(x float64) float64 {
	return RoundToTick(x, 0.01)
}

// Mid returns the bid/ask midpoint, or 0 when either side is missing
// (non-positive or NaN).
func Mid(bid, ask float64) float64 {
	if math.IsNaN(bid) || math.IsNaN(ask) || bid <= 0 || ask <= 0 {
		return 0
	}
	return (bid + ask) / 2
}
