// Package util provides common utility functions for price calculations.
package util

import "github.com/shopspring/decimal"

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.05, 1.27 becomes 1.25. Ties round away from zero.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	t := decimal.NewFromFloat(tick)
	return toFloat(decimal.NewFromFloat(x).Div(t).Round(0).Mul(t))
}

// RoundDownToTick rounds x toward negative infinity on the tick grid.
func RoundDownToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	t := decimal.NewFromFloat(tick)
	return toFloat(decimal.NewFromFloat(x).Div(t).Floor().Mul(t))
}

// Add returns a+b without binary float drift.
func Add(a, b float64) float64 {
	return toFloat(decimal.NewFromFloat(a).Add(decimal.NewFromFloat(b)))
}

// Sub returns a-b without binary float drift.
func Sub(a, b float64) float64 {
	return toFloat(decimal.NewFromFloat(a).Sub(decimal.NewFromFloat(b)))
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
