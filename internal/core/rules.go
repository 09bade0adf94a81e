package core

import (
	"errors"

	"github.com/shopspring/decimal"
)

var ErrInvalidPrice = errors.New("invalid price")

// RoundToTick rounds to the nearest multiple of tick, halves away from zero.
func RoundToTick(value, tick decimal.Decimal) decimal.Decimal {
	if tick.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(tick).Round(0).Mul(tick)
}

func RoundDown(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// NormalizePrice parses a decimal string and snaps it to the tick. Empty input stays empty.
func NormalizePrice(raw string, tick decimal.Decimal) (string, error) {
	if raw == "" {
		return "", nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return "", ErrInvalidPrice
	}
	if v.Cmp(decimal.Zero) < 0 {
		return "", ErrInvalidPrice
	}
	return RoundToTick(v, tick).String(), nil
}

// TickFromPlaces converts the exchange "pricePlace" / "priceEndStep" pair into a tick size.
func TickFromPlaces(places int32, endStep decimal.Decimal) decimal.Decimal {
	if endStep.Cmp(decimal.Zero) <= 0 {
		endStep = decimal.NewFromInt(1)
	}
	return endStep.Shift(-places)
}
