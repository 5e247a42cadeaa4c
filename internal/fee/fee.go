// Package fee computes platform fees and settlement amounts. Pure
// arithmetic: no I/O, no clock, no state.
package fee

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Checker-Finance/p2p-engine/pkg/model"
)

// Settlement is the fiat breakdown of a completed trade.
type Settlement struct {
	// Gross is the seller's share of the fiat amount after the split
	// ratio is applied, rounded down to the currency's minor unit. The
	// sub-minor-unit remainder of a split goes to the platform.
	Gross decimal.Decimal `json:"gross"`
	// Fee is the platform fee, rounded up to the currency's minor unit —
	// rounding favors the platform by at most one minor unit.
	Fee decimal.Decimal `json:"fee"`
	// Net is what the seller is owed: Gross - Fee.
	Net decimal.Decimal `json:"net"`
}

var one = decimal.NewFromInt(1)
var bpsDenominator = decimal.NewFromInt(10000)

// Settle computes the settlement for a fiat amount at feeBps basis points.
// splitRatio scales the seller's share for split dispute resolutions; a
// full settlement passes 1.
func Settle(fiatAmount decimal.Decimal, feeBps int64, splitRatio decimal.Decimal, currency string) (Settlement, error) {
	if fiatAmount.IsNegative() {
		return Settlement{}, fmt.Errorf("%w: fiat amount must not be negative", model.ErrValidation)
	}
	if feeBps < 0 || feeBps > 10000 {
		return Settlement{}, fmt.Errorf("%w: fee bps must be within [0, 10000]", model.ErrValidation)
	}
	if splitRatio.IsNegative() || splitRatio.GreaterThan(one) {
		return Settlement{}, fmt.Errorf("%w: split ratio must be within [0, 1]", model.ErrValidation)
	}

	places := MinorUnits(currency)

	gross := fiatAmount.Mul(splitRatio).RoundFloor(places)
	feeAmt := gross.Mul(decimal.NewFromInt(feeBps)).Div(bpsDenominator).RoundUp(places)
	net := gross.Sub(feeAmt)

	return Settlement{Gross: gross, Fee: feeAmt, Net: net}, nil
}

// MinorUnits returns the number of decimal places for a fiat currency.
func MinorUnits(currency string) int32 {
	switch currency {
	case "JPY", "KRW", "VND", "CLP":
		return 0
	case "BHD", "KWD", "OMR":
		return 3
	default:
		return 2
	}
}
