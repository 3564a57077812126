package orchestrator

import (
	"github.com/shopspring/decimal"

	"quantdesk/pkg/types"
)

// SizeOrder converts a target weight into a whole-share order:
//
//	qty = floor(min(|weight| × capital, maxPositionSize) / price)
//
// Side follows the weight's sign. A zero weight, missing price, or a
// notional too small for one share sizes to zero.
func SizeOrder(sig types.Signal, capital, maxPositionSize decimal.Decimal, price *decimal.Decimal) (qty int64, side types.Side) {
	if sig.TargetWeight == 0 || price == nil || !price.IsPositive() {
		return 0, ""
	}

	weight := decimal.NewFromFloat(sig.TargetWeight).Abs()
	notional := weight.Mul(capital)
	if maxPositionSize.IsPositive() && notional.GreaterThan(maxPositionSize) {
		notional = maxPositionSize
	}

	qty = notional.Div(*price).IntPart()
	if qty <= 0 {
		return 0, ""
	}
	side = types.Buy
	if sig.TargetWeight < 0 {
		side = types.Sell
	}
	return qty, side
}
