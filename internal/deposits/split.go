package deposits

import "github.com/shopspring/decimal"

// Split divides total into a deposit of percentage% rounded down to the cent
// and the remaining balance, which absorbs any rounding remainder.
func Split(totalCents int64, percentage int) (depositCents, remainingCents int64) {
	deposit := decimal.NewFromInt(totalCents).
		Mul(decimal.NewFromInt(int64(percentage))).
		Div(decimal.NewFromInt(100)).
		Floor().
		IntPart()
	return deposit, totalCents - deposit
}
