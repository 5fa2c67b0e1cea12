package orders

import (
	"github.com/shopspring/decimal"
)

// Totals holds the monetary summary of an order in cents.
type Totals struct {
	SubtotalCents int64
	DiscountCents int64
	TaxCents      int64
	TotalCents    int64
}

// ComputeTotals taxes the discounted subtotal at rate, rounding half up to the cent.
// subtotal - discount + tax == total always holds.
func ComputeTotals(lineTotals []int64, discountCents int64, rate decimal.Decimal) Totals {
	var subtotal int64
	for _, line := range lineTotals {
		subtotal += line
	}
	taxable := subtotal - discountCents
	tax := decimal.NewFromInt(taxable).Mul(rate).Round(0).IntPart()
	return Totals{
		SubtotalCents: subtotal,
		DiscountCents: discountCents,
		TaxCents:      tax,
		TotalCents:    taxable + tax,
	}
}
