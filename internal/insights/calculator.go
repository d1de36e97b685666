package insights

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Calculator keeps an exact running average of the fees in the window.
//
// The average of an empty window is 0. Non-empty averages are truncated
// toward zero to the configured number of decimal places.
type Calculator struct {
	sum    decimal.Decimal
	count  int64
	places int32
}

// NewCalculator returns an empty calculator reporting averages with places
// decimal digits.
func NewCalculator(places int32) *Calculator {
	if places < 0 {
		places = 0
	}
	return &Calculator{sum: decimal.Zero, places: places}
}

// Add folds a fee into the running sum.
func (c *Calculator) Add(fee uint64) {
	c.sum = c.sum.Add(feeDecimal(fee))
	c.count++
}

// Remove takes an evicted fee out of the running sum.
func (c *Calculator) Remove(fee uint64) {
	if c.count == 0 {
		return
	}
	c.sum = c.sum.Sub(feeDecimal(fee))
	c.count--
	if c.count == 0 {
		c.sum = decimal.Zero
	}
}

// Sum returns the exact total of fees in the window.
func (c *Calculator) Sum() decimal.Decimal {
	return c.sum
}

// Count returns the number of fees in the window.
func (c *Calculator) Count() int64 {
	return c.count
}

// Average returns sum/count, or 0 for an empty window.
func (c *Calculator) Average() decimal.Decimal {
	if c.count == 0 {
		return decimal.Zero
	}
	scaled := c.sum.Shift(c.places).BigInt()
	q := new(big.Int).Quo(scaled, big.NewInt(c.count))
	return decimal.NewFromBigInt(q, -c.places)
}

func feeDecimal(fee uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(fee), 0)
}
