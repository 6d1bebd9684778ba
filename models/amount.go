package models

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// TokenDecimals is the precision of stablecoin amounts on chain. Inventory
// is stored as integer units of 10^-TokenDecimals so arithmetic in SQL is
// exact on every driver.
const TokenDecimals = 7

var ErrAmountPrecision = errors.New("amount has more than 7 decimal places")

var maxUnits = decimal.NewFromInt(math.MaxInt64)

// ToUnits converts a token amount to integer on-chain units. Amounts that
// cannot be represented exactly are refused.
func ToUnits(amount decimal.Decimal) (int64, error) {
	shifted := amount.Shift(TokenDecimals)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("%w: %s", ErrAmountPrecision, amount)
	}
	if shifted.Abs().GreaterThan(maxUnits) {
		return 0, fmt.Errorf("amount %s is out of range", amount)
	}
	return shifted.IntPart(), nil
}

func FromUnits(units int64) decimal.Decimal {
	return decimal.New(units, -TokenDecimals)
}
