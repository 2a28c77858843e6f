package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultCurrency is used when an order does not specify one.
const DefaultCurrency = "TND"

const (
	// MaxAmount bounds every stored amount in minor units. Sums of a handful of bounded amounts stay
	// far from int64 overflow.
	MaxAmount int64 = 1_000_000_000_000_000
	// MaxItemQuantity bounds the quantity of a single order line.
	MaxItemQuantity = 10_000
)

// ErrAmountOutOfRange reports an amount whose magnitude exceeds MaxAmount.
var ErrAmountOutOfRange = errors.New("amount out of range")

var currencyExponents = map[string]int32{
	"TND": 3,
	"EUR": 2,
	"USD": 2,
	"JPY": 0,
}

// CurrencyExponent returns the number of minor-unit digits for the currency.
func CurrencyExponent(currency string) int32 {
	if exp, ok := currencyExponents[strings.ToUpper(strings.TrimSpace(currency))]; ok {
		return exp
	}
	return 2
}

// MinorToDecimal converts a minor-unit amount to a decimal in major units.
func MinorToDecimal(amount int64, currency string) decimal.Decimal {
	return decimal.New(amount, -CurrencyExponent(currency))
}

// FormatMoney renders an amount with the currency precision, e.g. "100.000 TND".
func FormatMoney(amount int64, currency string) string {
	code := strings.ToUpper(strings.TrimSpace(currency))
	if code == "" {
		code = DefaultCurrency
	}
	return MinorToDecimal(amount, code).StringFixed(CurrencyExponent(code)) + " " + code
}

// FormatAmount renders an amount in major units without the currency code.
func FormatAmount(amount int64, currency string) string {
	return MinorToDecimal(amount, currency).StringFixed(CurrencyExponent(currency))
}

// ParseMoney converts a decimal string in major units to minor units.
// Precision beyond the currency exponent is rejected.
func ParseMoney(raw string, currency string) (int64, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	exp := CurrencyExponent(currency)
	scaled := value.Shift(exp)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("amount %q exceeds %d decimal places", raw, exp)
	}
	if scaled.Abs().GreaterThan(decimal.NewFromInt(MaxAmount)) {
		return 0, fmt.Errorf("%w: %q", ErrAmountOutOfRange, raw)
	}
	return scaled.IntPart(), nil
}

// MulAmount returns amount × quantity, failing when the product leaves the MaxAmount range.
func MulAmount(amount int64, quantity int64) (int64, error) {
	if amount == 0 || quantity == 0 {
		return 0, nil
	}
	if abs64(amount) > MaxAmount || abs64(quantity) > MaxAmount/abs64(amount) {
		return 0, ErrAmountOutOfRange
	}
	return amount * quantity, nil
}

// AddAmounts sums amounts, failing as soon as the running total leaves the MaxAmount range.
func AddAmounts(amounts ...int64) (int64, error) {
	var sum int64
	for _, amount := range amounts {
		if abs64(amount) > MaxAmount {
			return 0, ErrAmountOutOfRange
		}
		sum += amount
		if abs64(sum) > MaxAmount {
			return 0, ErrAmountOutOfRange
		}
	}
	return sum, nil
}

func abs64(v int64) int64 {
	if v < 0 {
		if v == math.MinInt64 {
			return math.MaxInt64
		}
		return -v
	}
	return v
}

// ApplyBasisPoints returns amount × bps / 10000 rounded half-up to the minor unit.
func ApplyBasisPoints(amount int64, bps int64) int64 {
	if amount == 0 || bps == 0 {
		return 0
	}
	return decimal.NewFromInt(amount).Mul(decimal.NewFromInt(bps)).Div(decimal.NewFromInt(10000)).Round(0).IntPart()
}
