package types

import (
	"fmt"
	"strings"
)

// Money is a price in the smallest currency unit. Plan prices are
// informational: tally never charges, it only labels tiers.
type Money struct {
	Amount   int64  `json:"amount"`   // Smallest unit (cents, pence, yen)
	Currency string `json:"currency"` // ISO 4217, lowercase
}

// NewMoney builds a Money value, normalizing the currency code.
func NewMoney(amount int64, currency string) Money {
	return Money{Amount: amount, Currency: strings.ToLower(strings.TrimSpace(currency))}
}

// USD creates a Money value in US Dollars (cents).
func USD(cents int64) Money { return NewMoney(cents, "usd") }

// EUR creates a Money value in Euros (cents).
func EUR(cents int64) Money { return NewMoney(cents, "eur") }

// Zero returns a zero Money value in the specified currency.
func Zero(currency string) Money { return NewMoney(0, currency) }

// IsZero returns true if the amount is zero.
func (m Money) IsZero() bool { return m.Amount == 0 }

// IsPositive returns true if the amount is greater than zero.
func (m Money) IsPositive() bool { return m.Amount > 0 }

// Equal returns true if both values have the same amount and currency.
func (m Money) Equal(other Money) bool {
	return m.Amount == other.Amount && strings.EqualFold(m.Currency, other.Currency)
}

// FormatMajor renders the amount in major units without a symbol,
// e.g. "49.00" for USD(4900) and "100" for 100 JPY.
func (m Money) FormatMajor() string {
	if zeroDecimal[m.Currency] {
		return fmt.Sprintf("%d", m.Amount)
	}
	sign := ""
	abs := m.Amount
	if abs < 0 {
		sign, abs = "-", -abs
	}
	return fmt.Sprintf("%s%d.%02d", sign, abs/100, abs%100)
}

// String returns e.g. "$49.00" or "CHF 12.00".
func (m Money) String() string {
	if sym, ok := symbols[m.Currency]; ok {
		return sym + m.FormatMajor()
	}
	return strings.ToUpper(m.Currency) + " " + m.FormatMajor()
}

var symbols = map[string]string{
	"usd": "$",
	"eur": "€",
	"gbp": "£",
	"jpy": "¥",
	"inr": "₹",
}

var zeroDecimal = map[string]bool{
	"jpy": true,
	"krw": true,
	"vnd": true,
	"clp": true,
}
