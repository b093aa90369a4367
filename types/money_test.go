package types

import "testing"

func TestMoneyString(t *testing.T) {
	tests := []struct {
		name  string
		money Money
		want  string
	}{
		{"usd", USD(4900), "$49.00"},
		{"eur", EUR(19905), "€199.05"},
		{"normalized code", NewMoney(999, " INR "), "₹9.99"},
		{"zero decimal", NewMoney(100, "jpy"), "¥100"},
		{"unknown symbol", NewMoney(1200, "chf"), "CHF 12.00"},
		{"negative", USD(-250), "$-2.50"},
		{"zero", Zero("USD"), "$0.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.money.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMoneyPredicates(t *testing.T) {
	if !Zero("usd").IsZero() {
		t.Error("Zero should be zero")
	}
	if !USD(1).IsPositive() {
		t.Error("USD(1) should be positive")
	}
	if !USD(500).Equal(NewMoney(500, "USD")) {
		t.Error("currency comparison should ignore case")
	}
	if USD(500).Equal(EUR(500)) {
		t.Error("different currencies must not be equal")
	}
}
