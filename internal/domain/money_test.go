package domain

import (
	"errors"
	"math"
	"testing"
)

func TestParseMoney(t *testing.T) {
	tests := []struct {
		raw      string
		currency string
		want     int64
		wantErr  bool
	}{
		{raw: "12.345", currency: "TND", want: 12345},
		{raw: " 7 ", currency: "TND", want: 7000},
		{raw: "19.99", currency: "EUR", want: 1999},
		{raw: "1.2345", currency: "TND", wantErr: true},
		{raw: "abc", currency: "TND", wantErr: true},
		{raw: "1000000000000", currency: "TND", want: MaxAmount},
		{raw: "5000000000000000", currency: "TND", wantErr: true},
		{raw: "-5000000000000000", currency: "TND", wantErr: true},
		{raw: "99999999999999999999999", currency: "JPY", wantErr: true},
	}
	for _, tc := range tests {
		got, err := ParseMoney(tc.raw, tc.currency)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseMoney(%q): expected error, got %d", tc.raw, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseMoney(%q): %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("ParseMoney(%q): expected %d, got %d", tc.raw, tc.want, got)
		}
	}

	if _, err := ParseMoney("5000000000000000", "TND"); !errors.Is(err, ErrAmountOutOfRange) {
		t.Fatalf("expected ErrAmountOutOfRange, got %v", err)
	}
}

func TestMulAmount(t *testing.T) {
	if got, err := MulAmount(45000, 3); err != nil || got != 135000 {
		t.Fatalf("expected 135000, got %d %v", got, err)
	}
	if got, err := MulAmount(MaxAmount, 1); err != nil || got != MaxAmount {
		t.Fatalf("expected max amount to be accepted, got %d %v", got, err)
	}
	for _, tc := range [][2]int64{{MaxAmount, 2}, {1_000_000_000_000_000_000, 10}, {math.MaxInt64, 1}, {math.MinInt64, 1}} {
		if _, err := MulAmount(tc[0], tc[1]); !errors.Is(err, ErrAmountOutOfRange) {
			t.Fatalf("MulAmount(%d, %d): expected ErrAmountOutOfRange, got %v", tc[0], tc[1], err)
		}
	}
}

func TestAddAmounts(t *testing.T) {
	if got, err := AddAmounts(102345, 7000, 19446, 2000, -5000); err != nil || got != 125791 {
		t.Fatalf("expected 125791, got %d %v", got, err)
	}
	if _, err := AddAmounts(MaxAmount, 1); !errors.Is(err, ErrAmountOutOfRange) {
		t.Fatalf("expected overflow past max, got %v", err)
	}
	if _, err := AddAmounts(math.MaxInt64, -math.MaxInt64); !errors.Is(err, ErrAmountOutOfRange) {
		t.Fatalf("expected out of range operand rejected, got %v", err)
	}
}
