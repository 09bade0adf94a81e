package core

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestNormalizePriceRoundsToNearestTick(t *testing.T) {
	tick := decimal.RequireFromString("0.1")
	cases := map[string]string{
		"100.04": "100",
		"100.05": "100.1",
		"100.16": "100.2",
		"0.0":    "0",
	}
	for in, want := range cases {
		got, err := NormalizePrice(in, tick)
		if err != nil {
			t.Fatalf("NormalizePrice(%q) error = %v", in, err)
		}
		if !decimal.RequireFromString(got).Equal(decimal.RequireFromString(want)) {
			t.Fatalf("NormalizePrice(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestNormalizePriceEmptyAndInvalid(t *testing.T) {
	got, err := NormalizePrice("", decimal.RequireFromString("0.1"))
	if err != nil || got != "" {
		t.Fatalf("NormalizePrice(\"\") = %q, %v, want empty nil", got, err)
	}
	if _, err := NormalizePrice("abc", decimal.RequireFromString("0.1")); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("NormalizePrice(abc) error = %v, want %v", err, ErrInvalidPrice)
	}
	if _, err := NormalizePrice("-1", decimal.RequireFromString("0.1")); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("NormalizePrice(-1) error = %v, want %v", err, ErrInvalidPrice)
	}
}

func TestTickFromPlaces(t *testing.T) {
	got := TickFromPlaces(2, decimal.RequireFromString("5"))
	if !got.Equal(decimal.RequireFromString("0.05")) {
		t.Fatalf("TickFromPlaces(2, 5) = %s, want 0.05", got)
	}
	got = TickFromPlaces(1, decimal.Zero)
	if !got.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("TickFromPlaces(1, 0) = %s, want 0.1", got)
	}
}

func TestOrderWithIDIsImmutable(t *testing.T) {
	o, err := Order{}.WithID("1")
	if err != nil || o.ID != "1" {
		t.Fatalf("WithID(1) = %+v, %v", o, err)
	}
	if _, err := o.WithID("2"); !errors.Is(err, ErrOrderIDImmutable) {
		t.Fatalf("WithID(2) error = %v, want %v", err, ErrOrderIDImmutable)
	}
	if same, err := o.WithID("1"); err != nil || same.ID != "1" {
		t.Fatalf("WithID(1) again = %+v, %v", same, err)
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	for _, raw := range []string{"filled", "cancelled", "canceled", "rejected"} {
		if !ParseOrderStatus(raw).Terminal() {
			t.Fatalf("ParseOrderStatus(%q).Terminal() = false, want true", raw)
		}
	}
	for _, raw := range []string{"live", "new", "partially_filled"} {
		if ParseOrderStatus(raw).Terminal() {
			t.Fatalf("ParseOrderStatus(%q).Terminal() = true, want false", raw)
		}
	}
}

func TestOrderAge(t *testing.T) {
	now := time.Now()
	o := Order{CreatedAt: now.Add(-31 * time.Second)}
	if got := o.Age(now); got != 31*time.Second {
		t.Fatalf("Age() = %s, want 31s", got)
	}
	if got := (Order{}).Age(now); got != 0 {
		t.Fatalf("Age(zero) = %s, want 0", got)
	}
}
