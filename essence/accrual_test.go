package essence

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestProjectedAmountAccruesLinearly(t *testing.T) {
	// GIVEN a snapshot of 5.0 accruing 2.0 per day toward a cap of 10.0
	last := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	// WHEN half a day passes
	got, err := ProjectedAmount(dec("5.0"), dec("2.0"), last, dec("10.0"), last.Add(12*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// THEN one day's rate is half applied: 5.0 + 2.0*0.5 = 6.0
	if !got.Equal(dec("6")) {
		t.Errorf("projected = %s, want 6", got)
	}
}

func TestProjectedAmountClampsAtCap(t *testing.T) {
	// GIVEN the same snapshot WHEN a week passes
	last := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	got, err := ProjectedAmount(dec("5.0"), dec("2.0"), last, dec("10.0"), last.Add(7*24*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// THEN the projection stops at the cap, not 19.0
	if !got.Equal(dec("10")) {
		t.Errorf("projected = %s, want 10", got)
	}
}

func TestProjectedAmountZeroRateIsStatic(t *testing.T) {
	last := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	got, err := ProjectedAmount(dec("5.0"), decimal.Zero, last, dec("10.0"), last.Add(30*24*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(dec("5.0")) {
		t.Errorf("projected = %s, want 5.0", got)
	}
}

func TestProjectedAmountClampsNegativeElapsed(t *testing.T) {
	// GIVEN a reader whose clock sits behind the snapshot timestamp
	last := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	// WHEN projecting at a time before the snapshot
	got, err := ProjectedAmount(dec("5.0"), dec("2.0"), last, dec("10.0"), last.Add(-6*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// THEN the balance never moves backwards
	if !got.Equal(dec("5.0")) {
		t.Errorf("projected = %s, want 5.0", got)
	}
}

func TestProjectedAmountMonotone(t *testing.T) {
	// Projection at a later time is never smaller than at an earlier one.
	last := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	prev := decimal.Zero
	for h := 0; h <= 96; h += 7 {
		got, err := ProjectedAmount(dec("1.5"), dec("3.25"), last, dec("12.0"), last.Add(time.Duration(h)*time.Hour))
		if err != nil {
			t.Fatalf("unexpected error at +%dh: %v", h, err)
		}
		if got.LessThan(prev) {
			t.Fatalf("projection decreased: %s after %s at +%dh", got, prev, h)
		}
		prev = got
	}
}

func TestProjectedAmountRejectsNegativeInputs(t *testing.T) {
	last := time.Now()
	cases := []struct {
		name                   string
		accumulated, rate, cap decimal.Decimal
	}{
		{"negative accumulated", dec("-1"), dec("1"), dec("10")},
		{"negative rate", dec("1"), dec("-1"), dec("10")},
		{"negative cap", dec("1"), dec("1"), dec("-10")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ProjectedAmount(tc.accumulated, tc.rate, last, tc.cap, last)
			if !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("err = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestIsAtCap(t *testing.T) {
	if !IsAtCap(dec("10"), dec("10")) {
		t.Error("exact cap should report at cap")
	}
	if !IsAtCap(dec("9.9999999999"), dec("10")) {
		t.Error("value within epsilon of cap should report at cap")
	}
	if IsAtCap(dec("9.99"), dec("10")) {
		t.Error("value clearly below cap should not report at cap")
	}
}

func TestApplyIncrease(t *testing.T) {
	// A credit lands in full when it fits under the cap.
	got, err := ApplyIncrease(dec("4"), dec("3"), dec("10"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(dec("7")) {
		t.Errorf("increase = %s, want 7", got)
	}

	// Overflow is clamped, not rejected.
	got, err = ApplyIncrease(dec("9"), dec("5"), dec("10"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(dec("10")) {
		t.Errorf("clamped increase = %s, want 10", got)
	}

	// Negative deltas are a programming error, never a silent drain.
	_, err = ApplyIncrease(dec("9"), dec("-1"), dec("10"))
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
}
