package pricing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Nominal period lengths used by the estimator.
const (
	monthlyPeriodLength = 30 * 24 * time.Hour
	yearlyPeriodLength  = 365 * 24 * time.Hour
)

// EstimateInput describes a proposed mid-cycle change.
type EstimateInput struct {
	OldSeats  int
	OldPeriod BillingPeriod
	NewSeats  int
	NewPeriod BillingPeriod
	PeriodEnd time.Time
	Now       time.Time
}

// Estimate is a display-only preview of the cash impact of a change. It is
// never sent to the payment processor; the processor computes the invoiced
// proration itself.
type Estimate struct {
	Available         bool            `json:"available"`
	Amount            decimal.Decimal `json:"amount"`
	RemainingFraction float64         `json:"remaining_fraction"`
	Currency          string          `json:"currency"`
	Reason            string          `json:"reason,omitempty"`
}

// PeriodLength returns the nominal length of one billing period.
func PeriodLength(p BillingPeriod) time.Duration {
	if p == PeriodYearly {
		return yearlyPeriodLength
	}
	return monthlyPeriodLength
}

// EstimateProration scales the old-period cost delta by the fraction of the
// current period that remains. A billing period change yields an unavailable
// estimate: the processor credits unused time with its own rules and a local
// number would mislead.
func EstimateProration(table *Table, in EstimateInput) (Estimate, error) {
	est := Estimate{Currency: Currency, Amount: decimal.Zero}
	if !in.OldPeriod.Valid() || !in.NewPeriod.Valid() {
		return est, fmt.Errorf("%w: %q -> %q", ErrInvalidBillingPeriod, in.OldPeriod, in.NewPeriod)
	}
	if in.OldPeriod != in.NewPeriod {
		est.Reason = "billing period change is prorated by the payment processor"
		return est, nil
	}
	if in.PeriodEnd.IsZero() {
		est.Reason = "no active billing period"
		return est, nil
	}

	oldCost, err := table.Cost(in.OldSeats, in.OldPeriod)
	if err != nil {
		return est, err
	}
	newCost, err := table.Cost(in.NewSeats, in.OldPeriod)
	if err != nil {
		return est, err
	}

	fraction := remainingFraction(in.PeriodEnd, in.Now, PeriodLength(in.OldPeriod))
	est.Available = true
	est.RemainingFraction = fraction
	est.Amount = newCost.Sub(oldCost).Mul(decimal.NewFromFloat(fraction)).Round(2)
	return est, nil
}

func remainingFraction(periodEnd, now time.Time, length time.Duration) float64 {
	remaining := periodEnd.Sub(now)
	if remaining <= 0 {
		return 0
	}
	f := float64(remaining) / float64(length)
	if f > 1 {
		return 1
	}
	return f
}
