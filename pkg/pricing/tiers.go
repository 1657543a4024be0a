// Package pricing computes progressive per-seat prices and non-authoritative
// proration previews for organization seat subscriptions.
package pricing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// BillingPeriod is the cadence an organization is invoiced at.
type BillingPeriod string

const (
	PeriodMonthly BillingPeriod = "monthly"
	PeriodYearly  BillingPeriod = "yearly"
)

// Currency is fixed; multi-currency pricing is not supported.
const Currency = "EUR"

var (
	ErrSeatCountOutOfRange  = errors.New("seat count out of range")
	ErrInvalidBillingPeriod = errors.New("invalid billing period")
	ErrInvalidTierTable     = errors.New("invalid pricing tier table")
)

var monthsPerYear = decimal.NewFromInt(12)

// ParseBillingPeriod normalizes a user-supplied period string.
func ParseBillingPeriod(raw string) (BillingPeriod, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "monthly", "month":
		return PeriodMonthly, nil
	case "yearly", "year", "annual":
		return PeriodYearly, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidBillingPeriod, raw)
	}
}

// Valid reports whether p is one of the supported periods.
func (p BillingPeriod) Valid() bool {
	return p == PeriodMonthly || p == PeriodYearly
}

// Tier is a contiguous seat range with its own per-seat price. Prices are per
// seat per month; YearlyPrice is the monthly-equivalent rate when billed yearly.
type Tier struct {
	Label        string          `json:"label"`
	MinSeats     int             `json:"min_seats"`
	MaxSeats     int             `json:"max_seats"`
	MonthlyPrice decimal.Decimal `json:"monthly_price"`
	YearlyPrice  decimal.Decimal `json:"yearly_price"`
}

// Size returns the number of seats the tier covers.
func (t Tier) Size() int {
	return t.MaxSeats - t.MinSeats + 1
}

// PricePerSeat returns the per-seat price billed for one full period.
func (t Tier) PricePerSeat(period BillingPeriod) decimal.Decimal {
	if period == PeriodYearly {
		return t.YearlyPrice.Mul(monthsPerYear)
	}
	return t.MonthlyPrice
}

// Table is an ordered, validated list of tiers.
type Table struct {
	Version string `json:"version"`
	Tiers   []Tier `json:"tiers"`
}

// DefaultTable is used when no pricing file is configured.
func DefaultTable() *Table {
	return &Table{
		Version: "2025-09-default",
		Tiers: []Tier{
			{Label: "1-20", MinSeats: 1, MaxSeats: 20, MonthlyPrice: decimal.NewFromInt(35), YearlyPrice: decimal.NewFromInt(29)},
			{Label: "21-50", MinSeats: 21, MaxSeats: 50, MonthlyPrice: decimal.NewFromInt(32), YearlyPrice: decimal.NewFromInt(27)},
			{Label: "51-100", MinSeats: 51, MaxSeats: 100, MonthlyPrice: decimal.NewFromInt(29), YearlyPrice: decimal.NewFromInt(24)},
		},
	}
}

// MaxSeats is the ceiling of the highest tier.
func (t *Table) MaxSeats() int {
	if t == nil || len(t.Tiers) == 0 {
		return 0
	}
	return t.Tiers[len(t.Tiers)-1].MaxSeats
}

// Validate checks that tiers start at one seat, are contiguous and
// non-overlapping, and never get more expensive per seat.
func (t *Table) Validate() error {
	if t == nil || len(t.Tiers) == 0 {
		return fmt.Errorf("%w: no tiers", ErrInvalidTierTable)
	}
	next := 1
	for i, tier := range t.Tiers {
		if strings.TrimSpace(tier.Label) == "" {
			return fmt.Errorf("%w: tier %d has no label", ErrInvalidTierTable, i)
		}
		if tier.MinSeats != next {
			return fmt.Errorf("%w: tier %q starts at %d, want %d", ErrInvalidTierTable, tier.Label, tier.MinSeats, next)
		}
		if tier.MaxSeats < tier.MinSeats {
			return fmt.Errorf("%w: tier %q ends before it starts", ErrInvalidTierTable, tier.Label)
		}
		if !tier.MonthlyPrice.IsPositive() || !tier.YearlyPrice.IsPositive() {
			return fmt.Errorf("%w: tier %q must have positive prices", ErrInvalidTierTable, tier.Label)
		}
		if tier.YearlyPrice.GreaterThan(tier.MonthlyPrice) {
			return fmt.Errorf("%w: tier %q yearly rate exceeds monthly rate", ErrInvalidTierTable, tier.Label)
		}
		if i > 0 {
			prev := t.Tiers[i-1]
			if tier.MonthlyPrice.GreaterThan(prev.MonthlyPrice) || tier.YearlyPrice.GreaterThan(prev.YearlyPrice) {
				return fmt.Errorf("%w: tier %q is more expensive than %q", ErrInvalidTierTable, tier.Label, prev.Label)
			}
		}
		next = tier.MaxSeats + 1
	}
	return nil
}
