package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Line is one tier's share of a quote.
type Line struct {
	TierLabel    string          `json:"tier_label"`
	Seats        int             `json:"seats_in_tier"`
	PricePerSeat decimal.Decimal `json:"price_per_seat"`
	Subtotal     decimal.Decimal `json:"subtotal"`
}

// Quote is the cost of a seat count for one billing period.
type Quote struct {
	Seats        int             `json:"seat_count"`
	Period       BillingPeriod   `json:"billing_period"`
	Currency     string          `json:"currency"`
	TableVersion string          `json:"pricing_version"`
	Breakdown    []Line          `json:"breakdown"`
	Total        decimal.Decimal `json:"total"`
}

// Quote prices seats progressively: the first tier's seats at the first tier's
// rate, the next tier's seats at its rate, and so on. Seat counts above the
// highest tier are rejected rather than clamped.
func (t *Table) Quote(seats int, period BillingPeriod) (Quote, error) {
	if !period.Valid() {
		return Quote{}, fmt.Errorf("%w: %q", ErrInvalidBillingPeriod, period)
	}
	if seats < 0 || seats > t.MaxSeats() {
		return Quote{}, fmt.Errorf("%w: %d (allowed 0-%d)", ErrSeatCountOutOfRange, seats, t.MaxSeats())
	}

	q := Quote{
		Seats:        seats,
		Period:       period,
		Currency:     Currency,
		TableVersion: t.Version,
		Breakdown:    []Line{},
		Total:        decimal.Zero,
	}

	remaining := seats
	for _, tier := range t.Tiers {
		if remaining == 0 {
			break
		}
		n := min(remaining, tier.Size())
		price := tier.PricePerSeat(period)
		subtotal := price.Mul(decimal.NewFromInt(int64(n)))
		q.Breakdown = append(q.Breakdown, Line{
			TierLabel:    tier.Label,
			Seats:        n,
			PricePerSeat: price,
			Subtotal:     subtotal,
		})
		q.Total = q.Total.Add(subtotal)
		remaining -= n
	}
	return q, nil
}

// Cost returns only the total of Quote.
func (t *Table) Cost(seats int, period BillingPeriod) (decimal.Decimal, error) {
	q, err := t.Quote(seats, period)
	if err != nil {
		return decimal.Zero, err
	}
	return q.Total, nil
}
