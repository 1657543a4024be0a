package stripe

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/seatledger/internal/seatcp/registry"
	"github.com/rcourtman/seatledger/pkg/pricing"
)

// RemoteSubscription is the processor's view of a subscription, built either
// from an API response or from an event payload.
type RemoteSubscription struct {
	ID                string
	CustomerRef       string
	Status            string
	ItemID            string
	Quantity          int
	PriceID           string
	BillingPeriod     pricing.BillingPeriod
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	CancelAtPeriodEnd bool
	Metadata          map[string]string
}

// Mutable reports whether Stripe accepts quantity updates in this status.
func (s *RemoteSubscription) Mutable() bool {
	return s.Status == "active" || s.Status == "trialing"
}

// OrganizationID returns the organization recorded in the subscription metadata.
func (s *RemoteSubscription) OrganizationID() string {
	return strings.TrimSpace(s.Metadata["organization_id"])
}

// ExternalState converts the subscription into the values reconciliation
// writes. fallback fills a billing period the payload does not carry.
func (s *RemoteSubscription) ExternalState(fallback pricing.BillingPeriod) registry.ExternalState {
	period := s.BillingPeriod
	if period == "" {
		period = fallback
	}
	if period == "" {
		period = pricing.PeriodMonthly
	}
	return registry.ExternalState{
		CustomerRef:        s.CustomerRef,
		SubscriptionRef:    s.ID,
		SeatLimit:          s.Quantity,
		BillingPeriod:      period,
		Status:             MapSubscriptionStatus(s.Status),
		CurrentPeriodStart: s.PeriodStart,
		CurrentPeriodEnd:   s.PeriodEnd,
		CancelAtPeriodEnd:  s.CancelAtPeriodEnd,
	}
}

// MapSubscriptionStatus converts a Stripe subscription status to the local
// entitlement status. Unknown statuses map to past_due: flagged, but members
// keep their seats until Stripe says otherwise.
func MapSubscriptionStatus(status string) registry.Status {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "trialing":
		return registry.StatusActive
	case "canceled", "incomplete_expired":
		return registry.StatusCanceled
	default:
		return registry.StatusPastDue
	}
}

// IsSafeStripeID validates that a Stripe ID (cus_..., sub_...) is safe for
// use as a lookup key.
func IsSafeStripeID(stripeID string) bool {
	if len(stripeID) < 5 || len(stripeID) > 128 {
		return false
	}
	for i := 0; i < len(stripeID); i++ {
		c := stripeID[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' {
			continue
		}
		return false
	}
	return true
}

func periodFromInterval(interval string) pricing.BillingPeriod {
	switch interval {
	case "month":
		return pricing.PeriodMonthly
	case "year":
		return pricing.PeriodYearly
	default:
		return ""
	}
}

func periodFromMetadata(metadata map[string]string) pricing.BillingPeriod {
	p, err := pricing.ParseBillingPeriod(metadata["billing_period"])
	if err != nil {
		return ""
	}
	return p
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("seatcp.stripe: encode webhook response")
	}
}
