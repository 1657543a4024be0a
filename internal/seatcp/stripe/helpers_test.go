package stripe

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rcourtman/seatledger/internal/seatcp/registry"
	"github.com/rcourtman/seatledger/pkg/pricing"
)

func TestMapSubscriptionStatus(t *testing.T) {
	tests := []struct {
		input string
		want  registry.Status
	}{
		{"active", registry.StatusActive},
		{"Active", registry.StatusActive},
		{"trialing", registry.StatusActive},
		{"past_due", registry.StatusPastDue},
		{"unpaid", registry.StatusPastDue},
		{"incomplete", registry.StatusPastDue},
		{"paused", registry.StatusPastDue},
		{"canceled", registry.StatusCanceled},
		{"incomplete_expired", registry.StatusCanceled},
		{"unknown_status", registry.StatusPastDue},
		{"", registry.StatusPastDue},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := MapSubscriptionStatus(tt.input)
			if got != tt.want {
				t.Errorf("MapSubscriptionStatus(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestIsSafeStripeID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"sub_1NqXyZ", true},
		{"cus_ABC-123", true},
		{"sub", false},
		{"sub_1/../x", false},
		{"sub_1 OR 1=1", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			if got := IsSafeStripeID(tt.id); got != tt.want {
				t.Errorf("IsSafeStripeID(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func TestExternalStateBillingPeriodFallback(t *testing.T) {
	sub := RemoteSubscription{ID: "sub_1", Status: "past_due", Quantity: 4}

	st := sub.ExternalState(pricing.PeriodYearly)
	assert.Equal(t, pricing.PeriodYearly, st.BillingPeriod)
	assert.Equal(t, registry.StatusPastDue, st.Status)
	assert.Equal(t, 4, st.SeatLimit)
	assert.Equal(t, "sub_1", st.SubscriptionRef)

	assert.Equal(t, pricing.PeriodMonthly, sub.ExternalState("").BillingPeriod)

	sub.BillingPeriod = pricing.PeriodMonthly
	assert.Equal(t, pricing.PeriodMonthly, sub.ExternalState(pricing.PeriodYearly).BillingPeriod)
}
