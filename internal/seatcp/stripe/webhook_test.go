package stripe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/seatledger/internal/seatcp/registry"
	"github.com/rcourtman/seatledger/pkg/pricing"
)

type webhookFixture struct {
	store   *registry.Store
	proc    *fakeProcessor
	handler *WebhookHandler
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()
	store, _ := newTestStore(t)
	proc := newFakeProcessor()
	return &webhookFixture{
		store:   store,
		proc:    proc,
		handler: NewWebhookHandler(testWebhookSecret, NewReconciler(store, proc)),
	}
}

func (f *webhookFixture) deliver(t *testing.T, payload string) (int, registry.EventOutcome) {
	t.Helper()
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, signedWebhookRequest(t, testWebhookSecret, payload))
	if rec.Code != http.StatusOK {
		return rec.Code, ""
	}
	var body webhookReceivedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Received)
	return rec.Code, body.Outcome
}

func (f *webhookFixture) subscription(t *testing.T, orgID string) *registry.Subscription {
	t.Helper()
	sub, err := f.store.GetSubscription(context.Background(), orgID)
	require.NoError(t, err)
	require.NotNil(t, sub)
	return sub
}

func TestWebhookRejectsBadRequests(t *testing.T) {
	f := newWebhookFixture(t)
	payload := eventJSON(t, "evt_1", "customer.subscription.updated", subscriptionObject("sub_1", "org-1", "active", 5, "month"))

	t.Run("method", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stripe/webhook", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
	t.Run("missing signature", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", strings.NewReader(payload)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
	t.Run("wrong secret", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, signedWebhookRequest(t, "whsec_other", payload))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
	t.Run("tampered body", func(t *testing.T) {
		req := signedWebhookRequest(t, testWebhookSecret, payload)
		tampered := signedWebhookRequest(t, testWebhookSecret, strings.Replace(payload, `"quantity":5`, `"quantity":500`, 1))
		req.Body = tampered.Body
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
	t.Run("malformed payload", func(t *testing.T) {
		code, _ := f.deliver(t, eventJSON(t, "evt_bad", "customer.subscription.updated", map[string]any{"status": "active"}))
		assert.Equal(t, http.StatusBadRequest, code)
	})
	t.Run("no secret configured", func(t *testing.T) {
		h := NewWebhookHandler("", NewReconciler(f.store, f.proc))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, signedWebhookRequest(t, testWebhookSecret, payload))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	// Nothing above may have been recorded.
	outcome, err := f.store.EventOutcomeFor(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Empty(t, outcome)
}

func TestWebhookCheckoutActivatesSubscription(t *testing.T) {
	f := newWebhookFixture(t)
	_, err := f.store.EnsureSubscription(context.Background(), "org-1")
	require.NoError(t, err)
	f.proc.put(remoteSubscription("sub_1", "org-1", 10, pricing.PeriodYearly))

	payload := eventJSON(t, "evt_checkout", "checkout.session.completed", map[string]any{
		"id":           "cs_1",
		"mode":         "subscription",
		"customer":     "cus_org-1",
		"subscription": "sub_1",
		"metadata":     map[string]string{"organization_id": "org-1"},
	})
	code, outcome := f.deliver(t, payload)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, registry.OutcomeApplied, outcome)

	sub := f.subscription(t, "org-1")
	assert.Equal(t, registry.StatusActive, sub.Status)
	assert.Equal(t, "sub_1", sub.SubscriptionRef)
	assert.Equal(t, "cus_org-1", sub.CustomerRef)
	assert.Equal(t, 10, sub.SeatLimit)
	assert.Equal(t, pricing.PeriodYearly, sub.BillingPeriod)
	require.NotNil(t, sub.CurrentPeriodEnd)

	// Redelivery is acknowledged without another Stripe read.
	_, gets, _ := f.proc.calls()
	code, outcome = f.deliver(t, payload)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, registry.OutcomeDuplicate, outcome)
	_, getsAfter, _ := f.proc.calls()
	assert.Equal(t, gets, getsAfter)
}

func TestWebhookCheckoutForVanishedSubscriptionIsDropped(t *testing.T) {
	f := newWebhookFixture(t)
	_, err := f.store.EnsureSubscription(context.Background(), "org-1")
	require.NoError(t, err)

	code, outcome := f.deliver(t, eventJSON(t, "evt_checkout", "checkout.session.completed", map[string]any{
		"id": "cs_1", "mode": "subscription", "subscription": "sub_gone",
		"metadata": map[string]string{"organization_id": "org-1"},
	}))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, registry.OutcomeDropped, outcome)
	assert.Equal(t, registry.StatusNone, f.subscription(t, "org-1").Status)
}

func TestWebhookCheckoutRetriesWhenStripeUnavailable(t *testing.T) {
	f := newWebhookFixture(t)
	_, err := f.store.EnsureSubscription(context.Background(), "org-1")
	require.NoError(t, err)
	f.proc.put(remoteSubscription("sub_1", "org-1", 4, pricing.PeriodMonthly))
	f.proc.getErr = &ProcessorError{Op: "get_subscription", Outcome: OutcomeUnavailable, Err: context.DeadlineExceeded}

	payload := eventJSON(t, "evt_checkout", "checkout.session.completed", map[string]any{
		"id": "cs_1", "mode": "subscription", "subscription": "sub_1",
		"metadata": map[string]string{"organization_id": "org-1"},
	})
	code, _ := f.deliver(t, payload)
	assert.Equal(t, http.StatusInternalServerError, code)

	f.proc.getErr = nil
	code, outcome := f.deliver(t, payload)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, registry.OutcomeApplied, outcome)
	assert.Equal(t, 4, f.subscription(t, "org-1").SeatLimit)
}

func TestWebhookCheckoutCannotStealSubscription(t *testing.T) {
	f := newWebhookFixture(t)
	activateOrg(t, f.store, f.proc, "org-1", "sub_1", 5, pricing.PeriodMonthly)
	_, err := f.store.EnsureSubscription(context.Background(), "org-2")
	require.NoError(t, err)

	code, outcome := f.deliver(t, eventJSON(t, "evt_steal", "checkout.session.completed", map[string]any{
		"id": "cs_2", "mode": "subscription", "subscription": "sub_1",
		"metadata": map[string]string{"organization_id": "org-2"},
	}))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, registry.OutcomeDropped, outcome)
	assert.Equal(t, registry.StatusNone, f.subscription(t, "org-2").Status)
	assert.Equal(t, "sub_1", f.subscription(t, "org-1").SubscriptionRef)
}

func TestWebhookSubscriptionUpdatedOverwritesState(t *testing.T) {
	f := newWebhookFixture(t)
	activateOrg(t, f.store, f.proc, "org-1", "sub_1", 5, pricing.PeriodMonthly)
	admitMembers(t, f.store, "org-1", 3)

	obj := subscriptionObject("sub_1", "org-1", "past_due", 8, "month")
	obj["cancel_at_period_end"] = true
	code, outcome := f.deliver(t, eventJSON(t, "evt_update", "customer.subscription.updated", obj))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, registry.OutcomeApplied, outcome)

	sub := f.subscription(t, "org-1")
	assert.Equal(t, 8, sub.SeatLimit)
	assert.Equal(t, registry.StatusPastDue, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)

	// Past-due keeps members admitted.
	capacity, err := f.store.GetCapacity(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, 3, capacity.ActiveMembers)
	assert.Equal(t, 8, capacity.AdmissionLimit)
}

func TestWebhookRedeliveryDoesNotRollBackNewerState(t *testing.T) {
	f := newWebhookFixture(t)
	activateOrg(t, f.store, f.proc, "org-1", "sub_1", 5, pricing.PeriodMonthly)

	first := eventJSON(t, "evt_a", "customer.subscription.updated", subscriptionObject("sub_1", "org-1", "active", 12, "month"))
	second := eventJSON(t, "evt_b", "customer.subscription.updated", subscriptionObject("sub_1", "org-1", "active", 15, "month"))

	_, outcome := f.deliver(t, first)
	assert.Equal(t, registry.OutcomeApplied, outcome)
	_, outcome = f.deliver(t, second)
	assert.Equal(t, registry.OutcomeApplied, outcome)
	before := f.subscription(t, "org-1")

	code, outcome := f.deliver(t, first)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, registry.OutcomeDuplicate, outcome)

	after := f.subscription(t, "org-1")
	assert.Equal(t, 15, after.SeatLimit)
	assert.Equal(t, before.Version, after.Version)
}

func TestWebhookSubscriptionBelowActiveMembersKeepsMembers(t *testing.T) {
	f := newWebhookFixture(t)
	activateOrg(t, f.store, f.proc, "org-1", "sub_1", 6, pricing.PeriodMonthly)
	admitMembers(t, f.store, "org-1", 6)

	_, outcome := f.deliver(t, eventJSON(t, "evt_shrink", "customer.subscription.updated", subscriptionObject("sub_1", "org-1", "active", 4, "month")))
	assert.Equal(t, registry.OutcomeApplied, outcome)

	capacity, err := f.store.GetCapacity(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, 4, capacity.SeatLimit)
	assert.Equal(t, 6, capacity.ActiveMembers)
	assert.Zero(t, capacity.Remaining)
}

func TestWebhookAdoptsSubscriptionByMetadata(t *testing.T) {
	f := newWebhookFixture(t)
	_, err := f.store.EnsureSubscription(context.Background(), "org-1")
	require.NoError(t, err)

	_, outcome := f.deliver(t, eventJSON(t, "evt_created", "customer.subscription.created", subscriptionObject("sub_1", "org-1", "active", 7, "year")))
	assert.Equal(t, registry.OutcomeApplied, outcome)

	sub := f.subscription(t, "org-1")
	assert.Equal(t, "sub_1", sub.SubscriptionRef)
	assert.Equal(t, 7, sub.SeatLimit)
	assert.Equal(t, pricing.PeriodYearly, sub.BillingPeriod)

	// An incomplete subscription for another org is not adopted.
	_, err = f.store.EnsureSubscription(context.Background(), "org-2")
	require.NoError(t, err)
	_, outcome = f.deliver(t, eventJSON(t, "evt_created_2", "customer.subscription.created", subscriptionObject("sub_2", "org-2", "incomplete_expired", 3, "month")))
	assert.Equal(t, registry.OutcomeDropped, outcome)
	assert.Equal(t, registry.StatusNone, f.subscription(t, "org-2").Status)
}

func TestWebhookUnpaidSubscriptionIsNotAdopted(t *testing.T) {
	ctx := context.Background()
	for _, status := range []string{"incomplete", "unpaid", "paused", "past_due"} {
		t.Run(status, func(t *testing.T) {
			f := newWebhookFixture(t)
			_, err := f.store.EnsureSubscription(ctx, "org-1")
			require.NoError(t, err)

			code, outcome := f.deliver(t, eventJSON(t, "evt_created", "customer.subscription.created", subscriptionObject("sub_1", "org-1", status, 10, "month")))
			require.Equal(t, http.StatusOK, code)
			assert.Equal(t, registry.OutcomeDropped, outcome)

			sub := f.subscription(t, "org-1")
			assert.Equal(t, registry.StatusNone, sub.Status)
			assert.Empty(t, sub.SubscriptionRef)
			assert.Zero(t, sub.SeatLimit)

			capacity, err := f.store.GetCapacity(ctx, "org-1")
			require.NoError(t, err)
			assert.Zero(t, capacity.AdmissionLimit)

			m, err := f.store.AddMember(ctx, "org-1", "u1")
			require.NoError(t, err)
			_, err = f.store.AdmitMember(ctx, "org-1", m.ID)
			assert.ErrorIs(t, err, registry.ErrCapacityFull)

			// Once the first invoice is paid the update adopts the subscription.
			_, outcome = f.deliver(t, eventJSON(t, "evt_updated", "customer.subscription.updated", subscriptionObject("sub_1", "org-1", "active", 10, "month")))
			assert.Equal(t, registry.OutcomeApplied, outcome)
			sub = f.subscription(t, "org-1")
			assert.Equal(t, registry.StatusActive, sub.Status)
			assert.Equal(t, "sub_1", sub.SubscriptionRef)
			assert.Equal(t, 10, sub.SeatLimit)
		})
	}
}

func TestWebhookDeletedForUnknownSubscriptionIsAcknowledged(t *testing.T) {
	f := newWebhookFixture(t)
	activateOrg(t, f.store, f.proc, "org-1", "sub_1", 5, pricing.PeriodMonthly)
	before := f.subscription(t, "org-1")

	code, outcome := f.deliver(t, eventJSON(t, "evt_del", "customer.subscription.deleted", subscriptionObject("sub_unknown", "org-9", "canceled", 2, "month")))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, registry.OutcomeDropped, outcome)

	after := f.subscription(t, "org-1")
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, registry.StatusActive, after.Status)

	subs, err := f.store.ListSubscriptions(context.Background())
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

func TestWebhookDeletedCancelsAndRetiresRef(t *testing.T) {
	f := newWebhookFixture(t)
	activateOrg(t, f.store, f.proc, "org-1", "sub_1", 5, pricing.PeriodMonthly)
	admitMembers(t, f.store, "org-1", 2)

	_, outcome := f.deliver(t, eventJSON(t, "evt_del", "customer.subscription.deleted", subscriptionObject("sub_1", "org-1", "canceled", 5, "month")))
	assert.Equal(t, registry.OutcomeApplied, outcome)

	sub := f.subscription(t, "org-1")
	assert.Equal(t, registry.StatusCanceled, sub.Status)
	assert.Empty(t, sub.SubscriptionRef)
	assert.Equal(t, 5, sub.SeatLimit)

	capacity, err := f.store.GetCapacity(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Zero(t, capacity.AdmissionLimit)

	// A late update for the deleted subscription cannot resurrect it.
	_, outcome = f.deliver(t, eventJSON(t, "evt_late", "customer.subscription.updated", subscriptionObject("sub_1", "org-1", "active", 5, "month")))
	assert.Equal(t, registry.OutcomeDropped, outcome)
	assert.Equal(t, registry.StatusCanceled, f.subscription(t, "org-1").Status)
}

func TestWebhookInvoiceEvents(t *testing.T) {
	f := newWebhookFixture(t)
	activateOrg(t, f.store, f.proc, "org-1", "sub_1", 5, pricing.PeriodMonthly)

	failed := map[string]any{
		"id":             "in_1",
		"billing_reason": "subscription_cycle",
		"parent":         map[string]any{"subscription_details": map[string]any{"subscription": "sub_1"}},
	}
	_, outcome := f.deliver(t, eventJSON(t, "evt_failed", "invoice.payment_failed", failed))
	assert.Equal(t, registry.OutcomeApplied, outcome)
	assert.Equal(t, registry.StatusPastDue, f.subscription(t, "org-1").Status)

	nextStart := testEpoch.AddDate(0, 1, 0).Unix()
	nextEnd := testEpoch.AddDate(0, 2, 0).Unix()
	paid := map[string]any{
		"id":             "in_2",
		"billing_reason": "subscription_cycle",
		"subscription":   "sub_1",
		"lines": map[string]any{"data": []map[string]any{{
			"period": map[string]any{"start": nextStart, "end": nextEnd},
		}}},
	}
	_, outcome = f.deliver(t, eventJSON(t, "evt_paid", "invoice.payment_succeeded", paid))
	assert.Equal(t, registry.OutcomeApplied, outcome)
	sub := f.subscription(t, "org-1")
	assert.Equal(t, registry.StatusActive, sub.Status)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.Equal(t, nextEnd, sub.CurrentPeriodEnd.Unix())

	proration := map[string]any{"id": "in_3", "billing_reason": "subscription_update", "subscription": "sub_1"}
	_, outcome = f.deliver(t, eventJSON(t, "evt_proration", "invoice.payment_succeeded", proration))
	assert.Equal(t, registry.OutcomeIgnored, outcome)

	orphan := map[string]any{"id": "in_4", "billing_reason": "subscription_cycle", "subscription": "sub_missing"}
	_, outcome = f.deliver(t, eventJSON(t, "evt_orphan", "invoice.payment_failed", orphan))
	assert.Equal(t, registry.OutcomeDropped, outcome)
}

func TestWebhookUnhandledTypeIsIgnored(t *testing.T) {
	f := newWebhookFixture(t)
	code, outcome := f.deliver(t, eventJSON(t, "evt_cus", "customer.created", map[string]any{"id": "cus_1"}))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, registry.OutcomeIgnored, outcome)

	_, outcome = f.deliver(t, eventJSON(t, "evt_cus", "customer.created", map[string]any{"id": "cus_1"}))
	assert.Equal(t, registry.OutcomeDuplicate, outcome)
}
