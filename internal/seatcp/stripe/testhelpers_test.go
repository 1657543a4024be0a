package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/rcourtman/seatledger/internal/seatcp/registry"
	"github.com/rcourtman/seatledger/pkg/pricing"
)

const testWebhookSecret = "whsec_test_secret"

var testEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeProcessor is an in-memory Processor. Subscriptions are keyed by ref.
type fakeProcessor struct {
	mu sync.Mutex

	subs          map[string]*RemoteSubscription
	checkoutCalls []CheckoutRequest
	updateCalls   []QuantityUpdate
	getCalls      int

	checkoutErr error
	getErr      error
	updateErr   error

	// beforeUpdate runs before an update is applied, outside the lock.
	beforeUpdate func(QuantityUpdate)
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{subs: make(map[string]*RemoteSubscription)}
}

func (f *fakeProcessor) put(sub RemoteSubscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[sub.ID] = &sub
}

func (f *fakeProcessor) calls() (checkouts, gets, updates int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.checkoutCalls), f.getCalls, len(f.updateCalls)
}

func (f *fakeProcessor) CreateCheckout(_ context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkoutCalls = append(f.checkoutCalls, req)
	if f.checkoutErr != nil {
		return nil, f.checkoutErr
	}
	id := fmt.Sprintf("cs_test_%d", len(f.checkoutCalls))
	return &CheckoutSession{ID: id, URL: "https://checkout.stripe.test/" + id}, nil
}

func (f *fakeProcessor) GetSubscription(_ context.Context, ref string) (*RemoteSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	sub, ok := f.subs[ref]
	if !ok {
		return nil, &ProcessorError{Op: "get_subscription", Outcome: OutcomeRejected, StatusCode: http.StatusNotFound, Err: errors.New("no such subscription")}
	}
	cp := *sub
	return &cp, nil
}

func (f *fakeProcessor) UpdateQuantity(_ context.Context, req QuantityUpdate) (*RemoteSubscription, error) {
	if f.beforeUpdate != nil {
		f.beforeUpdate(req)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls = append(f.updateCalls, req)
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	sub, ok := f.subs[req.SubscriptionRef]
	if !ok {
		return nil, &ProcessorError{Op: "update_quantity", Outcome: OutcomeRejected, StatusCode: http.StatusNotFound, Err: errors.New("no such subscription")}
	}
	sub.Quantity = req.Quantity
	cp := *sub
	return &cp, nil
}

func newTestStore(t *testing.T) (*registry.Store, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testEpoch)
	s, err := registry.Open(registry.Config{Driver: registry.DialectSQLite, DataDir: t.TempDir(), Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func remoteSubscription(ref, orgID string, quantity int, period pricing.BillingPeriod) RemoteSubscription {
	start := testEpoch
	end := testEpoch.Add(pricing.PeriodLength(period))
	return RemoteSubscription{
		ID:            ref,
		CustomerRef:   "cus_" + orgID,
		Status:        "active",
		ItemID:        "si_" + ref,
		Quantity:      quantity,
		PriceID:       "price_" + string(period),
		BillingPeriod: period,
		PeriodStart:   &start,
		PeriodEnd:     &end,
		Metadata:      map[string]string{"organization_id": orgID, "billing_period": string(period)},
	}
}

// activateOrg takes orgID through a completed checkout for ref.
func activateOrg(t *testing.T, store *registry.Store, proc *fakeProcessor, orgID, ref string, quantity int, period pricing.BillingPeriod) *registry.Subscription {
	t.Helper()
	ctx := context.Background()
	_, err := store.EnsureSubscription(ctx, orgID)
	require.NoError(t, err)

	proc.put(remoteSubscription(ref, orgID, quantity, period))
	outcome, err := NewReconciler(store, proc).Apply(ctx, &CheckoutCompleted{
		EventMeta:       EventMeta{ID: "evt_checkout_" + orgID, Type: "checkout.session.completed"},
		SessionID:       "cs_" + orgID,
		OrganizationID:  orgID,
		CustomerRef:     "cus_" + orgID,
		SubscriptionRef: ref,
	})
	require.NoError(t, err)
	require.Equal(t, registry.OutcomeApplied, outcome)

	sub, err := store.GetSubscription(ctx, orgID)
	require.NoError(t, err)
	require.NotNil(t, sub)
	return sub
}

func admitMembers(t *testing.T, store *registry.Store, orgID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		m, err := store.AddMember(ctx, orgID, fmt.Sprintf("%s-user-%d", orgID, i))
		require.NoError(t, err)
		_, err = store.AdmitMember(ctx, orgID, m.ID)
		require.NoError(t, err)
	}
}

func signedWebhookRequest(t *testing.T, secret, payload string) *http.Request {
	t.Helper()

	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// eventJSON wraps a data object in a Stripe event envelope.
func eventJSON(t *testing.T, id, eventType string, object any) string {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"api_version": "2025-03-31.basil",
		"created":     testEpoch.Unix(),
		"data":        map[string]any{"object": object},
	})
	require.NoError(t, err)
	return string(body)
}

// subscriptionObject is a subscription payload in the current API shape.
func subscriptionObject(ref, orgID, status string, quantity int, interval string) map[string]any {
	return map[string]any{
		"id":                   ref,
		"object":               "subscription",
		"customer":             "cus_" + orgID,
		"status":               status,
		"cancel_at_period_end": false,
		"metadata":             map[string]string{"organization_id": orgID},
		"items": map[string]any{
			"object": "list",
			"data": []map[string]any{{
				"id":                   "si_" + ref,
				"quantity":             quantity,
				"current_period_start": testEpoch.Unix(),
				"current_period_end":   testEpoch.Add(30 * 24 * time.Hour).Unix(),
				"price": map[string]any{
					"id":        "price_" + interval,
					"recurring": map[string]any{"interval": interval},
				},
			}},
		},
	}
}
