package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
	stripesub "github.com/stripe/stripe-go/v82/subscription"

	"github.com/rcourtman/seatledger/internal/seatcp/cpmetrics"
	"github.com/rcourtman/seatledger/pkg/pricing"
)

// Outcome classifies a failed processor call by what is known about its effect.
type Outcome string

const (
	// OutcomeRejected: the processor refused the request and applied nothing.
	OutcomeRejected Outcome = "rejected"
	// OutcomeUnavailable: the request did not reach a decision and changed nothing.
	OutcomeUnavailable Outcome = "unavailable"
	// OutcomeUnknown: a mutating request may or may not have been applied.
	OutcomeUnknown Outcome = "unknown"
)

// ProcessorError wraps a failed Stripe call.
type ProcessorError struct {
	Op         string
	Outcome    Outcome
	StatusCode int
	Err        error
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("stripe %s (%s): %v", e.Op, e.Outcome, e.Err)
}

func (e *ProcessorError) Unwrap() error { return e.Err }

// CheckoutRequest describes a hosted checkout for a first purchase.
type CheckoutRequest struct {
	OrganizationID string
	CustomerRef    string
	Seats          int
	Period         pricing.BillingPeriod
	IdempotencyKey string
}

// CheckoutSession is the created hosted checkout.
type CheckoutSession struct {
	ID  string
	URL string
}

// QuantityUpdate changes the seat quantity of an existing subscription item.
type QuantityUpdate struct {
	SubscriptionRef    string
	ItemID             string
	Quantity           int
	ProrateImmediately bool
	IdempotencyKey     string
}

// Processor is the payment processor surface used by the orchestrator and the
// reconciler.
type Processor interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	GetSubscription(ctx context.Context, ref string) (*RemoteSubscription, error)
	UpdateQuantity(ctx context.Context, req QuantityUpdate) (*RemoteSubscription, error)
}

// ErrBillingDisabled is returned by DisabledProcessor.
var ErrBillingDisabled = errors.New("stripe billing is not configured")

// DisabledProcessor stands in when no Stripe API key is configured. Every
// call fails as unavailable without side effects.
type DisabledProcessor struct{}

func (DisabledProcessor) CreateCheckout(context.Context, CheckoutRequest) (*CheckoutSession, error) {
	return nil, &ProcessorError{Op: "create_checkout", Outcome: OutcomeUnavailable, Err: ErrBillingDisabled}
}

func (DisabledProcessor) GetSubscription(context.Context, string) (*RemoteSubscription, error) {
	return nil, &ProcessorError{Op: "get_subscription", Outcome: OutcomeUnavailable, Err: ErrBillingDisabled}
}

func (DisabledProcessor) UpdateQuantity(context.Context, QuantityUpdate) (*RemoteSubscription, error) {
	return nil, &ProcessorError{Op: "update_quantity", Outcome: OutcomeUnavailable, Err: ErrBillingDisabled}
}

// ProcessorConfig configures the Stripe-backed Processor.
type ProcessorConfig struct {
	APIKey       string
	PriceMonthly string
	PriceYearly  string
	SuccessURL   string
	CancelURL    string
	Timeout      time.Duration
}

// PriceFor returns the configured Stripe price for a billing period.
func (c ProcessorConfig) PriceFor(p pricing.BillingPeriod) string {
	if p == pricing.PeriodYearly {
		return strings.TrimSpace(c.PriceYearly)
	}
	return strings.TrimSpace(c.PriceMonthly)
}

// StripeProcessor calls the Stripe API.
type StripeProcessor struct {
	cfg ProcessorConfig

	createCheckoutSession func(params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error)
	getSubscription       func(id string, params *stripelib.SubscriptionParams) (*stripelib.Subscription, error)
	updateSubscription    func(id string, params *stripelib.SubscriptionParams) (*stripelib.Subscription, error)
}

// NewStripeProcessor configures the global Stripe key and returns a Processor.
func NewStripeProcessor(cfg ProcessorConfig) *StripeProcessor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	stripelib.Key = strings.TrimSpace(cfg.APIKey)
	return &StripeProcessor{
		cfg:                   cfg,
		createCheckoutSession: stripesession.New,
		getSubscription:       stripesub.Get,
		updateSubscription:    stripesub.Update,
	}
}

// CreateCheckout creates a subscription-mode hosted checkout session. The
// organization is carried in the session and subscription metadata so the
// resulting events can be attributed.
func (p *StripeProcessor) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	priceID := p.cfg.PriceFor(req.Period)
	if priceID == "" {
		return nil, &ProcessorError{Op: "create_checkout", Outcome: OutcomeRejected, Err: fmt.Errorf("no Stripe price configured for %s billing", req.Period)}
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	metadata := map[string]string{
		"organization_id": req.OrganizationID,
		"billing_period":  string(req.Period),
	}
	params := &stripelib.CheckoutSessionParams{
		Mode:              stripelib.String(string(stripelib.CheckoutSessionModeSubscription)),
		SuccessURL:        stripelib.String(p.cfg.SuccessURL),
		CancelURL:         stripelib.String(p.cfg.CancelURL),
		ClientReferenceID: stripelib.String(req.OrganizationID),
		LineItems: []*stripelib.CheckoutSessionLineItemParams{
			{
				Price:    stripelib.String(priceID),
				Quantity: stripelib.Int64(int64(req.Seats)),
			},
		},
		SubscriptionData: &stripelib.CheckoutSessionSubscriptionDataParams{
			Metadata: metadata,
		},
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	if req.CustomerRef != "" {
		params.Customer = stripelib.String(req.CustomerRef)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	start := time.Now()
	session, err := p.createCheckoutSession(params)
	if err != nil {
		perr := classifyError("create_checkout", true, err)
		observeCall(perr.Op, string(perr.Outcome), start)
		return nil, perr
	}
	observeCall("create_checkout", "ok", start)
	if session == nil || strings.TrimSpace(session.URL) == "" {
		return nil, &ProcessorError{Op: "create_checkout", Outcome: OutcomeUnknown, Err: errors.New("session has no URL")}
	}
	return &CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

// GetSubscription retrieves the live subscription.
func (p *StripeProcessor) GetSubscription(ctx context.Context, ref string) (*RemoteSubscription, error) {
	if !IsSafeStripeID(ref) {
		return nil, &ProcessorError{Op: "get_subscription", Outcome: OutcomeRejected, Err: fmt.Errorf("invalid subscription id %q", ref)}
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	params := &stripelib.SubscriptionParams{}
	params.Context = ctx

	start := time.Now()
	sub, err := p.getSubscription(ref, params)
	if err != nil {
		perr := classifyError("get_subscription", false, err)
		observeCall(perr.Op, string(perr.Outcome), start)
		return nil, perr
	}
	observeCall("get_subscription", "ok", start)
	return fromStripeSubscription(sub), nil
}

// UpdateQuantity changes the item quantity with proration. The processor
// computes and invoices the proration; nothing local feeds into it.
func (p *StripeProcessor) UpdateQuantity(ctx context.Context, req QuantityUpdate) (*RemoteSubscription, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	behavior := "create_prorations"
	if req.ProrateImmediately {
		behavior = "always_invoice"
	}
	params := &stripelib.SubscriptionParams{
		Items: []*stripelib.SubscriptionItemsParams{
			{
				ID:       stripelib.String(req.ItemID),
				Quantity: stripelib.Int64(int64(req.Quantity)),
			},
		},
		ProrationBehavior: stripelib.String(behavior),
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	start := time.Now()
	sub, err := p.updateSubscription(req.SubscriptionRef, params)
	if err != nil {
		perr := classifyError("update_quantity", true, err)
		observeCall(perr.Op, string(perr.Outcome), start)
		return nil, perr
	}
	observeCall("update_quantity", "ok", start)
	return fromStripeSubscription(sub), nil
}

// classifyError decides what a failed call means for local state. Definitive
// 4xx answers changed nothing. Timeouts and server errors on a mutating call
// leave the outcome unknown.
func classifyError(op string, mutating bool, err error) *ProcessorError {
	perr := &ProcessorError{Op: op, Err: err}
	ambiguous := OutcomeUnavailable
	if mutating {
		ambiguous = OutcomeUnknown
	}

	var se *stripelib.Error
	switch {
	case errors.As(err, &se):
		perr.StatusCode = se.HTTPStatusCode
		switch {
		case se.HTTPStatusCode == http.StatusTooManyRequests:
			perr.Outcome = OutcomeUnavailable
		case se.HTTPStatusCode == http.StatusConflict:
			perr.Outcome = ambiguous
		case se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500:
			perr.Outcome = OutcomeRejected
		default:
			perr.Outcome = ambiguous
		}
	default:
		perr.Outcome = ambiguous
	}

	evt := log.Warn().Err(err).Str("op", op).Str("outcome", string(perr.Outcome))
	if perr.StatusCode != 0 {
		evt = evt.Int("status_code", perr.StatusCode)
	}
	evt.Msg("Stripe call failed")
	return perr
}

func observeCall(op, outcome string, start time.Time) {
	cpmetrics.ProcessorCallDuration.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
}

func fromStripeSubscription(sub *stripelib.Subscription) *RemoteSubscription {
	if sub == nil {
		return nil
	}
	rs := &RemoteSubscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Metadata:          sub.Metadata,
	}
	if sub.Customer != nil {
		rs.CustomerRef = sub.Customer.ID
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			rs.ItemID = item.ID
			rs.Quantity = int(item.Quantity)
			rs.PeriodStart = unixPtr(item.CurrentPeriodStart)
			rs.PeriodEnd = unixPtr(item.CurrentPeriodEnd)
			if item.Price != nil {
				rs.PriceID = item.Price.ID
				if item.Price.Recurring != nil {
					rs.BillingPeriod = periodFromInterval(string(item.Price.Recurring.Interval))
				}
			}
			break
		}
	}
	if rs.BillingPeriod == "" {
		rs.BillingPeriod = periodFromMetadata(rs.Metadata)
	}
	return rs
}
