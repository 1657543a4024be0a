package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/seatledger/internal/seatcp/cpmetrics"
	"github.com/rcourtman/seatledger/internal/seatcp/registry"
	"github.com/rcourtman/seatledger/pkg/pricing"
	"github.com/rcourtman/seatledger/pkg/seats"
)

const defaultClaimTTL = 2 * time.Minute

var (
	ErrBillingPeriodChange    = errors.New("billing period cannot be changed on an existing subscription: cancel it and purchase a new one")
	ErrSubscriptionNotMutable = errors.New("subscription does not accept seat changes in its current status")
)

// SeatChangeRequest is an admin's request to set an organization's seat count.
type SeatChangeRequest struct {
	OrganizationID   string
	SeatCount        int
	BillingPeriod    pricing.BillingPeriod
	ApplyImmediately bool
}

// SeatChangeResult is either a checkout redirect (first purchase) or the
// quantity Stripe accepted (update).
type SeatChangeResult struct {
	CheckoutURL  string `json:"checkout_url,omitempty"`
	Success      bool   `json:"success"`
	Quantity     int    `json:"quantity,omitempty"`
	Prorated     bool   `json:"prorated"`
	LocalApplied bool   `json:"-"`
}

// Orchestrator turns seat change requests into exactly one mutating Stripe
// call. It never writes subscription status or period state; the only local
// write is the claim and the optimistic seat limit, which reconciliation
// confirms or corrects.
type Orchestrator struct {
	store     *registry.Store
	processor Processor
	pricing   *pricing.Store
	claimTTL  time.Duration
}

// NewOrchestrator creates an Orchestrator. A zero claimTTL uses two minutes.
func NewOrchestrator(store *registry.Store, processor Processor, prices *pricing.Store, claimTTL time.Duration) *Orchestrator {
	if claimTTL <= 0 {
		claimTTL = defaultClaimTTL
	}
	return &Orchestrator{store: store, processor: processor, pricing: prices, claimTTL: claimTTL}
}

// ChangeSeats validates the request and takes the first-purchase or update
// path. A snapshot invalidated by a concurrent writer is re-read once so the
// request is judged against current state.
func (o *Orchestrator) ChangeSeats(ctx context.Context, req SeatChangeRequest) (*SeatChangeResult, error) {
	if !req.BillingPeriod.Valid() {
		return nil, fmt.Errorf("%w: %q", pricing.ErrInvalidBillingPeriod, req.BillingPeriod)
	}
	if ceiling := o.pricing.Table().MaxSeats(); req.SeatCount < 1 || req.SeatCount > ceiling {
		return nil, fmt.Errorf("%w: %d (allowed 1-%d)", pricing.ErrSeatCountOutOfRange, req.SeatCount, ceiling)
	}

	logger := log.With().
		Str("organization_id", req.OrganizationID).
		Int("seat_count", req.SeatCount).
		Str("billing_period", string(req.BillingPeriod)).
		Logger()

	for attempt := 0; ; attempt++ {
		res, path, err := o.changeSeats(ctx, req)
		if errors.Is(err, registry.ErrStaleSnapshot) && attempt == 0 {
			logger.Info().Msg("Subscription changed during seat change; re-evaluating")
			continue
		}
		cpmetrics.SeatChangesTotal.WithLabelValues(path, seatChangeOutcome(err)).Inc()
		if err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("Seat change refused")
			return nil, err
		}
		logger.Info().Str("path", path).Int("quantity", res.Quantity).Msg("Seat change accepted")
		return res, nil
	}
}

func (o *Orchestrator) changeSeats(ctx context.Context, req SeatChangeRequest) (*SeatChangeResult, string, error) {
	sub, err := o.store.GetSubscription(ctx, req.OrganizationID)
	if err != nil {
		return nil, "lookup", err
	}
	if sub == nil {
		return nil, "lookup", fmt.Errorf("organization %q: %w", req.OrganizationID, registry.ErrNotFound)
	}
	capacity, err := o.store.GetCapacity(ctx, req.OrganizationID)
	if err != nil {
		return nil, "lookup", err
	}

	if !sub.HasExternalSubscription() {
		res, err := o.firstPurchase(ctx, req, sub, capacity.ActiveMembers)
		return res, "checkout", err
	}
	res, err := o.updateQuantity(ctx, req, sub, capacity.ActiveMembers)
	return res, "update", err
}

func (o *Orchestrator) firstPurchase(ctx context.Context, req SeatChangeRequest, sub *registry.Subscription, active int) (*SeatChangeResult, error) {
	if err := seats.Check(req.SeatCount, active, sub.SeatLimit).Err(); err != nil {
		cpmetrics.CapacityRejectionsTotal.WithLabelValues("checkout").Inc()
		return nil, err
	}
	session, err := o.processor.CreateCheckout(ctx, CheckoutRequest{
		OrganizationID: req.OrganizationID,
		CustomerRef:    sub.CustomerRef,
		Seats:          req.SeatCount,
		Period:         req.BillingPeriod,
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}
	return &SeatChangeResult{CheckoutURL: session.URL}, nil
}

func (o *Orchestrator) updateQuantity(ctx context.Context, req SeatChangeRequest, sub *registry.Subscription, active int) (*SeatChangeResult, error) {
	if err := seats.Check(req.SeatCount, active, sub.SeatLimit).Err(); err != nil {
		cpmetrics.CapacityRejectionsTotal.WithLabelValues("update").Inc()
		return nil, err
	}
	if sub.BillingPeriod != req.BillingPeriod {
		return nil, fmt.Errorf("%w (current %s, requested %s)", ErrBillingPeriodChange, sub.BillingPeriod, req.BillingPeriod)
	}
	if sub.LiveClaim(o.store.Clock().Now()) {
		return nil, registry.ErrSeatChangeInProgress
	}

	remote, err := o.processor.GetSubscription(ctx, sub.SubscriptionRef)
	if err != nil {
		return nil, err
	}
	if !remote.Mutable() {
		return nil, fmt.Errorf("%w: %s", ErrSubscriptionNotMutable, remote.Status)
	}
	if remote.BillingPeriod != "" && remote.BillingPeriod != req.BillingPeriod {
		return nil, fmt.Errorf("%w (current %s, requested %s)", ErrBillingPeriodChange, remote.BillingPeriod, req.BillingPeriod)
	}
	if remote.ItemID == "" {
		return nil, &ProcessorError{Op: "get_subscription", Outcome: OutcomeRejected, Err: errors.New("subscription has no items")}
	}
	if remote.Quantity == req.SeatCount && sub.SeatLimit == req.SeatCount {
		return &SeatChangeResult{Success: true, Quantity: req.SeatCount}, nil
	}

	claim, err := o.store.ClaimSeatChange(ctx, sub, req.SeatCount, o.claimTTL)
	if err != nil {
		var capErr *seats.CapacityError
		if errors.As(err, &capErr) {
			cpmetrics.CapacityRejectionsTotal.WithLabelValues("update").Inc()
		}
		return nil, err
	}
	logger := log.With().
		Str("organization_id", req.OrganizationID).
		Str("claim_id", claim.ID).
		Str("subscription_ref", sub.SubscriptionRef).
		Logger()

	updated, err := o.processor.UpdateQuantity(ctx, QuantityUpdate{
		SubscriptionRef:    sub.SubscriptionRef,
		ItemID:             remote.ItemID,
		Quantity:           req.SeatCount,
		ProrateImmediately: req.ApplyImmediately,
		IdempotencyKey:     claim.ID,
	})
	// Claim bookkeeping must finish even if the caller went away.
	bg := context.WithoutCancel(ctx)
	if err != nil {
		var perr *ProcessorError
		if errors.As(err, &perr) && perr.Outcome == OutcomeUnknown {
			logger.Warn().Err(err).Msg("Seat change outcome unknown; keeping claim until reconciliation or expiry")
			return nil, err
		}
		if relErr := o.store.ReleaseSeatChange(bg, req.OrganizationID, claim.ID); relErr != nil {
			logger.Error().Err(relErr).Msg("Failed to release seat change claim")
		}
		return nil, err
	}

	quantity := req.SeatCount
	if updated != nil && updated.Quantity > 0 {
		quantity = updated.Quantity
	}
	applied, err := o.store.CompleteSeatChange(bg, req.OrganizationID, claim.ID, quantity)
	if err != nil {
		// Stripe accepted the change; the webhook will bring the local limit in line.
		logger.Error().Err(err).Msg("Failed to record optimistic seat limit")
	}
	return &SeatChangeResult{
		Success:      true,
		Quantity:     quantity,
		Prorated:     req.ApplyImmediately,
		LocalApplied: applied,
	}, nil
}

func seatChangeOutcome(err error) string {
	if err == nil {
		return "accepted"
	}
	var capErr *seats.CapacityError
	var perr *ProcessorError
	switch {
	case errors.As(err, &capErr):
		return "capacity_exceeded"
	case errors.Is(err, ErrBillingPeriodChange):
		return "period_change"
	case errors.Is(err, ErrSubscriptionNotMutable):
		return "not_mutable"
	case errors.Is(err, registry.ErrSeatChangeInProgress), errors.Is(err, registry.ErrStaleSnapshot):
		return "conflict"
	case errors.As(err, &perr):
		return "processor_" + string(perr.Outcome)
	case errors.Is(err, registry.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// Preview is a quote for a seat count plus a display-only proration estimate.
type Preview struct {
	Quote    pricing.Quote    `json:"quote"`
	Estimate pricing.Estimate `json:"proration_estimate"`
}

// Preview prices seats and estimates the mid-cycle impact against the
// organization's current subscription. The estimate is never sent to Stripe.
func (o *Orchestrator) Preview(ctx context.Context, orgID string, seatCount int, period pricing.BillingPeriod) (*Preview, error) {
	table := o.pricing.Table()
	quote, err := table.Quote(seatCount, period)
	if err != nil {
		return nil, err
	}
	sub, err := o.store.GetSubscription(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, fmt.Errorf("organization %q: %w", orgID, registry.ErrNotFound)
	}

	in := pricing.EstimateInput{
		OldSeats:  sub.SeatLimit,
		OldPeriod: sub.BillingPeriod,
		NewSeats:  seatCount,
		NewPeriod: period,
		Now:       o.store.Clock().Now(),
	}
	if sub.HasExternalSubscription() && sub.CurrentPeriodEnd != nil {
		in.PeriodEnd = *sub.CurrentPeriodEnd
	}
	if !in.OldPeriod.Valid() {
		in.OldPeriod = period
	}
	estimate, err := pricing.EstimateProration(table, in)
	if err != nil {
		return nil, err
	}
	return &Preview{Quote: quote, Estimate: estimate}, nil
}
