package stripe

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/seatledger/internal/seatcp/cpmetrics"
	"github.com/rcourtman/seatledger/internal/seatcp/registry"
)

const billingReasonCycle = "subscription_cycle"

// Reconciler is the single entry point that writes processor-confirmed
// subscription state. Every handler derives the new state from the event
// payload and a row lookup only, so redelivery and reordering converge.
type Reconciler struct {
	store     *registry.Store
	processor Processor
}

// NewReconciler creates a Reconciler. processor is used to retrieve the
// subscription behind a completed checkout.
func NewReconciler(store *registry.Store, processor Processor) *Reconciler {
	return &Reconciler{store: store, processor: processor}
}

// Apply reconciles one event. It returns an error only when the event should
// be redelivered (store or processor failures); events that reference unknown
// organizations or subscriptions are recorded as dropped.
func (r *Reconciler) Apply(ctx context.Context, ev Event) (registry.EventOutcome, error) {
	meta := ev.Meta()

	var remote *RemoteSubscription
	if cc, ok := ev.(*CheckoutCompleted); ok && cc.OrganizationID != "" && cc.SubscriptionRef != "" {
		seen, err := r.store.EventOutcomeFor(ctx, meta.ID)
		if err != nil {
			return "", err
		}
		if seen != "" {
			r.record(meta, registry.OutcomeDuplicate)
			return registry.OutcomeDuplicate, nil
		}
		remote, err = r.fetchCheckoutSubscription(ctx, cc)
		if err != nil {
			return "", err
		}
	}

	outcome, err := r.store.ApplyEvent(ctx, meta.ID, meta.Type, func(tx *registry.ReconcileTx) (registry.EventOutcome, error) {
		switch e := ev.(type) {
		case *CheckoutCompleted:
			return r.applyCheckoutCompleted(tx, e, remote)
		case *SubscriptionCreated:
			return r.applySubscription(tx, meta, &e.Subscription)
		case *SubscriptionUpdated:
			return r.applySubscription(tx, meta, &e.Subscription)
		case *SubscriptionDeleted:
			return r.applySubscriptionDeleted(tx, meta, &e.Subscription)
		case *InvoicePaymentSucceeded:
			return r.applyInvoicePaid(tx, meta, e.Invoice)
		case *InvoicePaymentFailed:
			return r.applyInvoiceFailed(tx, meta, e.Invoice)
		case *Ignored:
			log.Debug().
				Str("event_id", meta.ID).
				Str("type", meta.Type).
				Str("reason", e.Reason).
				Msg("Stripe event ignored")
			return registry.OutcomeIgnored, nil
		default:
			return "", fmt.Errorf("no reconciliation for event variant %T", ev)
		}
	})
	if err != nil {
		return "", err
	}
	r.record(meta, outcome)
	return outcome, nil
}

func (r *Reconciler) record(meta EventMeta, outcome registry.EventOutcome) {
	cpmetrics.ReconcileOutcomesTotal.WithLabelValues(meta.Type, string(outcome)).Inc()
}

// fetchCheckoutSubscription reads the live subscription outside any
// transaction. A subscription Stripe no longer knows yields nil so the event
// is dropped; other failures are returned for redelivery.
func (r *Reconciler) fetchCheckoutSubscription(ctx context.Context, cc *CheckoutCompleted) (*RemoteSubscription, error) {
	if r.processor == nil {
		return nil, fmt.Errorf("no processor configured to retrieve subscription %s", cc.SubscriptionRef)
	}
	remote, err := r.processor.GetSubscription(ctx, cc.SubscriptionRef)
	if err != nil {
		var perr *ProcessorError
		if errors.As(err, &perr) && perr.Outcome == OutcomeRejected {
			log.Warn().Err(err).
				Str("event_id", cc.ID).
				Str("organization_id", cc.OrganizationID).
				Str("subscription_ref", cc.SubscriptionRef).
				Msg("Checkout subscription not retrievable; dropping event")
			return nil, nil
		}
		return nil, fmt.Errorf("retrieve checkout subscription: %w", err)
	}
	return remote, nil
}

func (r *Reconciler) applyCheckoutCompleted(tx *registry.ReconcileTx, e *CheckoutCompleted, remote *RemoteSubscription) (registry.EventOutcome, error) {
	logger := log.With().
		Str("event_id", e.ID).
		Str("organization_id", e.OrganizationID).
		Str("subscription_ref", e.SubscriptionRef).
		Logger()

	if e.OrganizationID == "" || e.SubscriptionRef == "" {
		logger.Warn().Msg("Checkout completed without organization or subscription; dropping event")
		return registry.OutcomeDropped, nil
	}
	if remote == nil {
		return registry.OutcomeDropped, nil
	}

	owner, err := tx.SubscriptionByRef(e.SubscriptionRef)
	if err != nil {
		return "", err
	}
	if owner != nil && owner.OrganizationID != e.OrganizationID {
		logger.Warn().Str("owner_organization_id", owner.OrganizationID).
			Msg("Checkout subscription already belongs to another organization; dropping event")
		return registry.OutcomeDropped, nil
	}

	st := remote.ExternalState("")
	st.SubscriptionRef = e.SubscriptionRef
	st.Status = registry.StatusActive
	if st.CustomerRef == "" {
		st.CustomerRef = e.CustomerRef
	}
	if err := tx.Upsert(e.OrganizationID, st); err != nil {
		if errors.Is(err, registry.ErrSubscriptionRetired) {
			logger.Warn().Msg("Checkout references a deleted subscription; dropping event")
			return registry.OutcomeDropped, nil
		}
		return "", err
	}
	logger.Info().Int("seat_limit", st.SeatLimit).Str("billing_period", string(st.BillingPeriod)).
		Msg("Subscription activated from checkout")
	return registry.OutcomeApplied, r.checkOverCapacity(tx, e.OrganizationID, st.SeatLimit)
}

// applySubscription overwrites the row holding the subscription with the
// payload. A subscription not yet linked locally is adopted when its metadata
// names an organization that has no live subscription.
func (r *Reconciler) applySubscription(tx *registry.ReconcileTx, meta EventMeta, sub *RemoteSubscription) (registry.EventOutcome, error) {
	logger := log.With().
		Str("event_id", meta.ID).
		Str("type", meta.Type).
		Str("subscription_ref", sub.ID).
		Logger()

	row, err := tx.SubscriptionByRef(sub.ID)
	if err != nil {
		return "", err
	}

	orgID := ""
	fallback := sub.BillingPeriod
	if row != nil {
		orgID = row.OrganizationID
		fallback = row.BillingPeriod
	} else {
		orgID, err = r.adoptionTarget(tx, sub)
		if err != nil {
			return "", err
		}
		if orgID == "" {
			logger.Info().Msg("Subscription event for unknown subscription; dropping event")
			return registry.OutcomeDropped, nil
		}
	}

	st := sub.ExternalState(fallback)
	if err := tx.Upsert(orgID, st); err != nil {
		if errors.Is(err, registry.ErrSubscriptionRetired) {
			logger.Info().Str("organization_id", orgID).Msg("Subscription was deleted; dropping event")
			return registry.OutcomeDropped, nil
		}
		return "", err
	}
	logger.Info().
		Str("organization_id", orgID).
		Int("seat_limit", st.SeatLimit).
		Str("status", string(st.Status)).
		Bool("cancel_at_period_end", st.CancelAtPeriodEnd).
		Msg("Subscription reconciled")
	return registry.OutcomeApplied, r.checkOverCapacity(tx, orgID, st.SeatLimit)
}

func (r *Reconciler) adoptionTarget(tx *registry.ReconcileTx, sub *RemoteSubscription) (string, error) {
	orgID := sub.OrganizationID()
	if orgID == "" {
		return "", nil
	}
	// Only a paid (or trialing) subscription may move a row out of none.
	// Incomplete ones are activated later by checkout or update events.
	if !sub.Mutable() {
		return "", nil
	}
	existing, err := tx.SubscriptionByOrg(orgID)
	if err != nil {
		return "", err
	}
	if existing != nil && existing.HasExternalSubscription() {
		return "", nil
	}
	return orgID, nil
}

func (r *Reconciler) applySubscriptionDeleted(tx *registry.ReconcileTx, meta EventMeta, sub *RemoteSubscription) (registry.EventOutcome, error) {
	row, err := tx.SubscriptionByRef(sub.ID)
	if err != nil {
		return "", err
	}
	if row == nil {
		log.Info().
			Str("event_id", meta.ID).
			Str("subscription_ref", sub.ID).
			Msg("Subscription deleted for unknown or already cleared subscription; nothing to do")
		return registry.OutcomeDropped, nil
	}
	if err := tx.Cancel(row.OrganizationID, sub.ID); err != nil {
		return "", err
	}
	log.Info().
		Str("event_id", meta.ID).
		Str("organization_id", row.OrganizationID).
		Str("subscription_ref", sub.ID).
		Int("seat_limit", row.SeatLimit).
		Msg("Subscription canceled")
	return registry.OutcomeApplied, nil
}

func (r *Reconciler) applyInvoicePaid(tx *registry.ReconcileTx, meta EventMeta, inv Invoice) (registry.EventOutcome, error) {
	row, err := tx.SubscriptionByRef(inv.SubscriptionRef)
	if err != nil {
		return "", err
	}
	if row == nil {
		log.Info().
			Str("event_id", meta.ID).
			Str("subscription_ref", inv.SubscriptionRef).
			Msg("Invoice for unknown subscription; dropping event")
		return registry.OutcomeDropped, nil
	}
	if inv.BillingReason != billingReasonCycle {
		return registry.OutcomeIgnored, nil
	}
	if err := tx.Renew(row.OrganizationID, inv.PeriodStart, inv.PeriodEnd); err != nil {
		return "", err
	}
	log.Info().
		Str("event_id", meta.ID).
		Str("organization_id", row.OrganizationID).
		Msg("Subscription renewed")
	return registry.OutcomeApplied, nil
}

func (r *Reconciler) applyInvoiceFailed(tx *registry.ReconcileTx, meta EventMeta, inv Invoice) (registry.EventOutcome, error) {
	row, err := tx.SubscriptionByRef(inv.SubscriptionRef)
	if err != nil {
		return "", err
	}
	if row == nil {
		log.Info().
			Str("event_id", meta.ID).
			Str("subscription_ref", inv.SubscriptionRef).
			Msg("Failed invoice for unknown subscription; dropping event")
		return registry.OutcomeDropped, nil
	}
	if err := tx.MarkPastDue(row.OrganizationID); err != nil {
		return "", err
	}
	log.Warn().
		Str("event_id", meta.ID).
		Str("organization_id", row.OrganizationID).
		Msg("Invoice payment failed; subscription past due")
	return registry.OutcomeApplied, nil
}

// checkOverCapacity flags a reconciled seat limit below the active member
// count. Members are never evicted here.
func (r *Reconciler) checkOverCapacity(tx *registry.ReconcileTx, orgID string, seatLimit int) error {
	active, err := tx.ActiveMembers(orgID)
	if err != nil {
		return err
	}
	if seatLimit < active {
		cpmetrics.SeatLimitBelowActiveTotal.Inc()
		log.Warn().
			Str("organization_id", orgID).
			Int("seat_limit", seatLimit).
			Int("active_members", active).
			Msg("Reconciled seat limit is below active members")
	}
	return nil
}
