package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const outcomeProcessing = "processing"

// ReconcileTx is the write surface for subscription state. It only exists
// inside ApplyEvent, which makes webhook reconciliation the single writer of
// status, period bounds and confirmed seat limits.
type ReconcileTx struct {
	ctx   context.Context
	tx    *sql.Tx
	store *Store
	now   time.Time
}

// ApplyEvent records eventID in the webhook ledger and runs fn in the same
// transaction. A previously recorded event short-circuits with
// OutcomeDuplicate and fn is not called. When fn fails nothing is recorded, so
// a redelivery is processed again.
func (s *Store) ApplyEvent(ctx context.Context, eventID, eventType string, fn func(*ReconcileTx) (EventOutcome, error)) (EventOutcome, error) {
	if eventID == "" {
		return "", fmt.Errorf("event id is required")
	}
	var outcome EventOutcome
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		res, err := tx.ExecContext(ctx, s.dialect.rebind(`
			INSERT INTO webhook_events (event_id, event_type, outcome, received_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (event_id) DO NOTHING`),
			eventID, eventType, outcomeProcessing, now.Unix(),
		)
		if err != nil {
			return fmt.Errorf("record webhook event: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			outcome = OutcomeDuplicate
			return nil
		}

		out, err := fn(&ReconcileTx{ctx: ctx, tx: tx, store: s, now: now})
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.dialect.rebind(
			`UPDATE webhook_events SET outcome = ? WHERE event_id = ?`), string(out), eventID); err != nil {
			return fmt.Errorf("record webhook outcome: %w", err)
		}
		outcome = out
		return nil
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// EventOutcomeFor returns the recorded outcome of an event, or "" when unseen.
func (s *Store) EventOutcomeFor(ctx context.Context, eventID string) (EventOutcome, error) {
	var outcome string
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT outcome FROM webhook_events WHERE event_id = ?`), eventID).Scan(&outcome)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read webhook event: %w", err)
	}
	return EventOutcome(outcome), nil
}

// SubscriptionByRef locks and returns the row holding ref, or nil.
func (r *ReconcileTx) SubscriptionByRef(ref string) (*Subscription, error) {
	if ref == "" {
		return nil, nil
	}
	return r.store.subscriptionBy(r.ctx, r.tx, "subscription_ref", ref, true)
}

// SubscriptionByOrg locks and returns the organization's row, or nil.
func (r *ReconcileTx) SubscriptionByOrg(orgID string) (*Subscription, error) {
	return r.store.subscriptionBy(r.ctx, r.tx, "organization_id", orgID, true)
}

// ActiveMembers counts the organization's active members.
func (r *ReconcileTx) ActiveMembers(orgID string) (int, error) {
	return r.store.countActive(r.ctx, r.tx, orgID)
}

// RefRetired reports whether ref was cleared by a subscription deletion.
func (r *ReconcileTx) RefRetired(ref string) (bool, error) {
	var n int
	err := r.tx.QueryRowContext(r.ctx, r.store.dialect.rebind(
		`SELECT COUNT(*) FROM retired_subscription_refs WHERE subscription_ref = ?`), ref).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check retired subscription ref: %w", err)
	}
	return n > 0, nil
}

// Upsert writes st as the organization's subscription state, creating the row
// if needed. Every field is overwritten from st. A live claim whose pending
// seat limit equals the new limit is confirmed and cleared.
func (r *ReconcileTx) Upsert(orgID string, st ExternalState) error {
	if orgID == "" {
		return fmt.Errorf("organization id is required")
	}
	if st.SubscriptionRef != "" {
		retired, err := r.RefRetired(st.SubscriptionRef)
		if err != nil {
			return err
		}
		if retired {
			return fmt.Errorf("%s: %w", st.SubscriptionRef, ErrSubscriptionRetired)
		}
	}

	cur, err := r.SubscriptionByOrg(orgID)
	if err != nil {
		return err
	}
	now := r.now.Unix()
	if cur == nil {
		_, err := r.tx.ExecContext(r.ctx, r.store.dialect.rebind(`
			INSERT INTO subscriptions (
				organization_id, customer_ref, subscription_ref, seat_limit,
				billing_period, status, current_period_start, current_period_end,
				cancel_at_period_end, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			orgID, st.CustomerRef, nullableString(st.SubscriptionRef), st.SeatLimit,
			string(st.BillingPeriod), string(st.Status), nullableTimeUnix(st.CurrentPeriodStart), nullableTimeUnix(st.CurrentPeriodEnd),
			boolToInt(st.CancelAtPeriodEnd), now, now,
		)
		if err != nil {
			return fmt.Errorf("insert subscription: %w", err)
		}
		return nil
	}

	confirmsClaim := cur.PendingClaimID != "" && cur.PendingSeatLimit != nil && *cur.PendingSeatLimit == st.SeatLimit
	query := `
		UPDATE subscriptions SET
			customer_ref = ?, subscription_ref = ?, seat_limit = ?,
			billing_period = ?, status = ?, current_period_start = ?, current_period_end = ?,
			cancel_at_period_end = ?, version = version + 1, updated_at = ?`
	if confirmsClaim {
		query += `, ` + clearClaim
	}
	query += ` WHERE organization_id = ?`

	customer := st.CustomerRef
	if customer == "" {
		customer = cur.CustomerRef
	}
	_, err = r.tx.ExecContext(r.ctx, r.store.dialect.rebind(query),
		customer, nullableString(st.SubscriptionRef), st.SeatLimit,
		string(st.BillingPeriod), string(st.Status), nullableTimeUnix(st.CurrentPeriodStart), nullableTimeUnix(st.CurrentPeriodEnd),
		boolToInt(st.CancelAtPeriodEnd), now, orgID,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	return nil
}

// Cancel marks the organization canceled, clears its subscription ref and
// retires it. The seat limit is kept for audit.
func (r *ReconcileTx) Cancel(orgID, ref string) error {
	now := r.now.Unix()
	_, err := r.tx.ExecContext(r.ctx, r.store.dialect.rebind(`
		UPDATE subscriptions SET
			status = ?, subscription_ref = NULL, cancel_at_period_end = 0,
			`+clearClaim+`, version = version + 1, updated_at = ?
		WHERE organization_id = ?`),
		string(StatusCanceled), now, orgID,
	)
	if err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}
	if ref == "" {
		return nil
	}
	_, err = r.tx.ExecContext(r.ctx, r.store.dialect.rebind(`
		INSERT INTO retired_subscription_refs (subscription_ref, organization_id, retired_at)
		VALUES (?, ?, ?)
		ON CONFLICT (subscription_ref) DO NOTHING`),
		ref, orgID, now,
	)
	if err != nil {
		return fmt.Errorf("retire subscription ref: %w", err)
	}
	return nil
}

// Renew sets the organization active with fresh period bounds.
func (r *ReconcileTx) Renew(orgID string, start, end *time.Time) error {
	_, err := r.tx.ExecContext(r.ctx, r.store.dialect.rebind(`
		UPDATE subscriptions SET
			status = ?,
			current_period_start = COALESCE(?, current_period_start),
			current_period_end = COALESCE(?, current_period_end),
			version = version + 1, updated_at = ?
		WHERE organization_id = ?`),
		string(StatusActive), nullableTimeUnix(start), nullableTimeUnix(end), r.now.Unix(), orgID,
	)
	if err != nil {
		return fmt.Errorf("renew subscription: %w", err)
	}
	return nil
}

// MarkPastDue records a failed payment. Entitlement is not revoked.
func (r *ReconcileTx) MarkPastDue(orgID string) error {
	_, err := r.tx.ExecContext(r.ctx, r.store.dialect.rebind(`
		UPDATE subscriptions SET status = ?, version = version + 1, updated_at = ?
		WHERE organization_id = ?`),
		string(StatusPastDue), r.now.Unix(), orgID,
	)
	if err != nil {
		return fmt.Errorf("mark subscription past due: %w", err)
	}
	return nil
}
