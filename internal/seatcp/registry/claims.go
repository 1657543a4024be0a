package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rcourtman/seatledger/pkg/seats"
)

const clearClaim = `pending_seat_limit = NULL, pending_claim_id = '', pending_expires_at_ms = NULL`

// ClaimSeatChange re-reads the subscription, verifies it still matches
// snapshot, re-runs the capacity check against the current active member count
// and records a claim for requested seats, all in one transaction. While the
// claim is live, admission is capped at min(seat_limit, requested).
//
// Errors: ErrNotFound, ErrSeatChangeInProgress when another live claim exists,
// ErrStaleSnapshot when the row moved since snapshot was read, and
// *seats.CapacityError when requested is below the active member count.
func (s *Store) ClaimSeatChange(ctx context.Context, snapshot *Subscription, requested int, ttl time.Duration) (*SeatChangeClaim, error) {
	if snapshot == nil {
		return nil, fmt.Errorf("subscription snapshot is nil")
	}
	var claim *SeatChangeClaim
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.subscriptionBy(ctx, tx, "organization_id", snapshot.OrganizationID, true)
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("organization %q: %w", snapshot.OrganizationID, ErrNotFound)
		}

		now := s.now()
		if cur.LiveClaim(now) {
			return ErrSeatChangeInProgress
		}
		if cur.Version != snapshot.Version ||
			cur.SubscriptionRef != snapshot.SubscriptionRef ||
			cur.Status != snapshot.Status {
			return ErrStaleSnapshot
		}

		active, err := s.countActive(ctx, tx, cur.OrganizationID)
		if err != nil {
			return err
		}
		if err := seats.Check(requested, active, cur.SeatLimit).Err(); err != nil {
			return err
		}

		c := &SeatChangeClaim{
			ID:             uuid.NewString(),
			OrganizationID: cur.OrganizationID,
			SeatLimit:      requested,
			PreviousLimit:  cur.SeatLimit,
			ExpiresAt:      now.Add(ttl),
		}
		res, err := tx.ExecContext(ctx, s.dialect.rebind(`
			UPDATE subscriptions SET
				pending_seat_limit = ?, pending_claim_id = ?, pending_expires_at_ms = ?,
				version = version + 1, updated_at = ?
			WHERE organization_id = ? AND version = ?`),
			requested, c.ID, c.ExpiresAt.UnixMilli(),
			now.Unix(), cur.OrganizationID, cur.Version,
		)
		if err != nil {
			return fmt.Errorf("claim seat change: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return ErrStaleSnapshot
		}
		claim = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claim, nil
}

// CompleteSeatChange applies the quantity the processor confirmed for a claim
// as the optimistic local seat limit and clears the claim. It reports false
// without touching the seat limit when the claim was already resolved (for
// example by a webhook that arrived first) or when the confirmed quantity no
// longer fits the active members; reconciliation settles those cases.
func (s *Store) CompleteSeatChange(ctx context.Context, orgID, claimID string, quantity int) (bool, error) {
	applied := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.subscriptionBy(ctx, tx, "organization_id", orgID, true)
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("organization %q: %w", orgID, ErrNotFound)
		}
		if cur.PendingClaimID != claimID {
			return nil
		}

		active, err := s.countActive(ctx, tx, orgID)
		if err != nil {
			return err
		}
		now := s.now().Unix()
		if !seats.Check(quantity, active, cur.SeatLimit).Allowed {
			_, err := tx.ExecContext(ctx, s.dialect.rebind(`
				UPDATE subscriptions SET `+clearClaim+`, version = version + 1, updated_at = ?
				WHERE organization_id = ?`), now, orgID)
			if err != nil {
				return fmt.Errorf("clear seat change claim: %w", err)
			}
			return nil
		}

		_, err = tx.ExecContext(ctx, s.dialect.rebind(`
			UPDATE subscriptions SET
				seat_limit = ?, `+clearClaim+`, version = version + 1, updated_at = ?
			WHERE organization_id = ?`), quantity, now, orgID)
		if err != nil {
			return fmt.Errorf("complete seat change: %w", err)
		}
		applied = true
		return nil
	})
	return applied, err
}

// ReleaseSeatChange drops a claim whose external call definitively failed.
func (s *Store) ReleaseSeatChange(ctx context.Context, orgID, claimID string) error {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		UPDATE subscriptions SET `+clearClaim+`, version = version + 1, updated_at = ?
		WHERE organization_id = ? AND pending_claim_id = ?`),
		s.now().Unix(), orgID, claimID,
	)
	if err != nil {
		return fmt.Errorf("release seat change claim: %w", err)
	}
	return nil
}
