package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rcourtman/seatledger/pkg/seats"
)

const memberColumns = `id, organization_id, user_ref, status, created_at, updated_at`

// AddMember registers userRef as a pending member. A previously rejected or
// removed member is returned to pending; an already pending or active member
// yields ErrMemberExists.
func (s *Store) AddMember(ctx context.Context, orgID, userRef string) (*Member, error) {
	userRef = strings.TrimSpace(userRef)
	if userRef == "" {
		return nil, fmt.Errorf("user ref is required")
	}
	var m *Member
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sub, err := s.subscriptionBy(ctx, tx, "organization_id", orgID, false)
		if err != nil {
			return err
		}
		if sub == nil {
			return fmt.Errorf("organization %q: %w", orgID, ErrNotFound)
		}

		now := s.now()
		existing, err := scanMember(tx.QueryRowContext(ctx, s.dialect.rebind(
			`SELECT `+memberColumns+` FROM members WHERE organization_id = ? AND user_ref = ?`), orgID, userRef))
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.Status == MemberPending || existing.Status == MemberActive {
				return ErrMemberExists
			}
			if err := s.setMemberStatus(ctx, tx, existing.ID, MemberPending, now); err != nil {
				return err
			}
			existing.Status = MemberPending
			existing.UpdatedAt = now.Truncate(time.Second)
			m = existing
			return nil
		}

		m = &Member{
			ID:             NewMemberID(now),
			OrganizationID: orgID,
			UserRef:        userRef,
			Status:         MemberPending,
			CreatedAt:      now.Truncate(time.Second),
			UpdatedAt:      now.Truncate(time.Second),
		}
		_, err = tx.ExecContext(ctx, s.dialect.rebind(`
			INSERT INTO members (`+memberColumns+`) VALUES (?, ?, ?, ?, ?, ?)`),
			m.ID, m.OrganizationID, m.UserRef, string(m.Status), now.Unix(), now.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert member: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// AdmitMember activates a pending member when a seat is free. The capacity
// check and the status change happen in one transaction that also locks the
// subscription row, so admission cannot race a seat reduction.
func (s *Store) AdmitMember(ctx context.Context, orgID, memberID string) (*Member, error) {
	return s.transitionMember(ctx, orgID, memberID, MemberActive, func(tx *sql.Tx, m *Member) error {
		if m.Status != MemberPending {
			return fmt.Errorf("%w: member is %s", ErrInvalidMemberState, m.Status)
		}
		sub, err := s.subscriptionBy(ctx, tx, "organization_id", orgID, true)
		if err != nil {
			return err
		}
		if sub == nil {
			return fmt.Errorf("organization %q: %w", orgID, ErrNotFound)
		}
		active, err := s.countActive(ctx, tx, orgID)
		if err != nil {
			return err
		}
		if !seats.CanAdmit(sub.AdmissionLimit(s.now()), active) {
			return ErrCapacityFull
		}
		return nil
	})
}

// RejectMember declines a pending member.
func (s *Store) RejectMember(ctx context.Context, orgID, memberID string) (*Member, error) {
	return s.transitionMember(ctx, orgID, memberID, MemberRejected, func(_ *sql.Tx, m *Member) error {
		if m.Status != MemberPending {
			return fmt.Errorf("%w: member is %s", ErrInvalidMemberState, m.Status)
		}
		return nil
	})
}

// RemoveMember frees the seat of an active member, or withdraws a pending one.
func (s *Store) RemoveMember(ctx context.Context, orgID, memberID string) (*Member, error) {
	return s.transitionMember(ctx, orgID, memberID, MemberRemoved, func(_ *sql.Tx, m *Member) error {
		if m.Status != MemberActive && m.Status != MemberPending {
			return fmt.Errorf("%w: member is %s", ErrInvalidMemberState, m.Status)
		}
		return nil
	})
}

// GetMember returns a member of the organization, or nil.
func (s *Store) GetMember(ctx context.Context, orgID, memberID string) (*Member, error) {
	return scanMember(s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT `+memberColumns+` FROM members WHERE id = ? AND organization_id = ?`), memberID, orgID))
}

// ListMembers returns the organization's members, oldest first. An empty
// status lists every member.
func (s *Store) ListMembers(ctx context.Context, orgID string, status MemberStatus) ([]*Member, error) {
	query := `SELECT ` + memberColumns + ` FROM members WHERE organization_id = ?`
	args := []any{orgID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []*Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *Store) transitionMember(ctx context.Context, orgID, memberID string, to MemberStatus, check func(*sql.Tx, *Member) error) (*Member, error) {
	var m *Member
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := scanMember(tx.QueryRowContext(ctx, s.dialect.rebind(
			`SELECT `+memberColumns+` FROM members WHERE id = ? AND organization_id = ?`+s.dialect.forUpdate()), memberID, orgID))
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("member %q: %w", memberID, ErrNotFound)
		}
		if err := check(tx, cur); err != nil {
			return err
		}
		now := s.now()
		if err := s.setMemberStatus(ctx, tx, cur.ID, to, now); err != nil {
			return err
		}
		cur.Status = to
		cur.UpdatedAt = now.Truncate(time.Second)
		m = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) setMemberStatus(ctx context.Context, tx *sql.Tx, id string, status MemberStatus, now time.Time) error {
	_, err := tx.ExecContext(ctx, s.dialect.rebind(
		`UPDATE members SET status = ?, updated_at = ? WHERE id = ?`), string(status), now.Unix(), id)
	if err != nil {
		return fmt.Errorf("update member status: %w", err)
	}
	return nil
}

func scanMember(sc scanner) (*Member, error) {
	var m Member
	var status string
	var createdAt, updatedAt int64
	err := sc.Scan(&m.ID, &m.OrganizationID, &m.UserRef, &status, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan member: %w", err)
	}
	m.Status = MemberStatus(status)
	m.CreatedAt = time.Unix(createdAt, 0).UTC()
	m.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &m, nil
}
