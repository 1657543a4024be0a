package registry

import (
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rcourtman/seatledger/pkg/pricing"
	"github.com/rcourtman/seatledger/pkg/seats"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrMemberExists         = errors.New("member already exists")
	ErrInvalidMemberState   = errors.New("member state does not allow this change")
	ErrCapacityFull         = errors.New("no free seats")
	ErrSeatChangeInProgress = errors.New("another seat change is in progress")
	ErrStaleSnapshot        = errors.New("subscription changed since it was read")
	ErrSubscriptionRetired  = errors.New("subscription reference was retired by a deletion")
)

// Status is the local entitlement status of an organization subscription.
type Status string

const (
	StatusNone     Status = "none"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// Subscription is the per-organization entitlement record.
type Subscription struct {
	OrganizationID     string                `json:"organization_id"`
	CustomerRef        string                `json:"external_customer_ref,omitempty"`
	SubscriptionRef    string                `json:"external_subscription_ref,omitempty"`
	SeatLimit          int                   `json:"seat_limit"`
	BillingPeriod      pricing.BillingPeriod `json:"billing_period"`
	Status             Status                `json:"status"`
	CurrentPeriodStart *time.Time            `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time            `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd  bool                  `json:"cancel_at_period_end"`
	Version            int64                 `json:"version"`
	PendingSeatLimit   *int                  `json:"pending_seat_limit,omitempty"`
	PendingClaimID     string                `json:"-"`
	PendingExpiresAt   *time.Time            `json:"pending_expires_at,omitempty"`
	CreatedAt          time.Time             `json:"created_at"`
	UpdatedAt          time.Time             `json:"updated_at"`
}

// HasExternalSubscription reports whether a purchase has been reconciled.
func (s *Subscription) HasExternalSubscription() bool {
	return s != nil && s.SubscriptionRef != ""
}

// LiveClaim reports whether a seat-change claim is held at now.
func (s *Subscription) LiveClaim(now time.Time) bool {
	return s.PendingClaimID != "" && s.PendingExpiresAt != nil && now.Before(*s.PendingExpiresAt)
}

// AdmissionLimit is the number of members that may be active at now. Organizations
// without a paid subscription admit nobody; a live claim caps admission at the
// lower of the current and the pending limit.
func (s *Subscription) AdmissionLimit(now time.Time) int {
	if s.Status == StatusNone || s.Status == StatusCanceled {
		return 0
	}
	limit := s.SeatLimit
	if s.LiveClaim(now) && s.PendingSeatLimit != nil {
		limit = min(limit, *s.PendingSeatLimit)
	}
	return limit
}

// Capacity is the read model consumed by member admission.
type Capacity struct {
	OrganizationID   string `json:"organization_id"`
	SeatLimit        int    `json:"seat_limit"`
	ActiveMembers    int    `json:"active_members"`
	Remaining        int    `json:"remaining"`
	AdmissionLimit   int    `json:"admission_limit"`
	Status           Status `json:"status"`
	PendingSeatLimit *int   `json:"pending_seat_limit,omitempty"`
}

func newCapacity(sub *Subscription, active int, now time.Time) Capacity {
	c := Capacity{
		OrganizationID: sub.OrganizationID,
		SeatLimit:      sub.SeatLimit,
		ActiveMembers:  active,
		AdmissionLimit: sub.AdmissionLimit(now),
		Status:         sub.Status,
	}
	if sub.LiveClaim(now) {
		c.PendingSeatLimit = sub.PendingSeatLimit
	}
	c.Remaining = seats.Remaining(c.AdmissionLimit, active)
	return c
}

// ExternalState is the processor-side view of a subscription carried by an
// event. Reconciliation writes it verbatim.
type ExternalState struct {
	CustomerRef        string
	SubscriptionRef    string
	SeatLimit          int
	BillingPeriod      pricing.BillingPeriod
	Status             Status
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
}

// EventOutcome is recorded in the webhook ledger for each processed event.
type EventOutcome string

const (
	OutcomeApplied   EventOutcome = "applied"
	OutcomeDropped   EventOutcome = "dropped"
	OutcomeIgnored   EventOutcome = "ignored"
	OutcomeDuplicate EventOutcome = "duplicate"
)

// MemberStatus is the admission state of an organization member.
type MemberStatus string

const (
	MemberPending  MemberStatus = "pending"
	MemberActive   MemberStatus = "active"
	MemberRejected MemberStatus = "rejected"
	MemberRemoved  MemberStatus = "removed"
)

// Member occupies a seat while active.
type Member struct {
	ID             string       `json:"id"`
	OrganizationID string       `json:"organization_id"`
	UserRef        string       `json:"user_ref"`
	Status         MemberStatus `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// NewMemberID returns a lexically sortable member ID of the form "m_<ulid>".
func NewMemberID(now time.Time) string {
	return "m_" + strings.ToLower(ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String())
}

// SeatChangeClaim reserves the right to change an organization's seat count
// at the processor.
type SeatChangeClaim struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	SeatLimit      int       `json:"seat_limit"`
	PreviousLimit  int       `json:"previous_limit"`
	ExpiresAt      time.Time `json:"expires_at"`
}
