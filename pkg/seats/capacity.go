// Package seats enforces the seat capacity invariant: an organization may
// never have more active members than purchased seats.
package seats

import "fmt"

// Decision is the outcome of a capacity check.
type Decision struct {
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason,omitempty"`
	MustRemove int    `json:"must_remove,omitempty"`

	rejection *CapacityError
}

// CapacityError is returned when a requested seat count is below the number of
// active members.
type CapacityError struct {
	Requested     int
	ActiveMembers int
	SeatLimit     int
}

// MustRemove is how many members have to leave before the change fits.
func (e *CapacityError) MustRemove() int {
	return e.ActiveMembers - e.Requested
}

func (e *CapacityError) Error() string {
	n := e.MustRemove()
	noun := "members"
	if n == 1 {
		noun = "member"
	}
	return fmt.Sprintf("cannot reduce to %d seats while %d members are active: remove %d %s first",
		e.Requested, e.ActiveMembers, n, noun)
}

// Check decides whether the seat limit may become requested. It rejects any
// count below the active member count regardless of when the change would be
// invoiced: the entitlement changes immediately even if billing is deferred.
func Check(requested, activeMembers, currentLimit int) Decision {
	if requested >= activeMembers {
		return Decision{Allowed: true}
	}
	rejection := &CapacityError{
		Requested:     requested,
		ActiveMembers: activeMembers,
		SeatLimit:     currentLimit,
	}
	return Decision{
		Reason:     rejection.Error(),
		MustRemove: rejection.MustRemove(),
		rejection:  rejection,
	}
}

// Err returns the *CapacityError behind a rejected decision, or nil.
func (d Decision) Err() error {
	if d.Allowed || d.rejection == nil {
		return nil
	}
	return d.rejection
}

// CanAdmit reports whether one more member fits under limit.
func CanAdmit(limit, activeMembers int) bool {
	return activeMembers < limit
}

// Remaining is the number of free seats, never negative.
func Remaining(limit, activeMembers int) int {
	if activeMembers >= limit {
		return 0
	}
	return limit - activeMembers
}
