package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/rcourtman/seatledger/internal/logging"
	"github.com/rcourtman/seatledger/internal/seatcp/apierr"
	"github.com/rcourtman/seatledger/internal/seatcp/cpmetrics"
	"github.com/rcourtman/seatledger/internal/seatcp/registry"
)

type addMemberRequest struct {
	UserRef string `json:"user_ref" validate:"required,max=256"`
}

type memberListResponse struct {
	Members []*registry.Member `json:"members"`
}

var memberStatuses = map[string]registry.MemberStatus{
	"":                              "",
	string(registry.MemberPending):  registry.MemberPending,
	string(registry.MemberActive):   registry.MemberActive,
	string(registry.MemberRejected): registry.MemberRejected,
	string(registry.MemberRemoved):  registry.MemberRemoved,
}

// HandleListMembers lists members, optionally filtered by ?status=.
// Route: GET /api/organizations/{orgID}/members
func HandleListMembers(store *registry.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orgID, ok := orgIDParam(w, r)
		if !ok {
			return
		}
		status, known := memberStatuses[strings.TrimSpace(r.URL.Query().Get("status"))]
		if !known {
			apierr.Write(w, r, apierr.New(http.StatusBadRequest, apierr.CodeBadRequest, "unknown member status", nil))
			return
		}
		sub, err := store.GetSubscription(r.Context(), orgID)
		if err != nil {
			apierr.WriteError(w, r, err)
			return
		}
		if sub == nil {
			apierr.WriteError(w, r, fmt.Errorf("organization %q: %w", orgID, registry.ErrNotFound))
			return
		}
		members, err := store.ListMembers(r.Context(), orgID, status)
		if err != nil {
			apierr.WriteError(w, r, err)
			return
		}
		if members == nil {
			members = []*registry.Member{}
		}
		writeJSON(w, http.StatusOK, memberListResponse{Members: members})
	}
}

// HandleAddMember registers a pending member.
// Route: POST /api/organizations/{orgID}/members
func HandleAddMember(store *registry.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orgID, ok := orgIDParam(w, r)
		if !ok {
			return
		}
		var req addMemberRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		m, err := store.AddMember(r.Context(), orgID, req.UserRef)
		if err != nil {
			apierr.WriteError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, m)
	}
}

// HandleGetMember returns one member of the organization.
// Route: GET /api/organizations/{orgID}/members/{memberID}
func HandleGetMember(store *registry.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orgID, ok := orgIDParam(w, r)
		if !ok {
			return
		}
		memberID, ok := memberIDParam(w, r)
		if !ok {
			return
		}
		m, err := store.GetMember(r.Context(), orgID, memberID)
		if err != nil {
			apierr.WriteError(w, r, err)
			return
		}
		if m == nil {
			apierr.WriteError(w, r, fmt.Errorf("member %q: %w", memberID, registry.ErrNotFound))
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

// HandleAdmitMember activates a pending member if a seat is free.
// Route: POST /api/organizations/{orgID}/members/{memberID}/admit
func HandleAdmitMember(store *registry.Store) http.HandlerFunc {
	return memberTransition(store.AdmitMember, "admit")
}

// HandleRejectMember declines a pending member.
// Route: POST /api/organizations/{orgID}/members/{memberID}/reject
func HandleRejectMember(store *registry.Store) http.HandlerFunc {
	return memberTransition(store.RejectMember, "reject")
}

// HandleRemoveMember frees a seat.
// Route: DELETE /api/organizations/{orgID}/members/{memberID}
func HandleRemoveMember(store *registry.Store) http.HandlerFunc {
	return memberTransition(store.RemoveMember, "remove")
}

type transitionFunc func(ctx context.Context, orgID, memberID string) (*registry.Member, error)

func memberTransition(fn transitionFunc, action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orgID, ok := orgIDParam(w, r)
		if !ok {
			return
		}
		memberID, ok := memberIDParam(w, r)
		if !ok {
			return
		}

		logger := logging.FromContext(r.Context())
		m, err := fn(r.Context(), orgID, memberID)
		if err != nil {
			if errors.Is(err, registry.ErrCapacityFull) {
				cpmetrics.CapacityRejectionsTotal.WithLabelValues("admit").Inc()
			}
			logger.Info().Err(err).
				Str("organization_id", orgID).
				Str("member_id", memberID).
				Str("action", action).
				Msg("Member transition declined")
			apierr.WriteError(w, r, err)
			return
		}

		logger.Info().
			Str("organization_id", orgID).
			Str("member_id", memberID).
			Str("action", action).
			Str("status", string(m.Status)).
			Msg("Member updated")
		writeJSON(w, http.StatusOK, m)
	}
}

func memberIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	memberID := strings.TrimSpace(chi.URLParam(r, "memberID"))
	if memberID == "" {
		apierr.Write(w, r, apierr.New(http.StatusBadRequest, apierr.CodeBadRequest, "missing member id", nil))
		return "", false
	}
	return memberID, true
}
