package billing

import (
	"fmt"
	"net/http"

	"github.com/rcourtman/seatledger/internal/logging"
	"github.com/rcourtman/seatledger/internal/seatcp/apierr"
	"github.com/rcourtman/seatledger/internal/seatcp/registry"
	cpstripe "github.com/rcourtman/seatledger/internal/seatcp/stripe"
	"github.com/rcourtman/seatledger/pkg/pricing"
)

type seatChangeRequest struct {
	SeatCount        int    `json:"seat_count" validate:"required,min=1"`
	BillingPeriod    string `json:"billing_period" validate:"required"`
	ApplyImmediately bool   `json:"apply_immediately"`
}

type previewRequest struct {
	SeatCount     int    `json:"seat_count" validate:"min=0"`
	BillingPeriod string `json:"billing_period" validate:"required"`
}

// HandleChangeSeats starts a first purchase or updates the seat quantity.
// Route: POST /api/organizations/{orgID}/seats
func HandleChangeSeats(orch *cpstripe.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orgID, ok := orgIDParam(w, r)
		if !ok {
			return
		}
		var req seatChangeRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		period, err := pricing.ParseBillingPeriod(req.BillingPeriod)
		if err != nil {
			apierr.WriteError(w, r, err)
			return
		}

		result, err := orch.ChangeSeats(r.Context(), cpstripe.SeatChangeRequest{
			OrganizationID:   orgID,
			SeatCount:        req.SeatCount,
			BillingPeriod:    period,
			ApplyImmediately: req.ApplyImmediately,
		})
		if err != nil {
			apierr.WriteError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// HandlePreviewSeats prices a seat count and estimates proration against the
// organization's current subscription.
// Route: POST /api/organizations/{orgID}/seats/preview
func HandlePreviewSeats(orch *cpstripe.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orgID, ok := orgIDParam(w, r)
		if !ok {
			return
		}
		var req previewRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		period, err := pricing.ParseBillingPeriod(req.BillingPeriod)
		if err != nil {
			apierr.WriteError(w, r, err)
			return
		}
		preview, err := orch.Preview(r.Context(), orgID, req.SeatCount, period)
		if err != nil {
			apierr.WriteError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, preview)
	}
}

// HandleCapacity reports seat usage.
// Route: GET /api/organizations/{orgID}/capacity
func HandleCapacity(store *registry.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orgID, ok := orgIDParam(w, r)
		if !ok {
			return
		}
		capacity, err := store.GetCapacity(r.Context(), orgID)
		if err != nil {
			apierr.WriteError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, capacity)
	}
}

// HandleSubscription returns the organization's entitlement record.
// Route: GET /api/organizations/{orgID}/subscription
func HandleSubscription(store *registry.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orgID, ok := orgIDParam(w, r)
		if !ok {
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
		writeJSON(w, http.StatusOK, sub)
	}
}

// HandleApprove records an approved organization with no subscription yet.
// Approving an existing organization returns its current record.
// Route: POST /api/organizations/{orgID}/approve
func HandleApprove(store *registry.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orgID, ok := orgIDParam(w, r)
		if !ok {
			return
		}
		sub, err := store.EnsureSubscription(r.Context(), orgID)
		if err != nil {
			apierr.WriteError(w, r, err)
			return
		}
		logger := logging.FromContext(r.Context())
		logger.Info().Str("organization_id", orgID).Str("status", string(sub.Status)).Msg("Organization approved")
		writeJSON(w, http.StatusOK, sub)
	}
}
