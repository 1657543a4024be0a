// Package apierr renders domain errors as coded JSON responses.
package apierr

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/seatledger/internal/logging"
	"github.com/rcourtman/seatledger/internal/seatcp/registry"
	cpstripe "github.com/rcourtman/seatledger/internal/seatcp/stripe"
	"github.com/rcourtman/seatledger/pkg/pricing"
	"github.com/rcourtman/seatledger/pkg/seats"
)

// Error codes returned in the "code" field.
const (
	CodeBadRequest              = "bad_request"
	CodeValidation              = "validation_failed"
	CodeNotFound                = "not_found"
	CodeUnauthorized            = "unauthorized"
	CodeCapacityExceeded        = "capacity_exceeded"
	CodeCapacityFull            = "capacity_full"
	CodePeriodChange            = "billing_period_change_unsupported"
	CodeNotMutable              = "subscription_not_mutable"
	CodeSeatChangeInProgress    = "seat_change_in_progress"
	CodeMemberExists            = "member_exists"
	CodeInvalidMemberState      = "invalid_member_state"
	CodeProcessorRejected       = "processor_rejected"
	CodeProcessorUnavailable    = "processor_unavailable"
	CodeProcessorOutcomeUnknown = "processor_outcome_unknown"
	CodeRateLimited             = "rate_limited"
	CodeInternal                = "internal_error"
)

// APIError represents a structured API error response.
type APIError struct {
	ErrorMessage string         `json:"error"`
	Code         string         `json:"code"`
	StatusCode   int            `json:"status_code"`
	Timestamp    int64          `json:"timestamp"`
	RequestID    string         `json:"request_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.ErrorMessage
}

// New builds an APIError.
func New(status int, code, message string, details map[string]any) *APIError {
	return &APIError{
		ErrorMessage: message,
		Code:         code,
		StatusCode:   status,
		Details:      details,
	}
}

// FromError maps a domain error to its HTTP representation. Unrecognized
// errors become a generic 500 whose message never leaks the cause.
func FromError(err error) *APIError {
	var (
		apiErr  *APIError
		capErr  *seats.CapacityError
		procErr *cpstripe.ProcessorError
		valErrs validator.ValidationErrors
	)
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.As(err, &capErr):
		return New(http.StatusConflict, CodeCapacityExceeded, capErr.Error(), map[string]any{
			"requested":      capErr.Requested,
			"active_members": capErr.ActiveMembers,
			"must_remove":    capErr.MustRemove(),
		})
	case errors.As(err, &valErrs):
		details := make(map[string]any, len(valErrs))
		for _, fe := range valErrs {
			details[fe.Field()] = fe.Tag()
		}
		return New(http.StatusUnprocessableEntity, CodeValidation, "request validation failed", details)
	case errors.Is(err, pricing.ErrSeatCountOutOfRange), errors.Is(err, pricing.ErrInvalidBillingPeriod):
		return New(http.StatusBadRequest, CodeBadRequest, err.Error(), nil)
	case errors.Is(err, registry.ErrNotFound):
		return New(http.StatusNotFound, CodeNotFound, err.Error(), nil)
	case errors.Is(err, cpstripe.ErrBillingPeriodChange):
		return New(http.StatusConflict, CodePeriodChange, cpstripe.ErrBillingPeriodChange.Error(), nil)
	case errors.Is(err, cpstripe.ErrSubscriptionNotMutable):
		return New(http.StatusConflict, CodeNotMutable, err.Error(), nil)
	case errors.Is(err, registry.ErrSeatChangeInProgress), errors.Is(err, registry.ErrStaleSnapshot):
		return New(http.StatusConflict, CodeSeatChangeInProgress, registry.ErrSeatChangeInProgress.Error(), nil)
	case errors.Is(err, registry.ErrCapacityFull):
		return New(http.StatusConflict, CodeCapacityFull, err.Error(), nil)
	case errors.Is(err, registry.ErrMemberExists):
		return New(http.StatusConflict, CodeMemberExists, err.Error(), nil)
	case errors.Is(err, registry.ErrInvalidMemberState):
		return New(http.StatusConflict, CodeInvalidMemberState, err.Error(), nil)
	case errors.As(err, &procErr):
		details := map[string]any{"operation": procErr.Op, "outcome": string(procErr.Outcome)}
		switch procErr.Outcome {
		case cpstripe.OutcomeRejected:
			return New(http.StatusUnprocessableEntity, CodeProcessorRejected, "the payment processor rejected the request", details)
		case cpstripe.OutcomeUnknown:
			return New(http.StatusGatewayTimeout, CodeProcessorOutcomeUnknown,
				"the payment processor did not confirm the change; it will be reconciled when the processor reports it", details)
		default:
			return New(http.StatusBadGateway, CodeProcessorUnavailable, "the payment processor is unavailable; try again", details)
		}
	default:
		return New(http.StatusInternalServerError, CodeInternal, "An unexpected error occurred", nil)
	}
}

// WriteError writes err as a coded JSON response. 5xx causes are logged.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := FromError(err)
	if apiErr.StatusCode >= http.StatusInternalServerError {
		logger := logging.FromContext(r.Context())
		logger.Error().Err(err).
			Str("path", r.URL.Path).
			Str("code", apiErr.Code).
			Msg("Request failed")
	}
	Write(w, r, apiErr)
}

// Write writes a consistent error response.
func Write(w http.ResponseWriter, r *http.Request, apiErr *APIError) {
	resp := *apiErr
	resp.Timestamp = time.Now().Unix()
	if r != nil {
		resp.RequestID = logging.RequestIDFromContext(r.Context())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
