// Package billing serves the admin seat and member endpoints and the public
// pricing endpoints.
package billing

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/rcourtman/seatledger/internal/seatcp/apierr"
)

const maxBodyBytes = 64 << 10

var validate = validator.New(validator.WithRequiredStructEnabled())

// decodeJSON reads and validates a request body. On failure it writes the
// error response and returns false.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		msg := "invalid JSON body"
		if errors.Is(err, io.EOF) {
			msg = "request body is required"
		}
		apierr.Write(w, r, apierr.New(http.StatusBadRequest, apierr.CodeBadRequest, msg, nil))
		return false
	}
	if err := validate.Struct(dst); err != nil {
		apierr.WriteError(w, r, err)
		return false
	}
	return true
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// orgIDParam returns the trimmed organization ID path parameter, writing a
// 400 when it is empty.
func orgIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	orgID := strings.TrimSpace(chi.URLParam(r, "orgID"))
	if orgID == "" {
		apierr.Write(w, r, apierr.New(http.StatusBadRequest, apierr.CodeBadRequest, "missing organization id", nil))
		return "", false
	}
	return orgID, true
}
