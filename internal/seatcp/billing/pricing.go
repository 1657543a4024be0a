package billing

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/rcourtman/seatledger/internal/seatcp/apierr"
	"github.com/rcourtman/seatledger/pkg/pricing"
)

type tiersResponse struct {
	Version  string         `json:"version"`
	Currency string         `json:"currency"`
	MaxSeats int            `json:"max_seats"`
	Tiers    []pricing.Tier `json:"tiers"`
}

// HandleTiers publishes the tier table in effect.
// Route: GET /api/pricing/tiers
func HandleTiers(prices *pricing.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		table := prices.Table()
		writeJSON(w, http.StatusOK, tiersResponse{
			Version:  table.Version,
			Currency: pricing.Currency,
			MaxSeats: table.MaxSeats(),
			Tiers:    table.Tiers,
		})
	}
}

// HandleQuote prices a seat count for a billing period.
// Route: GET /api/pricing/quote?seats=N&period=monthly|yearly
func HandleQuote(prices *pricing.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		seatCount, err := strconv.Atoi(strings.TrimSpace(q.Get("seats")))
		if err != nil {
			apierr.Write(w, r, apierr.New(http.StatusBadRequest, apierr.CodeBadRequest, "seats must be an integer", nil))
			return
		}
		period, err := pricing.ParseBillingPeriod(q.Get("period"))
		if err != nil {
			apierr.WriteError(w, r, err)
			return
		}
		quote, err := prices.Table().Quote(seatCount, period)
		if err != nil {
			apierr.WriteError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, quote)
	}
}
