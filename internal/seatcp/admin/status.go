package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rcourtman/seatledger/internal/seatcp/apierr"
	"github.com/rcourtman/seatledger/internal/seatcp/cpmetrics"
	"github.com/rcourtman/seatledger/internal/seatcp/registry"
	"github.com/rcourtman/seatledger/pkg/pricing"
)

type statusResponse struct {
	Version        string                  `json:"version"`
	PricingVersion string                  `json:"pricing_version"`
	Organizations  int                     `json:"organizations"`
	ByStatus       map[registry.Status]int `json:"by_status"`
}

// HandleHealthz returns 200 "ok" unconditionally (liveness probe).
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz returns a handler that checks database connectivity (readiness probe).
func HandleReadyz(store *registry.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "text/plain")
		if store == nil || store.Ping(ctx) != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// HandleStatus returns a handler that reports subscriptions by status.
func HandleStatus(store *registry.Store, prices *pricing.Store, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := store.CountByStatus(r.Context())
		if err != nil {
			apierr.WriteError(w, r, err)
			return
		}

		// Opportunistically sync gauges on status calls (in addition to the background updater).
		total := 0
		for status, c := range counts {
			cpmetrics.SubscriptionsByStatus.WithLabelValues(string(status)).Set(float64(c))
			total += c
		}

		resp := statusResponse{
			Version:        version,
			PricingVersion: prices.Table().Version,
			Organizations:  total,
			ByStatus:       counts,
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
