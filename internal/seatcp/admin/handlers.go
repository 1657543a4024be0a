package admin

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rcourtman/seatledger/internal/seatcp/apierr"
	"github.com/rcourtman/seatledger/internal/seatcp/registry"
)

var subscriptionStatuses = map[string]registry.Status{
	string(registry.StatusNone):     registry.StatusNone,
	string(registry.StatusActive):   registry.StatusActive,
	string(registry.StatusPastDue):  registry.StatusPastDue,
	string(registry.StatusCanceled): registry.StatusCanceled,
}

// HandleListSubscriptions lists every organization's subscription. The
// optional ?status= filter narrows by entitlement status and
// ?subscription_ref= looks up the row holding a Stripe subscription.
func HandleListSubscriptions(store *registry.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		statusFilter := strings.TrimSpace(query.Get("status"))
		if statusFilter != "" {
			if _, ok := subscriptionStatuses[statusFilter]; !ok {
				apierr.Write(w, r, apierr.New(http.StatusBadRequest, apierr.CodeBadRequest, "unknown subscription status", nil))
				return
			}
		}

		var subs []*registry.Subscription
		if ref := strings.TrimSpace(query.Get("subscription_ref")); ref != "" {
			sub, err := store.GetSubscriptionByRef(r.Context(), ref)
			if err != nil {
				apierr.WriteError(w, r, err)
				return
			}
			if sub != nil {
				subs = append(subs, sub)
			}
		} else {
			all, err := store.ListSubscriptions(r.Context())
			if err != nil {
				apierr.WriteError(w, r, err)
				return
			}
			subs = all
		}

		filtered := make([]*registry.Subscription, 0, len(subs))
		for _, sub := range subs {
			if statusFilter != "" && string(sub.Status) != statusFilter {
				continue
			}
			filtered = append(filtered, sub)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"subscriptions": filtered,
			"count":         len(filtered),
		})
	}
}
