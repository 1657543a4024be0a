package seatcp

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/seatledger/internal/seatcp/cpmetrics"
	"github.com/rcourtman/seatledger/internal/seatcp/registry"
)

const subscriptionStatusMetricsInterval = 30 * time.Second

func runSubscriptionStatusMetrics(ctx context.Context, clock clockwork.Clock, store *registry.Store) {
	ticker := clock.NewTicker(subscriptionStatusMetricsInterval)
	defer ticker.Stop()

	// Prime once at startup so /metrics isn't empty for this gauge.
	updateSubscriptionStatusGauges(context.WithoutCancel(ctx), store)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			updateSubscriptionStatusGauges(ctx, store)
		}
	}
}

func updateSubscriptionStatusGauges(ctx context.Context, store *registry.Store) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to update subscription status metrics")
		return
	}

	known := []registry.Status{
		registry.StatusNone,
		registry.StatusActive,
		registry.StatusPastDue,
		registry.StatusCanceled,
	}
	seen := make(map[registry.Status]struct{}, len(known))
	for _, status := range known {
		seen[status] = struct{}{}
		cpmetrics.SubscriptionsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	for status, c := range counts {
		if _, ok := seen[status]; ok {
			continue
		}
		cpmetrics.SubscriptionsByStatus.WithLabelValues(string(status)).Set(float64(c))
	}
}

// runLimiterSweep periodically forgets idle client IPs.
func runLimiterSweep(ctx context.Context, clock clockwork.Clock, limiters ...*IPRateLimiter) {
	ticker := clock.NewTicker(defaultRateWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			for _, rl := range limiters {
				if n := rl.Sweep(); n > 0 {
					log.Debug().Int("removed", n).Str("route", rl.route).Msg("Rate limiter swept idle clients")
				}
			}
		}
	}
}
