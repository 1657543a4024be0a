package seatcp

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rcourtman/seatledger/internal/seatcp/admin"
	"github.com/rcourtman/seatledger/internal/seatcp/apierr"
	"github.com/rcourtman/seatledger/internal/seatcp/billing"
	"github.com/rcourtman/seatledger/internal/seatcp/registry"
	cpstripe "github.com/rcourtman/seatledger/internal/seatcp/stripe"
	"github.com/rcourtman/seatledger/pkg/pricing"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config         *Config
	Store          *registry.Store
	Prices         *pricing.Store
	Processor      cpstripe.Processor
	WebhookLimiter *IPRateLimiter // created from Config when nil
	Version        string
}

// NewRouter builds the control plane HTTP handler.
func NewRouter(deps *Deps) http.Handler {
	if deps.WebhookLimiter == nil {
		deps.WebhookLimiter = NewIPRateLimiter(deps.Config.WebhookRateLimit, time.Minute, "webhook")
	}
	processor := deps.Processor
	if processor == nil {
		processor = cpstripe.DisabledProcessor{}
	}
	reconciler := cpstripe.NewReconciler(deps.Store, processor)
	orchestrator := cpstripe.NewOrchestrator(deps.Store, processor, deps.Prices, deps.Config.ClaimTTL)

	adminAuth := func(next http.Handler) http.Handler {
		return admin.AdminKeyMiddleware(deps.Config.AdminKey, next)
	}

	r := chi.NewRouter()
	r.Use(RequestContext)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apierr.Write(w, r, apierr.New(http.StatusNotFound, apierr.CodeNotFound, "route not found", nil))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apierr.Write(w, r, apierr.New(http.StatusMethodNotAllowed, apierr.CodeBadRequest, "method not allowed", nil))
	})

	// Health / readiness are unauthenticated liveness/readiness probes.
	r.Get("/healthz", admin.HandleHealthz)
	r.Get("/readyz", admin.HandleReadyz(deps.Store))

	r.With(adminAuth).Get("/status", admin.HandleStatus(deps.Store, deps.Prices, deps.Version))
	if deps.Config.PublicMetrics {
		r.Handle("/metrics", promhttp.Handler())
	} else {
		r.With(adminAuth).Handle("/metrics", promhttp.Handler())
	}

	// Stripe webhook (signature-authenticated)
	webhookHandler := cpstripe.NewWebhookHandler(deps.Config.StripeWebhookSecret, reconciler)
	r.With(deps.WebhookLimiter.Middleware).Handle("/api/billing/webhook", webhookHandler)

	r.Route("/api/pricing", func(r chi.Router) {
		r.Get("/tiers", billing.HandleTiers(deps.Prices))
		r.Get("/quote", billing.HandleQuote(deps.Prices))
	})

	// Organization administration (key-authenticated)
	r.With(adminAuth).Get("/api/organizations", admin.HandleListSubscriptions(deps.Store))

	r.Route("/api/organizations/{orgID}", func(r chi.Router) {
		r.Use(adminAuth)

		r.Post("/approve", billing.HandleApprove(deps.Store))
		r.Get("/subscription", billing.HandleSubscription(deps.Store))
		r.Get("/capacity", billing.HandleCapacity(deps.Store))
		r.Post("/seats", billing.HandleChangeSeats(orchestrator))
		r.Post("/seats/preview", billing.HandlePreviewSeats(orchestrator))

		r.Get("/members", billing.HandleListMembers(deps.Store))
		r.Post("/members", billing.HandleAddMember(deps.Store))
		r.Get("/members/{memberID}", billing.HandleGetMember(deps.Store))
		r.Post("/members/{memberID}/admit", billing.HandleAdmitMember(deps.Store))
		r.Post("/members/{memberID}/reject", billing.HandleRejectMember(deps.Store))
		r.Delete("/members/{memberID}", billing.HandleRemoveMember(deps.Store))
	})

	return r
}
