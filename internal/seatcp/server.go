package seatcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/seatledger/internal/logging"
	"github.com/rcourtman/seatledger/internal/seatcp/registry"
	cpstripe "github.com/rcourtman/seatledger/internal/seatcp/stripe"
	"github.com/rcourtman/seatledger/pkg/pricing"
)

const shutdownTimeout = 30 * time.Second

// Run loads configuration from the environment and serves until ctx is
// cancelled or SIGINT/SIGTERM arrives.
func Run(ctx context.Context, version string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "seat-control-plane",
	})
	log.Info().Str("version", version).Msg("Starting seat ledger control plane")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr(), err)
	}
	return Serve(ctx, cfg, ln, version)
}

// Serve runs the control plane on ln until ctx is done, then shuts down
// gracefully. It owns ln.
func Serve(ctx context.Context, cfg *Config, ln net.Listener, version string) error {
	store, err := registry.Open(registry.Config{
		Driver:      cfg.DBDriver,
		DataDir:     cfg.DataDir,
		DatabaseURL: cfg.DatabaseURL,
	})
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("open entitlement store: %w", err)
	}
	defer store.Close()

	table := pricing.DefaultTable()
	if cfg.PricingFile != "" {
		table, err = pricing.LoadTable(cfg.PricingFile)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("load pricing: %w", err)
		}
	}
	prices := pricing.NewStore(table)
	log.Info().Str("pricing_version", table.Version).Int("max_seats", table.MaxSeats()).Msg("Pricing table loaded")

	var processor cpstripe.Processor = cpstripe.DisabledProcessor{}
	if cfg.BillingEnabled() {
		processor = cpstripe.NewStripeProcessor(cpstripe.ProcessorConfig{
			APIKey:       cfg.StripeAPIKey,
			PriceMonthly: cfg.StripePriceMonthly,
			PriceYearly:  cfg.StripePriceYearly,
			SuccessURL:   cfg.CheckoutSuccessURL,
			CancelURL:    cfg.CheckoutCancelURL,
			Timeout:      cfg.ExternalTimeout,
		})
	} else {
		log.Warn().Msg("STRIPE_API_KEY not set; seat purchases and updates are disabled")
	}
	if cfg.StripeWebhookSecret == "" {
		log.Warn().Msg("STRIPE_WEBHOOK_SECRET not set; webhook deliveries will be refused")
	}

	deps := &Deps{
		Config:    cfg,
		Store:     store,
		Prices:    prices,
		Processor: processor,
		Version:   version,
	}
	srv := &http.Server{
		Handler:           NewRouter(deps),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	clock := clockwork.NewRealClock()

	g.Go(func() error {
		log.Info().Str("addr", ln.Addr().String()).Msg("Seat control plane listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		return nil
	})
	g.Go(func() error {
		runSubscriptionStatusMetrics(gctx, clock, store)
		return nil
	})
	g.Go(func() error {
		runLimiterSweep(gctx, clock, deps.WebhookLimiter)
		return nil
	})
	if cfg.PricingFile != "" {
		watcher, err := pricing.NewWatcher(cfg.PricingFile, prices)
		if err != nil {
			log.Warn().Err(err).Msg("Pricing hot reload disabled")
		} else {
			g.Go(func() error { return watcher.Run(gctx) })
		}
	}

	err = g.Wait()
	log.Info().Msg("Seat control plane stopped")
	return err
}
