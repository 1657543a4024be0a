// Package seatcp wires the seat ledger control plane: configuration, HTTP
// routes, background loops and graceful shutdown.
package seatcp

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/rcourtman/seatledger/internal/seatcp/registry"
)

// Config holds all configuration for the seat control plane.
type Config struct {
	DataDir             string
	DBDriver            registry.Dialect
	DatabaseURL         string
	BindAddress         string
	Port                int
	AdminKey            string // plain key or bcrypt hash
	StripeAPIKey        string
	StripeWebhookSecret string
	StripePriceMonthly  string
	StripePriceYearly   string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string
	PricingFile         string // empty uses the built-in tier table
	ExternalTimeout     time.Duration
	ClaimTTL            time.Duration
	WebhookRateLimit    int // requests per minute per IP
	LogLevel            string
	LogFormat           string
	PublicMetrics       bool
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.Port))
}

// BillingEnabled reports whether outbound Stripe calls are configured.
func (c *Config) BillingEnabled() bool {
	return c.StripeAPIKey != ""
}

// LoadConfig loads control plane configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("SEATS_PORT", 8480)
	if err != nil {
		return nil, err
	}
	webhookRate, err := envOrDefaultInt("SEATS_WEBHOOK_RATE_LIMIT", defaultRateLimit)
	if err != nil {
		return nil, err
	}
	externalTimeout, err := envOrDefaultDuration("SEATS_EXTERNAL_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, err
	}
	claimTTL, err := envOrDefaultDuration("SEATS_CLAIM_TTL", 2*time.Minute)
	if err != nil {
		return nil, err
	}
	publicMetrics, err := envOrDefaultBool("SEATS_PUBLIC_METRICS", false)
	if err != nil {
		return nil, err
	}
	driver, err := registry.ParseDialect(os.Getenv("SEATS_DB_DRIVER"))
	if err != nil {
		return nil, fmt.Errorf("SEATS_DB_DRIVER: %w", err)
	}

	cfg := &Config{
		DataDir:             envOrDefault("SEATS_DATA_DIR", "/data"),
		DBDriver:            driver,
		DatabaseURL:         strings.TrimSpace(os.Getenv("SEATS_DATABASE_URL")),
		BindAddress:         envOrDefault("SEATS_BIND_ADDRESS", "0.0.0.0"),
		Port:                port,
		AdminKey:            strings.TrimSpace(os.Getenv("SEATS_ADMIN_KEY")),
		StripeAPIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		StripePriceMonthly:  strings.TrimSpace(os.Getenv("STRIPE_PRICE_MONTHLY")),
		StripePriceYearly:   strings.TrimSpace(os.Getenv("STRIPE_PRICE_YEARLY")),
		CheckoutSuccessURL:  strings.TrimSpace(os.Getenv("SEATS_CHECKOUT_SUCCESS_URL")),
		CheckoutCancelURL:   strings.TrimSpace(os.Getenv("SEATS_CHECKOUT_CANCEL_URL")),
		PricingFile:         strings.TrimSpace(os.Getenv("SEATS_PRICING_FILE")),
		ExternalTimeout:     externalTimeout,
		ClaimTTL:            claimTTL,
		WebhookRateLimit:    webhookRate,
		LogLevel:            envOrDefault("SEATS_LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("SEATS_LOG_FORMAT", "auto"),
		PublicMetrics:       publicMetrics,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate seat control plane config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.AdminKey == "" {
		missing = append(missing, "SEATS_ADMIN_KEY")
	}
	if c.DBDriver == registry.DialectPostgres && c.DatabaseURL == "" {
		missing = append(missing, "SEATS_DATABASE_URL")
	}
	if c.BillingEnabled() {
		if c.StripePriceMonthly == "" {
			missing = append(missing, "STRIPE_PRICE_MONTHLY")
		}
		if c.StripePriceYearly == "" {
			missing = append(missing, "STRIPE_PRICE_YEARLY")
		}
		if c.CheckoutSuccessURL == "" {
			missing = append(missing, "SEATS_CHECKOUT_SUCCESS_URL")
		}
		if c.CheckoutCancelURL == "" {
			missing = append(missing, "SEATS_CHECKOUT_CANCEL_URL")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("SEATS_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.ExternalTimeout <= 0 {
		return fmt.Errorf("SEATS_EXTERNAL_TIMEOUT must be greater than 0, got %s", c.ExternalTimeout)
	}
	if c.ClaimTTL <= 0 {
		return fmt.Errorf("SEATS_CLAIM_TTL must be greater than 0, got %s", c.ClaimTTL)
	}
	if c.WebhookRateLimit <= 0 {
		return fmt.Errorf("SEATS_WEBHOOK_RATE_LIMIT must be greater than 0, got %d", c.WebhookRateLimit)
	}
	for key, raw := range map[string]string{
		"SEATS_CHECKOUT_SUCCESS_URL": c.CheckoutSuccessURL,
		"SEATS_CHECKOUT_CANCEL_URL":  c.CheckoutCancelURL,
	} {
		if raw == "" {
			continue
		}
		if err := validateHTTPURL(raw); err != nil {
			return fmt.Errorf("%s %w", key, err)
		}
	}
	return nil
}

func validateHTTPURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("must use http or https scheme")
	}
	if parsed.Host == "" {
		return fmt.Errorf("must include a host")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be true or false: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}
