package seatcp

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/seatledger/internal/seatcp/registry"
)

var configEnvKeys = []string{
	"SEATS_DATA_DIR", "SEATS_DB_DRIVER", "SEATS_DATABASE_URL", "SEATS_BIND_ADDRESS",
	"SEATS_PORT", "SEATS_ADMIN_KEY", "STRIPE_API_KEY", "STRIPE_WEBHOOK_SECRET",
	"STRIPE_PRICE_MONTHLY", "STRIPE_PRICE_YEARLY", "SEATS_CHECKOUT_SUCCESS_URL",
	"SEATS_CHECKOUT_CANCEL_URL", "SEATS_PRICING_FILE", "SEATS_EXTERNAL_TIMEOUT",
	"SEATS_CLAIM_TTL", "SEATS_WEBHOOK_RATE_LIMIT", "SEATS_LOG_LEVEL", "SEATS_LOG_FORMAT",
	"SEATS_PUBLIC_METRICS",
}

// clearConfigEnv blanks every variable LoadConfig reads; blank counts as unset.
func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range configEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("SEATS_ADMIN_KEY", "admin-key")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/data", cfg.DataDir)
	assert.Equal(t, registry.DialectSQLite, cfg.DBDriver)
	assert.Equal(t, "0.0.0.0:8480", cfg.Addr())
	assert.Equal(t, 15*time.Second, cfg.ExternalTimeout)
	assert.Equal(t, 2*time.Minute, cfg.ClaimTTL)
	assert.Equal(t, defaultRateLimit, cfg.WebhookRateLimit)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "auto", cfg.LogFormat)
	assert.False(t, cfg.PublicMetrics)
	assert.False(t, cfg.BillingEnabled())
}

func TestLoadConfigFullBilling(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("SEATS_ADMIN_KEY", "admin-key")
	t.Setenv("SEATS_DB_DRIVER", "postgres")
	t.Setenv("SEATS_DATABASE_URL", "postgres://seats@localhost/seats?sslmode=disable")
	t.Setenv("SEATS_PORT", "9000")
	t.Setenv("SEATS_BIND_ADDRESS", "127.0.0.1")
	t.Setenv("STRIPE_API_KEY", "sk_test_123")
	t.Setenv("STRIPE_PRICE_MONTHLY", "price_m")
	t.Setenv("STRIPE_PRICE_YEARLY", "price_y")
	t.Setenv("SEATS_CHECKOUT_SUCCESS_URL", "https://app.example.com/billing/success")
	t.Setenv("SEATS_CHECKOUT_CANCEL_URL", "https://app.example.com/billing")
	t.Setenv("SEATS_EXTERNAL_TIMEOUT", "5s")
	t.Setenv("SEATS_CLAIM_TTL", "90s")
	t.Setenv("SEATS_PUBLIC_METRICS", "true")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, registry.DialectPostgres, cfg.DBDriver)
	assert.Equal(t, "127.0.0.1:9000", cfg.Addr())
	assert.True(t, cfg.BillingEnabled())
	assert.Equal(t, 5*time.Second, cfg.ExternalTimeout)
	assert.Equal(t, 90*time.Second, cfg.ClaimTTL)
	assert.True(t, cfg.PublicMetrics)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"missing admin key", map[string]string{}, "SEATS_ADMIN_KEY"},
		{"postgres without url", map[string]string{"SEATS_DB_DRIVER": "postgres"}, "SEATS_DATABASE_URL"},
		{"unknown driver", map[string]string{"SEATS_DB_DRIVER": "mysql"}, "SEATS_DB_DRIVER"},
		{"billing without prices", map[string]string{"STRIPE_API_KEY": "sk_test"}, "STRIPE_PRICE_MONTHLY"},
		{"bad port", map[string]string{"SEATS_PORT": "70000"}, "SEATS_PORT"},
		{"non-numeric port", map[string]string{"SEATS_PORT": "http"}, "SEATS_PORT"},
		{"bad timeout", map[string]string{"SEATS_EXTERNAL_TIMEOUT": "soon"}, "SEATS_EXTERNAL_TIMEOUT"},
		{"negative claim ttl", map[string]string{"SEATS_CLAIM_TTL": "-1m"}, "SEATS_CLAIM_TTL"},
		{"bad bool", map[string]string{"SEATS_PUBLIC_METRICS": "maybe"}, "SEATS_PUBLIC_METRICS"},
		{"bad success url", map[string]string{"SEATS_CHECKOUT_SUCCESS_URL": "ftp://example.com"}, "SEATS_CHECKOUT_SUCCESS_URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			if tt.name != "missing admin key" {
				t.Setenv("SEATS_ADMIN_KEY", "admin-key")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := LoadConfig()
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), "error %q does not mention %s", err, tt.wantErr)
		})
	}
}
