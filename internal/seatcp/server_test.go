package seatcp

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/seatledger/internal/seatcp/registry"
)

func TestRunLoadConfigError(t *testing.T) {
	clearConfigEnv(t)

	err := Run(context.Background(), "test-version")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config:")
}

func testServeConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		DataDir:          t.TempDir(),
		DBDriver:         registry.DialectSQLite,
		AdminKey:         testAdminKey,
		ExternalTimeout:  time.Second,
		ClaimTTL:         time.Minute,
		WebhookRateLimit: defaultRateLimit,
	}
}

func TestServeOpenStoreError(t *testing.T) {
	cfg := testServeConfig(t)
	filePath := filepath.Join(cfg.DataDir, "not-a-directory")
	require.NoError(t, os.WriteFile(filePath, []byte("x"), 0o600))
	cfg.DataDir = filePath

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	err = Serve(context.Background(), cfg, ln, "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open entitlement store")
}

func TestServeRejectsInvalidPricingFile(t *testing.T) {
	cfg := testServeConfig(t)
	cfg.PricingFile = filepath.Join(t.TempDir(), "pricing.yaml")
	require.NoError(t, os.WriteFile(cfg.PricingFile, []byte("version: x\ntiers: []\n"), 0o600))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	err = Serve(context.Background(), cfg, ln, "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load pricing")
}

func TestServeAndShutdown(t *testing.T) {
	cfg := testServeConfig(t)
	cfg.PricingFile = filepath.Join(t.TempDir(), "pricing.yaml")
	require.NoError(t, os.WriteFile(cfg.PricingFile, []byte(`
version: "serve-test"
tiers:
  - {label: all, min_seats: 1, max_seats: 50, monthly_price: "10", yearly_price: "9"}
`), 0o600))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, cfg, ln, "test") }()

	client := &http.Client{Timeout: 2 * time.Second}
	require.Eventually(t, func() bool {
		resp, err := client.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := client.Get(base + "/api/pricing/tiers")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `"version":"serve-test"`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}
