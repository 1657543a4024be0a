// Package registry is the entitlement store: organization subscriptions, their
// members, seat-change claims and the webhook idempotency ledger.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/rcourtman/seatledger/pkg/pricing"
)

// Config selects and locates the backing database.
type Config struct {
	Driver      Dialect
	DataDir     string
	DatabaseURL string
	Clock       clockwork.Clock
}

// Store provides the entitlement read and write surfaces.
type Store struct {
	db      *sql.DB
	dialect Dialect
	clock   clockwork.Clock
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewStore opens (or creates) a SQLite entitlement database in dir.
func NewStore(dir string) (*Store, error) {
	return Open(Config{Driver: DialectSQLite, DataDir: dir})
}

// Open connects to the configured database and ensures the schema exists.
func Open(cfg Config) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)
	switch cfg.Driver {
	case DialectPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("postgres driver requires a database URL")
		}
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open entitlement db: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	case DialectSQLite, "":
		cfg.Driver = DialectSQLite
		db, err = openSQLite(cfg.DataDir)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	s, err := NewStoreFromDB(db, cfg.Driver, cfg.Clock)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func openSQLite(dir string) (*sql.DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "seats.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open entitlement db: %w", err)
	}
	// One connection: every transaction is serialized, which is what the
	// claim and admission checks rely on.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return db, nil
}

// NewStoreFromDB wraps an already opened database.
func NewStoreFromDB(db *sql.DB, dialect Dialect, clock clockwork.Clock) (*Store, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &Store{db: db, dialect: dialect, clock: clock}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS subscriptions (
		organization_id       TEXT PRIMARY KEY,
		customer_ref          TEXT NOT NULL DEFAULT '',
		subscription_ref      TEXT UNIQUE,
		seat_limit            INTEGER NOT NULL DEFAULT 0,
		billing_period        TEXT NOT NULL DEFAULT 'monthly',
		status                TEXT NOT NULL DEFAULT 'none',
		current_period_start  BIGINT,
		current_period_end    BIGINT,
		cancel_at_period_end  INTEGER NOT NULL DEFAULT 0,
		version               BIGINT NOT NULL DEFAULT 1,
		pending_seat_limit    INTEGER,
		pending_claim_id      TEXT NOT NULL DEFAULT '',
		pending_expires_at_ms BIGINT,
		created_at            BIGINT NOT NULL,
		updated_at            BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions(status);
	CREATE TABLE IF NOT EXISTS members (
		id              TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL REFERENCES subscriptions(organization_id),
		user_ref        TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'pending',
		created_at      BIGINT NOT NULL,
		updated_at      BIGINT NOT NULL,
		UNIQUE (organization_id, user_ref)
	);
	CREATE INDEX IF NOT EXISTS idx_members_org_status ON members(organization_id, status);
	CREATE TABLE IF NOT EXISTS webhook_events (
		event_id    TEXT PRIMARY KEY,
		event_type  TEXT NOT NULL,
		outcome     TEXT NOT NULL,
		received_at BIGINT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS retired_subscription_refs (
		subscription_ref TEXT PRIMARY KEY,
		organization_id  TEXT NOT NULL,
		retired_at       BIGINT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init entitlement schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Clock returns the clock used for timestamps and claim expiry.
func (s *Store) Clock() clockwork.Clock {
	return s.clock
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// EnsureSubscription creates the status-none row for an approved organization.
// It is a no-op when the row already exists.
func (s *Store) EnsureSubscription(ctx context.Context, orgID string) (*Subscription, error) {
	if orgID == "" {
		return nil, fmt.Errorf("organization id is required")
	}
	now := s.now().Unix()
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO subscriptions (organization_id, billing_period, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (organization_id) DO NOTHING`),
		orgID, string(pricing.PeriodMonthly), string(StatusNone), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("ensure subscription: %w", err)
	}
	return s.GetSubscription(ctx, orgID)
}

// GetSubscription returns the organization's subscription, or nil when the
// organization has not been approved.
func (s *Store) GetSubscription(ctx context.Context, orgID string) (*Subscription, error) {
	return s.subscriptionBy(ctx, s.db, "organization_id", orgID, false)
}

// GetSubscriptionByRef looks up the row holding an external subscription ref.
func (s *Store) GetSubscriptionByRef(ctx context.Context, ref string) (*Subscription, error) {
	if ref == "" {
		return nil, nil
	}
	return s.subscriptionBy(ctx, s.db, "subscription_ref", ref, false)
}

// ListSubscriptions returns every subscription ordered by organization.
func (s *Store) ListSubscriptions(ctx context.Context) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions ORDER BY organization_id`)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// CountByStatus returns a map of status -> count.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM subscriptions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count subscriptions by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[Status(status)] = count
	}
	return counts, rows.Err()
}

// GetCapacity reads the seat limit and active member count in one transaction.
// It never serves cached values.
func (s *Store) GetCapacity(ctx context.Context, orgID string) (Capacity, error) {
	var c Capacity
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sub, err := s.subscriptionBy(ctx, tx, "organization_id", orgID, false)
		if err != nil {
			return err
		}
		if sub == nil {
			return fmt.Errorf("organization %q: %w", orgID, ErrNotFound)
		}
		active, err := s.countActive(ctx, tx, orgID)
		if err != nil {
			return err
		}
		c = newCapacity(sub, active, s.now())
		return nil
	})
	return c, err
}

const subscriptionColumns = `organization_id, customer_ref, subscription_ref, seat_limit,
		billing_period, status, current_period_start, current_period_end,
		cancel_at_period_end, version, pending_seat_limit, pending_claim_id,
		pending_expires_at_ms, created_at, updated_at`

func (s *Store) subscriptionBy(ctx context.Context, q querier, column, value string, lock bool) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE ` + column + ` = ?`
	if lock {
		query += s.dialect.forUpdate()
	}
	return scanSubscription(q.QueryRowContext(ctx, s.dialect.rebind(query), value))
}

func (s *Store) countActive(ctx context.Context, q querier, orgID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT COUNT(*) FROM members WHERE organization_id = ? AND status = ?`),
		orgID, string(MemberActive),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active members: %w", err)
	}
	return n, nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(sc scanner) (*Subscription, error) {
	var sub Subscription
	var ref sql.NullString
	var period, status string
	var periodStart, periodEnd, pendingLimit, pendingExpires sql.NullInt64
	var cancel int
	var createdAt, updatedAt int64

	err := sc.Scan(
		&sub.OrganizationID, &sub.CustomerRef, &ref, &sub.SeatLimit,
		&period, &status, &periodStart, &periodEnd,
		&cancel, &sub.Version, &pendingLimit, &sub.PendingClaimID,
		&pendingExpires, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}

	sub.SubscriptionRef = ref.String
	sub.BillingPeriod = pricing.BillingPeriod(period)
	sub.Status = Status(status)
	sub.CurrentPeriodStart = timeFromNullUnix(periodStart)
	sub.CurrentPeriodEnd = timeFromNullUnix(periodEnd)
	sub.CancelAtPeriodEnd = cancel != 0
	if pendingLimit.Valid {
		n := int(pendingLimit.Int64)
		sub.PendingSeatLimit = &n
	}
	if pendingExpires.Valid {
		ts := time.UnixMilli(pendingExpires.Int64).UTC()
		sub.PendingExpiresAt = &ts
	}
	sub.CreatedAt = time.Unix(createdAt, 0).UTC()
	sub.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &sub, nil
}

func timeFromNullUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	ts := time.Unix(v.Int64, 0).UTC()
	return &ts
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
