// Package store persists subscription records in SQLite or MySQL.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/oklog/ulid/v2"
	engerrors "github.com/rcourtman/bizdesk/internal/errors"
	"github.com/rcourtman/bizdesk/pkg/entitlement"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// SQLStore implements entitlement.Store over database/sql.
type SQLStore struct {
	db     *sql.DB
	driver string
	now    func() time.Time

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

var _ entitlement.Store = (*SQLStore)(nil)

// Open connects to the database named by driver and dsn. For sqlite, dsn is
// a file path; the parent directory is created if needed.
func Open(driver, dsn string) (*SQLStore, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))

	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		db, err = openSQLite(dsn)
	case DriverMySQL:
		db, err = openMySQL(dsn)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", engerrors.ErrInvalidInput, driver)
	}
	if err != nil {
		return nil, err
	}

	return &SQLStore{
		db:      db,
		driver:  driver,
		now:     time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}, nil
}

func openSQLite(path string) (*sql.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", engerrors.ErrInvalidInput)
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open subscription db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return db, nil
}

func openMySQL(dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: parse mysql dsn: %v", engerrors.ErrInvalidInput, err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("create mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

// Driver returns the database driver name.
func (s *SQLStore) Driver() string {
	return s.driver
}

// Ping checks database connectivity (used for readiness probes).
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate creates the subscription schema if it does not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schemaFor(s.driver) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			if s.driver == DriverMySQL && isDuplicateIndex(err) {
				continue
			}
			return fmt.Errorf("init subscription schema: %w", err)
		}
	}
	return nil
}

// schemaFor returns the DDL for driver. Timestamps are Unix seconds except
// created_at, which holds Unix milliseconds so same-second records order
// by creation.
func schemaFor(driver string) []string {
	if driver == DriverMySQL {
		return []string{
			`CREATE TABLE IF NOT EXISTS subscriptions (
				id          VARCHAR(26)  NOT NULL PRIMARY KEY,
				owner_id    VARCHAR(320) NOT NULL,
				service_ids VARCHAR(255) NOT NULL DEFAULT '',
				status      VARCHAR(16)  NOT NULL,
				expires_at  BIGINT       NULL,
				created_at  BIGINT       NOT NULL
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE INDEX idx_subscriptions_owner_created ON subscriptions(owner_id, created_at)`,
		}
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id          TEXT PRIMARY KEY,
			owner_id    TEXT NOT NULL,
			service_ids TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL,
			expires_at  INTEGER,
			created_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_owner_created ON subscriptions(owner_id, created_at)`,
	}
}

func isDuplicateIndex(err error) bool {
	var myErr *mysql.MySQLError
	// 1061: ER_DUP_KEYNAME
	return errors.As(err, &myErr) && myErr.Number == 1061
}

// ownerFilter matches principal ids exactly and email-shaped keys without
// regard to case, so sqlite and MySQL collations agree.
func ownerFilter(ownerKey string) (string, string) {
	if strings.Contains(ownerKey, "@") {
		return "LOWER(owner_id) = ?", strings.ToLower(ownerKey)
	}
	return "owner_id = ?", ownerKey
}

// FindLatestSubscription returns the most recently created record for
// ownerKey regardless of status, or (nil, nil) when none exists.
func (s *SQLStore) FindLatestSubscription(ctx context.Context, ownerKey string) (*entitlement.SubscriptionRecord, error) {
	where, arg := ownerFilter(ownerKey)
	row := s.db.QueryRowContext(ctx, `SELECT id, owner_id, service_ids, status, expires_at, created_at
		FROM subscriptions WHERE `+where+`
		ORDER BY created_at DESC, id DESC LIMIT 1`, arg)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find latest subscription: %w", err)
	}
	return rec, nil
}

// ListSubscriptions returns every record for ownerKey, newest first.
func (s *SQLStore) ListSubscriptions(ctx context.Context, ownerKey string) ([]*entitlement.SubscriptionRecord, error) {
	where, arg := ownerFilter(ownerKey)
	rows, err := s.db.QueryContext(ctx, `SELECT id, owner_id, service_ids, status, expires_at, created_at
		FROM subscriptions WHERE `+where+`
		ORDER BY created_at DESC, id DESC`, arg)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*entitlement.SubscriptionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Insert stores rec. An empty ID is filled with a new ULID and a zero
// CreatedAt with the current time.
func (s *SQLStore) Insert(ctx context.Context, rec *entitlement.SubscriptionRecord) error {
	if rec == nil {
		return fmt.Errorf("%w: subscription is nil", engerrors.ErrInvalidInput)
	}
	if strings.TrimSpace(rec.OwnerID) == "" {
		return fmt.Errorf("%w: owner id is required", engerrors.ErrInvalidInput)
	}
	if !rec.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", engerrors.ErrInvalidInput, rec.Status)
	}
	if rec.ID == "" {
		rec.ID = s.newID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO subscriptions
		(id, owner_id, service_ids, status, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.OwnerID, rec.ServiceIDs, string(rec.Status),
		nullableTimeUnix(rec.ExpiresAt), rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

// UpdateStatus changes the status of record id, e.g. when a payment
// completes or a subscription is cancelled.
func (s *SQLStore) UpdateStatus(ctx context.Context, id string, status entitlement.Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", engerrors.ErrInvalidInput, status)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE subscriptions SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("update subscription status: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("subscription %q: %w", id, engerrors.ErrNotFound)
	}
	return nil
}

func (s *SQLStore) newID() string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(s.now()), s.entropy).String()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*entitlement.SubscriptionRecord, error) {
	var (
		rec       entitlement.SubscriptionRecord
		status    string
		expiresAt sql.NullInt64
		createdAt int64
	)
	if err := row.Scan(&rec.ID, &rec.OwnerID, &rec.ServiceIDs, &status, &expiresAt, &createdAt); err != nil {
		return nil, err
	}
	rec.Status = entitlement.Status(status)
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0).UTC()
		rec.ExpiresAt = &t
	}
	return &rec, nil
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.Unix()
}
