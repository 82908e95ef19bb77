// Package store provides the durable license store backed by SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	apperrors "keymint/internal/errors"
	"keymint/internal/license"
)

// SQLiteStore persists license records in SQLite.
//
// The key column is the primary key and the order_ref column carries a
// partial unique index; that index is the idempotency guard for
// payment-event redelivery. Writes are serialized through a single
// connection so concurrent activations of the same key resolve to
// exactly one consistent final state.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
}

// New opens (creating if needed) the license database under dataDir
func New(dataDir string, logger *slog.Logger) (*SQLiteStore, error) {
	dataDir = filepath.Clean(dataDir)
	if strings.TrimSpace(dataDir) == "" {
		return nil, fmt.Errorf("dataDir is required")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create license data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "licenses.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open license db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if logger == nil {
		logger = slog.Default()
	}

	s := &SQLiteStore{
		db:     db,
		dbPath: dbPath,
		logger: logger.With(slog.String("component", "store")),
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS licenses (
		key TEXT PRIMARY KEY,
		email TEXT,
		active INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		activated_at INTEGER,
		order_ref TEXT
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_licenses_order_ref ON licenses(order_ref) WHERE order_ref IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_licenses_email ON licenses(email, created_at DESC);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init license schema: %w", err)
	}
	return nil
}

// Ping probes the database, used by the health endpoint
func (s *SQLiteStore) Ping() error {
	return s.db.Ping()
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Insert persists records in a single transaction, all-or-nothing.
// A duplicate order reference fails the whole insert with
// ErrDuplicateOrder so the issuer can adopt the existing record.
func (s *SQLiteStore) Insert(ctx context.Context, records []*license.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.NewStoreError("insert", "", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO licenses (key, email, active, created_at, activated_at, order_ref)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return apperrors.NewStoreError("insert", "", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		var activatedAt interface{}
		if rec.ActivatedAt != nil {
			activatedAt = rec.ActivatedAt.UTC().Unix()
		}
		if _, err := stmt.ExecContext(ctx,
			rec.Key,
			nullableString(rec.Email),
			boolToInt(rec.Active),
			rec.CreatedAt.UTC().Unix(),
			activatedAt,
			nullableString(rec.OrderRef),
		); err != nil {
			if isUniqueViolation(err, "order_ref") {
				return apperrors.ErrDuplicateOrder
			}
			return apperrors.NewStoreError("insert", license.MaskKey(rec.Key), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.NewStoreError("insert", "", err)
	}
	return nil
}

// FindByKey returns the record for key, or ErrLicenseNotFound
func (s *SQLiteStore) FindByKey(ctx context.Context, key string) (*license.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, email, active, created_at, activated_at, order_ref
		 FROM licenses WHERE key = ?`, key)
	return scanRecord(row)
}

// FindByOrderRef returns the record tied to an external order
// reference, or ErrLicenseNotFound
func (s *SQLiteStore) FindByOrderRef(ctx context.Context, orderRef string) (*license.Record, error) {
	if orderRef == "" {
		return nil, apperrors.ErrLicenseNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT key, email, active, created_at, activated_at, order_ref
		 FROM licenses WHERE order_ref = ?`, orderRef)
	return scanRecord(row)
}

// FindLatestByEmail returns the most recently created record for email
func (s *SQLiteStore) FindLatestByEmail(ctx context.Context, email string) (*license.Record, error) {
	if email == "" {
		return nil, apperrors.ErrLicenseNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT key, email, active, created_at, activated_at, order_ref
		 FROM licenses WHERE email = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, email)
	return scanRecord(row)
}

// Activate transitions inactive -> active, setting activated_at. The
// conditional update guarantees the record can never end up active with
// a null activation timestamp, even under concurrent callers.
func (s *SQLiteStore) Activate(ctx context.Context, key string, now time.Time) (*license.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.NewStoreError("activate", license.MaskKey(key), err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE licenses SET active = 1, activated_at = ? WHERE key = ? AND active = 0`,
		now.UTC().Unix(), key)
	if err != nil {
		return nil, apperrors.NewStoreError("activate", license.MaskKey(key), err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, apperrors.NewStoreError("activate", license.MaskKey(key), err)
	}

	if affected == 0 {
		// Distinguish unknown key from re-activation.
		var active int
		row := tx.QueryRowContext(ctx, `SELECT active FROM licenses WHERE key = ?`, key)
		if scanErr := row.Scan(&active); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return nil, apperrors.ErrLicenseNotFound
			}
			return nil, apperrors.NewStoreError("activate", license.MaskKey(key), scanErr)
		}
		return nil, apperrors.ErrAlreadyActivated
	}

	row := tx.QueryRowContext(ctx,
		`SELECT key, email, active, created_at, activated_at, order_ref
		 FROM licenses WHERE key = ?`, key)
	record, err := scanRecord(row)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.NewStoreError("activate", license.MaskKey(key), err)
	}
	return record, nil
}

// scanRecord maps a licenses row onto a license.Record
func scanRecord(row *sql.Row) (*license.Record, error) {
	var (
		key         string
		email       sql.NullString
		active      int
		createdAt   int64
		activatedAt sql.NullInt64
		orderRef    sql.NullString
	)

	if err := row.Scan(&key, &email, &active, &createdAt, &activatedAt, &orderRef); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrLicenseNotFound
		}
		return nil, apperrors.NewStoreError("scan", "", err)
	}

	record := &license.Record{
		Key:       key,
		Email:     email.String,
		Active:    active != 0,
		CreatedAt: time.Unix(createdAt, 0).UTC(),
		OrderRef:  orderRef.String,
	}
	if activatedAt.Valid {
		ts := time.Unix(activatedAt.Int64, 0).UTC()
		record.ActivatedAt = &ts
	}
	return record, nil
}

func nullableString(s string) interface{} {
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

// isUniqueViolation reports whether err is a UNIQUE constraint failure
// on the named column
func isUniqueViolation(err error, column string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, column)
}
