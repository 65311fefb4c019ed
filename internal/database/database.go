package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bookpay/internal/config"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// DB is the settlement store. Read helpers are available directly on DB;
// mutations that must be atomic run through WithTx.
type DB struct {
	*sqlx.DB
	Queries
	path   string
	logger *zerolog.Logger
}

// Queries holds every statement of the store. It is shared by DB and Tx so
// the same method runs inside or outside a transaction.
type Queries struct {
	ext sqlx.ExtContext
}

// Tx is a write transaction. Savepoints nest inside it.
type Tx struct {
	*sqlx.Tx
	Queries
	savepoints  int
	afterCommit []func()
}

// Open connects using the configured driver.
func Open(cfg config.DatabaseConfig, logger *zerolog.Logger) (*DB, error) {
	switch cfg.Driver {
	case DriverPostgres:
		return NewPostgres(cfg.Postgres.DSN(), cfg.Postgres.MaxConnections, logger)
	case "", DriverSQLite:
		return NewDB(cfg.Path, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// NewDB opens (and creates if needed) a sqlite database at path.
// Write transactions start with BEGIN IMMEDIATE so concurrent writers queue
// on the busy timeout instead of failing on lock upgrade.
func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	params := "_txlock=immediate&_busy_timeout=5000&_foreign_keys=1"
	if !memory {
		params += "&_journal_mode=WAL"
	}

	conn, err := sqlx.Open(DriverSQLite, path+"?"+params)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		// every connection would otherwise get its own empty database
		conn.SetMaxOpenConns(1)
	}

	return initDB(conn, path, logger)
}

func NewPostgres(dsn string, maxConns int, logger *zerolog.Logger) (*DB, error) {
	conn, err := sqlx.Open(DriverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if maxConns > 0 {
		conn.SetMaxOpenConns(maxConns)
	}
	conn.SetConnMaxLifetime(30 * time.Minute)

	return initDB(conn, "postgres", logger)
}

func initDB(conn *sqlx.DB, path string, logger *zerolog.Logger) (*DB, error) {
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{DB: conn, Queries: Queries{ext: conn}, path: path, logger: logger}
	if err := db.createTables(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if logger != nil {
		logger.Info().Str("driver", conn.DriverName()).Str("path", path).Msg("Database initialized")
	}
	return db, nil
}

// Path returns the sqlite file path, used by the backup service.
func (db *DB) Path() string { return db.path }

// WithTx runs fn in a transaction, committing when fn returns nil.
func (db *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	tx := &Tx{Tx: sqlTx, Queries: Queries{ext: sqlTx}}

	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	for _, hook := range tx.afterCommit {
		hook()
	}
	return nil
}

// AfterCommit registers fn to run once the transaction has committed. A
// hook registered inside a savepoint that rolls back is dropped with it.
func (tx *Tx) AfterCommit(fn func()) {
	tx.afterCommit = append(tx.afterCommit, fn)
}

// Savepoint runs fn so that its writes are undone when it fails, while the
// enclosing transaction stays usable. ctx bounds fn only; the savepoint
// statements themselves always run.
func (tx *Tx) Savepoint(ctx context.Context, fn func() error) error {
	tx.savepoints++
	name := fmt.Sprintf("sp_%d", tx.savepoints)
	bg := context.WithoutCancel(ctx)

	if _, err := tx.ExecContext(bg, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to create savepoint: %w", err)
	}

	hooks := len(tx.afterCommit)
	if fnErr := fn(); fnErr != nil {
		tx.afterCommit = tx.afterCommit[:hooks]
		if _, err := tx.ExecContext(bg, "ROLLBACK TO SAVEPOINT "+name); err != nil {
			return errors.Join(fnErr, fmt.Errorf("failed to roll back savepoint: %w", err))
		}
		if _, err := tx.ExecContext(bg, "RELEASE SAVEPOINT "+name); err != nil {
			return errors.Join(fnErr, fmt.Errorf("failed to release savepoint: %w", err))
		}
		return fnErr
	}

	if _, err := tx.ExecContext(bg, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}

func (q *Queries) isPostgres() bool {
	return q.ext.DriverName() == DriverPostgres
}

// forUpdate appends a row lock where the driver supports one. sqlite
// serializes writers through BEGIN IMMEDIATE instead.
func (q *Queries) forUpdate(query string) string {
	if q.isPostgres() {
		return query + " FOR UPDATE"
	}
	return query
}

func (q *Queries) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	result, err := q.ext.ExecContext(ctx, q.ext.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (q *Queries) get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return sqlx.GetContext(ctx, q.ext, dest, q.ext.Rebind(query), args...)
}

func (q *Queries) selectAll(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return sqlx.SelectContext(ctx, q.ext, dest, q.ext.Rebind(query), args...)
}

// insertID runs an INSERT ... RETURNING id.
func (q *Queries) insertID(ctx context.Context, query string, args ...interface{}) (int64, error) {
	var id int64
	err := q.ext.QueryRowxContext(ctx, q.ext.Rebind(query+" RETURNING id"), args...).Scan(&id)
	return id, err
}

func now() time.Time { return time.Now().UTC() }

var (
	sqliteTypes   = strings.NewReplacer("{{pk}}", "INTEGER PRIMARY KEY AUTOINCREMENT", "{{int}}", "INTEGER", "{{ts}}", "DATETIME")
	postgresTypes = strings.NewReplacer("{{pk}}", "BIGSERIAL PRIMARY KEY", "{{int}}", "BIGINT", "{{ts}}", "TIMESTAMPTZ")
)

func (db *DB) createTables() error {
	types := sqliteTypes
	if db.isPostgres() {
		types = postgresTypes
	}

	for _, query := range schema {
		if _, err := db.Exec(types.Replace(query)); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS bookings (
            id {{pk}},
            provider_id {{int}} NOT NULL,
            provider_account TEXT NOT NULL DEFAULT '',
            customer_id {{int}},
            guest_name TEXT NOT NULL DEFAULT '',
            guest_email TEXT NOT NULL DEFAULT '',
            guest_phone TEXT NOT NULL DEFAULT '',
            service_description TEXT NOT NULL DEFAULT '',
            scheduled_start {{ts}} NOT NULL,
            scheduled_end {{ts}} NOT NULL,
            status TEXT NOT NULL,
            currency TEXT NOT NULL,
            is_guest_booking BOOLEAN NOT NULL DEFAULT FALSE,
            total_amount {{int}} NOT NULL,
            platform_fee {{int}} NOT NULL,
            provider_payout {{int}} NOT NULL,
            guest_surcharge {{int}} NOT NULL DEFAULT 0,
            platform_total_revenue {{int}} NOT NULL,
            customer_total {{int}} NOT NULL,
            commission_ppm {{int}} NOT NULL,
            surcharge_ppm {{int}} NOT NULL DEFAULT 0,
            refunded_customer {{int}} NOT NULL DEFAULT 0,
            refunded_platform {{int}} NOT NULL DEFAULT 0,
            refunded_provider {{int}} NOT NULL DEFAULT 0,
            refunded_ppm {{int}} NOT NULL DEFAULT 0,
            payment_reference TEXT NOT NULL DEFAULT '',
            payout_status TEXT NOT NULL DEFAULT 'none',
            created_at {{ts}} NOT NULL,
            updated_at {{ts}} NOT NULL,
            confirmed_at {{ts}},
            earned_at {{ts}},
            completed_at {{ts}},
            cancelled_at {{ts}},
            version {{int}} NOT NULL DEFAULT 1,
            CHECK (total_amount = provider_payout + platform_fee),
            CHECK (refunded_ppm BETWEEN 0 AND 1000000)
        )`,
	`CREATE INDEX IF NOT EXISTS idx_bookings_status ON bookings(status)`,
	`CREATE INDEX IF NOT EXISTS idx_bookings_provider_id ON bookings(provider_id)`,
	`CREATE INDEX IF NOT EXISTS idx_bookings_earned_at ON bookings(earned_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_bookings_payment_reference ON bookings(payment_reference) WHERE payment_reference <> ''`,

	`CREATE TABLE IF NOT EXISTS idempotency_records (
            event_id TEXT PRIMARY KEY,
            event_type TEXT NOT NULL,
            booking_id {{int}},
            status TEXT NOT NULL,
            payload TEXT NOT NULL DEFAULT '',
            result TEXT NOT NULL DEFAULT '',
            attempts INTEGER NOT NULL DEFAULT 0,
            last_error TEXT NOT NULL DEFAULT '',
            next_retry_at {{ts}},
            created_at {{ts}} NOT NULL,
            updated_at {{ts}} NOT NULL
        )`,
	`CREATE INDEX IF NOT EXISTS idx_idempotency_status ON idempotency_records(status)`,

	`CREATE TABLE IF NOT EXISTS group_bookings (
            id {{pk}},
            booking_id {{int}} NOT NULL UNIQUE REFERENCES bookings(id) ON DELETE CASCADE,
            payment_method TEXT NOT NULL,
            max_participants INTEGER NOT NULL,
            per_person_amount {{int}} NOT NULL DEFAULT 0,
            deposit_amount {{int}} NOT NULL DEFAULT 0,
            deposit_ppm {{int}} NOT NULL DEFAULT 0,
            committed_amount {{int}} NOT NULL DEFAULT 0,
            corporate_account TEXT NOT NULL DEFAULT '',
            custom_split TEXT NOT NULL DEFAULT '',
            created_at {{ts}} NOT NULL
        )`,
	`CREATE TABLE IF NOT EXISTS group_participants (
            id {{pk}},
            group_id {{int}} NOT NULL REFERENCES group_bookings(id) ON DELETE CASCADE,
            name TEXT NOT NULL,
            email TEXT NOT NULL DEFAULT '',
            is_organizer BOOLEAN NOT NULL DEFAULT FALSE,
            amount_cents {{int}} NOT NULL DEFAULT 0,
            status TEXT NOT NULL,
            payment_reference TEXT NOT NULL DEFAULT '',
            created_at {{ts}} NOT NULL,
            updated_at {{ts}} NOT NULL
        )`,
	`CREATE INDEX IF NOT EXISTS idx_group_participants_group_id ON group_participants(group_id)`,

	`CREATE TABLE IF NOT EXISTS refunds (
            id TEXT PRIMARY KEY,
            booking_id {{int}} NOT NULL REFERENCES bookings(id) ON DELETE CASCADE,
            ratio_ppm {{int}} NOT NULL,
            customer_amount {{int}} NOT NULL,
            platform_amount {{int}} NOT NULL,
            provider_amount {{int}} NOT NULL,
            residual {{int}} NOT NULL,
            reason TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL,
            processor_reference TEXT NOT NULL DEFAULT '',
            negative_balance BOOLEAN NOT NULL DEFAULT FALSE,
            created_at {{ts}} NOT NULL,
            completed_at {{ts}}
        )`,
	`CREATE INDEX IF NOT EXISTS idx_refunds_booking_id ON refunds(booking_id)`,

	`CREATE TABLE IF NOT EXISTS payouts (
            id {{pk}},
            provider_id {{int}} NOT NULL,
            booking_id {{int}} NOT NULL UNIQUE REFERENCES bookings(id) ON DELETE CASCADE,
            amount {{int}} NOT NULL,
            status TEXT NOT NULL,
            batch_id TEXT NOT NULL DEFAULT '',
            transfer_reference TEXT NOT NULL DEFAULT '',
            created_at {{ts}} NOT NULL,
            paid_at {{ts}}
        )`,
	`CREATE INDEX IF NOT EXISTS idx_payouts_provider_status ON payouts(provider_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_payouts_batch_id ON payouts(batch_id)`,

	`CREATE TABLE IF NOT EXISTS provider_adjustments (
            id {{pk}},
            provider_id {{int}} NOT NULL,
            booking_id {{int}} NOT NULL,
            refund_id TEXT NOT NULL DEFAULT '',
            amount {{int}} NOT NULL,
            status TEXT NOT NULL,
            batch_id TEXT NOT NULL DEFAULT '',
            created_at {{ts}} NOT NULL
        )`,
	`CREATE INDEX IF NOT EXISTS idx_adjustments_provider_status ON provider_adjustments(provider_id, status)`,

	`CREATE TABLE IF NOT EXISTS task_queue (
            id {{pk}},
            task_type TEXT NOT NULL,
            booking_id {{int}} NOT NULL DEFAULT 0,
            payload TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL,
            retry_count INTEGER NOT NULL DEFAULT 0,
            last_error TEXT,
            created_at {{ts}} NOT NULL,
            claimed_at {{ts}},
            processed_at {{ts}},
            next_retry_at {{ts}}
        )`,
	`CREATE INDEX IF NOT EXISTS idx_task_queue_status ON task_queue(status, next_retry_at)`,
}
