/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Default persistence for a single-site deployment. The same schema and
  invariants are implemented for PostgreSQL in store/postgres.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on the transactions table
  - Customers are only updated through Apply, together with a new entry

KEY TABLES:
  customers:    Identity plus punches/total_spent/version
  transactions: Immutable ledger of accruals and redemptions

INDEXES / CONSTRAINTS:
  - customers.phone UNIQUE, customers.email UNIQUE: signup uniqueness
    (NULL when absent, so missing contacts never collide)
  - CHECK (punches >= 0): last line of defence for the balance
  - idx_transactions_customer_created: customer history (hot path)
  - idx_transactions_created: admin feed

CONCURRENCY:
  sync.RWMutex serializes writers in-process. Apply also performs a
  compare-and-swap on customers.version, so several processes sharing one
  database file cannot lose updates either. busy_timeout bounds lock waits;
  a busy database surfaces as ErrStoreUnavailable.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./punches.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store)

SEE ALSO:
  - ledger/store.go: Interface definition
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/punch-ledger/ledger"
)

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ ledger.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		phone TEXT UNIQUE,
		email TEXT UNIQUE,
		punches INTEGER NOT NULL DEFAULT 0 CHECK (punches >= 0),
		total_spent TEXT NOT NULL DEFAULT '0',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_customers_created
		ON customers(created_at DESC);

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL REFERENCES customers(id),
		kind TEXT NOT NULL CHECK (kind IN ('accrual', 'redemption')),
		amount TEXT NOT NULL DEFAULT '0',
		punches_delta INTEGER NOT NULL,
		reward_label TEXT,
		discount_percent INTEGER,
		created_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_customer_created
		ON transactions(customer_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_transactions_created
		ON transactions(created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// CUSTOMERS
// =============================================================================

const customerColumns = `id, name, phone, email, punches, total_spent, version, created_at, updated_at`

// CreateCustomer inserts a customer; unique violations become *ledger.ConflictError.
func (s *Store) CreateCustomer(ctx context.Context, c ledger.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (`+customerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, nullString(c.Phone), nullString(c.Email),
		c.Punches, c.TotalSpent.String(), c.Version,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		if field, ok := uniqueViolation(err); ok {
			value := c.Phone
			if field == "email" {
				value = c.Email
			}
			return &ledger.ConflictError{Field: field, Value: value}
		}
		return wrapErr("create customer", err)
	}
	return nil
}

// GetCustomer retrieves a customer by ID.
func (s *Store) GetCustomer(ctx context.Context, id ledger.CustomerID) (ledger.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = ?`, id)
	c, err := scanCustomer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Customer{}, fmt.Errorf("customer %s: %w", id, ledger.ErrNotFound)
	}
	if err != nil {
		return ledger.Customer{}, wrapErr("get customer", err)
	}
	return c, nil
}

// FindCustomers matches on exact phone or exact (already lowercased) email.
func (s *Store) FindCustomers(ctx context.Context, phone, email string) ([]ledger.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryCustomers(ctx,
		`SELECT `+customerColumns+` FROM customers
		 WHERE (phone = ? AND phone IS NOT NULL) OR (email = ? AND email IS NOT NULL)`,
		nullString(phone), nullString(email),
	)
}

// ListCustomers returns all customers, newest first.
func (s *Store) ListCustomers(ctx context.Context) ([]ledger.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryCustomers(ctx,
		`SELECT `+customerColumns+` FROM customers ORDER BY created_at DESC, id DESC`)
}

func (s *Store) queryCustomers(ctx context.Context, query string, args ...any) ([]ledger.Customer, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("query customers", err)
	}
	defer rows.Close()

	var customers []ledger.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, wrapErr("scan customer", err)
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCustomer(row scanner) (ledger.Customer, error) {
	var (
		c          ledger.Customer
		phone      sql.NullString
		email      sql.NullString
		totalSpent string
		createdAt  string
		updatedAt  string
	)
	err := row.Scan(&c.ID, &c.Name, &phone, &email, &c.Punches, &totalSpent, &c.Version, &createdAt, &updatedAt)
	if err != nil {
		return c, err
	}
	c.Phone = phone.String
	c.Email = email.String
	c.TotalSpent, err = decimal.NewFromString(totalSpent)
	if err != nil {
		return c, fmt.Errorf("customer %s: bad total_spent %q: %w", c.ID, totalSpent, err)
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return c, nil
}

// =============================================================================
// LEDGER WRITES
// =============================================================================

// Apply updates the customer (compare-and-swap on version) and appends the
// entry in one database transaction.
func (s *Store) Apply(ctx context.Context, m ledger.Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("begin transaction", err)
	}
	defer sqlTx.Rollback()

	c := m.Customer
	res, err := sqlTx.ExecContext(ctx, `
		UPDATE customers
		SET punches = ?, total_spent = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		c.Punches, c.TotalSpent.String(), c.Version, formatTime(c.UpdatedAt),
		c.ID, m.ExpectedVersion,
	)
	if err != nil {
		return wrapErr("update customer", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr("update customer", err)
	}
	if n == 0 {
		var exists int
		err := sqlTx.QueryRowContext(ctx, "SELECT COUNT(*) FROM customers WHERE id = ?", c.ID).Scan(&exists)
		if err != nil {
			return wrapErr("check customer", err)
		}
		if exists == 0 {
			return fmt.Errorf("customer %s: %w", c.ID, ledger.ErrNotFound)
		}
		return ledger.ErrConcurrentModification
	}

	if err := appendTx(ctx, sqlTx, m.Entry); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return wrapErr("commit", err)
	}
	return nil
}

func appendTx(ctx context.Context, db interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}, tx ledger.Transaction) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO transactions
		(id, customer_id, kind, amount, punches_delta, reward_label, discount_percent, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID,
		tx.CustomerID,
		tx.Kind,
		tx.Amount.String(),
		tx.PunchesDelta,
		nullString(tx.RewardLabel),
		nullInt(tx.DiscountPercent),
		nullString(tx.CreatedBy),
		formatTime(tx.CreatedAt),
	)
	if err != nil {
		return wrapErr("append transaction", err)
	}
	return nil
}

// =============================================================================
// LEDGER READS
// =============================================================================

const transactionColumns = `id, customer_id, kind, amount, punches_delta, reward_label, discount_percent, created_by, created_at`

// Transactions returns a customer's ledger, newest first.
func (s *Store) Transactions(ctx context.Context, id ledger.CustomerID, limit int) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryTransactions(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE customer_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, id, sqlLimit(limit))
}

// RecentTransactions returns the newest entries across all customers.
func (s *Store) RecentTransactions(ctx context.Context, limit int) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryTransactions(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, sqlLimit(limit))
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("query transactions", err)
	}
	defer rows.Close()

	var transactions []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

func scanTransaction(rows *sql.Rows) (ledger.Transaction, error) {
	var (
		tx              ledger.Transaction
		amount          string
		rewardLabel     sql.NullString
		discountPercent sql.NullInt64
		createdBy       sql.NullString
		createdAt       string
	)

	err := rows.Scan(
		&tx.ID, &tx.CustomerID, &tx.Kind, &amount, &tx.PunchesDelta,
		&rewardLabel, &discountPercent, &createdBy, &createdAt,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	if !tx.Kind.Valid() {
		return tx, fmt.Errorf("transaction %s: unknown kind %q", tx.ID, tx.Kind)
	}
	tx.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return tx, fmt.Errorf("transaction %s: bad amount %q: %w", tx.ID, amount, err)
	}
	tx.RewardLabel = rewardLabel.String
	tx.DiscountPercent = int(discountPercent.Int64)
	tx.CreatedBy = createdBy.String
	tx.CreatedAt = parseTime(createdAt)
	return tx, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return wrapErr("ping", err)
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(n int) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(n), Valid: true}
}

// sqlLimit maps "no limit" to SQLite's -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

// timeLayout is fixed-width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// uniqueViolation reports which customers column a UNIQUE failure hit.
func uniqueViolation(err error) (string, bool) {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) || sqliteErr.ExtendedCode != sqlite3.ErrConstraintUnique {
		return "", false
	}
	switch {
	case strings.Contains(sqliteErr.Error(), "customers.phone"):
		return "phone", true
	case strings.Contains(sqliteErr.Error(), "customers.email"):
		return "email", true
	}
	return "", false
}

// wrapErr turns lock contention and timeouts into ledger.ErrStoreUnavailable.
func wrapErr(op string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return &ledger.StoreUnavailableError{Op: op, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ledger.StoreUnavailableError{Op: op, Err: err}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
