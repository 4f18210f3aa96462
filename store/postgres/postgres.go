/*
Package postgres provides a PostgreSQL-backed implementation of ledger.Store.

PURPOSE:
  Multi-instance deployments. Same schema and invariants as store/sqlite:
  unique phone/email constraints, CHECK (punches >= 0), compare-and-swap on
  customers.version inside the same pgx transaction as the ledger insert.

QUERY BUILDING:
  Statements are built with squirrel (Dollar placeholders) and executed on
  a pgxpool connection.

ERROR MAPPING:
  23505 unique_violation on customers_phone_key/customers_email_key -> ConflictError
  40001 serialization_failure / 40P01 deadlock -> ErrConcurrentModification
  connection timeouts, cancelled contexts       -> ErrStoreUnavailable

SEE ALSO:
  - store/sqlite/sqlite.go: Single-node implementation
*/
package postgres

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/punch-ledger/ledger"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS customers (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	phone       TEXT,
	email       TEXT,
	punches     INTEGER NOT NULL DEFAULT 0,
	total_spent NUMERIC(14,2) NOT NULL DEFAULT 0,
	version     BIGINT NOT NULL DEFAULT 1,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	CONSTRAINT customers_phone_key UNIQUE (phone),
	CONSTRAINT customers_email_key UNIQUE (email),
	CONSTRAINT customers_punches_check CHECK (punches >= 0)
);

CREATE INDEX IF NOT EXISTS idx_customers_created ON customers (created_at DESC);

CREATE TABLE IF NOT EXISTS transactions (
	id               TEXT PRIMARY KEY,
	customer_id      TEXT NOT NULL REFERENCES customers(id),
	kind             TEXT NOT NULL CHECK (kind IN ('accrual', 'redemption')),
	amount           NUMERIC(14,2) NOT NULL DEFAULT 0,
	punches_delta    INTEGER NOT NULL,
	reward_label     TEXT,
	discount_percent INTEGER,
	created_by       TEXT,
	created_at       TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_customer_created ON transactions (customer_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_transactions_created ON transactions (created_at DESC);
`

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var (
	customerColumns = []string{
		"id", "name", "phone", "email", "punches", "total_spent::text", "version", "created_at", "updated_at",
	}
	transactionColumns = []string{
		"id", "customer_id", "kind", "amount::text", "punches_delta", "reward_label", "discount_percent", "created_by", "created_at",
	}
)

// Store implements ledger.Store on a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ ledger.Store = (*Store)(nil)

// New connects to dsn, verifies the connection and applies the schema.
func New(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// =============================================================================
// CUSTOMERS
// =============================================================================

func (s *Store) CreateCustomer(ctx context.Context, c ledger.Customer) error {
	query, args, err := psql.Insert("customers").
		Columns("id", "name", "phone", "email", "punches", "total_spent", "version", "created_at", "updated_at").
		Values(c.ID, c.Name, nullable(c.Phone), nullable(c.Email), c.Punches, c.TotalSpent, c.Version, c.CreatedAt, c.UpdatedAt).
		ToSql()
	if err != nil {
		return err
	}

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			switch pgErr.ConstraintName {
			case "customers_phone_key":
				return &ledger.ConflictError{Field: "phone", Value: c.Phone}
			case "customers_email_key":
				return &ledger.ConflictError{Field: "email", Value: c.Email}
			}
		}
		return s.wrapErr("create customer", query, err)
	}
	return nil
}

func (s *Store) GetCustomer(ctx context.Context, id ledger.CustomerID) (ledger.Customer, error) {
	return s.getCustomer(ctx, s.pool, id)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *Store) getCustomer(ctx context.Context, q querier, id ledger.CustomerID) (ledger.Customer, error) {
	query, args, err := psql.Select(customerColumns...).From("customers").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return ledger.Customer{}, err
	}
	c, err := scanCustomer(q.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Customer{}, fmt.Errorf("customer %s: %w", id, ledger.ErrNotFound)
	}
	if err != nil {
		return ledger.Customer{}, s.wrapErr("get customer", query, err)
	}
	return c, nil
}

func (s *Store) FindCustomers(ctx context.Context, phone, email string) ([]ledger.Customer, error) {
	or := sq.Or{}
	if phone != "" {
		or = append(or, sq.Eq{"phone": phone})
	}
	if email != "" {
		or = append(or, sq.Eq{"email": email})
	}
	if len(or) == 0 {
		return nil, nil
	}
	return s.queryCustomers(ctx, psql.Select(customerColumns...).From("customers").Where(or))
}

func (s *Store) ListCustomers(ctx context.Context) ([]ledger.Customer, error) {
	return s.queryCustomers(ctx, psql.Select(customerColumns...).From("customers").OrderBy("created_at DESC", "id DESC"))
}

func (s *Store) queryCustomers(ctx context.Context, b sq.SelectBuilder) ([]ledger.Customer, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, s.wrapErr("query customers", query, err)
	}
	defer rows.Close()

	var customers []ledger.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, s.wrapErr("scan customer", query, err)
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

func scanCustomer(row pgx.Row) (ledger.Customer, error) {
	var (
		c          ledger.Customer
		id         string
		phone      *string
		email      *string
		totalSpent string
	)
	if err := row.Scan(&id, &c.Name, &phone, &email, &c.Punches, &totalSpent, &c.Version, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return c, err
	}
	c.ID = ledger.CustomerID(id)
	if phone != nil {
		c.Phone = *phone
	}
	if email != nil {
		c.Email = *email
	}
	spent, err := decimal.NewFromString(totalSpent)
	if err != nil {
		return c, fmt.Errorf("customer %s: bad total_spent %q: %w", id, totalSpent, err)
	}
	c.TotalSpent = spent
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

// =============================================================================
// LEDGER
// =============================================================================

// Apply performs the compare-and-swap update and the ledger insert in one
// pgx transaction.
func (s *Store) Apply(ctx context.Context, m ledger.Mutation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return s.wrapErr("begin", "", err)
	}
	defer tx.Rollback(ctx)

	c := m.Customer
	query, args, err := psql.Update("customers").
		Set("punches", c.Punches).
		Set("total_spent", c.TotalSpent).
		Set("version", c.Version).
		Set("updated_at", c.UpdatedAt).
		Where(sq.Eq{"id": c.ID, "version": m.ExpectedVersion}).
		ToSql()
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return s.wrapErr("update customer", query, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.getCustomer(ctx, tx, c.ID); err != nil {
			return err
		}
		return ledger.ErrConcurrentModification
	}

	e := m.Entry
	query, args, err = psql.Insert("transactions").
		Columns("id", "customer_id", "kind", "amount", "punches_delta", "reward_label", "discount_percent", "created_by", "created_at").
		Values(e.ID, e.CustomerID, e.Kind, e.Amount, e.PunchesDelta, nullable(e.RewardLabel), nullableInt(e.DiscountPercent), nullable(e.CreatedBy), e.CreatedAt).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return s.wrapErr("append transaction", query, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return s.wrapErr("commit", "", err)
	}
	return nil
}

func (s *Store) Transactions(ctx context.Context, id ledger.CustomerID, limit int) ([]ledger.Transaction, error) {
	b := psql.Select(transactionColumns...).From("transactions").
		Where(sq.Eq{"customer_id": id}).
		OrderBy("created_at DESC", "id DESC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	return s.queryTransactions(ctx, b)
}

func (s *Store) RecentTransactions(ctx context.Context, limit int) ([]ledger.Transaction, error) {
	b := psql.Select(transactionColumns...).From("transactions").OrderBy("created_at DESC", "id DESC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	return s.queryTransactions(ctx, b)
}

func (s *Store) queryTransactions(ctx context.Context, b sq.SelectBuilder) ([]ledger.Transaction, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, s.wrapErr("query transactions", query, err)
	}
	defer rows.Close()

	var txs []ledger.Transaction
	for rows.Next() {
		var (
			t               ledger.Transaction
			id, customerID  string
			kind            string
			amount          string
			rewardLabel     *string
			discountPercent *int32
			createdBy       *string
		)
		if err := rows.Scan(&id, &customerID, &kind, &amount, &t.PunchesDelta, &rewardLabel, &discountPercent, &createdBy, &t.CreatedAt); err != nil {
			return nil, s.wrapErr("scan transaction", query, err)
		}
		t.ID = ledger.TransactionID(id)
		t.CustomerID = ledger.CustomerID(customerID)
		t.Kind = ledger.TransactionKind(kind)
		if !t.Kind.Valid() {
			return nil, fmt.Errorf("transaction %s: unknown kind %q", id, kind)
		}
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("transaction %s: bad amount %q: %w", id, amount, err)
		}
		if rewardLabel != nil {
			t.RewardLabel = *rewardLabel
		}
		if discountPercent != nil {
			t.DiscountPercent = int(*discountPercent)
		}
		if createdBy != nil {
			t.CreatedBy = *createdBy
		}
		t.CreatedAt = t.CreatedAt.UTC()
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return s.wrapErr("ping", "", err)
	}
	return nil
}

// Helper functions

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableInt(n int) *int32 {
	if n == 0 {
		return nil
	}
	v := int32(n)
	return &v
}

func (s *Store) wrapErr(op, query string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return ledger.ErrConcurrentModification
		}
	}
	if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		s.logger.Warn("postgres timeout", zap.String("op", op), zap.Error(err))
		return &ledger.StoreUnavailableError{Op: op, Err: err}
	}
	s.logger.Error("SQL error",
		zap.String("op", op),
		zap.String("query", query),
		zap.Error(err),
	)
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return &ledger.StoreUnavailableError{Op: op, Err: err}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
