/*
store.go - Persistence interface for customers and the transaction log

PURPOSE:
  Defines the boundary between the engine and the database. Implementations
  persist customer records and an append-only transaction log, and enforce
  the two invariants the engine cannot enforce on its own:
  - phone and email are unique across customers
  - a customer update and its ledger entry are written together or not at all

APPEND-ONLY CONTRACT:
  Transactions are only ever written through Apply. There is no method to
  update or delete one. Customers are never deleted.

COMPARE-AND-SWAP:
  Apply carries the version the engine read. The store writes the new
  customer state only if the stored version still matches; otherwise it
  returns ErrConcurrentModification and writes nothing.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite (default)
  - store/postgres/postgres.go: PostgreSQL via pgx
  - ledger/store/memory.go: In-memory for tests and dev

SEE ALSO:
  - engine.go: Read-validate-apply loop
*/
package ledger

import "context"

// Mutation is one atomic step of the ledger: the customer's new state plus
// the transaction that explains it.
type Mutation struct {
	Customer        Customer // post-state; Version already incremented
	ExpectedVersion int64    // version the engine read
	Entry           Transaction
}

// Store handles persistence of customers and transactions.
type Store interface {
	// CreateCustomer persists a new customer. Returns a *ConflictError when
	// the phone or email is already taken.
	CreateCustomer(ctx context.Context, c Customer) error

	// GetCustomer returns the customer or an error matching ErrNotFound.
	GetCustomer(ctx context.Context, id CustomerID) (Customer, error)

	// FindCustomers returns customers whose phone equals phone or whose
	// email equals email. Empty arguments match nothing.
	FindCustomers(ctx context.Context, phone, email string) ([]Customer, error)

	// ListCustomers returns all customers, newest first.
	ListCustomers(ctx context.Context) ([]Customer, error)

	// Apply writes m.Customer and appends m.Entry atomically, conditional on
	// the stored version equal to m.ExpectedVersion.
	Apply(ctx context.Context, m Mutation) error

	// Transactions returns a customer's ledger, newest first.
	// limit <= 0 returns every entry.
	Transactions(ctx context.Context, id CustomerID, limit int) ([]Transaction, error)

	// RecentTransactions returns the newest entries across all customers.
	RecentTransactions(ctx context.Context, limit int) ([]Transaction, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}
