/*
Package ledger provides the punch accounting and redemption engine.

PURPOSE:
  Customers earn punches from purchases (one punch per $10 spent) and spend
  them on discount tiers. This package owns the rules: how a purchase turns
  into punches, when a tier can be redeemed, and how every change is recorded
  in an append-only transaction log.

KEY CONCEPTS IN THIS FILE (types.go):
  - Customer: identity plus the two counters (punches, total spent)
  - Transaction: an immutable ledger entry (accrual or redemption)
  - CustomerID / TransactionID: type-safe identifiers

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never modified or removed
  2. Precision: Money uses decimal.Decimal, never float64
  3. Consistency: sum(PunchesDelta) over a customer's ledger == Punches
  4. Explicit identity: every operation takes a CustomerID, no session state

USAGE:
  engine := ledger.NewEngine(store, ledger.WithLogger(logger))
  c, _ := engine.Signup(ctx, ledger.SignupRequest{Name: "Jane", Phone: "555-1111"})
  res, _ := engine.AddPunch(ctx, c.ID, decimal.RequireFromString("25.00"), "admin")
  // res.PunchesAdded == 2

SEE ALSO:
  - policy.go: Reward tiers and eligibility
  - accrual.go: Purchase -> punches
  - redemption.go: Punches -> reward
  - directory.go: Lookup and signup
  - store.go: Persistence interface
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CustomerID string
type TransactionID string

// =============================================================================
// CUSTOMER
// =============================================================================

// Customer is the mutable half of the ledger. Punches and TotalSpent are only
// ever changed by the engine, together with a matching Transaction.
type Customer struct {
	ID         CustomerID
	Name       string
	Phone      string // empty when not provided
	Email      string // lowercased; empty when not provided
	Punches    int
	TotalSpent decimal.Decimal

	// Version is bumped on every mutation and used for compare-and-swap.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// TRANSACTION - Immutable ledger entry
// =============================================================================

type TransactionKind string

const (
	KindAccrual    TransactionKind = "accrual"    // Purchase recorded, punches earned
	KindRedemption TransactionKind = "redemption" // Tier redeemed, punches spent
)

func (k TransactionKind) Valid() bool {
	return k == KindAccrual || k == KindRedemption
}

type Transaction struct {
	ID           TransactionID
	CustomerID   CustomerID
	Kind         TransactionKind
	Amount       decimal.Decimal // purchase amount; zero for redemptions
	PunchesDelta int             // +N accrual, -N redemption

	// Redemption only
	RewardLabel     string
	DiscountPercent int

	// Audit fields
	CreatedBy string // admin principal that authorized the mutation
	CreatedAt time.Time
}
