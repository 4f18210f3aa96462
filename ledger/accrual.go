/*
accrual.go - Purchase amounts to punches

PURPOSE:
  Records a qualifying purchase: one punch per full $10, the whole amount
  added to total spent, and an accrual entry in the ledger.

RULES:
  - Minimum qualifying purchase is $10.00, maximum is $1,000,000.00
  - A customer's punches and total spent are capped (MaxPunches,
    MaxTotalSpent); a purchase that would pass either cap is rejected
  - Amounts carry at most two fractional digits (cents)
  - punches = floor(amount / 10); the remainder is discarded, never banked
  - This is the only path that increases Punches or TotalSpent

EXAMPLE:
  $9.99  -> ErrInvalidAmount
  $10.00 -> 1 punch
  $25.00 -> 2 punches, total spent += 25.00
*/
package ledger

import (
	"context"
	"math"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var (
	// SpendPerPunch is the purchase amount worth one punch.
	SpendPerPunch = decimal.NewFromInt(10)

	// MinimumPurchase is the smallest amount AddPunch accepts.
	MinimumPurchase = SpendPerPunch

	// MaximumPurchase is the largest amount AddPunch accepts.
	MaximumPurchase = decimal.NewFromInt(1_000_000)

	// MaxTotalSpent is the NUMERIC(14,2) ceiling of the postgres schema.
	MaxTotalSpent = decimal.RequireFromString("999999999999.99")
)

// MaxPunches bounds a customer's balance to a 32-bit INTEGER column.
const MaxPunches = math.MaxInt32

// PunchesFor returns floor(amount / SpendPerPunch). Callers validate the
// amount first; the result is only exact for amounts up to MaximumPurchase.
func PunchesFor(amount decimal.Decimal) int {
	if !amount.IsPositive() {
		return 0
	}
	return int(amount.Div(SpendPerPunch).Floor().IntPart())
}

// ValidateAmount checks that amount is a qualifying purchase.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.Equal(amount.Round(2)) {
		return invalidAmount("amount must not have more than two decimal places")
	}
	if amount.LessThan(MinimumPurchase) {
		return invalidAmount("amount must be at least $" + MinimumPurchase.StringFixed(2) + " to earn punches")
	}
	if amount.GreaterThan(MaximumPurchase) {
		return invalidAmount("amount must not exceed $" + MaximumPurchase.StringFixed(2))
	}
	return nil
}

// AccrualResult is the outcome of AddPunch.
type AccrualResult struct {
	Customer     Customer
	PunchesAdded int
	Transaction  Transaction
}

// AddPunch records a purchase for a customer.
// actor is the authorized admin principal, stored on the transaction.
func (e *Engine) AddPunch(ctx context.Context, id CustomerID, amount decimal.Decimal, actor string) (AccrualResult, error) {
	ctx, finish := e.begin(ctx, "AddPunch",
		attribute.String("customer_id", string(id)),
		attribute.String("amount", amount.String()))

	if err := ValidateAmount(amount); err != nil {
		return AccrualResult{}, finish(err)
	}
	added := PunchesFor(amount)

	customer, entry, err := e.mutate(ctx, "AddPunch", id, func(c Customer) (Customer, Transaction, error) {
		c.Punches += added
		c.TotalSpent = c.TotalSpent.Add(amount)
		return c, Transaction{
			ID:           newTransactionID(),
			CustomerID:   c.ID,
			Kind:         KindAccrual,
			Amount:       amount,
			PunchesDelta: added,
			CreatedBy:    actor,
		}, nil
	})
	if err != nil {
		return AccrualResult{}, finish(err)
	}

	e.metrics.PunchesAccrued.Add(float64(added))
	e.metrics.SpendAccrued.Add(amount.InexactFloat64())
	e.logger.Info("punches added",
		zap.String("customer_id", string(id)),
		zap.String("transaction_id", string(entry.ID)),
		zap.String("amount", amount.StringFixed(2)),
		zap.Int("punches_delta", added),
		zap.Int("punches", customer.Punches),
		zap.String("actor", actor),
	)

	return AccrualResult{Customer: customer, PunchesAdded: added, Transaction: entry}, finish(nil)
}
