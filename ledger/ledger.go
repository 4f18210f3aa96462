/*
ledger.go - Ledger replay and consistency audit

PURPOSE:
  The transaction log is the source of truth. A customer's counters are a
  cached projection of it, written in the same atomic step as each entry.
  Audit replays the log and checks the projection still matches.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. sum(PunchesDelta) == Customer.Punches
  3. sum(Amount over accruals) == Customer.TotalSpent
  4. The running punch balance never dips below zero

EXAMPLE FLOW:
  1. $25 purchase:  accrual +2      (punches 2,  spent 25)
  2. $120 purchase: accrual +12     (punches 14, spent 145)
  3. Redeem 10:     redemption -10  (punches 4,  spent 145)

  Ledger: [+2, +12, -10] = 4 punches
*/
package ledger

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Balance is the state derived from a customer's transactions.
type Balance struct {
	Punches     int
	TotalSpent  decimal.Decimal
	Accruals    int
	Redemptions int
	// MinPunches is the lowest running balance seen while replaying.
	MinPunches int
}

// Replay folds transactions (any order) into a Balance, oldest first.
func Replay(txs []Transaction) Balance {
	ordered := append([]Transaction(nil), txs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].ID < ordered[j].ID
		}
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	b := Balance{TotalSpent: decimal.Zero}
	for _, tx := range ordered {
		b.Punches += tx.PunchesDelta
		if b.Punches < b.MinPunches {
			b.MinPunches = b.Punches
		}
		switch tx.Kind {
		case KindAccrual:
			b.Accruals++
			b.TotalSpent = b.TotalSpent.Add(tx.Amount)
		case KindRedemption:
			b.Redemptions++
		}
	}
	return b
}

// AuditReport compares a customer's counters with its replayed ledger.
type AuditReport struct {
	CustomerID   CustomerID
	Customer     Customer
	Ledger       Balance
	Transactions int
	Consistent   bool
	Problems     []string
}

// Audit replays a customer's full ledger and checks it against the record.
func (e *Engine) Audit(ctx context.Context, id CustomerID) (AuditReport, error) {
	ctx, finish := e.begin(ctx, "Audit", attribute.String("customer_id", string(id)))

	c, err := e.store.GetCustomer(ctx, id)
	if err != nil {
		return AuditReport{}, finish(e.storeErr("Audit", err))
	}
	txs, err := e.store.Transactions(ctx, id, 0)
	if err != nil {
		return AuditReport{}, finish(e.storeErr("Audit", err))
	}

	report := AuditReport{
		CustomerID:   id,
		Customer:     c,
		Ledger:       Replay(txs),
		Transactions: len(txs),
		Problems:     []string{},
	}
	if report.Ledger.Punches != c.Punches {
		report.Problems = append(report.Problems, "punch balance does not match ledger")
	}
	if !report.Ledger.TotalSpent.Equal(c.TotalSpent) {
		report.Problems = append(report.Problems, "total spent does not match ledger")
	}
	if report.Ledger.MinPunches < 0 {
		report.Problems = append(report.Problems, "ledger balance went negative")
	}
	report.Consistent = len(report.Problems) == 0

	if !report.Consistent {
		e.logger.Error("ledger inconsistency",
			zap.String("customer_id", string(id)),
			zap.Strings("problems", report.Problems))
	}
	return report, finish(nil)
}
