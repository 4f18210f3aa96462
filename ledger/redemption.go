/*
redemption.go - Punches to rewards

PURPOSE:
  Exchanges punches for a configured discount tier. The tier's threshold is
  deducted from the balance and a redemption entry is appended.

RULES:
  - The tier must exist in the policy (ErrInvalidTier)
  - Punches must be >= threshold (ErrInsufficientPunches); the balance can
    never go below zero
  - TotalSpent is untouched
  - Redemptions are final. There is no undo; a correction is a manual
    compensating accrual outside the engine.
*/
package ledger

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// RedemptionResult is the outcome of Redeem.
type RedemptionResult struct {
	Customer    Customer
	Tier        Tier
	Reward      string // label, e.g. "15% Off"
	Transaction Transaction
}

// Redeem spends tierThreshold punches on the matching tier.
func (e *Engine) Redeem(ctx context.Context, id CustomerID, tierThreshold int, actor string) (RedemptionResult, error) {
	ctx, finish := e.begin(ctx, "Redeem",
		attribute.String("customer_id", string(id)),
		attribute.Int("tier", tierThreshold))

	tier, ok := e.policy.Tier(tierThreshold)
	if !ok {
		return RedemptionResult{}, finish(&InvalidTierError{Threshold: tierThreshold})
	}

	customer, entry, err := e.mutate(ctx, "Redeem", id, func(c Customer) (Customer, Transaction, error) {
		if c.Punches < tier.Cost() {
			return c, Transaction{}, &InsufficientPunchesError{
				CustomerID: c.ID,
				Available:  c.Punches,
				Required:   tier.Cost(),
			}
		}
		c.Punches -= tier.Cost()
		return c, Transaction{
			ID:              newTransactionID(),
			CustomerID:      c.ID,
			Kind:            KindRedemption,
			PunchesDelta:    -tier.Cost(),
			RewardLabel:     tier.Label(),
			DiscountPercent: tier.DiscountPercent,
			CreatedBy:       actor,
		}, nil
	})
	if err != nil {
		return RedemptionResult{}, finish(err)
	}

	e.metrics.Redemptions.WithLabelValues(strconv.Itoa(tier.Threshold)).Inc()
	e.logger.Info("reward redeemed",
		zap.String("customer_id", string(id)),
		zap.String("transaction_id", string(entry.ID)),
		zap.String("reward", tier.Label()),
		zap.Int("punches_delta", entry.PunchesDelta),
		zap.Int("punches", customer.Punches),
		zap.String("actor", actor),
	)

	return RedemptionResult{
		Customer:    customer,
		Tier:        tier,
		Reward:      tier.Label(),
		Transaction: entry,
	}, finish(nil)
}
