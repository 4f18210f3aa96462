package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/punch-ledger/ledger"
	"github.com/warp/punch-ledger/ledger/store"
)

func TestMemory_ApplyRejectsUnknownKind(t *testing.T) {
	// GIVEN: A customer at version 1
	m := store.NewMemory()
	ctx := context.Background()
	now := time.Date(2025, time.March, 10, 14, 30, 0, 0, time.UTC)
	c := ledger.Customer{ID: "c1", Name: "Dana Lee", Phone: "555-0100", TotalSpent: decimal.Zero, Version: 1, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, m.CreateCustomer(ctx, c))

	// WHEN: An entry with a kind outside accrual/redemption is applied
	next := c
	next.Punches = 5
	next.Version = 2
	err := m.Apply(ctx, ledger.Mutation{
		Customer:        next,
		ExpectedVersion: 1,
		Entry: ledger.Transaction{
			ID: "tx-1", CustomerID: "c1", Kind: ledger.TransactionKind("refund"),
			Amount: decimal.NewFromInt(50), PunchesDelta: 5, CreatedAt: now,
		},
	})

	// THEN: It is rejected and nothing changes
	require.Error(t, err)
	got, err := m.GetCustomer(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 0, got.Punches)
	assert.Equal(t, int64(1), got.Version)

	txs, err := m.Transactions(ctx, "c1", 0)
	require.NoError(t, err)
	assert.Empty(t, txs)
}
