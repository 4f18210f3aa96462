// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/punch-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	customers    map[ledger.CustomerID]ledger.Customer
	byPhone      map[string]ledger.CustomerID
	byEmail      map[string]ledger.CustomerID
	transactions map[ledger.CustomerID][]ledger.Transaction
	log          []ledger.Transaction // all entries, append order
}

var _ ledger.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		customers:    make(map[ledger.CustomerID]ledger.Customer),
		byPhone:      make(map[string]ledger.CustomerID),
		byEmail:      make(map[string]ledger.CustomerID),
		transactions: make(map[ledger.CustomerID][]ledger.Transaction),
	}
}

// CreateCustomer enforces phone/email uniqueness under the write lock.
func (m *Memory) CreateCustomer(_ context.Context, c ledger.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.customers[c.ID]; ok {
		return fmt.Errorf("customer %s already exists", c.ID)
	}
	if c.Phone != "" {
		if _, ok := m.byPhone[c.Phone]; ok {
			return &ledger.ConflictError{Field: "phone", Value: c.Phone}
		}
	}
	if c.Email != "" {
		if _, ok := m.byEmail[c.Email]; ok {
			return &ledger.ConflictError{Field: "email", Value: c.Email}
		}
	}

	m.customers[c.ID] = c
	if c.Phone != "" {
		m.byPhone[c.Phone] = c.ID
	}
	if c.Email != "" {
		m.byEmail[c.Email] = c.ID
	}
	return nil
}

func (m *Memory) GetCustomer(_ context.Context, id ledger.CustomerID) (ledger.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.customers[id]
	if !ok {
		return ledger.Customer{}, fmt.Errorf("customer %s: %w", id, ledger.ErrNotFound)
	}
	return c, nil
}

func (m *Memory) FindCustomers(_ context.Context, phone, email string) ([]ledger.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.Customer
	if id, ok := m.byPhone[phone]; ok && phone != "" {
		result = append(result, m.customers[id])
	}
	if id, ok := m.byEmail[email]; ok && email != "" {
		result = append(result, m.customers[id])
	}
	return result, nil
}

func (m *Memory) ListCustomers(_ context.Context) ([]ledger.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ledger.Customer, 0, len(m.customers))
	for _, c := range m.customers {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// Apply is the only write path for counters and transactions.
func (m *Memory) Apply(_ context.Context, mut ledger.Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := mut.Customer.ID
	current, ok := m.customers[id]
	if !ok {
		return fmt.Errorf("customer %s: %w", id, ledger.ErrNotFound)
	}
	if current.Version != mut.ExpectedVersion {
		return ledger.ErrConcurrentModification
	}
	if mut.Entry.CustomerID != id {
		return fmt.Errorf("transaction %s belongs to %s, not %s", mut.Entry.ID, mut.Entry.CustomerID, id)
	}
	if !mut.Entry.Kind.Valid() {
		return fmt.Errorf("transaction %s: unknown kind %q", mut.Entry.ID, mut.Entry.Kind)
	}
	if mut.Customer.Punches < 0 {
		return fmt.Errorf("customer %s: punches would become negative", id)
	}

	m.customers[id] = mut.Customer
	m.transactions[id] = append(m.transactions[id], mut.Entry)
	m.log = append(m.log, mut.Entry)
	return nil
}

func (m *Memory) Transactions(_ context.Context, id ledger.CustomerID, limit int) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return newestFirst(m.transactions[id], limit), nil
}

func (m *Memory) RecentTransactions(_ context.Context, limit int) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return newestFirst(m.log, limit), nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func newestFirst(txs []ledger.Transaction, limit int) []ledger.Transaction {
	n := len(txs)
	if limit > 0 && limit < n {
		n = limit
	}
	result := make([]ledger.Transaction, 0, n)
	for i := len(txs) - 1; i >= 0 && len(result) < n; i-- {
		result = append(result, txs[i])
	}
	return result
}
