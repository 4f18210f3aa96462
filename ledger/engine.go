/*
engine.go - Engine wiring, per-customer atomicity and retries

PURPOSE:
  Engine is the single entry point for the ledger. It owns the store, the
  reward policy and the ambient concerns (logging, metrics, tracing,
  timeouts). The operations themselves live in directory.go, accrual.go and
  redemption.go.

ATOMICITY:
  AddPunch and Redeem run as read -> validate -> compare-and-swap:
  1. Load the customer (with Version)
  2. Compute the new state and the ledger entry
  3. store.Apply(new state, entry, expected version)
  If another writer got there first, Apply returns ErrConcurrentModification
  and the loop starts over from a fresh read. After maxRetries conflicts the
  operation fails with ErrStoreUnavailable.

TIMEOUTS:
  Every operation runs under opTimeout. A deadline hit inside the store is
  reported as ErrStoreUnavailable instead of hanging the caller.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultOperationTimeout = 5 * time.Second
	DefaultMaxRetries       = 3
	DefaultRetryBackoff     = 10 * time.Millisecond

	// DefaultHistoryLimit is how many transactions a customer view carries.
	DefaultHistoryLimit = 50
)

// Engine executes ledger operations against a Store.
type Engine struct {
	store   Store
	policy  *RewardPolicy
	logger  *zap.Logger
	metrics *Metrics
	tracer  trace.Tracer
	now     func() time.Time

	opTimeout    time.Duration
	maxRetries   int
	retryBackoff time.Duration
}

type Option func(*Engine)

func WithPolicy(p *RewardPolicy) Option { return func(e *Engine) { e.policy = p } }
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }
func WithMetrics(m *Metrics) Option { return func(e *Engine) { e.metrics = m } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }
func WithTracer(t trace.Tracer) Option { return func(e *Engine) { e.tracer = t } }
func WithOperationTimeout(d time.Duration) Option { return func(e *Engine) { e.opTimeout = d } }
func WithMaxRetries(n int) Option { return func(e *Engine) { e.maxRetries = n } }
func WithRetryBackoff(d time.Duration) Option { return func(e *Engine) { e.retryBackoff = d } }

// NewEngine creates an engine with the default tier table and a no-op logger
// unless overridden.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		policy:       DefaultRewardPolicy(),
		logger:       zap.NewNop(),
		tracer:       otel.Tracer("github.com/warp/punch-ledger/ledger"),
		now:          time.Now,
		opTimeout:    DefaultOperationTimeout,
		maxRetries:   DefaultMaxRetries,
		retryBackoff: DefaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(prometheus.NewRegistry())
	}
	return e
}

// Policy returns the reward policy in use.
func (e *Engine) Policy() *RewardPolicy { return e.policy }

// =============================================================================
// OPERATION SCAFFOLDING
// =============================================================================

// begin starts a traced, time-bounded operation. The returned finish func
// records the outcome and must be called with the operation's error.
func (e *Engine) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error) error) {
	ctx, cancel := context.WithTimeout(ctx, e.opTimeout)
	ctx, span := e.tracer.Start(ctx, "ledger."+op, trace.WithAttributes(attrs...))
	return ctx, func(err error) error {
		defer cancel()
		defer span.End()
		if err == nil {
			return nil
		}
		e.metrics.Failures.WithLabelValues(op, Code(err)).Inc()
		// Client errors leave the span status unset.
		if IsClientError(err) || IsNotFound(err) {
			span.SetAttributes(attribute.String("ledger.outcome", Code(err)))
			return err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, Code(err))
		return err
	}
}

// storeErr normalizes store failures: deadlines become ErrStoreUnavailable,
// everything else passes through untouched.
func (e *Engine) storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		e.logger.Error("store timeout", zap.String("op", op), zap.Error(err))
		return &StoreUnavailableError{Op: op, Err: err}
	}
	return err
}

// mutateFunc computes a customer's next state and the entry explaining it.
// It must be free of side effects; it runs once per attempt.
type mutateFunc func(current Customer) (Customer, Transaction, error)

// mutate serializes one change to a customer via compare-and-swap.
func (e *Engine) mutate(ctx context.Context, op string, id CustomerID, fn mutateFunc) (Customer, Transaction, error) {
	for attempt := 0; ; attempt++ {
		current, err := e.store.GetCustomer(ctx, id)
		if err != nil {
			return Customer{}, Transaction{}, e.storeErr(op, err)
		}

		next, entry, err := fn(current)
		if err != nil {
			return Customer{}, Transaction{}, err
		}
		if err := checkLimits(next); err != nil {
			return Customer{}, Transaction{}, err
		}
		now := e.now().UTC()
		next.Version = current.Version + 1
		next.UpdatedAt = now
		entry.CreatedAt = now

		err = e.store.Apply(ctx, Mutation{Customer: next, ExpectedVersion: current.Version, Entry: entry})
		if err == nil {
			return next, entry, nil
		}
		if !errors.Is(err, ErrConcurrentModification) {
			return Customer{}, Transaction{}, e.storeErr(op, err)
		}

		e.metrics.Retries.WithLabelValues(op).Inc()
		if attempt >= e.maxRetries {
			e.logger.Error("giving up after concurrent modifications",
				zap.String("op", op), zap.String("customer_id", string(id)), zap.Int("attempts", attempt+1))
			return Customer{}, Transaction{}, &StoreUnavailableError{Op: op, Err: err}
		}
		e.logger.Warn("concurrent modification, retrying",
			zap.String("op", op), zap.String("customer_id", string(id)), zap.Int("attempt", attempt+1))

		select {
		case <-ctx.Done():
			return Customer{}, Transaction{}, &StoreUnavailableError{Op: op, Err: ctx.Err()}
		case <-time.After(e.retryBackoff * time.Duration(attempt+1)):
		}
	}
}

// checkLimits rejects a post-state outside what every store can hold.
func checkLimits(c Customer) error {
	if c.Punches > MaxPunches {
		return invalidAmount(fmt.Sprintf("purchase would raise punches above %d", MaxPunches))
	}
	if c.TotalSpent.GreaterThan(MaxTotalSpent) {
		return invalidAmount("purchase would raise total spent above $" + MaxTotalSpent.StringFixed(2))
	}
	return nil
}

func newTransactionID() TransactionID {
	id, err := uuid.NewV7()
	if err != nil {
		return TransactionID(uuid.NewString())
	}
	return TransactionID(id.String())
}

// =============================================================================
// READ OPERATIONS
// =============================================================================

// CustomerView is a customer with its recent history and reward state.
type CustomerView struct {
	Customer         Customer
	Transactions     []Transaction
	AvailableRewards []Reward
	NextReward       NextReward
}

// GetCustomer returns a customer by id.
func (e *Engine) GetCustomer(ctx context.Context, id CustomerID) (Customer, error) {
	ctx, finish := e.begin(ctx, "GetCustomer", attribute.String("customer_id", string(id)))
	c, err := e.store.GetCustomer(ctx, id)
	return c, finish(e.storeErr("GetCustomer", err))
}

// View returns the customer, its latest transactions and eligibility.
func (e *Engine) View(ctx context.Context, id CustomerID) (CustomerView, error) {
	ctx, finish := e.begin(ctx, "View", attribute.String("customer_id", string(id)))

	c, err := e.store.GetCustomer(ctx, id)
	if err != nil {
		return CustomerView{}, finish(e.storeErr("View", err))
	}
	txs, err := e.store.Transactions(ctx, id, DefaultHistoryLimit)
	if err != nil {
		return CustomerView{}, finish(e.storeErr("View", err))
	}
	return e.view(c, txs), finish(nil)
}

func (e *Engine) view(c Customer, txs []Transaction) CustomerView {
	if txs == nil {
		txs = []Transaction{}
	}
	return CustomerView{
		Customer:         c,
		Transactions:     txs,
		AvailableRewards: e.policy.EligibleTiers(c.Punches),
		NextReward:       e.policy.NextReward(c.Punches),
	}
}

// ListCustomers returns every customer with reward state, newest first.
func (e *Engine) ListCustomers(ctx context.Context) ([]CustomerView, error) {
	ctx, finish := e.begin(ctx, "ListCustomers")

	customers, err := e.store.ListCustomers(ctx)
	if err != nil {
		return nil, finish(e.storeErr("ListCustomers", err))
	}
	views := make([]CustomerView, len(customers))
	for i, c := range customers {
		views[i] = e.view(c, nil)
	}
	return views, finish(nil)
}

// RecentTransactions returns the newest ledger entries across customers.
func (e *Engine) RecentTransactions(ctx context.Context, limit int) ([]Transaction, error) {
	ctx, finish := e.begin(ctx, "RecentTransactions")
	txs, err := e.store.RecentTransactions(ctx, limit)
	if err != nil {
		return nil, finish(e.storeErr("RecentTransactions", err))
	}
	if txs == nil {
		txs = []Transaction{}
	}
	return txs, finish(nil)
}

// Ping checks the store.
func (e *Engine) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()
	return e.storeErr("Ping", e.store.Ping(ctx))
}
