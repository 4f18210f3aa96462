/*
handlers_test.go - HTTP tests for the punch ledger API

Tests for:
- Public customer endpoints (signup, lookup, view)
- Admin session flow (login, bearer token, lockout)
- Error-to-status mapping (400/401/404/409/422/429)
- Metrics exposition
- Audit scheduler and demo scenarios
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/punch-ledger/auth"
	"github.com/warp/punch-ledger/ledger"
	memstore "github.com/warp/punch-ledger/ledger/store"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const testPIN = "2468"

type testServer struct {
	t       *testing.T
	store   *memstore.Memory
	engine  *ledger.Engine
	handler http.Handler
	token   string
}

func newTestServer(t *testing.T) *testServer {
	return newTestServerWith(t, RouterOptions{})
}

func newTestServerWith(t *testing.T, opts RouterOptions) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)
	reg := prometheus.NewRegistry()

	store := memstore.NewMemory()
	engine := ledger.NewEngine(store,
		ledger.WithLogger(logger),
		ledger.WithMetrics(ledger.NewMetrics(reg)),
	)

	hash, err := auth.HashPIN(testPIN, bcrypt.MinCost)
	require.NoError(t, err)
	authenticator, err := auth.New(auth.Config{
		PINHash:     hash,
		Secret:      []byte("test-secret"),
		MaxAttempts: 3,
	}, nil, logger)
	require.NoError(t, err)

	h := NewHandler(engine, authenticator, logger)
	opts.Registry = reg
	return &testServer{
		t:       t,
		store:   store,
		engine:  engine,
		handler: NewRouter(h, opts),
	}
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) login() {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/admin/login", LoginRequest{PIN: testPIN})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	var resp LoginResponse
	decode(s.t, rec, &resp)
	require.NotEmpty(s.t, resp.Token)
	s.token = resp.Token
}

func (s *testServer) signup(name, phone string) CustomerViewDTO {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/customers/signup", SignupRequest{Name: name, Phone: phone})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	var view CustomerViewDTO
	decode(s.t, rec, &view)
	return view
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), rec.Body.String())
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	decode(t, rec, &resp)
	return resp
}

// =============================================================================
// SERVICE
// =============================================================================

func TestRootAndHealth(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Punch Ledger Rewards API")

	rec = s.do(http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

// =============================================================================
// CUSTOMERS
// =============================================================================

func TestSignup_CreatesCustomer(t *testing.T) {
	s := newTestServer(t)

	view := s.signup("Ada Lovelace", "555-0100")

	assert.NotEmpty(t, view.Customer.ID)
	assert.Equal(t, "Ada Lovelace", view.Customer.Name)
	assert.Equal(t, 0, view.Customer.Punches)
	assert.Equal(t, "0.00", view.Customer.TotalSpent)
	assert.Empty(t, view.Transactions)
	assert.Empty(t, view.AvailableRewards)
	assert.Equal(t, 10, view.NextReward.Tier)
	assert.Equal(t, 10, view.NextReward.PunchesNeeded)
}

func TestSignup_DuplicatePhoneIsConflict(t *testing.T) {
	s := newTestServer(t)
	s.signup("Ada", "555-0100")

	rec := s.do(http.MethodPost, "/api/customers/signup", SignupRequest{Name: "Grace", Phone: "555-0100"})

	assert.Equal(t, http.StatusConflict, rec.Code)
	resp := errorOf(t, rec)
	assert.Equal(t, "conflict", resp.Code)
	assert.Equal(t, map[string]any{"field": "phone"}, resp.Details)
}

func TestSignup_Validation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/customers/signup", SignupRequest{Name: "No Contact"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", errorOf(t, rec).Code)

	req := httptest.NewRequest(http.MethodPost, "/api/customers/signup", strings.NewReader("{not json"))
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLookup(t *testing.T) {
	s := newTestServer(t)
	created := s.signup("Ada", "555-0100")

	rec := s.do(http.MethodPost, "/api/customers/lookup", LookupRequest{Identifier: "555-0100"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var view CustomerViewDTO
	decode(t, rec, &view)
	assert.Equal(t, created.Customer.ID, view.Customer.ID)
	assert.NotNil(t, view.Transactions)

	rec = s.do(http.MethodPost, "/api/customers/lookup", LookupRequest{Identifier: "555-9999"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errorOf(t, rec).Code)
}

func TestGetCustomer_NotFound(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/customers/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// ADMIN SESSION
// =============================================================================

func TestAdmin_RequiresToken(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/admin/customers", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	s.token = "not-a-jwt"
	rec = s.do(http.MethodGet, "/api/admin/customers", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminLogin_WrongPINThenLockout(t *testing.T) {
	s := newTestServer(t)

	for i := 0; i < 3; i++ {
		rec := s.do(http.MethodPost, "/api/admin/login", LoginRequest{PIN: "0000"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	// Even the right PIN is refused while locked out.
	rec := s.do(http.MethodPost, "/api/admin/login", LoginRequest{PIN: testPIN})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "900", rec.Header().Get("Retry-After"))
}

// =============================================================================
// PUNCHES AND REWARDS
// =============================================================================

func TestAddPunchAndRedeem(t *testing.T) {
	// GIVEN: A signed-up customer and an admin session
	s := newTestServer(t)
	customer := s.signup("Ada", "555-0100")
	s.login()

	// WHEN: A $120 purchase is recorded
	rec := s.do(http.MethodPost, "/api/admin/add-punch", map[string]any{
		"customer_id": customer.Customer.ID,
		"amount":      "120.00",
	})

	// THEN: 12 punches, tier 10 available, 3 short of tier 15
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var added AddPunchResponse
	decode(t, rec, &added)
	assert.Equal(t, 12, added.PunchesAdded)
	assert.Equal(t, 12, added.Customer.Punches)
	assert.Equal(t, "120.00", added.Customer.TotalSpent)
	assert.Equal(t, "accrual", added.Transaction.Kind)
	assert.Equal(t, auth.AdminSubject, added.Transaction.CreatedBy)
	require.Len(t, added.AvailableRewards, 1)
	assert.Equal(t, 10, added.AvailableRewards[0].Tier)
	assert.Equal(t, 15, added.NextReward.Tier)
	assert.Equal(t, 3, added.NextReward.PunchesNeeded)

	// WHEN: Tier 10 is redeemed
	rec = s.do(http.MethodPost, "/api/admin/redeem-reward", RedeemRewardRequest{
		CustomerID: added.Customer.ID,
		Tier:       10,
	})

	// THEN: 10 punches are spent and spend is untouched
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var redeemed RedeemRewardResponse
	decode(t, rec, &redeemed)
	assert.Equal(t, 2, redeemed.Customer.Punches)
	assert.Equal(t, "120.00", redeemed.Customer.TotalSpent)
	assert.Equal(t, "10% Off", redeemed.RewardRedeemed)
	assert.Equal(t, 10, redeemed.DiscountPercent)
	assert.Equal(t, 10, redeemed.PunchesUsed)
	assert.Equal(t, -10, redeemed.Transaction.PunchesDelta)
	assert.Empty(t, redeemed.AvailableRewards)

	// AND: The customer view shows both entries, newest first
	rec = s.do(http.MethodGet, "/api/customers/"+added.Customer.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view CustomerViewDTO
	decode(t, rec, &view)
	require.Len(t, view.Transactions, 2)
	assert.Equal(t, "redemption", view.Transactions[0].Kind)
	assert.Equal(t, "accrual", view.Transactions[1].Kind)
}

func TestAddPunch_Errors(t *testing.T) {
	s := newTestServer(t)
	customer := s.signup("Ada", "555-0100")
	s.login()

	tests := []struct {
		name   string
		body   map[string]any
		status int
		code   string
	}{
		{"missing customer", map[string]any{"amount": "20"}, http.StatusBadRequest, ""},
		{"missing amount", map[string]any{"customer_id": customer.Customer.ID}, http.StatusBadRequest, ""},
		{"below minimum", map[string]any{"customer_id": customer.Customer.ID, "amount": "9.99"}, http.StatusBadRequest, "invalid_amount"},
		{"above maximum", map[string]any{"customer_id": customer.Customer.ID, "amount": "92233720368547758080"}, http.StatusBadRequest, "invalid_amount"},
		{"unknown customer", map[string]any{"customer_id": "nope", "amount": "20"}, http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodPost, "/api/admin/add-punch", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.code != "" {
				assert.Equal(t, tt.code, errorOf(t, rec).Code)
			}
		})
	}
}

func TestRedeem_Errors(t *testing.T) {
	s := newTestServer(t)
	customer := s.signup("Ada", "555-0100")
	s.login()

	rec := s.do(http.MethodPost, "/api/admin/add-punch", map[string]any{
		"customer_id": customer.Customer.ID,
		"amount":      25,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Not enough punches for tier 10
	rec = s.do(http.MethodPost, "/api/admin/redeem-reward", RedeemRewardRequest{CustomerID: customer.Customer.ID, Tier: 10})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := errorOf(t, rec)
	assert.Equal(t, "insufficient_punches", resp.Code)
	assert.Equal(t, map[string]any{"available": float64(2), "required": float64(10)}, resp.Details)

	// Not a tier
	rec = s.do(http.MethodPost, "/api/admin/redeem-reward", RedeemRewardRequest{CustomerID: customer.Customer.ID, Tier: 12})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_tier", errorOf(t, rec).Code)

	// Missing customer id
	rec = s.do(http.MethodPost, "/api/admin/redeem-reward", RedeemRewardRequest{Tier: 10})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// ADMIN LISTS
// =============================================================================

func TestAdminLists(t *testing.T) {
	s := newTestServer(t)
	ada := s.signup("Ada", "555-0100")
	grace := s.signup("Grace", "555-0200")
	s.login()

	for _, id := range []string{ada.Customer.ID, grace.Customer.ID} {
		rec := s.do(http.MethodPost, "/api/admin/add-punch", map[string]any{"customer_id": id, "amount": "150"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := s.do(http.MethodGet, "/api/admin/customers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var customers []AdminCustomerDTO
	decode(t, rec, &customers)
	require.Len(t, customers, 2)
	for _, c := range customers {
		assert.Equal(t, 15, c.Punches)
		assert.Len(t, c.AvailableRewards, 2)
	}

	rec = s.do(http.MethodGet, "/api/admin/transactions?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var txs []TransactionDTO
	decode(t, rec, &txs)
	require.Len(t, txs, 1)
	assert.NotEmpty(t, txs[0].CustomerName)

	rec = s.do(http.MethodGet, "/api/admin/transactions?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/api/admin/customers/"+ada.Customer.ID+"/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var audit AuditDTO
	decode(t, rec, &audit)
	assert.True(t, audit.Consistent)
	assert.Equal(t, 15, audit.LedgerPunches)
	assert.Equal(t, 1, audit.Accruals)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(http.MethodGet, "/api/health", nil)

	rec := s.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "punch_ledger_http_requests_total")
	assert.Contains(t, rec.Body.String(), `path="/api/health"`)
}

// =============================================================================
// AUDIT SCHEDULER
// =============================================================================

func TestAuditScheduler_RunNow(t *testing.T) {
	s := newTestServer(t)
	s.signup("Ada", "555-0100")

	// A record whose counters have no ledger behind them.
	broken := ledger.Customer{ID: "broken", Name: "Broken", Phone: "555-0300", Punches: 7, Version: 1}
	require.NoError(t, s.store.CreateCustomer(context.Background(), broken))

	scheduler := NewAuditScheduler(s.engine, zaptest.NewLogger(t), prometheus.NewRegistry())
	summary := scheduler.RunNow(context.Background())

	assert.Equal(t, 2, summary.Checked)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, []ledger.CustomerID{"broken"}, summary.Inconsistent)
	assert.Equal(t, summary, scheduler.LastRun())
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestScenarios_DisabledByDefault(t *testing.T) {
	s := newTestServer(t)
	s.login()

	rec := s.do(http.MethodGet, "/api/admin/scenarios", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScenarios_LoadIsRepeatable(t *testing.T) {
	// GIVEN: Scenarios enabled and an admin session
	s := newTestServerWith(t, RouterOptions{EnableScenarios: true})
	s.login()

	rec := s.do(http.MethodGet, "/api/admin/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []ScenarioDTO
	decode(t, rec, &list)
	assert.Len(t, list, len(scenarios))

	// WHEN: The regulars scenario is loaded
	rec = s.do(http.MethodPost, "/api/admin/scenarios/load", LoadScenarioRequest{ScenarioID: "regulars"})

	// THEN: Each customer sits two punches short of a tier
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var loaded LoadScenarioResponse
	decode(t, rec, &loaded)
	assert.Equal(t, 3, loaded.Created)
	assert.Equal(t, 9, loaded.Transactions)

	views, err := s.engine.ListCustomers(context.Background())
	require.NoError(t, err)
	require.Len(t, views, 3)
	for _, v := range views {
		assert.Equal(t, 2, v.NextReward.PunchesNeeded, v.Customer.Name)
	}

	// AND: Loading again skips everyone
	rec = s.do(http.MethodPost, "/api/admin/scenarios/load", LoadScenarioRequest{ScenarioID: "regulars"})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &loaded)
	assert.Zero(t, loaded.Created)
	assert.Equal(t, 3, loaded.Skipped)

	rec = s.do(http.MethodPost, "/api/admin/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScenarios_TopTierAudits(t *testing.T) {
	s := newTestServerWith(t, RouterOptions{EnableScenarios: true})
	s.login()

	rec := s.do(http.MethodPost, "/api/admin/scenarios/load", LoadScenarioRequest{ScenarioID: "top-tier"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	views, err := s.engine.ListCustomers(context.Background())
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, 19, views[0].Customer.Punches)

	report, err := s.engine.Audit(context.Background(), views[0].Customer.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, 1, report.Ledger.Redemptions)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestWriteLedgerError_RetryAfterOnlyWhenRetryable(t *testing.T) {
	h := NewHandler(nil, nil, zaptest.NewLogger(t))
	req := httptest.NewRequest(http.MethodPost, "/api/admin/add-punch", nil)

	rec := httptest.NewRecorder()
	h.writeLedgerError(rec, req, &ledger.StoreUnavailableError{Op: "AddPunch", Err: context.DeadlineExceeded})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "store_unavailable", errorOf(t, rec).Code)

	rec = httptest.NewRecorder()
	h.writeLedgerError(rec, req, &ledger.InsufficientPunchesError{Available: 2, Required: 10})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Empty(t, rec.Header().Get("Retry-After"))
}
