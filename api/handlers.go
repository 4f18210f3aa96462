/*
handlers.go - HTTP API handlers for the punch ledger

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response and
  JSON serialization, and delegates every rule to ledger.Engine.

ENDPOINTS:
  Public:
    GET    /api/                       Banner
    GET    /api/health                 Store health
    POST   /api/customers/lookup       Find by phone or email
    POST   /api/customers/signup       Create customer
    GET    /api/customers/{id}         Customer view

  Admin (Bearer token):
    POST   /api/admin/login            PIN -> session token
    GET    /api/admin/customers        All customers with reward state
    GET    /api/admin/transactions     Recent ledger entries (?limit=)
    GET    /api/admin/customers/{id}/audit  Ledger replay check
    POST   /api/admin/add-punch        Record a purchase
    POST   /api/admin/redeem-reward    Spend punches on a tier
    GET    /api/admin/scenarios        Demo data sets (server.enable_scenarios)
    POST   /api/admin/scenarios/load   Seed a demo data set

REQUEST FLOW:
  1. Parse HTTP request
  2. Call the engine (it validates)
  3. Serialize response
  4. Map errors in writeLedgerError

ERROR HANDLING:
  Errors are returned as JSON {error, code, details} with status:
  - 400: invalid input, amount or tier
  - 401: missing/invalid token, wrong PIN
  - 404: customer not found
  - 409: duplicate phone/email, ambiguous identifier
  - 422: not enough punches
  - 429: login locked out
  - 503: store unavailable (Retry-After set)
  - 500: anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/warp/punch-ledger/auth"
	"github.com/warp/punch-ledger/ledger"
	"go.uber.org/zap"
)

const (
	// DefaultTransactionLimit is the admin transaction list size.
	DefaultTransactionLimit = 500
	maxTransactionLimit     = 5000

	maxBodyBytes = 1 << 16

	// retryAfterSeconds is advertised on 503 responses.
	retryAfterSeconds = "1"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *ledger.Engine
	Auth   *auth.Authenticator
	Logger *zap.Logger
	Banner string

	scenarioMu sync.Mutex
}

// NewHandler creates a new handler.
func NewHandler(engine *ledger.Engine, authenticator *auth.Authenticator, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Engine: engine,
		Auth:   authenticator,
		Logger: logger,
		Banner: "Punch Ledger Rewards API",
	}
}

// =============================================================================
// SERVICE ENDPOINTS
// =============================================================================

// Root returns the API banner.
// GET /api/
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": h.Banner})
}

// Health pings the store.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.Ping(r.Context()); err != nil {
		h.Logger.Warn("health check failed", zap.Error(err))
		w.Header().Set("Retry-After", retryAfterSeconds)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// =============================================================================
// CUSTOMER ENDPOINTS
// =============================================================================

// Lookup finds a customer by phone or email.
// POST /api/customers/lookup
func (h *Handler) Lookup(w http.ResponseWriter, r *http.Request) {
	var req LookupRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	c, err := h.Engine.Lookup(r.Context(), req.Identifier)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	view, err := h.Engine.View(r.Context(), c.ID)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toViewDTO(view))
}

// Signup creates a new customer.
// POST /api/customers/signup
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	c, err := h.Engine.Signup(r.Context(), ledger.SignupRequest{
		Name:  req.Name,
		Phone: req.Phone,
		Email: req.Email,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	policy := h.Engine.Policy()
	writeJSON(w, http.StatusCreated, CustomerViewDTO{
		Customer:         toCustomerDTO(c),
		Transactions:     []TransactionDTO{},
		AvailableRewards: toRewardDTOs(policy.EligibleTiers(c.Punches)),
		NextReward:       toNextRewardDTO(policy.NextReward(c.Punches), policy),
	})
}

// GetCustomer returns a customer with history and rewards.
// GET /api/customers/{id}
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	id := ledger.CustomerID(chi.URLParam(r, "id"))

	view, err := h.Engine.View(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toViewDTO(view))
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// AdminLogin exchanges the PIN for a session token.
// POST /api/admin/login
func (h *Handler) AdminLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	session, err := h.Auth.Login(r.Context(), req.PIN, clientKey(r))
	switch {
	case errors.Is(err, auth.ErrInvalidPIN):
		writeError(w, http.StatusUnauthorized, "Invalid PIN", nil)
		return
	case errors.Is(err, auth.ErrTooManyAttempts):
		w.Header().Set("Retry-After", strconv.Itoa(int(h.Auth.Window().Seconds())))
		writeError(w, http.StatusTooManyRequests, "Too many failed attempts, try again later", nil)
		return
	case err != nil:
		h.Logger.Error("admin login failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "Login temporarily unavailable", nil)
		return
	}

	writeJSON(w, http.StatusOK, LoginResponse{
		Token:     session.Token,
		ExpiresAt: formatTime(session.ExpiresAt),
	})
}

// ListCustomers returns every customer with reward info, newest first.
// GET /api/admin/customers
func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	views, err := h.Engine.ListCustomers(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	policy := h.Engine.Policy()
	dtos := make([]AdminCustomerDTO, len(views))
	for i, v := range views {
		dtos[i] = AdminCustomerDTO{
			CustomerDTO:      toCustomerDTO(v.Customer),
			AvailableRewards: toRewardDTOs(v.AvailableRewards),
			NextReward:       toNextRewardDTO(v.NextReward, policy),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListTransactions returns the newest ledger entries across customers.
// GET /api/admin/transactions?limit=500
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	limit := DefaultTransactionLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > maxTransactionLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxTransactionLimit), err)
			return
		}
		limit = n
	}

	txs, err := h.Engine.RecentTransactions(r.Context(), limit)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	// Names are a convenience for the admin table; a failed lookup leaves
	// them blank rather than failing the list.
	names := make(map[ledger.CustomerID]string)
	if views, err := h.Engine.ListCustomers(r.Context()); err == nil {
		for _, v := range views {
			names[v.Customer.ID] = v.Customer.Name
		}
	} else {
		h.Logger.Warn("failed to load customer names", zap.Error(err))
	}

	dtos := toTransactionDTOs(txs)
	for i := range dtos {
		dtos[i].CustomerName = names[txs[i].CustomerID]
	}
	writeJSON(w, http.StatusOK, dtos)
}

// AuditCustomer replays a customer's ledger against its counters.
// GET /api/admin/customers/{id}/audit
func (h *Handler) AuditCustomer(w http.ResponseWriter, r *http.Request) {
	id := ledger.CustomerID(chi.URLParam(r, "id"))

	report, err := h.Engine.Audit(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTO(report))
}

// AddPunch records a purchase.
// POST /api/admin/add-punch
func (h *Handler) AddPunch(w http.ResponseWriter, r *http.Request) {
	var req AddPunchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.CustomerID == "" {
		writeError(w, http.StatusBadRequest, "customer_id is required", nil)
		return
	}
	if req.Amount == nil {
		writeError(w, http.StatusBadRequest, "amount is required", nil)
		return
	}

	res, err := h.Engine.AddPunch(r.Context(), ledger.CustomerID(req.CustomerID), *req.Amount, actorFrom(r.Context()))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	policy := h.Engine.Policy()
	writeJSON(w, http.StatusOK, AddPunchResponse{
		Customer:         toCustomerDTO(res.Customer),
		Transaction:      toTransactionDTO(res.Transaction),
		PunchesAdded:     res.PunchesAdded,
		AvailableRewards: toRewardDTOs(policy.EligibleTiers(res.Customer.Punches)),
		NextReward:       toNextRewardDTO(policy.NextReward(res.Customer.Punches), policy),
	})
}

// RedeemReward spends punches on a tier.
// POST /api/admin/redeem-reward
func (h *Handler) RedeemReward(w http.ResponseWriter, r *http.Request) {
	var req RedeemRewardRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.CustomerID == "" {
		writeError(w, http.StatusBadRequest, "customer_id is required", nil)
		return
	}

	res, err := h.Engine.Redeem(r.Context(), ledger.CustomerID(req.CustomerID), req.Tier, actorFrom(r.Context()))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	policy := h.Engine.Policy()
	writeJSON(w, http.StatusOK, RedeemRewardResponse{
		Customer:         toCustomerDTO(res.Customer),
		Transaction:      toTransactionDTO(res.Transaction),
		RewardRedeemed:   res.Reward,
		DiscountPercent:  res.Tier.DiscountPercent,
		PunchesUsed:      res.Tier.Cost(),
		AvailableRewards: toRewardDTOs(policy.EligibleTiers(res.Customer.Punches)),
		NextReward:       toNextRewardDTO(policy.NextReward(res.Customer.Punches), policy),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) toViewDTO(v ledger.CustomerView) CustomerViewDTO {
	return CustomerViewDTO{
		Customer:         toCustomerDTO(v.Customer),
		Transactions:     toTransactionDTOs(v.Transactions),
		AvailableRewards: toRewardDTOs(v.AvailableRewards),
		NextReward:       toNextRewardDTO(v.NextReward, h.Engine.Policy()),
	}
}

// statusFor maps ledger errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInvalidInput),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidTier):
		return http.StatusBadRequest
	case ledger.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrConflict),
		errors.Is(err, ledger.ErrAmbiguousIdentifier):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientPunches):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error(), Code: ledger.Code(err)}

	var (
		validation   *ledger.ValidationError
		conflict     *ledger.ConflictError
		insufficient *ledger.InsufficientPunchesError
	)
	switch {
	case errors.As(err, &validation):
		resp.Error = validation.Message
		resp.Details = map[string]string{"field": validation.Field}
	case errors.As(err, &conflict):
		resp.Details = map[string]string{"field": conflict.Field}
	case errors.As(err, &insufficient):
		resp.Details = map[string]int{"available": insufficient.Available, "required": insufficient.Required}
	}

	if ledger.IsRetryable(err) {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	switch status {
	case http.StatusServiceUnavailable:
		resp.Error = "service temporarily unavailable, please retry"
		h.Logger.Warn("store unavailable", zap.String("path", r.URL.Path), zap.Error(err))
	case http.StatusInternalServerError:
		resp.Error = "internal error"
		h.Logger.Error("unhandled error", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, resp)
}

// decodeJSON reads a bounded JSON body, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// clientKey identifies a login client for throttling. RealIP has already
// rewritten RemoteAddr from proxy headers.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
