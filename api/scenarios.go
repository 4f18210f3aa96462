/*
scenarios.go - Demo data loaders for testing and demonstrations

PURPOSE:

	Populates the ledger with realistic customers and purchase histories so
	the admin UI has something to show. Every entry goes through the engine,
	so seeded data obeys the same rules (minimum purchase, tier costs) and
	shows up in audits like any other.

AVAILABLE SCENARIOS:

	walk-ins:        Three new customers, no purchases yet
	regulars:        Customers a few punches short of each tier
	top-tier:        Earned past the highest tier, one redemption on file

HOW SCENARIOS WORK:
 1. Sign up each customer (existing phone/email: customer is skipped)
 2. Record purchases in order
 3. Optionally redeem a tier

USAGE VIA API (admin token, server.enable_scenarios):

	GET  /api/admin/scenarios
	POST /api/admin/scenarios/load
	{"scenario_id": "regulars"}

NOTE:

	The ledger is append-only, so there is no reset. Loading the same
	scenario twice skips the customers it already created.

SEE ALSO:
  - handlers.go: Handler and error mapping
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/warp/punch-ledger/ledger"
	"go.uber.org/zap"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type seedCustomer struct {
	Name      string
	Phone     string
	Email     string
	Purchases []string // amounts, oldest first
	Redeem    []int    // tiers redeemed after the purchases
}

type scenario struct {
	ScenarioDTO
	Customers []seedCustomer
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "walk-ins",
			Name:        "Walk-ins",
			Description: "Three new customers with no purchases",
		},
		Customers: []seedCustomer{
			{Name: "Alice Johnson", Phone: "555-0101"},
			{Name: "Bob Smith", Email: "bob@example.com"},
			{Name: "Carol White", Phone: "555-0103", Email: "carol@example.com"},
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "regulars",
			Name:        "Regulars",
			Description: "Customers one visit away from each reward tier",
		},
		Customers: []seedCustomer{
			{Name: "Dana Lee", Phone: "555-0201", Purchases: []string{"42.50", "31.00", "18.75"}},
			{Name: "Evan Park", Phone: "555-0202", Purchases: []string{"64.00", "55.20", "24.99"}},
			{Name: "Fay Moore", Email: "fay@example.com", Purchases: []string{"120.00", "45.00", "25.10"}},
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "top-tier",
			Name:        "Top Tier",
			Description: "Earned past the highest tier, then redeemed the first reward",
		},
		Customers: []seedCustomer{
			{
				Name:      "Gus Hall",
				Phone:     "555-0301",
				Purchases: []string{"88.00", "64.40", "112.35", "49.99"},
				Redeem:    []int{10},
			},
		},
	},
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
// GET /api/admin/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// LoadScenario seeds a predefined scenario.
// POST /api/admin/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.scenarioMu.Lock()
	defer h.scenarioMu.Unlock()

	result, err := h.loadScenario(r.Context(), s, actorFrom(r.Context()))
	if err != nil {
		h.writeLedgerError(w, r, fmt.Errorf("load scenario %s: %w", s.ID, err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// LOADER
// =============================================================================

func (h *Handler) loadScenario(ctx context.Context, s scenario, actor string) (LoadScenarioResponse, error) {
	result := LoadScenarioResponse{Status: "loaded", Scenario: s.ID}

	for _, seed := range s.Customers {
		c, err := h.Engine.Signup(ctx, ledger.SignupRequest{Name: seed.Name, Phone: seed.Phone, Email: seed.Email})
		if errors.Is(err, ledger.ErrConflict) {
			result.Skipped++
			continue
		}
		if err != nil {
			return result, err
		}
		result.Created++

		for _, amount := range seed.Purchases {
			if _, err := h.Engine.AddPunch(ctx, c.ID, decimal.RequireFromString(amount), actor); err != nil {
				return result, err
			}
			result.Transactions++
		}
		for _, tier := range seed.Redeem {
			if _, err := h.Engine.Redeem(ctx, c.ID, tier, actor); err != nil {
				return result, err
			}
			result.Transactions++
		}
	}

	h.Logger.Info("scenario loaded",
		zap.String("scenario", s.ID),
		zap.Int("created", result.Created),
		zap.Int("skipped", result.Skipped))
	return result, nil
}
