/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Amounts are accepted as JSON numbers or strings ("25.00") and always
  returned as two-decimal strings, never floats.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/punch-ledger/ledger"
)

// =============================================================================
// REQUESTS
// =============================================================================

type SignupRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

type LookupRequest struct {
	Identifier string `json:"identifier"`
}

type LoginRequest struct {
	PIN string `json:"pin"`
}

type AddPunchRequest struct {
	CustomerID string           `json:"customer_id"`
	Amount     *decimal.Decimal `json:"amount"`
}

type RedeemRewardRequest struct {
	CustomerID string `json:"customer_id"`
	Tier       int    `json:"tier"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// CustomerDTO represents a customer in API responses.
type CustomerDTO struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Phone      string `json:"phone,omitempty"`
	Email      string `json:"email,omitempty"`
	Punches    int    `json:"punches"`
	TotalSpent string `json:"total_spent"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

// TransactionDTO represents a ledger entry.
type TransactionDTO struct {
	ID              string `json:"id"`
	CustomerID      string `json:"customer_id"`
	CustomerName    string `json:"customer_name,omitempty"`
	Kind            string `json:"kind"`
	Amount          string `json:"amount"`
	PunchesDelta    int    `json:"punches_delta"`
	RewardRedeemed  string `json:"reward_redeemed,omitempty"`
	DiscountPercent int    `json:"discount_percent,omitempty"`
	CreatedBy       string `json:"created_by,omitempty"`
	CreatedAt       string `json:"created_at"`
}

// RewardDTO is a tier the customer can redeem now.
type RewardDTO struct {
	Tier     int    `json:"tier"`
	Discount int    `json:"discount"`
	Label    string `json:"label"`
}

// NextRewardDTO is the next milestone. At the top tier PunchesNeeded is 0
// and MaxReached is set.
type NextRewardDTO struct {
	Tier          int    `json:"tier"`
	Discount      int    `json:"discount"`
	Label         string `json:"label"`
	PunchesNeeded int    `json:"punches_needed"`
	MaxReached    bool   `json:"max_reached,omitempty"`
}

// CustomerViewDTO is a customer with history and reward state.
type CustomerViewDTO struct {
	Customer         CustomerDTO      `json:"customer"`
	Transactions     []TransactionDTO `json:"transactions"`
	AvailableRewards []RewardDTO      `json:"available_rewards"`
	NextReward       NextRewardDTO    `json:"next_reward"`
}

// AdminCustomerDTO is one row of the admin customer list.
type AdminCustomerDTO struct {
	CustomerDTO
	AvailableRewards []RewardDTO   `json:"available_rewards"`
	NextReward       NextRewardDTO `json:"next_reward"`
}

type AddPunchResponse struct {
	Customer         CustomerDTO    `json:"customer"`
	Transaction      TransactionDTO `json:"transaction"`
	PunchesAdded     int            `json:"punches_added"`
	AvailableRewards []RewardDTO    `json:"available_rewards"`
	NextReward       NextRewardDTO  `json:"next_reward"`
}

type RedeemRewardResponse struct {
	Customer         CustomerDTO    `json:"customer"`
	Transaction      TransactionDTO `json:"transaction"`
	RewardRedeemed   string         `json:"reward_redeemed"`
	DiscountPercent  int            `json:"discount_percent"`
	PunchesUsed      int            `json:"punches_used"`
	AvailableRewards []RewardDTO    `json:"available_rewards"`
	NextReward       NextRewardDTO  `json:"next_reward"`
}

type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

type AuditDTO struct {
	CustomerID       string   `json:"customer_id"`
	Consistent       bool     `json:"consistent"`
	Punches          int      `json:"punches"`
	LedgerPunches    int      `json:"ledger_punches"`
	TotalSpent       string   `json:"total_spent"`
	LedgerTotalSpent string   `json:"ledger_total_spent"`
	Accruals         int      `json:"accruals"`
	Redemptions      int      `json:"redemptions"`
	Transactions     int      `json:"transactions"`
	Problems         []string `json:"problems"`
}

// ScenarioDTO describes a demo data set.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

type LoadScenarioResponse struct {
	Status       string `json:"status"`
	Scenario     string `json:"scenario"`
	Created      int    `json:"created"`
	Skipped      int    `json:"skipped"`
	Transactions int    `json:"transactions"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func toCustomerDTO(c ledger.Customer) CustomerDTO {
	return CustomerDTO{
		ID:         string(c.ID),
		Name:       c.Name,
		Phone:      c.Phone,
		Email:      c.Email,
		Punches:    c.Punches,
		TotalSpent: c.TotalSpent.StringFixed(2),
		CreatedAt:  formatTime(c.CreatedAt),
		UpdatedAt:  formatTime(c.UpdatedAt),
	}
}

func toTransactionDTO(t ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:              string(t.ID),
		CustomerID:      string(t.CustomerID),
		Kind:            string(t.Kind),
		Amount:          t.Amount.StringFixed(2),
		PunchesDelta:    t.PunchesDelta,
		RewardRedeemed:  t.RewardLabel,
		DiscountPercent: t.DiscountPercent,
		CreatedBy:       t.CreatedBy,
		CreatedAt:       formatTime(t.CreatedAt),
	}
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, t := range txs {
		dtos[i] = toTransactionDTO(t)
	}
	return dtos
}

func toRewardDTOs(rewards []ledger.Reward) []RewardDTO {
	dtos := make([]RewardDTO, len(rewards))
	for i, r := range rewards {
		dtos[i] = RewardDTO{Tier: r.Threshold, Discount: r.DiscountPercent, Label: r.Label()}
	}
	return dtos
}

func toNextRewardDTO(next ledger.NextReward, policy *ledger.RewardPolicy) NextRewardDTO {
	if next.MaxReached || next.Tier == nil {
		top := policy.MaxTier()
		return NextRewardDTO{Tier: top.Threshold, Discount: top.DiscountPercent, Label: top.Label(), MaxReached: true}
	}
	return NextRewardDTO{
		Tier:          next.Tier.Threshold,
		Discount:      next.Tier.DiscountPercent,
		Label:         next.Tier.Label(),
		PunchesNeeded: next.PunchesNeeded,
	}
}

func toAuditDTO(r ledger.AuditReport) AuditDTO {
	return AuditDTO{
		CustomerID:       string(r.CustomerID),
		Consistent:       r.Consistent,
		Punches:          r.Customer.Punches,
		LedgerPunches:    r.Ledger.Punches,
		TotalSpent:       r.Customer.TotalSpent.StringFixed(2),
		LedgerTotalSpent: r.Ledger.TotalSpent.StringFixed(2),
		Accruals:         r.Ledger.Accruals,
		Redemptions:      r.Ledger.Redemptions,
		Transactions:     r.Transactions,
		Problems:         r.Problems,
	}
}
