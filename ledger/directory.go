/*
directory.go - Customer identity: lookup and signup

PURPOSE:
  Resolves a phone number or email typed at the counter to exactly one
  customer, and creates customers with unique contact details.

NORMALIZATION:
  - All fields are trimmed
  - Emails are lowercased on signup and on lookup, so matching is
    case-insensitive
  - Phones are compared exactly after trimming

UNIQUENESS:
  Signup does not pre-check; the store's unique constraints on phone and
  email are the single source of truth, so two concurrent signups with the
  same contact cannot both succeed.
*/
package ledger

import (
	"context"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// SignupRequest carries the fields of a new customer.
type SignupRequest struct {
	Name  string
	Phone string
	Email string
}

// NormalizePhone trims a phone number.
func NormalizePhone(phone string) string {
	return strings.TrimSpace(phone)
}

// NormalizeEmail trims and lowercases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (r SignupRequest) normalize() SignupRequest {
	return SignupRequest{
		Name:  strings.TrimSpace(r.Name),
		Phone: NormalizePhone(r.Phone),
		Email: NormalizeEmail(r.Email),
	}
}

// Validate reports the first invalid field of a normalized request.
func (r SignupRequest) Validate() error {
	if r.Name == "" {
		return invalidInput("name", "name is required")
	}
	if r.Phone == "" && r.Email == "" {
		return invalidInput("phone", "phone or email is required")
	}
	if r.Email != "" {
		addr, err := mail.ParseAddress(r.Email)
		if err != nil || addr.Address != r.Email {
			return invalidInput("email", "email address is not valid")
		}
	}
	return nil
}

// Signup creates a customer with zero punches and zero spend.
func (e *Engine) Signup(ctx context.Context, req SignupRequest) (Customer, error) {
	ctx, finish := e.begin(ctx, "Signup")

	req = req.normalize()
	if err := req.Validate(); err != nil {
		return Customer{}, finish(err)
	}

	now := e.now().UTC()
	c := Customer{
		ID:         CustomerID(uuid.NewString()),
		Name:       req.Name,
		Phone:      req.Phone,
		Email:      req.Email,
		Punches:    0,
		TotalSpent: decimal.Zero,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.CreateCustomer(ctx, c); err != nil {
		return Customer{}, finish(e.storeErr("Signup", err))
	}

	e.metrics.Signups.Inc()
	e.logger.Info("customer created", zap.String("customer_id", string(c.ID)))
	return c, finish(nil)
}

// Lookup resolves a phone number or email to a single customer.
func (e *Engine) Lookup(ctx context.Context, identifier string) (Customer, error) {
	phone := NormalizePhone(identifier)
	email := NormalizeEmail(identifier)
	ctx, finish := e.begin(ctx, "Lookup", attribute.Bool("lookup.email", strings.Contains(email, "@")))

	if phone == "" {
		return Customer{}, finish(invalidInput("identifier", "identifier is required"))
	}

	matches, err := e.store.FindCustomers(ctx, phone, email)
	if err != nil {
		return Customer{}, finish(e.storeErr("Lookup", err))
	}

	switch distinct := dedupe(matches); len(distinct) {
	case 0:
		return Customer{}, finish(ErrNotFound)
	case 1:
		return distinct[0], finish(nil)
	default:
		e.logger.Warn("identifier matched several customers", zap.Int("matches", len(distinct)))
		return Customer{}, finish(ErrAmbiguousIdentifier)
	}
}

func dedupe(customers []Customer) []Customer {
	seen := make(map[CustomerID]bool, len(customers))
	out := customers[:0:0]
	for _, c := range customers {
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		out = append(out, c)
	}
	return out
}
