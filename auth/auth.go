/*
Package auth guards the admin surface of the punch ledger.

PURPOSE:
  Staff unlock the admin screens with a shared PIN. A correct PIN yields a
  short-lived signed session token (HS256 JWT) that every admin request
  carries as "Authorization: Bearer <token>". The token subject becomes the
  actor recorded on ledger transactions.

PIN STORAGE:
  The PIN is held only as a bcrypt hash. A plain PIN in configuration is
  hashed once at startup.

THROTTLING:
  Failed logins are counted per client key (remote address) in a Limiter.
  Once MaxAttempts failures land inside Window, further logins from that key
  fail with ErrTooManyAttempts until the window expires, even with the
  right PIN.

SEE ALSO:
  - limiter.go: In-memory and Redis attempt counters
  - api/middleware.go: Bearer token middleware
*/
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidPIN is returned when the PIN does not match.
	ErrInvalidPIN = errors.New("invalid PIN")

	// ErrTooManyAttempts is returned while a client is locked out.
	ErrTooManyAttempts = errors.New("too many failed attempts")

	// ErrInvalidToken indicates a token is malformed or fails validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrExpiredToken indicates a token has expired.
	ErrExpiredToken = errors.New("token expired")
)

const (
	DefaultTokenTTL    = 12 * time.Hour
	DefaultMaxAttempts = 5
	DefaultWindow      = 15 * time.Minute

	// AdminSubject is the principal name issued to PIN holders.
	AdminSubject = "admin"

	issuer = "punch-ledger"
)

// HashPIN hashes a plaintext PIN with bcrypt at the given cost.
// A cost of 0 selects bcrypt.DefaultCost.
func HashPIN(pin string, cost int) (string, error) {
	if pin == "" {
		return "", errors.New("PIN must not be empty")
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Claims are the JWT claims of an admin session.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Session is a successful login.
type Session struct {
	Token     string
	Subject   string
	ExpiresAt time.Time
}

// Config configures an Authenticator.
type Config struct {
	PINHash     string
	Secret      []byte
	TokenTTL    time.Duration
	MaxAttempts int
	Window      time.Duration
}

// Authenticator checks PINs and issues and verifies session tokens.
type Authenticator struct {
	cfg     Config
	limiter Limiter
	logger  *zap.Logger
	now     func() time.Time
}

// New validates cfg and returns an Authenticator. A nil limiter selects an
// in-memory one.
func New(cfg Config, limiter Limiter, logger *zap.Logger) (*Authenticator, error) {
	if cfg.PINHash == "" {
		return nil, errors.New("auth: PIN hash is required")
	}
	if _, err := bcrypt.Cost([]byte(cfg.PINHash)); err != nil {
		return nil, fmt.Errorf("auth: PIN hash is not a bcrypt hash: %w", err)
	}
	if len(cfg.Secret) == 0 {
		return nil, errors.New("auth: token secret is required")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if limiter == nil {
		limiter = NewMemoryLimiter()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{cfg: cfg, limiter: limiter, logger: logger, now: time.Now}, nil
}

// Window is how long a locked out client waits.
func (a *Authenticator) Window() time.Duration { return a.cfg.Window }

// Login checks pin for client and returns a signed session.
func (a *Authenticator) Login(ctx context.Context, pin, client string) (Session, error) {
	failures, err := a.limiter.Failures(ctx, client)
	if err != nil {
		return Session{}, fmt.Errorf("auth: read attempts: %w", err)
	}
	if failures >= a.cfg.MaxAttempts {
		a.logger.Warn("admin login locked out", zap.String("client", client), zap.Int("failures", failures))
		return Session{}, ErrTooManyAttempts
	}

	if bcrypt.CompareHashAndPassword([]byte(a.cfg.PINHash), []byte(pin)) != nil {
		n, err := a.limiter.Fail(ctx, client, a.cfg.Window)
		if err != nil {
			return Session{}, fmt.Errorf("auth: record attempt: %w", err)
		}
		a.logger.Warn("admin login failed", zap.String("client", client), zap.Int("failures", n))
		return Session{}, ErrInvalidPIN
	}

	if err := a.limiter.Reset(ctx, client); err != nil {
		a.logger.Warn("failed to reset login attempts", zap.String("client", client), zap.Error(err))
	}

	now := a.now().UTC()
	expires := now.Add(a.cfg.TokenTTL)
	claims := Claims{
		Role: AdminSubject,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   AdminSubject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.cfg.Secret)
	if err != nil {
		return Session{}, fmt.Errorf("auth: sign token: %w", err)
	}

	a.logger.Info("admin login", zap.String("client", client))
	return Session{Token: token, Subject: AdminSubject, ExpiresAt: expires}, nil
}

// Verify validates a session token and returns its claims.
func (a *Authenticator) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return a.cfg.Secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(a.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Role != AdminSubject {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
