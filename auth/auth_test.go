package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestAuthenticator(t *testing.T, maxAttempts int) *Authenticator {
	hash, err := HashPIN("1234", bcrypt.MinCost)
	require.NoError(t, err)

	a, err := New(Config{
		PINHash:     hash,
		Secret:      []byte("test-secret"),
		TokenTTL:    time.Hour,
		MaxAttempts: maxAttempts,
		Window:      time.Minute,
	}, nil, nil)
	require.NoError(t, err)
	return a
}

func TestLogin_CorrectPIN_IssuesVerifiableToken(t *testing.T) {
	a := newTestAuthenticator(t, 3)

	session, err := a.Login(context.Background(), "1234", "10.0.0.1")
	require.NoError(t, err)
	assert.NotEmpty(t, session.Token)
	assert.Equal(t, AdminSubject, session.Subject)

	claims, err := a.Verify(session.Token)
	require.NoError(t, err)
	assert.Equal(t, AdminSubject, claims.Subject)
}

func TestLogin_WrongPIN(t *testing.T) {
	a := newTestAuthenticator(t, 3)

	_, err := a.Login(context.Background(), "0000", "10.0.0.1")
	assert.ErrorIs(t, err, ErrInvalidPIN)
}

func TestLogin_LockoutAfterMaxAttempts(t *testing.T) {
	// GIVEN: Three failed attempts from one client
	// WHEN: The right PIN is sent from that client
	// THEN: It is still refused until the window passes; other clients are unaffected
	a := newTestAuthenticator(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := a.Login(ctx, "9999", "10.0.0.1")
		require.ErrorIs(t, err, ErrInvalidPIN)
	}

	_, err := a.Login(ctx, "1234", "10.0.0.1")
	assert.ErrorIs(t, err, ErrTooManyAttempts)

	_, err = a.Login(ctx, "1234", "10.0.0.2")
	assert.NoError(t, err)

	later := time.Now().Add(2 * time.Minute)
	a.limiter.(*MemoryLimiter).now = func() time.Time { return later }
	_, err = a.Login(ctx, "1234", "10.0.0.1")
	assert.NoError(t, err)
}

func TestLogin_SuccessResetsFailures(t *testing.T) {
	a := newTestAuthenticator(t, 3)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _ = a.Login(ctx, "9999", "c")
	}
	_, err := a.Login(ctx, "1234", "c")
	require.NoError(t, err)

	n, err := a.limiter.Failures(ctx, "c")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestVerify_Rejects(t *testing.T) {
	a := newTestAuthenticator(t, 3)
	session, err := a.Login(context.Background(), "1234", "c")
	require.NoError(t, err)

	t.Run("garbage", func(t *testing.T) {
		_, err := a.Verify("not-a-token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("other secret", func(t *testing.T) {
		other := newTestAuthenticator(t, 3)
		other.cfg.Secret = []byte("different")
		_, err := other.Verify(session.Token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		a.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
		defer func() { a.now = time.Now }()
		_, err := a.Verify(session.Token)
		assert.ErrorIs(t, err, ErrExpiredToken)
	})
}

func TestNew_RequiresBcryptHash(t *testing.T) {
	_, err := New(Config{PINHash: "1234", Secret: []byte("s")}, nil, nil)
	assert.Error(t, err)

	_, err = New(Config{PINHash: "", Secret: []byte("s")}, nil, nil)
	assert.Error(t, err)
}
