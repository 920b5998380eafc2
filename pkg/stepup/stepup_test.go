package stepup

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/howwee20/Bloom-sub001/pkg/store"
	"github.com/howwee20/Bloom-sub001/pkg/store/storetest"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newMachine(t *testing.T) (*Machine, *store.DB, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m, err := New(Config{
		Secret:       []byte("test-secret"),
		ChallengeTTL: 2 * time.Minute,
		TokenTTL:     time.Minute,
		MaxAttempts:  3,
		BcryptCost:   bcrypt.MinCost,
	})
	require.NoError(t, err)
	return m.WithClock(clk.Now), storetest.Open(t), clk
}

func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

func TestConfirm_ApproveMintsBoundToken(t *testing.T) {
	m, db, _ := newMachine(t)
	ctx := context.Background()

	c, err := m.Request(ctx, db, "quote_1", "agent_a")
	require.NoError(t, err)
	assert.Len(t, c.Code, 6)
	assert.Equal(t, Pending, c.Status)

	resolved, tok, err := m.Confirm(ctx, db, c.ChallengeID, c.Code, Approve)
	require.NoError(t, err)
	assert.Equal(t, Approved, resolved.Status)
	require.NotNil(t, tok)
	assert.Equal(t, "quote_1", tok.QuoteID)

	claims, err := m.Validate(ctx, db, tok.Token, "quote_1")
	require.NoError(t, err)
	assert.Equal(t, c.ChallengeID, claims.ChallengeID)
	assert.Equal(t, "agent_a", claims.Subject)

	_, err = m.Validate(ctx, db, tok.Token, "quote_2")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestConfirm_ResolvesOnlyOnce(t *testing.T) {
	m, db, _ := newMachine(t)
	ctx := context.Background()

	c, err := m.Request(ctx, db, "quote_1", "agent_a")
	require.NoError(t, err)
	_, _, err = m.Confirm(ctx, db, c.ChallengeID, c.Code, Deny)
	require.NoError(t, err)

	got, _, err := m.Confirm(ctx, db, c.ChallengeID, c.Code, Approve)
	assert.ErrorIs(t, err, ErrChallengeNotPending)
	assert.Equal(t, Denied, got.Status)
}

func TestConfirm_AttemptsExhaustDenies(t *testing.T) {
	m, db, _ := newMachine(t)
	ctx := context.Background()

	c, err := m.Request(ctx, db, "quote_1", "agent_a")
	require.NoError(t, err)
	bad := wrongCode(c.Code)

	for i := 0; i < 3; i++ {
		_, _, err = m.Confirm(ctx, db, c.ChallengeID, bad, Approve)
		assert.ErrorIs(t, err, ErrInvalidCode)
	}
	got, _, err := m.Get(ctx, db, c.ChallengeID)
	require.NoError(t, err)
	assert.Equal(t, Denied, got.Status)
	assert.Equal(t, 3, got.Attempts)

	_, _, err = m.Confirm(ctx, db, c.ChallengeID, c.Code, Approve)
	assert.ErrorIs(t, err, ErrChallengeNotPending)
}

func TestConfirm_ExpiredChallenge(t *testing.T) {
	m, db, clk := newMachine(t)
	ctx := context.Background()

	c, err := m.Request(ctx, db, "quote_1", "agent_a")
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)

	_, _, err = m.Confirm(ctx, db, c.ChallengeID, c.Code, Approve)
	assert.ErrorIs(t, err, ErrChallengeExpired)

	got, _, err := m.Get(ctx, db, c.ChallengeID)
	require.NoError(t, err)
	assert.Equal(t, Expired, got.Status)
}

func TestConfirm_UnknownChallengeAndDecision(t *testing.T) {
	m, db, _ := newMachine(t)
	ctx := context.Background()

	_, _, err := m.Confirm(ctx, db, "missing", "123456", Approve)
	assert.ErrorIs(t, err, ErrChallengeNotFound)

	_, _, err = m.Confirm(ctx, db, "missing", "123456", Decision("maybe"))
	assert.ErrorIs(t, err, ErrInvalidDecision)
}

func TestValidate_ExpiredToken(t *testing.T) {
	m, db, clk := newMachine(t)
	ctx := context.Background()

	c, err := m.Request(ctx, db, "quote_1", "agent_a")
	require.NoError(t, err)
	_, tok, err := m.Confirm(ctx, db, c.ChallengeID, c.Code, Approve)
	require.NoError(t, err)

	clk.Advance(61 * time.Second)
	_, err = m.Validate(ctx, db, tok.Token, "quote_1")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestValidate_RejectsForeignTokens(t *testing.T) {
	m, db, clk := newMachine(t)
	ctx := context.Background()

	_, err := m.Validate(ctx, db, "", "quote_1")
	assert.ErrorIs(t, err, ErrTokenInvalid)

	// Signed with another key.
	other, err := New(Config{Secret: []byte("other"), BcryptCost: bcrypt.MinCost})
	require.NoError(t, err)
	other.WithClock(clk.Now)
	c, err := other.Request(ctx, db, "quote_1", "agent_a")
	require.NoError(t, err)
	_, tok, err := other.Confirm(ctx, db, c.ChallengeID, c.Code, Approve)
	require.NoError(t, err)
	_, err = m.Validate(ctx, db, tok.Token, "quote_1")
	assert.ErrorIs(t, err, ErrTokenInvalid)

	// Correctly signed but never stored.
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "forged",
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(clk.Now().Add(time.Minute)),
		},
		QuoteID: "quote_1",
	}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
	require.NoError(t, err)
	_, err = m.Validate(ctx, db, forged, "quote_1")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}
