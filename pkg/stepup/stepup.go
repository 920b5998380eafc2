// Package stepup is the human-approval handshake that gates high-risk
// executions. A challenge moves from pending to exactly one of approved,
// denied or expired; approval mints a short-lived token bound to one quote.
package stepup

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/hkdf"

	"github.com/howwee20/Bloom-sub001/pkg/store"
)

var (
	ErrChallengeNotFound   = errors.New("stepup: challenge not found")
	ErrChallengeNotPending = errors.New("stepup: challenge is not pending")
	ErrChallengeExpired    = errors.New("stepup: challenge expired")
	ErrInvalidCode         = errors.New("stepup: invalid code")
	ErrInvalidDecision     = errors.New("stepup: decision must be approve or deny")
	ErrTokenInvalid        = errors.New("stepup: token invalid")
)

// Status is a challenge's lifecycle state.
type Status string

const (
	Pending  Status = "pending"
	Approved Status = "approved"
	Denied   Status = "denied"
	Expired  Status = "expired"
)

// Decision is the human's answer.
type Decision string

const (
	Approve Decision = "approve"
	Deny    Decision = "deny"
)

// Challenge is a pending approval bound to a quote.
type Challenge struct {
	ChallengeID string    `json:"challenge_id"`
	QuoteID     string    `json:"quote_id"`
	AgentID     string    `json:"agent_id"`
	Status      Status    `json:"status"`
	Attempts    int       `json:"attempts"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
	// Code is only populated by Request, for out-of-band delivery to the approver.
	Code string `json:"code,omitempty"`
}

// Token authorizes Execute for exactly one quote.
type Token struct {
	Token       string    `json:"token"`
	TokenID     string    `json:"token_id"`
	QuoteID     string    `json:"quote_id"`
	ChallengeID string    `json:"challenge_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Claims are carried in the signed token.
type Claims struct {
	jwt.RegisteredClaims
	QuoteID     string `json:"quote_id"`
	ChallengeID string `json:"challenge_id"`
}

// Config tunes the machine.
type Config struct {
	Secret       []byte
	ChallengeTTL time.Duration
	TokenTTL     time.Duration
	MaxAttempts  int
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
}

// Machine runs challenges against the step_up tables.
type Machine struct {
	key          []byte
	challengeTTL time.Duration
	tokenTTL     time.Duration
	maxAttempts  int
	cost         int
	clock        func() time.Time
	logger       *slog.Logger
}

const issuer = "bloom/step-up"

// New creates a machine. The JWT key is derived from cfg.Secret with HKDF; an
// empty secret gets a random key, so tokens do not survive a restart.
func New(cfg Config) (*Machine, error) {
	logger := slog.Default().With("component", "stepup")
	secret := cfg.Secret
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("stepup: generate secret: %w", err)
		}
		logger.Warn("no step-up secret configured, using an ephemeral key")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte("bloom step-up token v1")), key); err != nil {
		return nil, fmt.Errorf("stepup: derive key: %w", err)
	}

	m := &Machine{
		key:          key,
		challengeTTL: cfg.ChallengeTTL,
		tokenTTL:     cfg.TokenTTL,
		maxAttempts:  cfg.MaxAttempts,
		cost:         cfg.BcryptCost,
		clock:        time.Now,
		logger:       logger,
	}
	if m.challengeTTL <= 0 {
		m.challengeTTL = 120 * time.Second
	}
	if m.tokenTTL <= 0 {
		m.tokenTTL = 60 * time.Second
	}
	if m.maxAttempts <= 0 {
		m.maxAttempts = 5
	}
	if m.cost == 0 {
		m.cost = bcrypt.DefaultCost
	}
	return m, nil
}

// WithClock overrides the clock for deterministic testing.
func (m *Machine) WithClock(clock func() time.Time) *Machine {
	m.clock = clock
	return m
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// Request opens a challenge for quoteID. The caller checks the quote exists.
func (m *Machine) Request(ctx context.Context, q store.Queryer, quoteID, agentID string) (*Challenge, error) {
	code, err := generateCode()
	if err != nil {
		return nil, fmt.Errorf("stepup: generate code: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), m.cost)
	if err != nil {
		return nil, fmt.Errorf("stepup: hash code: %w", err)
	}
	now := time.UnixMilli(m.clock().UTC().UnixMilli()).UTC()
	c := &Challenge{
		ChallengeID: uuid.NewString(),
		QuoteID:     quoteID,
		AgentID:     agentID,
		Status:      Pending,
		ExpiresAt:   now.Add(m.challengeTTL),
		CreatedAt:   now,
		Code:        code,
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO step_up_challenges (challenge_id, quote_id, agent_id, code_hash, status, attempts, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		c.ChallengeID, c.QuoteID, c.AgentID, string(hash), string(c.Status), c.ExpiresAt.UnixMilli(), c.CreatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("stepup: insert challenge: %w", err)
	}
	m.logger.InfoContext(ctx, "challenge opened", "challenge_id", c.ChallengeID, "quote_id", quoteID)
	return c, nil
}

// Get loads a challenge without its code.
func (m *Machine) Get(ctx context.Context, q store.Queryer, challengeID string) (*Challenge, string, error) {
	var (
		c                Challenge
		codeHash, status string
		expires, created int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT challenge_id, quote_id, agent_id, code_hash, status, attempts, expires_at, created_at
		 FROM step_up_challenges WHERE challenge_id = ?`, challengeID,
	).Scan(&c.ChallengeID, &c.QuoteID, &c.AgentID, &codeHash, &status, &c.Attempts, &expires, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrChallengeNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("stepup: get challenge: %w", err)
	}
	c.Status = Status(status)
	c.ExpiresAt = time.UnixMilli(expires).UTC()
	c.CreatedAt = time.UnixMilli(created).UTC()
	return &c, codeHash, nil
}

// Confirm resolves a pending challenge. A wrong code counts an attempt and
// denies the challenge once attempts run out. Approval mints a Token.
func (m *Machine) Confirm(ctx context.Context, q store.Queryer, challengeID, code string, decision Decision) (*Challenge, *Token, error) {
	if decision != Approve && decision != Deny {
		return nil, nil, ErrInvalidDecision
	}
	c, codeHash, err := m.Get(ctx, q, challengeID)
	if err != nil {
		return nil, nil, err
	}
	if c.Status != Pending {
		return c, nil, fmt.Errorf("%w: %s", ErrChallengeNotPending, c.Status)
	}

	now := m.clock().UTC()
	if !now.Before(c.ExpiresAt) {
		if err := m.resolve(ctx, q, c, Expired, now); err != nil {
			return nil, nil, err
		}
		return c, nil, ErrChallengeExpired
	}

	if bcrypt.CompareHashAndPassword([]byte(codeHash), []byte(code)) != nil {
		c.Attempts++
		if _, err := q.ExecContext(ctx,
			`UPDATE step_up_challenges SET attempts = attempts + 1 WHERE challenge_id = ? AND status = ?`,
			c.ChallengeID, string(Pending)); err != nil {
			return nil, nil, fmt.Errorf("stepup: count attempt: %w", err)
		}
		if c.Attempts >= m.maxAttempts {
			if err := m.resolve(ctx, q, c, Denied, now); err != nil {
				return nil, nil, err
			}
		}
		return c, nil, ErrInvalidCode
	}

	if decision == Deny {
		if err := m.resolve(ctx, q, c, Denied, now); err != nil {
			return nil, nil, err
		}
		return c, nil, nil
	}

	if err := m.resolve(ctx, q, c, Approved, now); err != nil {
		return nil, nil, err
	}
	tok, err := m.mint(ctx, q, c, now)
	if err != nil {
		return nil, nil, err
	}
	return c, tok, nil
}

// resolve is a compare-and-set from pending.
func (m *Machine) resolve(ctx context.Context, q store.Queryer, c *Challenge, to Status, now time.Time) error {
	res, err := q.ExecContext(ctx,
		`UPDATE step_up_challenges SET status = ?, resolved_at = ? WHERE challenge_id = ? AND status = ?`,
		string(to), now.UnixMilli(), c.ChallengeID, string(Pending))
	if err != nil {
		return fmt.Errorf("stepup: resolve: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("stepup: resolve: %w", err)
	}
	if n == 0 {
		return ErrChallengeNotPending
	}
	c.Status = to
	return nil
}

func (m *Machine) mint(ctx context.Context, q store.Queryer, c *Challenge, now time.Time) (*Token, error) {
	expires := now.Add(m.tokenTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   c.AgentID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		QuoteID:     c.QuoteID,
		ChallengeID: c.ChallengeID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
	if err != nil {
		return nil, fmt.Errorf("stepup: sign token: %w", err)
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO step_up_tokens (token_id, challenge_id, quote_id, expires_at, created_at) VALUES (?, ?, ?, ?, ?)`,
		claims.ID, c.ChallengeID, c.QuoteID, expires.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("stepup: insert token: %w", err)
	}
	return &Token{
		Token:       signed,
		TokenID:     claims.ID,
		QuoteID:     c.QuoteID,
		ChallengeID: c.ChallengeID,
		ExpiresAt:   expires,
	}, nil
}

// Validate checks signature, expiry, quote binding and that the token was
// minted by this store.
func (m *Machine) Validate(ctx context.Context, q store.Queryer, token, quoteID string) (*Claims, error) {
	if token == "" {
		return nil, ErrTokenInvalid
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return m.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.clock),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.QuoteID != quoteID {
		return nil, fmt.Errorf("%w: bound to a different quote", ErrTokenInvalid)
	}

	var stored string
	err = q.QueryRowContext(ctx, `SELECT quote_id FROM step_up_tokens WHERE token_id = ?`, claims.ID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && stored != quoteID) {
		return nil, fmt.Errorf("%w: unknown token", ErrTokenInvalid)
	}
	if err != nil {
		return nil, fmt.Errorf("stepup: lookup token: %w", err)
	}
	return claims, nil
}
