// Package authsession mints and verifies short-lived bearer sessions that
// stand in for an agent's raw API key on repeat calls, so an SDK that has
// already authenticated once doesn't need to keep the long-lived key in
// memory for the life of a process.
package authsession

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/agentfabric/agentfabric/internal/apierr"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// claims carries the agent id and a per-mint nonce. The nonce's bcrypt hash
// is kept server-side so a session can be revoked (or silently superseded by
// a fresh Mint) without waiting for the JWT's own expiry.
type claims struct {
	AgentID string `json:"agent_id"`
	Nonce   string `json:"nonce"`
	jwt.RegisteredClaims
}

// Issuer mints and verifies bearer sessions for one signing domain.
type Issuer struct {
	signingKey []byte
	ttl        time.Duration

	mu     sync.Mutex
	hashes map[string]string // agent_id -> bcrypt hash of its current nonce
}

// NewIssuer builds an Issuer. signingKey is the HMAC secret sessions are
// signed with; ttl bounds how long a minted token is accepted.
func NewIssuer(signingKey []byte, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Issuer{
		signingKey: signingKey,
		ttl:        ttl,
		hashes:     make(map[string]string),
	}
}

// Mint issues a fresh bearer token for agentID, invalidating any session
// minted for it earlier.
func (i *Issuer) Mint(agentID string) (token string, expiresAt time.Time, err error) {
	nonce, err := randomNonce()
	if err != nil {
		return "", time.Time{}, apierr.Internal("generating session nonce: %v", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(nonce), bcrypt.DefaultCost)
	if err != nil {
		return "", time.Time{}, apierr.Internal("hashing session nonce: %v", err)
	}

	now := time.Now().UTC()
	exp := now.Add(i.ttl)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		AgentID: agentID,
		Nonce:   nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	signed, err := tok.SignedString(i.signingKey)
	if err != nil {
		return "", time.Time{}, apierr.Internal("signing session token: %v", err)
	}

	i.mu.Lock()
	i.hashes[agentID] = string(hash)
	i.mu.Unlock()

	return signed, exp, nil
}

// Verify validates a bearer token's signature, expiry, and nonce, returning
// the agent id it was minted for.
func (i *Issuer) Verify(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return i.signingKey, nil
	})
	if err != nil || !parsed.Valid {
		return "", apierr.Unauthorized("invalid or expired session token")
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || c.AgentID == "" {
		return "", apierr.Unauthorized("invalid session token claims")
	}

	i.mu.Lock()
	hash, ok := i.hashes[c.AgentID]
	i.mu.Unlock()
	if !ok {
		return "", apierr.Unauthorized("session has been revoked")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(c.Nonce)); err != nil {
		return "", apierr.Unauthorized("session has been superseded")
	}
	return c.AgentID, nil
}

// Revoke invalidates every session previously minted for agentID.
func (i *Issuer) Revoke(agentID string) {
	i.mu.Lock()
	delete(i.hashes, agentID)
	i.mu.Unlock()
}

func randomNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// LooksLikeJWT reports whether token has the three dot-separated segments a
// JWT carries, distinguishing it from a raw sk_live_/sk_test_ API key.
func LooksLikeJWT(token string) bool {
	dots := 0
	for _, r := range token {
		if r == '.' {
			dots++
		}
	}
	return dots == 2
}
