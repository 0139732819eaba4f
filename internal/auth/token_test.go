// ABOUTME: Tests for agent token mint and verify round trips
// ABOUTME: Covers expiry, wrong secrets, wrong issuer, and missing claims

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintAndVerify(t *testing.T) {
	tokens := NewTokens([]byte("test-secret-at-least-32-bytes-long"))

	tok, err := tokens.Mint("agent-a", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, tok)

	agentID, err := tokens.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "agent-a", agentID)
}

func TestVerifyExpiredToken(t *testing.T) {
	tokens := NewTokens([]byte("test-secret-at-least-32-bytes-long"))

	tok, err := tokens.Mint("agent-a", -time.Minute)
	require.NoError(t, err)

	_, err = tokens.Verify(tok)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerifyWrongSecret(t *testing.T) {
	minter := NewTokens([]byte("secret-one-that-is-long-enough-ok"))
	verifier := NewTokens([]byte("secret-two-that-is-long-enough-ok"))

	tok, err := minter.Mint("agent-a", time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyGarbage(t *testing.T) {
	tokens := NewTokens([]byte("test-secret-at-least-32-bytes-long"))

	_, err := tokens.Verify("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyMissingSubject(t *testing.T) {
	secret := []byte("test-secret-at-least-32-bytes-long")
	tokens := NewTokens(secret)

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": "parley-hub",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)

	_, err = tokens.Verify(raw)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestVerifyWrongIssuer(t *testing.T) {
	secret := []byte("test-secret-at-least-32-bytes-long")
	tokens := NewTokens(secret)

	now := time.Now()
	claims := jwt.MapClaims{
		"sub": "agent-a",
		"iss": "someone-else",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)

	_, err = tokens.Verify(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
