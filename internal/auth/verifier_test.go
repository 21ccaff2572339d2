package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestVerifyValidToken(t *testing.T) {
	v := NewJWTVerifier("s3cret")
	token := signToken(t, "s3cret", jwt.MapClaims{
		"sub":   "user-42",
		"name":  "Amara Okafor",
		"email": "amara@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	ident, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", ident.UserID)
	assert.Equal(t, "Amara Okafor", ident.Name)
	assert.Equal(t, "amara@example.com", ident.Email)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	v := NewJWTVerifier("right")
	token := signToken(t, "wrong", jwt.MapClaims{"sub": "user-42"})

	_, err := v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	v := NewJWTVerifier("s3cret")
	token := signToken(t, "s3cret", jwt.MapClaims{
		"sub": "user-42",
		"exp": time.Now().Add(-time.Minute).Unix(),
	})

	_, err := v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsMissingSubject(t *testing.T) {
	v := NewJWTVerifier("s3cret")
	token := signToken(t, "s3cret", jwt.MapClaims{"name": "nobody"})

	_, err := v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsEmptyAndGarbageTokens(t *testing.T) {
	v := NewJWTVerifier("s3cret")

	_, err := v.Verify("")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Verify("not.a.jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseOnlyModeSkipsSignatureCheck(t *testing.T) {
	v := NewJWTVerifier("")
	token := signToken(t, "whatever", jwt.MapClaims{"sub": "user-7"})

	ident, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-7", ident.UserID)
	assert.Equal(t, "user-7", ident.Name, "name falls back to the subject")
}
