package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestValidateAcceptsWellFormedToken(t *testing.T) {
	v := NewValidator("secret")
	claims := Claims{
		Payload: Payload{AppID: "app1"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	id, err := v.Validate(sign(t, "secret", claims))
	require.NoError(t, err)
	assert.Equal(t, "user1", id.UserID)
	assert.Equal(t, "app1", id.AppID)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	v := NewValidator("secret")
	claims := Claims{
		Payload: Payload{AppID: "app1"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	_, err := v.Validate(sign(t, "secret", claims))
	assert.Error(t, err)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	v := NewValidator("secret")
	claims := Claims{
		Payload:          Payload{AppID: "app1"},
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}
	_, err := v.Validate(sign(t, "wrong-secret", claims))
	assert.Error(t, err)
}

func TestValidateRejectsMissingAppID(t *testing.T) {
	v := NewValidator("secret")
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}
	_, err := v.Validate(sign(t, "secret", claims))
	assert.Error(t, err)
}

func TestValidateRejectsEmptyToken(t *testing.T) {
	v := NewValidator("secret")
	_, err := v.Validate("")
	assert.Error(t, err)
}
