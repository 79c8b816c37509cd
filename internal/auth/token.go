// Package auth validates the app-scoped bearer JWT carried on the WebSocket
// upgrade URL. Issuance of these tokens belongs to the out-of-scope REST
// surface (see SPEC_FULL.md §1); this package only verifies.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/shallabuf/collabd/internal/errors"
)

// Payload is the app-scoped portion of the token's claims.
type Payload struct {
	AppID  string `json:"appId"`
	Custom any    `json:"custom,omitempty"`
}

// Claims is the full claim set carried by a collaboration-core bearer
// token: standard subject/expiry plus the app-scoped payload.
type Claims struct {
	Payload Payload `json:"payload"`
	jwt.RegisteredClaims
}

// Identity is what the Token Validator hands back on success.
type Identity struct {
	UserID string
	AppID  string
}

// Validator verifies HMAC-signed bearer tokens. The HMAC secret is its only
// tunable, per SPEC_FULL.md §4.1.
type Validator struct {
	secret []byte
}

func NewValidator(secret string) *Validator {
	return &Validator{secret: []byte(secret)}
}

// Validate parses and verifies token, rejecting missing signatures, wrong
// algorithms, expired tokens, and tokens missing either user_id or app_id.
func (v *Validator) Validate(token string) (Identity, error) {
	if token == "" {
		return Identity{}, apperrors.TokenMissing()
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Method.Alg())
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, apperrors.TokenExpired()
		}
		return Identity{}, apperrors.TokenInvalid(err)
	}
	if !parsed.Valid {
		return Identity{}, apperrors.TokenInvalid(fmt.Errorf("token failed validation"))
	}

	userID := claims.Subject
	appID := claims.Payload.AppID
	if userID == "" || appID == "" {
		return Identity{}, apperrors.TokenInvalid(fmt.Errorf("token missing user_id or app_id"))
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Time.Before(time.Now()) {
		return Identity{}, apperrors.TokenExpired()
	}

	return Identity{UserID: userID, AppID: appID}, nil
}
