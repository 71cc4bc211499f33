// Package auth resolves bearer credentials to account ids. Token issuance
// (login, registration) lives outside this service; Issue exists for local
// tooling and tests.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/BearBump/TrackLive/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// Claims matches the tokens the account service hands out: the account id is
// carried in "id" (legacy) or "sub".
type Claims struct {
	ID string `json:"id,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) AccountID() string {
	if c.ID != "" {
		return c.ID
	}
	return c.Subject
}

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify returns the account id for a valid HS256 token, or ErrUnauthorized.
func (v *Verifier) Verify(token string) (string, error) {
	if token == "" {
		return "", errors.Wrap(models.ErrUnauthorized, "missing token")
	}
	if len(v.secret) == 0 {
		return "", errors.Wrap(models.ErrUnauthorized, "verifier has no secret")
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", errors.Wrap(models.ErrUnauthorized, err.Error())
	}

	accountID := claims.AccountID()
	if accountID == "" {
		return "", errors.Wrap(models.ErrUnauthorized, "token has no account id")
	}
	return accountID, nil
}

func (v *Verifier) Issue(accountID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		ID: accountID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  accountID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return s, nil
}

// BearerToken extracts the token from "Authorization: Bearer <token>".
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// CheckAdminKey compares in constant time; an empty expected key disables admin access.
func CheckAdminKey(expected, got string) error {
	if expected == "" || subtle.ConstantTimeCompare([]byte(expected), []byte(got)) != 1 {
		return errors.Wrap(models.ErrUnauthorized, "invalid admin key")
	}
	return nil
}
