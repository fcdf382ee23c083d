package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

const issuer = "sessiongate"

// Claims are the token claims. Tenant falls back to the subject when empty.
type Claims struct {
	Tenant string `json:"tenant,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) tenant() string {
	if c.Tenant != "" {
		return c.Tenant
	}
	return c.Subject
}

// JWT accepts HS256 tokens bound to a tenant.
type JWT struct {
	secret []byte
	clock  clockwork.Clock
	parser *jwt.Parser
}

func NewJWT(secret string, clock clockwork.Clock) *JWT {
	return &JWT{
		secret: []byte(secret),
		clock:  clock,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(clock.Now),
		),
	}
}

// Issue mints a token for tenantID valid for ttl.
func (j *JWT) Issue(tenantID string, ttl time.Duration) (string, error) {
	now := j.clock.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Tenant: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   tenantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := token.SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (j *JWT) Authenticate(_ context.Context, tenantID, credential string) error {
	if credential == "" {
		return unauthorized("missing credential")
	}

	claims := &Claims{}
	_, err := j.parser.ParseWithClaims(credential, claims, func(*jwt.Token) (any, error) {
		return j.secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return unauthorized("token expired")
	case err != nil:
		return unauthorized("invalid token")
	}

	if claims.tenant() != tenantID {
		return unauthorized("token issued for another tenant")
	}
	return nil
}
