// Package auth implements the caller credential check for the gateway.
//
// Three modes are supported: a static shared key, a per-tenant key derived as
// hex(HMAC-SHA256(secret, tenantID)), and HS256 JWTs whose tenant claim must
// match the tenant in the request.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/sessiongate/internal/domain"
	"github.com/pscheid92/sessiongate/internal/platform/config"
)

// New returns the authenticator for mode.
func New(mode, secret string, clock clockwork.Clock) (domain.Authenticator, error) {
	switch mode {
	case config.AuthModeStatic:
		return NewStatic(secret), nil
	case config.AuthModeHMAC:
		return NewHMAC(secret), nil
	case config.AuthModeJWT:
		return NewJWT(secret, clock), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", mode)
	}
}

func unauthorized(reason string) error {
	return fmt.Errorf("%w: %s", domain.ErrUnauthorized, reason)
}

// Static accepts one shared key for every tenant.
type Static struct {
	key []byte
}

func NewStatic(key string) *Static {
	return &Static{key: []byte(key)}
}

func (s *Static) Authenticate(_ context.Context, _ string, credential string) error {
	if credential == "" {
		return unauthorized("missing credential")
	}
	if subtle.ConstantTimeCompare([]byte(credential), s.key) != 1 {
		return unauthorized("invalid credential")
	}
	return nil
}

// HMAC accepts a per-tenant key derived from a server secret.
type HMAC struct {
	secret []byte
}

func NewHMAC(secret string) *HMAC {
	return &HMAC{secret: []byte(secret)}
}

// Sign returns the key a tenant must present.
func (h *HMAC) Sign(tenantID string) string {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(tenantID))
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *HMAC) Authenticate(_ context.Context, tenantID, credential string) error {
	if credential == "" {
		return unauthorized("missing credential")
	}
	got, err := hex.DecodeString(credential)
	if err != nil {
		return unauthorized("malformed credential")
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(tenantID))
	if !hmac.Equal(got, mac.Sum(nil)) {
		return unauthorized("invalid credential")
	}
	return nil
}
