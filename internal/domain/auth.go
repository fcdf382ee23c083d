package domain

import "context"

// Authenticator validates a caller credential for a tenant.
// Implementations return ErrUnauthorized (possibly wrapped) on rejection.
type Authenticator interface {
	Authenticate(ctx context.Context, tenantID, credential string) error
}
