package domain

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound           = errors.New("session not found")
	ErrTenantAlreadyActive       = errors.New("tenant already has an active session")
	ErrSessionNotReady           = errors.New("session is not authenticated")
	ErrSessionClosed             = errors.New("session is closed")
	ErrLoginArtifactNotAvailable = errors.New("login artifact not available")
	ErrAlreadyExists             = errors.New("session handle already registered")
	ErrRegistryFull              = errors.New("session registry is full")
	ErrUnauthorized              = errors.New("unauthorized")
	ErrTransport                 = errors.New("transport failure")
)

// SessionExistsError is returned by SessionStore.Create when the tenant already
// holds an open record. Record is the record that blocked the insert.
type SessionExistsError struct {
	Record *SessionRecord
}

func (e *SessionExistsError) Error() string {
	return fmt.Sprintf("tenant %q already has open session %s", e.Record.TenantID, e.Record.SessionID)
}
