package domain

// State is the lifecycle state of a live session.
type State string

const (
	StatePending       State = "pending"
	StateAwaitingScan  State = "awaiting_scan"
	StateAuthenticated State = "authenticated"
	StateDisconnected  State = "disconnected"
	StateClosed        State = "closed"
)

// DisconnectReason is the reason reported by the transport when a session drops.
type DisconnectReason string

const (
	ReasonSession        DisconnectReason = "session"
	ReasonQR             DisconnectReason = "qr"
	ReasonAuthFailure    DisconnectReason = "auth_failure"
	ReasonConnectionLost DisconnectReason = "connection_lost"
	ReasonLogout         DisconnectReason = "logout"
	ReasonBanned         DisconnectReason = "banned"
)

// Recoverable reports whether the session may be reconnected automatically.
// Unknown reasons are treated as fatal.
func (r DisconnectReason) Recoverable() bool {
	switch r {
	case ReasonSession, ReasonQR, ReasonAuthFailure, ReasonConnectionLost:
		return true
	default:
		return false
	}
}

// Close reasons persisted with a closed record.
const (
	CloseRequested          = "requested"
	CloseReconnectExhausted = "reconnect_exhausted"
	CloseLoginTimeout       = "login_timeout"
	CloseDuplicateActive    = "duplicate_active"
	CloseStale              = "stale"
	CloseShutdown           = "shutdown"
	CloseOpenFailed         = "open_failed"
)

// CloseReasonForDisconnect maps a fatal disconnect reason to the persisted close reason.
func CloseReasonForDisconnect(r DisconnectReason) string {
	return "disconnected:" + string(r)
}
