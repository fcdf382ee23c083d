package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDisconnectReason_Recoverable(t *testing.T) {
	tests := []struct {
		reason DisconnectReason
		want   bool
	}{
		{ReasonSession, true},
		{ReasonQR, true},
		{ReasonAuthFailure, true},
		{ReasonConnectionLost, true},
		{ReasonLogout, false},
		{ReasonBanned, false},
		{DisconnectReason("NAVIGATION"), false},
		{DisconnectReason(""), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.reason.Recoverable())
		})
	}
}

func TestCloseReasonForDisconnect(t *testing.T) {
	assert.Equal(t, "disconnected:logout", CloseReasonForDisconnect(ReasonLogout))
}
