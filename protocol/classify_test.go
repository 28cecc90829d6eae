package libsyncclient_protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestClassifyInformationalCodes verifies connection closing and other
// informational codes are silently ignored
func TestClassifyInformationalCodes(t *testing.T) {
	cases := []ProtocolError{
		ErrConnectionClosed, ErrOtherError,
		ErrSessionClosed, ErrOtherSessionError, ErrDisabledSession,
	}
	for _, code := range cases {
		assert.Equal(t, ActionSilentIgnore, Classify(CategoryProtocol, int32(code)),
			"code %d should be silently ignored", code)
	}
}

// TestClassifyAuthenticationFailures verifies authentication related
// codes invalidate the credential without tearing down the session
func TestClassifyAuthenticationFailures(t *testing.T) {
	assert.Equal(t, ActionAuthenticationFailure, Classify(CategoryProtocol, int32(ErrBadAuthentication)))
	assert.Equal(t, ActionAuthenticationFailure, Classify(CategoryProtocol, int32(ErrTokenExpired)))
}

// TestClassifyPermissionDenied verifies permission denial maps to a
// deletion without backup
func TestClassifyPermissionDenied(t *testing.T) {
	assert.Equal(t, ActionPermissionDenied, Classify(CategoryProtocol, int32(ErrPermissionDenied)))
}

// TestClassifyDestructiveCodes verifies every code requiring a client
// reset style file replacement maps to deletion with backup
func TestClassifyDestructiveCodes(t *testing.T) {
	cases := []ProtocolError{
		ErrBadClientFile, ErrBadClientFileIdent, ErrBadOriginFileIdent,
		ErrBadServerFileIdent, ErrBadServerVersion, ErrClientFileBlacklisted,
		ErrDivergingHistories, ErrServerFileDeleted, ErrUserBlacklisted,
		ErrClientFileExpired, ErrInvalidSchemaChange,
	}
	for _, code := range cases {
		assert.Equal(t, ActionDeleteFileWithBackup, Classify(CategoryProtocol, int32(code)),
			"code %d should delete the file with a backup", code)
	}
}

// TestClassifyClientErrors verifies local connection closing and pong
// timeouts are informational and everything else passes through
func TestClassifyClientErrors(t *testing.T) {
	assert.Equal(t, ActionSilentIgnore, Classify(CategoryClient, int32(ClientErrConnectionClosed)))
	assert.Equal(t, ActionSilentIgnore, Classify(CategoryClient, int32(ClientErrPongTimeout)))
	assert.Equal(t, ActionNone, Classify(CategoryClient, int32(ClientErrBadChangeset)))
}

// TestClassifyUnknownCategory verifies unknown categories never trigger
// special handling
func TestClassifyUnknownCategory(t *testing.T) {
	assert.Equal(t, ActionNone, Classify(CategoryUnknown, 401))
	assert.Equal(t, ActionNone, Classify(CategoryProtocol, 99999))
}

// TestIsClientResetRequested verifies the client reset code set
func TestIsClientResetRequested(t *testing.T) {
	resetCodes := []ProtocolError{
		ErrBadServerFileIdent, ErrBadClientFileIdent, ErrBadServerVersion,
		ErrDivergingHistories, ErrClientFileExpired, ErrInvalidSchemaChange,
	}
	for _, code := range resetCodes {
		assert.True(t, code.IsClientResetRequested(), "code %d should request a client reset", code)
	}
	assert.False(t, ErrPermissionDenied.IsClientResetRequested())
	assert.False(t, ErrBadAuthentication.IsClientResetRequested())
}

// TestIsSessionLevelError verifies the 200 boundary between connection
// and session level codes
func TestIsSessionLevelError(t *testing.T) {
	assert.False(t, ErrConnectionClosed.IsSessionLevelError())
	assert.False(t, ErrBadChangesets.IsSessionLevelError())
	assert.True(t, ErrSessionClosed.IsSessionLevelError())
	assert.True(t, ErrInvalidSchemaChange.IsSessionLevelError())
}

// TestProtocolErrorMessageFormat verifies known and unknown code
// rendering
func TestProtocolErrorMessageFormat(t *testing.T) {
	assert.Contains(t, ErrPermissionDenied.Error(), "permission_denied")
	assert.Contains(t, ErrPermissionDenied.Error(), "206")
	assert.Contains(t, ProtocolError(99999).Error(), "99999")
}
