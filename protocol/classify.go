package libsyncclient_protocol

// ErrorCategory identifies which vocabulary an error code belongs to.
type ErrorCategory int32

const (
	// CategoryProtocol marks wire-level ProtocolError codes.
	CategoryProtocol ErrorCategory = iota
	// CategoryClient marks locally detected ClientError codes.
	CategoryClient
	// CategoryUnknown marks codes from any other origin (for example
	// transport-level HTTP status codes).
	CategoryUnknown
)

// ErrorAction is the outcome of classifying a wire or client error
// code. It drives the session state machine's error handling.
type ErrorAction int32

const (
	// ActionNone: no special handling; deliver through the normal path.
	ActionNone ErrorAction = iota
	// ActionSilentIgnore: strictly informational, never surfaced.
	ActionSilentIgnore
	// ActionAuthenticationFailure: invalidate the user credential and
	// cancel in-flight waits; the session is not torn down.
	ActionAuthenticationFailure
	// ActionPermissionDenied: tear down and mark the local file for
	// deletion without backup.
	ActionPermissionDenied
	// ActionDeleteFileWithBackup: tear down and mark the local file for
	// deletion with a backup copy first.
	ActionDeleteFileWithBackup
)

// Classify maps an (error category, error code) pair to the action the
// session state machine must take. The mapping is total: unknown codes
// within a known category yield ActionNone, and CategoryUnknown always
// yields ActionNone (the caller applies the transport-level 401 retry
// path for those).
func Classify(category ErrorCategory, code int32) ErrorAction {
	switch category {
	case CategoryProtocol:
		return classifyProtocolError(ProtocolError(code))
	case CategoryClient:
		return classifyClientError(ClientError(code))
	}
	return ActionNone
}

func classifyProtocolError(code ProtocolError) ErrorAction {
	switch code {
	// Connection level errors. Not real errors, nothing to report.
	case ErrConnectionClosed, ErrOtherError:
		return ActionSilentIgnore

	// Session level informational codes.
	case ErrSessionClosed, ErrOtherSessionError, ErrDisabledSession:
		return ActionSilentIgnore

	// token_expired is believed unreachable in practice (superseded by
	// the transport-level 401 refresh path); treat it as a recoverable
	// authentication failure rather than an invariant violation.
	case ErrTokenExpired, ErrBadAuthentication:
		return ActionAuthenticationFailure

	case ErrPermissionDenied:
		return ActionPermissionDenied

	// The local file can no longer be synchronized; it has to be
	// removed, keeping a recovery copy of the user's data.
	case ErrBadClientFile,
		ErrBadClientFileIdent,
		ErrBadOriginFileIdent,
		ErrBadServerFileIdent,
		ErrBadServerVersion,
		ErrClientFileBlacklisted,
		ErrDivergingHistories,
		ErrServerFileDeleted,
		ErrUserBlacklisted,
		ErrClientFileExpired,
		ErrInvalidSchemaChange:
		return ActionDeleteFileWithBackup
	}
	return ActionNone
}

func classifyClientError(code ClientError) ErrorAction {
	switch code {
	case ClientErrConnectionClosed, ClientErrPongTimeout:
		// Not real errors, nothing to report.
		return ActionSilentIgnore
	}
	// No special handling for the rest. Future protocol revisions may
	// require special-case handling for existing codes.
	return ActionNone
}
