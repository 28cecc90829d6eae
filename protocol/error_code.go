package libsyncclient_protocol

import "fmt"

// ProtocolError is the wire-level error vocabulary carried by server
// error messages.
//
// Note: values are fixed by the wire protocol. Codes below 200 are
// connection-level errors; codes 200 and above are session-level.
type ProtocolError int32

const (
	// Connection level and protocol errors
	ErrConnectionClosed         ProtocolError = 100 // Connection closed (no error)
	ErrOtherError               ProtocolError = 101 // Other connection level error
	ErrUnknownMessage           ProtocolError = 102 // Unknown type of input message
	ErrBadSyntax                ProtocolError = 103 // Bad syntax in input message head
	ErrLimitsExceeded           ProtocolError = 104 // Limits exceeded in input message
	ErrWrongProtocolVersion     ProtocolError = 105 // Wrong protocol version (CLIENT)
	ErrBadSessionIdent          ProtocolError = 106 // Bad session identifier in input message
	ErrReuseOfSessionIdent      ProtocolError = 107 // Overlapping reuse of session identifier (BIND)
	ErrBoundInOtherSession      ProtocolError = 108 // Client file bound in other session (IDENT)
	ErrBadMessageOrder          ProtocolError = 109 // Bad input message order
	ErrBadDecompression         ProtocolError = 110 // Bad decompression of message
	ErrBadChangesetHeaderSyntax ProtocolError = 111 // Bad changeset header syntax
	ErrBadChangesetSize         ProtocolError = 112 // Bad changeset size
	ErrBadChangesets            ProtocolError = 113 // Bad changesets

	// Session level errors
	ErrSessionClosed             ProtocolError = 200 // Session closed (no error)
	ErrOtherSessionError         ProtocolError = 201 // Other session level error
	ErrTokenExpired              ProtocolError = 202 // Access token expired
	ErrBadAuthentication         ProtocolError = 203 // Bad user authentication (BIND, REFRESH)
	ErrIllegalRealmPath          ProtocolError = 204 // Illegal Realm path (BIND)
	ErrNoSuchRealm               ProtocolError = 205 // No such Realm (BIND)
	ErrPermissionDenied          ProtocolError = 206 // Permission denied (BIND, REFRESH)
	ErrBadServerFileIdent        ProtocolError = 207 // Bad server file identifier (IDENT)
	ErrBadClientFileIdent        ProtocolError = 208 // Bad client file identifier (IDENT)
	ErrBadServerVersion          ProtocolError = 209 // Bad server version (IDENT, UPLOAD)
	ErrBadClientVersion          ProtocolError = 210 // Bad client version (IDENT, UPLOAD)
	ErrDivergingHistories        ProtocolError = 211 // Diverging histories (IDENT)
	ErrBadChangeset              ProtocolError = 212 // Bad changeset (UPLOAD)
	ErrDisabledSession           ProtocolError = 213 // Disabled session, superseded by new session for same file
	ErrPartialSyncDisabled       ProtocolError = 214 // Partial sync disabled
	ErrUnsupportedSessionFeature ProtocolError = 215 // Unsupported session-level feature
	ErrBadOriginFileIdent        ProtocolError = 216 // Bad origin file identifier (UPLOAD)
	ErrBadClientFile             ProtocolError = 217 // Synchronization no longer possible for client-side file
	ErrServerFileDeleted         ProtocolError = 218 // Server file was deleted while session was bound to it
	ErrClientFileBlacklisted     ProtocolError = 219 // Client file has been blacklisted (IDENT)
	ErrUserBlacklisted           ProtocolError = 220 // User has been blacklisted (BIND)
	ErrTransactBeforeUpload      ProtocolError = 221 // Serialized transaction before upload completion
	ErrClientFileExpired         ProtocolError = 222 // Client file has expired
	ErrUserMismatch              ProtocolError = 223 // User mismatch for client file identifier (IDENT)
	ErrTooManySessions           ProtocolError = 224 // Too many sessions in connection (BIND)
	ErrInvalidSchemaChange       ProtocolError = 225 // Invalid schema change (UPLOAD)
)

// IsSessionLevelError reports whether the code belongs to the
// session-level part of the vocabulary.
func (e ProtocolError) IsSessionLevelError() bool {
	return e >= 200
}

// IsClientResetRequested reports whether the code requires the client
// file to be reset before synchronization can resume.
func (e ProtocolError) IsClientResetRequested() bool {
	switch e {
	case ErrBadServerFileIdent,
		ErrBadClientFileIdent,
		ErrBadServerVersion,
		ErrDivergingHistories,
		ErrClientFileExpired,
		ErrInvalidSchemaChange:
		return true
	}
	return false
}

// IsKnown reports whether the code belongs to the known vocabulary.
func (e ProtocolError) IsKnown() bool {
	_, ok := protocolKnownErrorStringByCode[e]
	return ok
}

// String returns the same content as ProtocolErrorMessage.
func (e ProtocolError) String() string {
	return protocolErrorMessage(e)
}

// Error implements the built-in error interface, so ProtocolError can
// be returned as an error.
func (e ProtocolError) Error() string {
	return protocolErrorMessage(e)
}

// ProtocolErrorMessage returns a human readable description of the
// given protocol error code.
//
// It returns:
//   - For known codes: "<name>(<code>): <message>"
//   - For unknown codes: "ProtocolError(<code>): unknown"
func ProtocolErrorMessage(errcode ProtocolError) string {
	return protocolErrorMessage(errcode)
}

func buildErrorString(code int32, name, message string) string {
	return fmt.Sprintf("%s(%d): %s", name, code, message)
}

var protocolKnownErrorStringByCode = map[ProtocolError]string{
	ErrConnectionClosed:         buildErrorString(int32(ErrConnectionClosed), "connection_closed", "connection closed (no error)"),
	ErrOtherError:               buildErrorString(int32(ErrOtherError), "other_error", "other connection level error"),
	ErrUnknownMessage:           buildErrorString(int32(ErrUnknownMessage), "unknown_message", "unknown type of input message"),
	ErrBadSyntax:                buildErrorString(int32(ErrBadSyntax), "bad_syntax", "bad syntax in input message head"),
	ErrLimitsExceeded:           buildErrorString(int32(ErrLimitsExceeded), "limits_exceeded", "limits exceeded in input message"),
	ErrWrongProtocolVersion:     buildErrorString(int32(ErrWrongProtocolVersion), "wrong_protocol_version", "wrong protocol version (CLIENT)"),
	ErrBadSessionIdent:          buildErrorString(int32(ErrBadSessionIdent), "bad_session_ident", "bad session identifier in input message"),
	ErrReuseOfSessionIdent:      buildErrorString(int32(ErrReuseOfSessionIdent), "reuse_of_session_ident", "overlapping reuse of session identifier (BIND)"),
	ErrBoundInOtherSession:      buildErrorString(int32(ErrBoundInOtherSession), "bound_in_other_session", "client file bound in other session (IDENT)"),
	ErrBadMessageOrder:          buildErrorString(int32(ErrBadMessageOrder), "bad_message_order", "bad input message order"),
	ErrBadDecompression:         buildErrorString(int32(ErrBadDecompression), "bad_decompression", "bad decompression of message"),
	ErrBadChangesetHeaderSyntax: buildErrorString(int32(ErrBadChangesetHeaderSyntax), "bad_changeset_header_syntax", "bad changeset header syntax"),
	ErrBadChangesetSize:         buildErrorString(int32(ErrBadChangesetSize), "bad_changeset_size", "bad changeset size"),
	ErrBadChangesets:            buildErrorString(int32(ErrBadChangesets), "bad_changesets", "bad changesets"),

	ErrSessionClosed:             buildErrorString(int32(ErrSessionClosed), "session_closed", "session closed (no error)"),
	ErrOtherSessionError:         buildErrorString(int32(ErrOtherSessionError), "other_session_error", "other session level error"),
	ErrTokenExpired:              buildErrorString(int32(ErrTokenExpired), "token_expired", "access token expired"),
	ErrBadAuthentication:         buildErrorString(int32(ErrBadAuthentication), "bad_authentication", "bad user authentication (BIND, REFRESH)"),
	ErrIllegalRealmPath:          buildErrorString(int32(ErrIllegalRealmPath), "illegal_realm_path", "illegal Realm path (BIND)"),
	ErrNoSuchRealm:               buildErrorString(int32(ErrNoSuchRealm), "no_such_realm", "no such Realm (BIND)"),
	ErrPermissionDenied:          buildErrorString(int32(ErrPermissionDenied), "permission_denied", "permission denied (BIND, REFRESH)"),
	ErrBadServerFileIdent:        buildErrorString(int32(ErrBadServerFileIdent), "bad_server_file_ident", "bad server file identifier (IDENT)"),
	ErrBadClientFileIdent:        buildErrorString(int32(ErrBadClientFileIdent), "bad_client_file_ident", "bad client file identifier (IDENT)"),
	ErrBadServerVersion:          buildErrorString(int32(ErrBadServerVersion), "bad_server_version", "bad server version (IDENT, UPLOAD)"),
	ErrBadClientVersion:          buildErrorString(int32(ErrBadClientVersion), "bad_client_version", "bad client version (IDENT, UPLOAD)"),
	ErrDivergingHistories:        buildErrorString(int32(ErrDivergingHistories), "diverging_histories", "diverging histories (IDENT)"),
	ErrBadChangeset:              buildErrorString(int32(ErrBadChangeset), "bad_changeset", "bad changeset (UPLOAD)"),
	ErrDisabledSession:           buildErrorString(int32(ErrDisabledSession), "disabled_session", "disabled session, superseded by new session for same client-side file"),
	ErrPartialSyncDisabled:       buildErrorString(int32(ErrPartialSyncDisabled), "partial_sync_disabled", "partial sync disabled"),
	ErrUnsupportedSessionFeature: buildErrorString(int32(ErrUnsupportedSessionFeature), "unsupported_session_feature", "unsupported session-level feature"),
	ErrBadOriginFileIdent:        buildErrorString(int32(ErrBadOriginFileIdent), "bad_origin_file_ident", "bad origin file identifier (UPLOAD)"),
	ErrBadClientFile:             buildErrorString(int32(ErrBadClientFile), "bad_client_file", "synchronization no longer possible for client-side file"),
	ErrServerFileDeleted:         buildErrorString(int32(ErrServerFileDeleted), "server_file_deleted", "server file was deleted while session was bound to it"),
	ErrClientFileBlacklisted:     buildErrorString(int32(ErrClientFileBlacklisted), "client_file_blacklisted", "client file has been blacklisted (IDENT)"),
	ErrUserBlacklisted:           buildErrorString(int32(ErrUserBlacklisted), "user_blacklisted", "user has been blacklisted (BIND)"),
	ErrTransactBeforeUpload:      buildErrorString(int32(ErrTransactBeforeUpload), "transact_before_upload", "serialized transaction before upload completion"),
	ErrClientFileExpired:         buildErrorString(int32(ErrClientFileExpired), "client_file_expired", "client file has expired"),
	ErrUserMismatch:              buildErrorString(int32(ErrUserMismatch), "user_mismatch", "user mismatch for client file identifier (IDENT)"),
	ErrTooManySessions:           buildErrorString(int32(ErrTooManySessions), "too_many_sessions", "too many sessions in connection (BIND)"),
	ErrInvalidSchemaChange:       buildErrorString(int32(ErrInvalidSchemaChange), "invalid_schema_change", "invalid schema change (UPLOAD)"),
}

func protocolErrorMessage(errcode ProtocolError) string {
	if s, ok := protocolKnownErrorStringByCode[errcode]; ok {
		return s
	}
	return buildErrorString(int32(errcode), "ProtocolError", "unknown")
}
