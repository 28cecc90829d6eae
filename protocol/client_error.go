package libsyncclient_protocol

// ClientError is the client-side error vocabulary: conditions detected
// locally while parsing or integrating server input. These codes never
// travel on the wire.
type ClientError int32

const (
	ClientErrConnectionClosed       ClientError = 100 // Connection closed (no error)
	ClientErrUnknownMessage         ClientError = 101 // Unknown type of input message
	ClientErrBadSyntax              ClientError = 102 // Bad syntax in input message head
	ClientErrLimitsExceeded         ClientError = 103 // Limits exceeded in input message
	ClientErrBadSessionIdent        ClientError = 104 // Bad session identifier in input message
	ClientErrBadMessageOrder        ClientError = 105 // Bad input message order
	ClientErrBadClientFileIdent     ClientError = 106 // Bad client file identifier (IDENT)
	ClientErrBadProgress            ClientError = 107 // Bad progress information (DOWNLOAD)
	ClientErrBadChangesetHeader     ClientError = 108 // Bad syntax in changeset header (DOWNLOAD)
	ClientErrBadChangesetSize       ClientError = 109 // Bad changeset size in changeset header (DOWNLOAD)
	ClientErrBadOriginFileIdent     ClientError = 110 // Bad origin file identifier in changeset header (DOWNLOAD)
	ClientErrBadServerVersion       ClientError = 111 // Bad server version in changeset header (DOWNLOAD)
	ClientErrBadChangeset           ClientError = 112 // Bad changeset (DOWNLOAD)
	ClientErrBadRequestIdent        ClientError = 113 // Bad request identifier (MARK)
	ClientErrBadErrorCode           ClientError = 114 // Bad error code (ERROR)
	ClientErrBadCompression         ClientError = 115 // Bad compression (DOWNLOAD)
	ClientErrBadClientVersion       ClientError = 116 // Bad last integrated client version (DOWNLOAD)
	ClientErrSSLServerCertRejected  ClientError = 117 // SSL server certificate rejected
	ClientErrPongTimeout            ClientError = 118 // Timeout on reception of PONG response message
	ClientErrBadClientFileIdentSalt ClientError = 119 // Bad client file identifier salt (IDENT)
	ClientErrBadFileIdent           ClientError = 120 // Bad file identifier (ALLOC)
	ClientErrConnectTimeout         ClientError = 121 // Sync connection was not fully established in time
	ClientErrBadTimestamp           ClientError = 122 // Bad timestamp (PONG)
	ClientErrBadProtocolFromServer  ClientError = 123 // Bad or missing protocol version information from server
	ClientErrClientTooOldForServer  ClientError = 124 // Protocol version negotiation failed: client is too old
	ClientErrClientTooNewForServer  ClientError = 125 // Protocol version negotiation failed: client is too new
	ClientErrProtocolMismatch       ClientError = 126 // Protocol version negotiation failed: no overlap
	ClientErrBadStateMessage        ClientError = 127 // Bad values in state message (STATE)
	ClientErrMissingProtocolFeature ClientError = 128 // Requested feature missing in negotiated protocol version
	ClientErrHTTPTunnelFailed       ClientError = 131 // Failed to establish HTTP tunnel with configured proxy
)

// IsKnown reports whether the code belongs to the known vocabulary.
func (e ClientError) IsKnown() bool {
	_, ok := clientKnownErrorStringByCode[e]
	return ok
}

// String returns the same content as ClientErrorMessage.
func (e ClientError) String() string {
	return clientErrorMessage(e)
}

// Error implements the built-in error interface.
func (e ClientError) Error() string {
	return clientErrorMessage(e)
}

// ClientErrorMessage returns a human readable description of the given
// client error code.
func ClientErrorMessage(errcode ClientError) string {
	return clientErrorMessage(errcode)
}

var clientKnownErrorStringByCode = map[ClientError]string{
	ClientErrConnectionClosed:       buildErrorString(int32(ClientErrConnectionClosed), "connection_closed", "connection closed (no error)"),
	ClientErrUnknownMessage:         buildErrorString(int32(ClientErrUnknownMessage), "unknown_message", "unknown type of input message"),
	ClientErrBadSyntax:              buildErrorString(int32(ClientErrBadSyntax), "bad_syntax", "bad syntax in input message head"),
	ClientErrLimitsExceeded:         buildErrorString(int32(ClientErrLimitsExceeded), "limits_exceeded", "limits exceeded in input message"),
	ClientErrBadSessionIdent:        buildErrorString(int32(ClientErrBadSessionIdent), "bad_session_ident", "bad session identifier in input message"),
	ClientErrBadMessageOrder:        buildErrorString(int32(ClientErrBadMessageOrder), "bad_message_order", "bad input message order"),
	ClientErrBadClientFileIdent:     buildErrorString(int32(ClientErrBadClientFileIdent), "bad_client_file_ident", "bad client file identifier (IDENT)"),
	ClientErrBadProgress:            buildErrorString(int32(ClientErrBadProgress), "bad_progress", "bad progress information (DOWNLOAD)"),
	ClientErrBadChangesetHeader:     buildErrorString(int32(ClientErrBadChangesetHeader), "bad_changeset_header_syntax", "bad syntax in changeset header (DOWNLOAD)"),
	ClientErrBadChangesetSize:       buildErrorString(int32(ClientErrBadChangesetSize), "bad_changeset_size", "bad changeset size in changeset header (DOWNLOAD)"),
	ClientErrBadOriginFileIdent:     buildErrorString(int32(ClientErrBadOriginFileIdent), "bad_origin_file_ident", "bad origin file identifier in changeset header (DOWNLOAD)"),
	ClientErrBadServerVersion:       buildErrorString(int32(ClientErrBadServerVersion), "bad_server_version", "bad server version in changeset header (DOWNLOAD)"),
	ClientErrBadChangeset:           buildErrorString(int32(ClientErrBadChangeset), "bad_changeset", "bad changeset (DOWNLOAD)"),
	ClientErrBadRequestIdent:        buildErrorString(int32(ClientErrBadRequestIdent), "bad_request_ident", "bad request identifier (MARK)"),
	ClientErrBadErrorCode:           buildErrorString(int32(ClientErrBadErrorCode), "bad_error_code", "bad error code (ERROR)"),
	ClientErrBadCompression:         buildErrorString(int32(ClientErrBadCompression), "bad_compression", "bad compression (DOWNLOAD)"),
	ClientErrBadClientVersion:       buildErrorString(int32(ClientErrBadClientVersion), "bad_client_version", "bad last integrated client version (DOWNLOAD)"),
	ClientErrSSLServerCertRejected:  buildErrorString(int32(ClientErrSSLServerCertRejected), "ssl_server_cert_rejected", "SSL server certificate rejected"),
	ClientErrPongTimeout:            buildErrorString(int32(ClientErrPongTimeout), "pong_timeout", "timeout on reception of PONG response message"),
	ClientErrBadClientFileIdentSalt: buildErrorString(int32(ClientErrBadClientFileIdentSalt), "bad_client_file_ident_salt", "bad client file identifier salt (IDENT)"),
	ClientErrBadFileIdent:           buildErrorString(int32(ClientErrBadFileIdent), "bad_file_ident", "bad file identifier (ALLOC)"),
	ClientErrConnectTimeout:         buildErrorString(int32(ClientErrConnectTimeout), "connect_timeout", "sync connection was not fully established in time"),
	ClientErrBadTimestamp:           buildErrorString(int32(ClientErrBadTimestamp), "bad_timestamp", "bad timestamp (PONG)"),
	ClientErrBadProtocolFromServer:  buildErrorString(int32(ClientErrBadProtocolFromServer), "bad_protocol_from_server", "bad or missing protocol version information from server"),
	ClientErrClientTooOldForServer:  buildErrorString(int32(ClientErrClientTooOldForServer), "client_too_old_for_server", "protocol version negotiation failed: client is too old"),
	ClientErrClientTooNewForServer:  buildErrorString(int32(ClientErrClientTooNewForServer), "client_too_new_for_server", "protocol version negotiation failed: client is too new"),
	ClientErrProtocolMismatch:       buildErrorString(int32(ClientErrProtocolMismatch), "protocol_mismatch", "protocol version negotiation failed: no version overlap"),
	ClientErrBadStateMessage:        buildErrorString(int32(ClientErrBadStateMessage), "bad_state_message", "bad values in state message (STATE)"),
	ClientErrMissingProtocolFeature: buildErrorString(int32(ClientErrMissingProtocolFeature), "missing_protocol_feature", "requested feature missing in negotiated protocol version"),
	ClientErrHTTPTunnelFailed:       buildErrorString(int32(ClientErrHTTPTunnelFailed), "http_tunnel_failed", "failed to establish HTTP tunnel with configured proxy"),
}

func clientErrorMessage(errcode ClientError) string {
	if s, ok := clientKnownErrorStringByCode[errcode]; ok {
		return s
	}
	return buildErrorString(int32(errcode), "ClientError", "unknown")
}
