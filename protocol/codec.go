package libsyncclient_protocol

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
)

// ClientCodec builds client-to-server messages. It is stateless apart
// from the negotiated protocol version and the reusable upload
// buffers, so one instance per connection is enough.
//
// Encoding never fails: all writers target an in-memory buffer. Size
// fields fitting their declared integer widths is an invariant
// enforced by callers, not by the codec.
type ClientCodec struct {
	protocolVersion int
}

func NewClientCodec(protocolVersion int) *ClientCodec {
	return &ClientCodec{protocolVersion: protocolVersion}
}

// MakeBindMessage requests a new session within the connection. The
// payload is the raw server path bytes immediately followed by the raw
// signed user token bytes; the header lengths are authoritative.
func (c *ClientCodec) MakeBindMessage(out *bytes.Buffer, sessionIdent SessionIdent,
	serverPath string, signedUserToken string, needClientFileIdent bool, isSubserver bool) {
	fmt.Fprintf(out, "bind %d %d %d %d %d\n", sessionIdent, len(serverPath), len(signedUserToken),
		boolField(needClientFileIdent), boolField(isSubserver))
	out.WriteString(serverPath)
	out.WriteString(signedUserToken)
}

// MakeRefreshMessage pushes a renewed signed user token for an already
// bound session.
func (c *ClientCodec) MakeRefreshMessage(out *bytes.Buffer, sessionIdent SessionIdent, signedUserToken string) {
	fmt.Fprintf(out, "refresh %d %d\n", sessionIdent, len(signedUserToken))
	out.WriteString(signedUserToken)
}

// MakeIdentMessage presents the client file identity and the persisted
// synchronization progress for the session.
func (c *ClientCodec) MakeIdentMessage(out *bytes.Buffer, sessionIdent SessionIdent,
	clientFileIdent SaltedFileIdent, progress SyncProgress) {
	fmt.Fprintf(out, "ident %d %d %d %d %d %d %d\n", sessionIdent,
		clientFileIdent.Ident, clientFileIdent.Salt,
		progress.Download.ServerVersion, progress.Download.LastIntegratedClientVersion,
		progress.LatestServerVersion.Version, progress.LatestServerVersion.Salt)
}

// MakeClientVersionRequestMessage asks the server for the last client
// version it has integrated for the given client file.
func (c *ClientCodec) MakeClientVersionRequestMessage(out *bytes.Buffer, sessionIdent SessionIdent,
	clientFileIdent SaltedFileIdent) {
	fmt.Fprintf(out, "client_version_request %d %d %d\n", sessionIdent,
		clientFileIdent.Ident, clientFileIdent.Salt)
}

// MakeStateRequestMessage asks the server for a partial state transfer
// resumable at the given offset.
func (c *ClientCodec) MakeStateRequestMessage(out *bytes.Buffer, sessionIdent SessionIdent,
	partialTransferServerVersion SaltedVersion, offset uint64, needRecent bool,
	minFileFormatVersion, maxFileFormatVersion, minHistorySchemaVersion, maxHistorySchemaVersion int32) {
	fmt.Fprintf(out, "state_request %d %d %d %d %d %d %d %d %d\n", sessionIdent,
		partialTransferServerVersion.Version, partialTransferServerVersion.Salt,
		offset, boolField(needRecent),
		minFileFormatVersion, maxFileFormatVersion, minHistorySchemaVersion, maxHistorySchemaVersion)
}

// MakeUnbindMessage ends the session.
func (c *ClientCodec) MakeUnbindMessage(out *bytes.Buffer, sessionIdent SessionIdent) {
	fmt.Fprintf(out, "unbind %d\n", sessionIdent)
}

// MakeMarkMessage requests a download completion marker for the given
// request identifier.
func (c *ClientCodec) MakeMarkMessage(out *bytes.Buffer, sessionIdent SessionIdent, requestIdent RequestIdent) {
	fmt.Fprintf(out, "mark %d %d\n", sessionIdent, requestIdent)
}

// MakeAllocMessage requests allocation of a file identifier from the
// server-side freelist.
func (c *ClientCodec) MakeAllocMessage(out *bytes.Buffer, sessionIdent SessionIdent) {
	fmt.Fprintf(out, "alloc %d\n", sessionIdent)
}

// MakePing carries the client timestamp and the last measured round
// trip time.
func (c *ClientCodec) MakePing(out *bytes.Buffer, timestamp Milliseconds, rtt Milliseconds) {
	fmt.Fprintf(out, "ping %d %d\n", timestamp, rtt)
}

// UploadMessageBuilder accumulates changeset records in a side buffer
// before the final upload message is framed. Obtain one from
// MakeUploadMessageBuilder; it is not safe for concurrent use.
type UploadMessageBuilder struct {
	logger *slog.Logger

	bodyBuffer    bytes.Buffer
	numChangesets int
}

// MakeUploadMessageBuilder returns a builder with an empty body buffer.
func (c *ClientCodec) MakeUploadMessageBuilder(logger *slog.Logger) *UploadMessageBuilder {
	return &UploadMessageBuilder{logger: logger}
}

// AddChangeset appends one changeset record to the upload body:
// <client_version> <server_version> <origin_timestamp>
// <origin_file_ident> <changeset_size> <changeset bytes>.
func (b *UploadMessageBuilder) AddChangeset(clientVersion, serverVersion Version,
	originTimestamp Timestamp, originFileIdent FileIdent, changeset []byte) {
	fmt.Fprintf(&b.bodyBuffer, "%d %d %d %d %d ", clientVersion, serverVersion,
		originTimestamp, originFileIdent, len(changeset))
	b.bodyBuffer.Write(changeset)

	b.numChangesets++
}

// NumChangesets returns the number of changesets added so far.
func (b *UploadMessageBuilder) NumChangesets() int {
	return b.numChangesets
}

// MakeUploadMessage frames the accumulated body into a complete upload
// message. Bodies of at most MaxUncompressedBodySize bytes are never
// compressed; larger bodies are compressed and the compressed form is
// sent only if it is strictly smaller than the uncompressed form.
func (b *UploadMessageBuilder) MakeUploadMessage(out *bytes.Buffer, sessionIdent SessionIdent,
	progressClientVersion, progressServerVersion, lockedServerVersion Version) error {
	body := b.bodyBuffer.Bytes()

	var compressedBody []byte
	compressedBodySize := len(body)
	if len(body) > MaxUncompressedBodySize {
		var err error
		compressedBody, err = CompressBody(body)
		if err != nil {
			return err
		}
		compressedBodySize = len(compressedBody)
	}

	// The compressed body is only sent if it is smaller than the
	// uncompressed body.
	isBodyCompressed := compressedBodySize < len(body)
	if !isBodyCompressed {
		compressedBodySize = 0
	}

	fmt.Fprintf(out, "upload %d %d %d %d %d %d %d\n", sessionIdent,
		boolField(isBodyCompressed), len(body), compressedBodySize,
		progressClientVersion, progressServerVersion, lockedServerVersion)

	if isBodyCompressed {
		out.Write(compressedBody)
	} else {
		out.Write(body)
	}
	return nil
}

// ServerCodec builds server-to-client messages. The client engine
// never sends these; they exist for the server side of the wire and
// for round-trip testing against the client parser.
type ServerCodec struct {
	protocolVersion int
}

func NewServerCodec(protocolVersion int) *ServerCodec {
	return &ServerCodec{protocolVersion: protocolVersion}
}

// MakeIdentMessage assigns a client file identifier to the session.
func (c *ServerCodec) MakeIdentMessage(out *bytes.Buffer, sessionIdent SessionIdent,
	clientFileIdent FileIdent, clientFileIdentSalt Salt) {
	fmt.Fprintf(out, "ident %d %d %d\n", sessionIdent, clientFileIdent, clientFileIdentSalt)
}

// MakeClientVersionMessage answers a client_version_request.
func (c *ServerCodec) MakeClientVersionMessage(out *bytes.Buffer, sessionIdent SessionIdent,
	clientVersion Version) {
	fmt.Fprintf(out, "client_version %d %d\n", sessionIdent, clientVersion)
}

// MakeStateMessage carries one chunk of a partial state transfer.
func (c *ServerCodec) MakeStateMessage(out *bytes.Buffer, sessionIdent SessionIdent,
	serverVersion SaltedVersion, beginOffset, endOffset, maxOffset uint64, chunk []byte) {
	fmt.Fprintf(out, "state %d %d %d %d %d %d %d\n", sessionIdent,
		serverVersion.Version, serverVersion.Salt, beginOffset, endOffset, maxOffset, len(chunk))
	out.Write(chunk)
}

// MakeAllocMessage answers an alloc request with a fresh file
// identifier.
func (c *ServerCodec) MakeAllocMessage(out *bytes.Buffer, sessionIdent SessionIdent, fileIdent FileIdent) {
	fmt.Fprintf(out, "alloc %d %d\n", sessionIdent, fileIdent)
}

// InsertSingleChangesetDownloadMessage appends one changeset record
// and its metadata to a download body buffer:
// <server_version> <client_version> <timestamp> <client_file_ident>
// <original_size> <changeset_size> <changeset bytes>.
func (c *ServerCodec) InsertSingleChangesetDownloadMessage(out *bytes.Buffer, changeset Changeset,
	logger *slog.Logger) {
	fmt.Fprintf(out, "%d %d %d %d %d %d ", changeset.ServerVersion, changeset.ClientVersion,
		changeset.OriginTimestamp, changeset.OriginFileIdent, changeset.OriginalSize, len(changeset.Data))
	out.Write(changeset.Data)

	if logger != nil && logger.Enabled(context.Background(), slog.LevelDebug) {
		logger.Debug("DOWNLOAD: insert single changeset",
			"server_version", changeset.ServerVersion,
			"client_version", changeset.ClientVersion,
			"timestamp", changeset.OriginTimestamp,
			"client_file_ident", changeset.OriginFileIdent,
			"original_changeset_size", changeset.OriginalSize,
			"changeset_size", len(changeset.Data),
			"changeset", CompressedHexDump(changeset.Data))
	}
}

// MakeDownloadMessage frames a download body built with
// InsertSingleChangesetDownloadMessage. The caller decides whether the
// body is compressed and supplies both size fields.
func (c *ServerCodec) MakeDownloadMessage(out *bytes.Buffer, sessionIdent SessionIdent,
	downloadServerVersion, downloadClientVersion Version,
	latestServerVersion Version, latestServerVersionSalt Salt,
	uploadClientVersion, uploadServerVersion Version,
	downloadableBytes uint64, body []byte,
	uncompressedBodySize, compressedBodySize int, isBodyCompressed bool,
	logger *slog.Logger) {
	fmt.Fprintf(out, "download %d %d %d %d %d %d %d %d %d %d %d\n", sessionIdent,
		downloadServerVersion, downloadClientVersion,
		latestServerVersion, latestServerVersionSalt,
		uploadClientVersion, uploadServerVersion,
		downloadableBytes, boolField(isBodyCompressed),
		uncompressedBodySize, compressedBodySize)

	bodySize := uncompressedBodySize
	if isBodyCompressed {
		bodySize = compressedBodySize
	}
	out.Write(body[:bodySize])

	if logger != nil {
		logger.Debug("Sending: DOWNLOAD",
			"download_server_version", downloadServerVersion,
			"download_client_version", downloadClientVersion,
			"latest_server_version", latestServerVersion,
			"latest_server_version_salt", latestServerVersionSalt,
			"upload_client_version", uploadClientVersion,
			"upload_server_version", uploadServerVersion,
			"is_body_compressed", isBodyCompressed,
			"body_size", uncompressedBodySize,
			"compressed_body_size", compressedBodySize)
	}
}

// MakeUnboundMessage acknowledges an unbind request.
func (c *ServerCodec) MakeUnboundMessage(out *bytes.Buffer, sessionIdent SessionIdent) {
	fmt.Fprintf(out, "unbound %d\n", sessionIdent)
}

// MakeMarkMessage echoes a download completion marker.
func (c *ServerCodec) MakeMarkMessage(out *bytes.Buffer, sessionIdent SessionIdent, requestIdent RequestIdent) {
	fmt.Fprintf(out, "mark %d %d\n", sessionIdent, requestIdent)
}

// MakeErrorMessage reports a connection or session level error. The
// try_again flag signals whether the client may retry.
func (c *ServerCodec) MakeErrorMessage(out *bytes.Buffer, errorCode ProtocolError,
	message string, tryAgain bool, sessionIdent SessionIdent) {
	fmt.Fprintf(out, "error %d %d %d %d\n", int32(errorCode), len(message),
		boolField(tryAgain), sessionIdent)
	out.WriteString(message)
}

// MakePong answers a ping, echoing the client timestamp.
func (c *ServerCodec) MakePong(out *bytes.Buffer, timestamp Milliseconds) {
	fmt.Fprintf(out, "pong %d\n", timestamp)
}

func boolField(v bool) int {
	if v {
		return 1
	}
	return 0
}
