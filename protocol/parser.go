package libsyncclient_protocol

import (
	"fmt"
	"strconv"
)

// MessageParseError reports a malformed inbound message. Code carries
// the client error vocabulary entry that best describes the defect so
// the session layer can report it without re-deriving it from text.
type MessageParseError struct {
	Code    ClientError
	Command string
	Detail  string
}

func (e *MessageParseError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("parse message: %s: %s", e.Code.String(), e.Detail)
	}
	return fmt.Sprintf("parse %s message: %s: %s", e.Command, e.Code.String(), e.Detail)
}

func parseError(code ClientError, command string, format string, args ...any) error {
	return &MessageParseError{Code: code, Command: command, Detail: fmt.Sprintf(format, args...)}
}

// headerLineReader consumes the space-separated ASCII fields of a
// message header. Fields are separated by exactly one space and the
// header is terminated by a single newline; the payload, if any,
// follows the newline as raw bytes.
type headerLineReader struct {
	data []byte
	pos  int
}

func (r *headerLineReader) readToken() (string, bool) {
	begin := r.pos
	for r.pos < len(r.data) {
		c := r.data[r.pos]
		if c == ' ' || c == '\n' {
			break
		}
		r.pos++
	}
	if r.pos == begin {
		return "", false
	}
	return string(r.data[begin:r.pos]), true
}

// skipSpace consumes exactly one field separator.
func (r *headerLineReader) skipSpace() bool {
	if r.pos < len(r.data) && r.data[r.pos] == ' ' {
		r.pos++
		return true
	}
	return false
}

// skipNewline consumes the header terminator.
func (r *headerLineReader) skipNewline() bool {
	if r.pos < len(r.data) && r.data[r.pos] == '\n' {
		r.pos++
		return true
	}
	return false
}

func (r *headerLineReader) readInt() (int64, bool) {
	tok, ok := r.readToken()
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(tok, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (r *headerLineReader) readUint() (uint64, bool) {
	tok, ok := r.readToken()
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(tok, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (r *headerLineReader) readBool() (bool, bool) {
	v, ok := r.readUint()
	if !ok || v > 1 {
		return false, false
	}
	return v == 1, true
}

// remainder returns the unconsumed bytes, normally the payload after
// skipNewline succeeded.
func (r *headerLineReader) remainder() []byte {
	return r.data[r.pos:]
}

// intFields reads n space-prefixed signed fields.
func (r *headerLineReader) intFields(n int) ([]int64, bool) {
	out := make([]int64, n)
	for i := range out {
		if !r.skipSpace() {
			return nil, false
		}
		v, ok := r.readInt()
		if !ok {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

// Server-to-client messages, as seen by the client parser.

type DownloadMessage struct {
	SessionIdent          SessionIdent
	DownloadServerVersion Version
	DownloadClientVersion Version
	LatestServerVersion   SaltedVersion
	UploadClientVersion   Version
	UploadServerVersion   Version
	DownloadableBytes     uint64
	Changesets            []Changeset
}

type IdentMessage struct {
	SessionIdent    SessionIdent
	ClientFileIdent SaltedFileIdent
}

type ClientVersionMessage struct {
	SessionIdent  SessionIdent
	ClientVersion Version
}

type StateMessage struct {
	SessionIdent  SessionIdent
	ServerVersion SaltedVersion
	BeginOffset   uint64
	EndOffset     uint64
	MaxOffset     uint64
	Chunk         []byte
}

type AllocMessage struct {
	SessionIdent SessionIdent
	FileIdent    FileIdent
}

type UnboundMessage struct {
	SessionIdent SessionIdent
}

type MarkMessage struct {
	SessionIdent SessionIdent
	RequestIdent RequestIdent
}

type ErrorMessage struct {
	ErrorCode    ProtocolError
	Message      string
	TryAgain     bool
	SessionIdent SessionIdent
}

type PongMessage struct {
	Timestamp Milliseconds
}

// Client-to-server messages, as seen by the server parser. They also
// serve round-trip testing of the client codec.

type BindMessage struct {
	SessionIdent        SessionIdent
	ServerPath          string
	SignedUserToken     string
	NeedClientFileIdent bool
	IsSubserver         bool
}

type RefreshMessage struct {
	SessionIdent    SessionIdent
	SignedUserToken string
}

type ClientIdentMessage struct {
	SessionIdent    SessionIdent
	ClientFileIdent SaltedFileIdent
	Progress        SyncProgress
}

type ClientVersionRequestMessage struct {
	SessionIdent    SessionIdent
	ClientFileIdent SaltedFileIdent
}

type StateRequestMessage struct {
	SessionIdent            SessionIdent
	PartialTransferVersion  SaltedVersion
	Offset                  uint64
	NeedRecent              bool
	MinFileFormatVersion    int32
	MaxFileFormatVersion    int32
	MinHistorySchemaVersion int32
	MaxHistorySchemaVersion int32
}

type UploadMessage struct {
	SessionIdent          SessionIdent
	ProgressClientVersion Version
	ProgressServerVersion Version
	LockedServerVersion   Version
	Changesets            []Changeset
}

type UnbindMessage struct {
	SessionIdent SessionIdent
}

type AllocRequestMessage struct {
	SessionIdent SessionIdent
}

type PingMessage struct {
	Timestamp Milliseconds
	RTT       Milliseconds
}

// ParseServerMessage parses one complete message produced by a server.
// The frame must contain exactly one message including its payload.
// The returned value is one of the server-to-client message structs.
func ParseServerMessage(frame []byte) (any, error) {
	r := &headerLineReader{data: frame}
	command, ok := r.readToken()
	if !ok {
		return nil, parseError(ClientErrBadSyntax, "", "missing command token")
	}

	switch command {
	case "download":
		return parseDownloadMessage(r)
	case "ident":
		f, ok := r.intFields(3)
		if !ok || !r.skipNewline() {
			return nil, parseError(ClientErrBadSyntax, command, "malformed header")
		}
		return &IdentMessage{
			SessionIdent:    SessionIdent(f[0]),
			ClientFileIdent: SaltedFileIdent{Ident: FileIdent(f[1]), Salt: Salt(f[2])},
		}, nil
	case "client_version":
		f, ok := r.intFields(2)
		if !ok || !r.skipNewline() {
			return nil, parseError(ClientErrBadSyntax, command, "malformed header")
		}
		return &ClientVersionMessage{
			SessionIdent:  SessionIdent(f[0]),
			ClientVersion: Version(f[1]),
		}, nil
	case "state":
		return parseStateMessage(r)
	case "alloc":
		f, ok := r.intFields(2)
		if !ok || !r.skipNewline() {
			return nil, parseError(ClientErrBadSyntax, command, "malformed header")
		}
		return &AllocMessage{
			SessionIdent: SessionIdent(f[0]),
			FileIdent:    FileIdent(f[1]),
		}, nil
	case "unbound":
		f, ok := r.intFields(1)
		if !ok || !r.skipNewline() {
			return nil, parseError(ClientErrBadSyntax, command, "malformed header")
		}
		return &UnboundMessage{SessionIdent: SessionIdent(f[0])}, nil
	case "mark":
		f, ok := r.intFields(2)
		if !ok || !r.skipNewline() {
			return nil, parseError(ClientErrBadSyntax, command, "malformed header")
		}
		return &MarkMessage{
			SessionIdent: SessionIdent(f[0]),
			RequestIdent: RequestIdent(f[1]),
		}, nil
	case "error":
		return parseErrorMessage(r)
	case "pong":
		f, ok := r.intFields(1)
		if !ok || !r.skipNewline() {
			return nil, parseError(ClientErrBadSyntax, command, "malformed header")
		}
		return &PongMessage{Timestamp: Milliseconds(f[0])}, nil
	}
	return nil, parseError(ClientErrUnknownMessage, command, "unknown command")
}

func parseDownloadMessage(r *headerLineReader) (any, error) {
	const command = "download"
	f, ok := r.intFields(7)
	if !ok {
		return nil, parseError(ClientErrBadSyntax, command, "malformed header")
	}
	if !r.skipSpace() {
		return nil, parseError(ClientErrBadSyntax, command, "malformed header")
	}
	downloadableBytes, ok := r.readUint()
	if !ok {
		return nil, parseError(ClientErrBadSyntax, command, "malformed header")
	}
	if !r.skipSpace() {
		return nil, parseError(ClientErrBadSyntax, command, "malformed header")
	}
	isBodyCompressed, ok := r.readBool()
	if !ok {
		return nil, parseError(ClientErrBadSyntax, command, "malformed header")
	}
	sizes, ok := r.intFields(2)
	if !ok || sizes[0] < 0 || sizes[1] < 0 || !r.skipNewline() {
		return nil, parseError(ClientErrBadSyntax, command, "malformed header")
	}
	uncompressedBodySize := uint64(sizes[0])
	compressedBodySize := uint64(sizes[1])

	body := r.remainder()
	if isBodyCompressed {
		if uint64(len(body)) != compressedBodySize {
			return nil, parseError(ClientErrBadCompression, command,
				"compressed body size %d does not match declared %d", len(body), compressedBodySize)
		}
		var err error
		body, err = DecompressBody(body, uncompressedBodySize)
		if err != nil {
			return nil, parseError(ClientErrBadCompression, command, "%v", err)
		}
	} else if uint64(len(body)) != uncompressedBodySize {
		return nil, parseError(ClientErrBadSyntax, command,
			"body size %d does not match declared %d", len(body), uncompressedBodySize)
	}

	changesets, err := parseDownloadBody(body)
	if err != nil {
		return nil, err
	}

	return &DownloadMessage{
		SessionIdent:          SessionIdent(f[0]),
		DownloadServerVersion: Version(f[1]),
		DownloadClientVersion: Version(f[2]),
		LatestServerVersion:   SaltedVersion{Version: Version(f[3]), Salt: Salt(f[4])},
		UploadClientVersion:   Version(f[5]),
		UploadServerVersion:   Version(f[6]),
		DownloadableBytes:     downloadableBytes,
		Changesets:            changesets,
	}, nil
}

// parseDownloadBody splits a download body into changeset records:
// <server_version> <client_version> <origin_timestamp>
// <origin_file_ident> <original_size> <changeset_size> <changeset>.
func parseDownloadBody(body []byte) ([]Changeset, error) {
	const command = "download"
	var changesets []Changeset
	r := &headerLineReader{data: body}
	for r.pos < len(body) {
		serverVersion, ok := r.readInt()
		if !ok {
			return nil, parseError(ClientErrBadChangesetHeader, command, "malformed changeset header")
		}
		f := make([]int64, 5)
		for i := range f {
			if !r.skipSpace() {
				return nil, parseError(ClientErrBadChangesetHeader, command, "malformed changeset header")
			}
			f[i], ok = r.readInt()
			if !ok {
				return nil, parseError(ClientErrBadChangesetHeader, command, "malformed changeset header")
			}
		}
		changesetSize := f[4]
		if !r.skipSpace() {
			return nil, parseError(ClientErrBadChangesetHeader, command, "malformed changeset header")
		}
		if changesetSize < 0 || changesetSize > int64(len(body)-r.pos) {
			return nil, parseError(ClientErrBadChangesetSize, command,
				"changeset size %d exceeds remaining body %d", changesetSize, len(body)-r.pos)
		}
		data := body[r.pos : r.pos+int(changesetSize)]
		r.pos += int(changesetSize)

		changesets = append(changesets, Changeset{
			ServerVersion:   Version(serverVersion),
			ClientVersion:   Version(f[0]),
			OriginTimestamp: Timestamp(f[1]),
			OriginFileIdent: FileIdent(f[2]),
			OriginalSize:    uint64(f[3]),
			Data:            data,
		})
	}
	return changesets, nil
}

func parseStateMessage(r *headerLineReader) (any, error) {
	const command = "state"
	f, ok := r.intFields(3)
	if !ok {
		return nil, parseError(ClientErrBadSyntax, command, "malformed header")
	}
	offsets := make([]uint64, 3)
	for i := range offsets {
		if !r.skipSpace() {
			return nil, parseError(ClientErrBadSyntax, command, "malformed header")
		}
		offsets[i], ok = r.readUint()
		if !ok {
			return nil, parseError(ClientErrBadSyntax, command, "malformed header")
		}
	}
	if !r.skipSpace() {
		return nil, parseError(ClientErrBadSyntax, command, "malformed header")
	}
	chunkSize, ok := r.readUint()
	if !ok || !r.skipNewline() {
		return nil, parseError(ClientErrBadSyntax, command, "malformed header")
	}
	chunk := r.remainder()
	if uint64(len(chunk)) != chunkSize {
		return nil, parseError(ClientErrBadStateMessage, command,
			"chunk size %d does not match declared %d", len(chunk), chunkSize)
	}
	return &StateMessage{
		SessionIdent:  SessionIdent(f[0]),
		ServerVersion: SaltedVersion{Version: Version(f[1]), Salt: Salt(f[2])},
		BeginOffset:   offsets[0],
		EndOffset:     offsets[1],
		MaxOffset:     offsets[2],
		Chunk:         chunk,
	}, nil
}

func parseErrorMessage(r *headerLineReader) (any, error) {
	const command = "error"
	if !r.skipSpace() {
		return nil, parseError(ClientErrBadSyntax, command, "malformed header")
	}
	errorCode, ok := r.readInt()
	if !ok {
		return nil, parseError(ClientErrBadSyntax, command, "malformed header")
	}
	// Codes outside the known vocabulary are still parsed; the session
	// layer decides how to surface them. A non-positive code is always
	// a defect.
	if errorCode <= 0 {
		return nil, parseError(ClientErrBadErrorCode, command, "bad error code %d", errorCode)
	}
	if !r.skipSpace() {
		return nil, parseError(ClientErrBadSyntax, command, "malformed header")
	}
	messageSize, ok := r.readUint()
	if !ok {
		return nil, parseError(ClientErrBadSyntax, command, "malformed header")
	}
	if !r.skipSpace() {
		return nil, parseError(ClientErrBadSyntax, command, "malformed header")
	}
	tryAgain, ok := r.readBool()
	if !ok {
		return nil, parseError(ClientErrBadSyntax, command, "malformed header")
	}
	f, ok := r.intFields(1)
	if !ok || !r.skipNewline() {
		return nil, parseError(ClientErrBadSyntax, command, "malformed header")
	}
	message := r.remainder()
	if uint64(len(message)) != messageSize {
		return nil, parseError(ClientErrBadSyntax, command,
			"message size %d does not match declared %d", len(message), messageSize)
	}
	return &ErrorMessage{
		ErrorCode:    ProtocolError(errorCode),
		Message:      string(message),
		TryAgain:     tryAgain,
		SessionIdent: SessionIdent(f[0]),
	}, nil
}

// ParseClientMessage parses one complete message produced by a client.
// The returned value is one of the client-to-server message structs.
func ParseClientMessage(frame []byte) (any, error) {
	r := &headerLineReader{data: frame}
	command, ok := r.readToken()
	if !ok {
		return nil, parseError(ClientErrBadSyntax, "", "missing command token")
	}

	switch command {
	case "bind":
		return parseBindMessage(r)
	case "refresh":
		return parseRefreshMessage(r)
	case "ident":
		f, ok := r.intFields(7)
		if !ok || !r.skipNewline() {
			return nil, parseError(ClientErrBadSyntax, command, "malformed header")
		}
		return &ClientIdentMessage{
			SessionIdent:    SessionIdent(f[0]),
			ClientFileIdent: SaltedFileIdent{Ident: FileIdent(f[1]), Salt: Salt(f[2])},
			Progress: SyncProgress{
				Download: DownloadCursor{
					ServerVersion:               Version(f[3]),
					LastIntegratedClientVersion: Version(f[4]),
				},
				LatestServerVersion: SaltedVersion{Version: Version(f[5]), Salt: Salt(f[6])},
			},
		}, nil
	case "client_version_request":
		f, ok := r.intFields(3)
		if !ok || !r.skipNewline() {
			return nil, parseError(ClientErrBadSyntax, command, "malformed header")
		}
		return &ClientVersionRequestMessage{
			SessionIdent:    SessionIdent(f[0]),
			ClientFileIdent: SaltedFileIdent{Ident: FileIdent(f[1]), Salt: Salt(f[2])},
		}, nil
	case "state_request":
		f, ok := r.intFields(3)
		if !ok {
			return nil, parseError(ClientErrBadSyntax, command, "malformed header")
		}
		if !r.skipSpace() {
			return nil, parseError(ClientErrBadSyntax, command, "malformed header")
		}
		offset, ok := r.readUint()
		if !ok {
			return nil, parseError(ClientErrBadSyntax, command, "malformed header")
		}
		if !r.skipSpace() {
			return nil, parseError(ClientErrBadSyntax, command, "malformed header")
		}
		needRecent, ok := r.readBool()
		if !ok {
			return nil, parseError(ClientErrBadSyntax, command, "malformed header")
		}
		versions, ok := r.intFields(4)
		if !ok || !r.skipNewline() {
			return nil, parseError(ClientErrBadSyntax, command, "malformed header")
		}
		return &StateRequestMessage{
			SessionIdent:            SessionIdent(f[0]),
			PartialTransferVersion:  SaltedVersion{Version: Version(f[1]), Salt: Salt(f[2])},
			Offset:                  offset,
			NeedRecent:              needRecent,
			MinFileFormatVersion:    int32(versions[0]),
			MaxFileFormatVersion:    int32(versions[1]),
			MinHistorySchemaVersion: int32(versions[2]),
			MaxHistorySchemaVersion: int32(versions[3]),
		}, nil
	case "upload":
		return parseUploadMessage(r)
	case "unbind":
		f, ok := r.intFields(1)
		if !ok || !r.skipNewline() {
			return nil, parseError(ClientErrBadSyntax, command, "malformed header")
		}
		return &UnbindMessage{SessionIdent: SessionIdent(f[0])}, nil
	case "mark":
		f, ok := r.intFields(2)
		if !ok || !r.skipNewline() {
			return nil, parseError(ClientErrBadSyntax, command, "malformed header")
		}
		return &MarkMessage{
			SessionIdent: SessionIdent(f[0]),
			RequestIdent: RequestIdent(f[1]),
		}, nil
	case "alloc":
		f, ok := r.intFields(1)
		if !ok || !r.skipNewline() {
			return nil, parseError(ClientErrBadSyntax, command, "malformed header")
		}
		return &AllocRequestMessage{SessionIdent: SessionIdent(f[0])}, nil
	case "ping":
		f, ok := r.intFields(2)
		if !ok || !r.skipNewline() {
			return nil, parseError(ClientErrBadSyntax, command, "malformed header")
		}
		return &PingMessage{Timestamp: Milliseconds(f[0]), RTT: Milliseconds(f[1])}, nil
	}
	return nil, parseError(ClientErrUnknownMessage, command, "unknown command")
}

func parseBindMessage(r *headerLineReader) (any, error) {
	const command = "bind"
	f, ok := r.intFields(3)
	if !ok || f[1] < 0 || f[2] < 0 {
		return nil, parseError(ClientErrBadSyntax, command, "malformed header")
	}
	pathSize := int(f[1])
	tokenSize := int(f[2])
	if !r.skipSpace() {
		return nil, parseError(ClientErrBadSyntax, command, "malformed header")
	}
	needClientFileIdent, ok := r.readBool()
	if !ok {
		return nil, parseError(ClientErrBadSyntax, command, "malformed header")
	}
	if !r.skipSpace() {
		return nil, parseError(ClientErrBadSyntax, command, "malformed header")
	}
	isSubserver, ok := r.readBool()
	if !ok || !r.skipNewline() {
		return nil, parseError(ClientErrBadSyntax, command, "malformed header")
	}
	payload := r.remainder()
	if len(payload) != pathSize+tokenSize {
		return nil, parseError(ClientErrBadSyntax, command,
			"payload size %d does not match declared %d", len(payload), pathSize+tokenSize)
	}
	return &BindMessage{
		SessionIdent:        SessionIdent(f[0]),
		ServerPath:          string(payload[:pathSize]),
		SignedUserToken:     string(payload[pathSize:]),
		NeedClientFileIdent: needClientFileIdent,
		IsSubserver:         isSubserver,
	}, nil
}

func parseRefreshMessage(r *headerLineReader) (any, error) {
	const command = "refresh"
	f, ok := r.intFields(2)
	if !ok || f[1] < 0 || !r.skipNewline() {
		return nil, parseError(ClientErrBadSyntax, command, "malformed header")
	}
	payload := r.remainder()
	if len(payload) != int(f[1]) {
		return nil, parseError(ClientErrBadSyntax, command,
			"token size %d does not match declared %d", len(payload), f[1])
	}
	return &RefreshMessage{
		SessionIdent:    SessionIdent(f[0]),
		SignedUserToken: string(payload),
	}, nil
}

func parseUploadMessage(r *headerLineReader) (any, error) {
	const command = "upload"
	f, ok := r.intFields(1)
	if !ok {
		return nil, parseError(ClientErrBadSyntax, command, "malformed header")
	}
	if !r.skipSpace() {
		return nil, parseError(ClientErrBadSyntax, command, "malformed header")
	}
	isBodyCompressed, ok := r.readBool()
	if !ok {
		return nil, parseError(ClientErrBadSyntax, command, "malformed header")
	}
	sizes, ok := r.intFields(5)
	if !ok || sizes[0] < 0 || sizes[1] < 0 || !r.skipNewline() {
		return nil, parseError(ClientErrBadSyntax, command, "malformed header")
	}
	uncompressedBodySize := uint64(sizes[0])
	compressedBodySize := uint64(sizes[1])

	body := r.remainder()
	if isBodyCompressed {
		if uint64(len(body)) != compressedBodySize {
			return nil, parseError(ClientErrBadCompression, command,
				"compressed body size %d does not match declared %d", len(body), compressedBodySize)
		}
		var err error
		body, err = DecompressBody(body, uncompressedBodySize)
		if err != nil {
			return nil, parseError(ClientErrBadCompression, command, "%v", err)
		}
	} else if uint64(len(body)) != uncompressedBodySize {
		return nil, parseError(ClientErrBadSyntax, command,
			"body size %d does not match declared %d", len(body), uncompressedBodySize)
	}

	changesets, err := parseUploadBody(body)
	if err != nil {
		return nil, err
	}

	return &UploadMessage{
		SessionIdent:          SessionIdent(f[0]),
		ProgressClientVersion: Version(sizes[2]),
		ProgressServerVersion: Version(sizes[3]),
		LockedServerVersion:   Version(sizes[4]),
		Changesets:            changesets,
	}, nil
}

// parseUploadBody splits an upload body into changeset records:
// <client_version> <server_version> <origin_timestamp>
// <origin_file_ident> <changeset_size> <changeset>.
func parseUploadBody(body []byte) ([]Changeset, error) {
	const command = "upload"
	var changesets []Changeset
	r := &headerLineReader{data: body}
	for r.pos < len(body) {
		clientVersion, ok := r.readInt()
		if !ok {
			return nil, parseError(ClientErrBadChangesetHeader, command, "malformed changeset header")
		}
		f := make([]int64, 4)
		for i := range f {
			if !r.skipSpace() {
				return nil, parseError(ClientErrBadChangesetHeader, command, "malformed changeset header")
			}
			f[i], ok = r.readInt()
			if !ok {
				return nil, parseError(ClientErrBadChangesetHeader, command, "malformed changeset header")
			}
		}
		changesetSize := f[3]
		if !r.skipSpace() {
			return nil, parseError(ClientErrBadChangesetHeader, command, "malformed changeset header")
		}
		if changesetSize < 0 || changesetSize > int64(len(body)-r.pos) {
			return nil, parseError(ClientErrBadChangesetSize, command,
				"changeset size %d exceeds remaining body %d", changesetSize, len(body)-r.pos)
		}
		data := body[r.pos : r.pos+int(changesetSize)]
		r.pos += int(changesetSize)

		changesets = append(changesets, Changeset{
			ClientVersion:   Version(clientVersion),
			ServerVersion:   Version(f[0]),
			OriginTimestamp: Timestamp(f[1]),
			OriginFileIdent: FileIdent(f[2]),
			OriginalSize:    uint64(changesetSize),
			Data:            data,
		})
	}
	return changesets, nil
}
