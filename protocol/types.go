// Package libsyncclient_protocol implements the wire-level message codec
// for the client-server synchronization protocol.
//
// Message headers are text framed: a one-token command name followed by
// space-separated ASCII decimal fields terminated by a newline, then the
// declared number of raw payload bytes (changeset bodies, tokens, error
// text). Field order is fixed per message type and is never reordered;
// new fields are only appended and gated by the negotiated protocol
// version exchanged at bind time.
package libsyncclient_protocol

// ProtocolVersion is the current protocol version negotiated at bind time.
const ProtocolVersion = 30

type (
	// SessionIdent identifies one session within a connection.
	// Server-assigned after bind.
	SessionIdent = int64
	// FileIdent identifies a client or server file in the protocol.
	FileIdent = int64
	// Salt disambiguates reuse of file identifiers and versions.
	Salt = int64
	// Version is a synchronized history version number.
	Version = uint64
	// Timestamp is a changeset origin timestamp in milliseconds.
	Timestamp = int64
	// RequestIdent identifies a mark request within a session.
	RequestIdent = int64
	// Milliseconds is a duration or point in time used by ping/pong.
	Milliseconds = int64
)

// SaltedFileIdent is a client file identifier together with its salt.
type SaltedFileIdent struct {
	Ident FileIdent
	Salt  Salt
}

// SaltedVersion is a server version together with its salt.
type SaltedVersion struct {
	Version Version
	Salt    Salt
}

// DownloadCursor is the download progress position: the last
// integrated server version and the last client version known to have
// been integrated by the server at that point.
type DownloadCursor struct {
	ServerVersion               Version
	LastIntegratedClientVersion Version
}

// UploadCursor is the upload progress position.
type UploadCursor struct {
	ClientVersion               Version
	LastIntegratedServerVersion Version
}

// SyncProgress is the persisted per-file synchronization progress sent
// in the ident message and updated by download messages.
type SyncProgress struct {
	Download            DownloadCursor
	Upload              UploadCursor
	LatestServerVersion SaltedVersion
	DownloadableBytes   uint64
}

// Changeset is one history entry carried in an upload or download body.
type Changeset struct {
	ClientVersion   Version
	ServerVersion   Version
	OriginTimestamp Timestamp
	OriginFileIdent FileIdent
	// OriginalSize is the uncompacted changeset size. Only present in
	// download bodies; zero in upload bodies.
	OriginalSize uint64
	Data         []byte
}
