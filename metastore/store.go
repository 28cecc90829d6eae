// Package libsyncclient_metastore persists client synchronization
// metadata across process restarts: per-file progress cursors and
// pending file actions such as deferred deletions after a server-side
// reset request.
package libsyncclient_metastore

import (
	"time"

	protocol "github.com/atframework/libsyncclient-go/protocol"
)

// FileActionType identifies what has to happen to a local file the
// next time it is safe to touch it.
type FileActionType string

const (
	// FileActionDeleteRealm removes the local file outright.
	FileActionDeleteRealm FileActionType = "delete"
	// FileActionBackUpThenDelete copies the local file to the recovery
	// path before removing it.
	FileActionBackUpThenDelete FileActionType = "backup_then_delete"
)

// FileAction is one pending operation on a local file. OriginalPath is
// the unique key: a newer action for the same path supersedes the old
// one.
type FileAction struct {
	OriginalPath string
	BackupPath   string
	Action       FileActionType
	ServerURL    string
	UserIdentity string
	CreatedAt    time.Time
}

// FileProgress is the persisted synchronization state of one client
// file.
type FileProgress struct {
	ServerPath      string
	ClientFileIdent protocol.SaltedFileIdent
	Progress        protocol.SyncProgress
	UpdatedAt       time.Time
}

// Store is the persistence boundary of the metadata layer.
type Store interface {
	// SaveFileAction records or supersedes a pending file action.
	SaveFileAction(action FileAction) error

	// LoadFileActions returns all pending actions, oldest first.
	LoadFileActions() ([]FileAction, error)

	// CompleteFileAction removes the pending action for the given
	// path. Completing an unknown path is not an error.
	CompleteFileAction(originalPath string) error

	// SaveProgress persists the synchronization cursors of one file.
	SaveProgress(progress FileProgress) error

	// LoadProgress returns the persisted state for a server path. The
	// second return value is false when nothing has been persisted.
	LoadProgress(serverPath string) (FileProgress, bool, error)

	Close() error
}
