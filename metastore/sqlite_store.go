package libsyncclient_metastore

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	protocol "github.com/atframework/libsyncclient-go/protocol"
)

// SQLiteStore keeps synchronization metadata in a single SQLite file
// next to the synchronized data.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the metadata database at dbPath.
func OpenSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS file_actions (
			original_path TEXT NOT NULL PRIMARY KEY,
			backup_path   TEXT NOT NULL,
			action        TEXT NOT NULL,
			server_url    TEXT NOT NULL,
			user_identity TEXT NOT NULL,
			created_at    INTEGER NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create file_actions table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sync_progress (
			server_path             TEXT NOT NULL PRIMARY KEY,
			file_ident              INTEGER NOT NULL,
			file_ident_salt         INTEGER NOT NULL,
			download_server_version INTEGER NOT NULL,
			download_client_version INTEGER NOT NULL,
			upload_client_version   INTEGER NOT NULL,
			upload_server_version   INTEGER NOT NULL,
			latest_server_version   INTEGER NOT NULL,
			latest_server_salt      INTEGER NOT NULL,
			downloadable_bytes      INTEGER NOT NULL,
			updated_at              INTEGER NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sync_progress table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveFileAction(action FileAction) error {
	createdAt := action.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO file_actions(original_path, backup_path, action, server_url, user_identity, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(original_path) DO UPDATE SET
		   backup_path=excluded.backup_path, action=excluded.action,
		   server_url=excluded.server_url, user_identity=excluded.user_identity,
		   created_at=excluded.created_at`,
		action.OriginalPath, action.BackupPath, string(action.Action),
		action.ServerURL, action.UserIdentity, createdAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save file action: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadFileActions() ([]FileAction, error) {
	rows, err := s.db.Query(
		`SELECT original_path, backup_path, action, server_url, user_identity, created_at
		 FROM file_actions ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("load file actions: %w", err)
	}
	defer rows.Close()

	var actions []FileAction
	for rows.Next() {
		var action FileAction
		var actionName string
		var createdAt int64
		if err := rows.Scan(&action.OriginalPath, &action.BackupPath, &actionName,
			&action.ServerURL, &action.UserIdentity, &createdAt); err != nil {
			return nil, fmt.Errorf("scan file action: %w", err)
		}
		action.Action = FileActionType(actionName)
		action.CreatedAt = time.Unix(0, createdAt)
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load file actions: %w", err)
	}
	return actions, nil
}

func (s *SQLiteStore) CompleteFileAction(originalPath string) error {
	if _, err := s.db.Exec(`DELETE FROM file_actions WHERE original_path = ?`, originalPath); err != nil {
		return fmt.Errorf("complete file action: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveProgress(progress FileProgress) error {
	updatedAt := progress.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO sync_progress(server_path, file_ident, file_ident_salt,
		   download_server_version, download_client_version,
		   upload_client_version, upload_server_version,
		   latest_server_version, latest_server_salt, downloadable_bytes, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(server_path) DO UPDATE SET
		   file_ident=excluded.file_ident, file_ident_salt=excluded.file_ident_salt,
		   download_server_version=excluded.download_server_version,
		   download_client_version=excluded.download_client_version,
		   upload_client_version=excluded.upload_client_version,
		   upload_server_version=excluded.upload_server_version,
		   latest_server_version=excluded.latest_server_version,
		   latest_server_salt=excluded.latest_server_salt,
		   downloadable_bytes=excluded.downloadable_bytes,
		   updated_at=excluded.updated_at`,
		progress.ServerPath,
		int64(progress.ClientFileIdent.Ident), int64(progress.ClientFileIdent.Salt),
		int64(progress.Progress.Download.ServerVersion), int64(progress.Progress.Download.LastIntegratedClientVersion),
		int64(progress.Progress.Upload.ClientVersion), int64(progress.Progress.Upload.LastIntegratedServerVersion),
		int64(progress.Progress.LatestServerVersion.Version), int64(progress.Progress.LatestServerVersion.Salt),
		int64(progress.Progress.DownloadableBytes), updatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadProgress(serverPath string) (FileProgress, bool, error) {
	row := s.db.QueryRow(
		`SELECT file_ident, file_ident_salt,
		   download_server_version, download_client_version,
		   upload_client_version, upload_server_version,
		   latest_server_version, latest_server_salt, downloadable_bytes, updated_at
		 FROM sync_progress WHERE server_path = ?`, serverPath,
	)

	var progress FileProgress
	progress.ServerPath = serverPath
	var fileIdent, fileIdentSalt int64
	var downloadServer, downloadClient, uploadClient, uploadServer int64
	var latestVersion, latestSalt, downloadableBytes, updatedAt int64
	err := row.Scan(&fileIdent, &fileIdentSalt,
		&downloadServer, &downloadClient, &uploadClient, &uploadServer,
		&latestVersion, &latestSalt, &downloadableBytes, &updatedAt)
	if err == sql.ErrNoRows {
		return FileProgress{}, false, nil
	}
	if err != nil {
		return FileProgress{}, false, fmt.Errorf("load progress: %w", err)
	}

	progress.ClientFileIdent = protocol.SaltedFileIdent{
		Ident: protocol.FileIdent(fileIdent),
		Salt:  protocol.Salt(fileIdentSalt),
	}
	progress.Progress = protocol.SyncProgress{
		Download: protocol.DownloadCursor{
			ServerVersion:               protocol.Version(downloadServer),
			LastIntegratedClientVersion: protocol.Version(downloadClient),
		},
		Upload: protocol.UploadCursor{
			ClientVersion:               protocol.Version(uploadClient),
			LastIntegratedServerVersion: protocol.Version(uploadServer),
		},
		LatestServerVersion: protocol.SaltedVersion{
			Version: protocol.Version(latestVersion),
			Salt:    protocol.Salt(latestSalt),
		},
		DownloadableBytes: uint64(downloadableBytes),
	}
	progress.UpdatedAt = time.Unix(0, updatedAt)
	return progress, true, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
