// Package libsyncclient_session drives client synchronization: the
// session state machine, connection lifecycle, progress reporting, and
// error routing on top of the wire protocol.
package libsyncclient_session

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	metastore "github.com/atframework/libsyncclient-go/metastore"
	protocol "github.com/atframework/libsyncclient-go/protocol"
	transport "github.com/atframework/libsyncclient-go/transport"
)

// ManagerOptions carries the pluggable collaborators of a Manager.
// Zero values select production defaults.
type ManagerOptions struct {
	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// Dialer defaults to a websocket dialer with the standard options.
	Dialer transport.Dialer

	// Store overrides the metadata store. Nil opens the SQLite store at
	// ClientConfig.MetadataPath, or disables persistence when that is
	// empty too.
	Store metastore.Store
}

// Manager owns every session of one client. It holds the shared worker
// pool, the metadata store, and the registry used to deduplicate
// sessions by local file path.
type Manager struct {
	config ClientConfig
	logger *slog.Logger
	dialer transport.Dialer
	store  metastore.Store
	pool   *ants.Pool

	sessionsMutex sync.Mutex
	sessions      map[string]*Session

	nextSessionIdent atomic.Int64

	// terminations tracks live wire sessions so shutdown can wait for
	// their transports to drain.
	terminations sync.WaitGroup
}

// CreateManager validates the configuration and assembles a manager.
func CreateManager(config ClientConfig, options ManagerOptions) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dialer := options.Dialer
	if dialer == nil {
		dialer = transport.CreateWebSocketDialer(transport.WebSocketDialerOptions{Logger: logger})
	}

	store := options.Store
	if store == nil && config.MetadataPath != "" {
		var err error
		store, err = metastore.OpenSQLiteStore(config.MetadataPath)
		if err != nil {
			return nil, fmt.Errorf("create manager: %w", err)
		}
	}

	pool, err := ants.NewPool(config.WorkerPoolSize)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, fmt.Errorf("create manager: %w", err)
	}

	return &Manager{
		config:   config,
		logger:   logger,
		dialer:   dialer,
		store:    store,
		pool:     pool,
		sessions: make(map[string]*Session),
	}, nil
}

// OpenSession returns the session for the given local file, creating
// and activating one if needed. Opening an existing session revives it
// instead.
func (m *Manager) OpenSession(config SessionConfig, user User) (*Session, error) {
	if config.FilePath == "" {
		return nil, fmt.Errorf("open session: file_path is required")
	}
	if config.ServerPath == "" {
		return nil, fmt.Errorf("open session: server_path is required")
	}

	m.sessionsMutex.Lock()
	if existing, ok := m.sessions[config.FilePath]; ok {
		m.sessionsMutex.Unlock()
		existing.ReviveIfNeeded()
		return existing, nil
	}

	session := createSession(m, config, user)
	if m.store != nil {
		if persisted, ok, err := m.store.LoadProgress(config.ServerPath); err != nil {
			m.logger.Error("failed to load persisted progress", "server_path", config.ServerPath, "error", err)
		} else if ok {
			session.clientFileIdent = persisted.ClientFileIdent
			session.progress = persisted.Progress
		}
	}
	m.sessions[config.FilePath] = session
	m.sessionsMutex.Unlock()

	session.ReviveIfNeeded()
	return session, nil
}

// PendingFileActions lists deferred file operations recorded by earlier
// runs, oldest first.
func (m *Manager) PendingFileActions() ([]metastore.FileAction, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.LoadFileActions()
}

// CompleteFileAction marks one deferred file operation as executed.
func (m *Manager) CompleteFileAction(originalPath string) error {
	if m.store == nil {
		return nil
	}
	return m.store.CompleteFileAction(originalPath)
}

// WaitForSessionTerminations blocks until every wire session's
// transport has confirmed termination.
func (m *Manager) WaitForSessionTerminations() {
	m.terminations.Wait()
}

// Shutdown tears every session down, waits for the transports to
// drain, and releases the pool and the store.
func (m *Manager) Shutdown() {
	m.sessionsMutex.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.sessionsMutex.Unlock()

	for _, session := range sessions {
		session.ShutdownAndWait()
	}
	m.terminations.Wait()

	m.pool.Release()
	if m.store != nil {
		if err := m.store.Close(); err != nil {
			m.logger.Error("failed to close metadata store", "error", err)
		}
	}
}

func (m *Manager) register(s *Session) {
	m.sessionsMutex.Lock()
	m.sessions[s.config.FilePath] = s
	m.sessionsMutex.Unlock()
}

// unregister drops the session from the registry unless a newer
// session for the same file already replaced it.
func (m *Manager) unregister(s *Session) {
	m.sessionsMutex.Lock()
	if m.sessions[s.config.FilePath] == s {
		delete(m.sessions, s.config.FilePath)
	}
	m.sessionsMutex.Unlock()
}

func (m *Manager) allocSessionIdent() protocol.SessionIdent {
	return protocol.SessionIdent(m.nextSessionIdent.Add(1))
}

// reserveRecoveryPath produces a unique path under the recovery
// directory for a backup copy of the given file.
func (m *Manager) reserveRecoveryPath(filePath string) string {
	name := fmt.Sprintf("recovered-%s-%s-%s",
		time.Now().Format("20060102-150405"), uuid.NewString(), filepath.Base(filePath))
	return filepath.Join(m.config.RecoveryDirectory, name)
}

func (m *Manager) recordFileAction(action metastore.FileAction) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveFileAction(action); err != nil {
		m.logger.Error("failed to record file action",
			"original_path", action.OriginalPath, "action", string(action.Action), "error", err)
	}
}

func (m *Manager) persistProgress(serverPath string, ident protocol.SaltedFileIdent, progress protocol.SyncProgress) {
	if m.store == nil {
		return
	}
	err := m.store.SaveProgress(metastore.FileProgress{
		ServerPath:      serverPath,
		ClientFileIdent: ident,
		Progress:        progress,
		UpdatedAt:       time.Now(),
	})
	if err != nil {
		m.logger.Error("failed to persist progress", "server_path", serverPath, "error", err)
	}
}

func (m *Manager) trackTermination() {
	m.terminations.Add(1)
}

func (m *Manager) terminationFinished() {
	m.terminations.Done()
}

// submit runs fn on the shared pool, falling back to a plain goroutine
// if the pool rejects it.
func (m *Manager) submit(fn func()) {
	if err := m.pool.Submit(fn); err != nil {
		go fn()
	}
}

func (m *Manager) submitAfter(delay time.Duration, fn func()) {
	time.AfterFunc(delay, func() { m.submit(fn) })
}
