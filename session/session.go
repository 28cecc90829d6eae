package libsyncclient_session

import (
	"context"
	"log/slog"
	"sync"

	protocol "github.com/atframework/libsyncclient-go/protocol"
)

// SessionState is the lifecycle state of a Session. A session starts
// Inactive and can cycle between states indefinitely; there is no
// terminal state.
type SessionState int32

const (
	SessionStateInactive SessionState = iota
	SessionStateActive
	SessionStateDying
	SessionStateWaitingForAccessToken
)

func (s SessionState) String() string {
	switch s {
	case SessionStateInactive:
		return "inactive"
	case SessionStateActive:
		return "active"
	case SessionStateDying:
		return "dying"
	case SessionStateWaitingForAccessToken:
		return "waiting_for_access_token"
	}
	return "unknown"
}

// ErrorHandler receives user-visible synchronization errors. It is
// invoked at most once per error occurrence and never after the
// session has reached Inactive.
type ErrorHandler func(session *Session, err *SyncError)

type completionEntry struct {
	direction ProgressDirection
	callback  func(err error)
}

// Session is one logical synchronized file. All lifecycle state is
// guarded by stateMutex; advanceState is the only mutator of the state
// field and user callbacks always fire after the mutex is released.
type Session struct {
	logger  *slog.Logger
	manager *Manager
	user    User

	stateMutex      sync.Mutex
	config          SessionConfig
	state           SessionState
	connectionState ConnectionState

	// deathCount disambiguates overlapping asynchronous teardown
	// callbacks: it increments on every transition, and async
	// completions captured under an older count no-op.
	deathCount int64

	wire            *WireSession
	clientFileIdent protocol.SaltedFileIdent
	progress        protocol.SyncProgress

	forceClientResync bool

	completionCounter   int64
	completionCallbacks map[int64]completionEntry

	errorHandler ErrorHandler

	progressNotifier   *ProgressNotifier
	connectionNotifier *ConnectionChangeNotifier
}

func createSession(manager *Manager, config SessionConfig, user User) *Session {
	return &Session{
		logger:              manager.logger.With("file_path", config.FilePath, "server_path", config.ServerPath),
		manager:             manager,
		user:                user,
		config:              config,
		state:               SessionStateInactive,
		connectionState:     ConnectionStateDisconnected,
		completionCallbacks: make(map[int64]completionEntry),
		progressNotifier:    CreateProgressNotifier(),
		connectionNotifier:  CreateConnectionChangeNotifier(),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()
	return s.state
}

// ConnectionState returns the current connectivity.
func (s *Session) ConnectionState() ConnectionState {
	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()
	return s.connectionState
}

// Config returns a copy of the session configuration.
func (s *Session) Config() SessionConfig {
	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()
	return s.config
}

// SetErrorHandler installs the user-facing error handler.
func (s *Session) SetErrorHandler(handler ErrorHandler) {
	s.stateMutex.Lock()
	s.errorHandler = handler
	s.stateMutex.Unlock()
}

// ForceClientResyncPending reports whether the next wire session will
// perform a client reset.
func (s *Session) ForceClientResyncPending() bool {
	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()
	return s.forceClientResync
}

// advanceState is the sole mutator of the state field. Caller holds
// stateMutex. Side effects that must run without the lock are appended
// to deferred.
func (s *Session) advanceState(newState SessionState, deferred *[]func()) {
	if s.state == newState {
		return
	}
	s.deathCount++
	oldState := s.state
	s.state = newState
	s.logger.Debug("session state transition", "from", oldState.String(), "to", newState.String())

	switch newState {
	case SessionStateActive:
		s.enterActive(deferred)
	case SessionStateDying:
		s.enterDying(deferred)
	case SessionStateInactive:
		s.enterInactive(deferred)
	case SessionStateWaitingForAccessToken:
		// Waits for updateAccessToken; no side effects on entry.
	}
}

// enterActive creates the wire session if none exists. With a stale or
// missing token the session diverts to WaitingForAccessToken and
// kicks off an asynchronous refresh instead.
func (s *Session) enterActive(deferred *[]func()) {
	*deferred = append(*deferred, func() { s.manager.register(s) })

	if s.wire != nil {
		s.registerPendingWaitsLocked(deferred)
		return
	}

	if s.user == nil || s.user.AccessToken() == "" || s.user.IsAccessTokenExpired() {
		s.advanceState(SessionStateWaitingForAccessToken, deferred)
		*deferred = append(*deferred, s.initiateTokenRefresh)
		return
	}

	token := s.user.AccessToken()
	count := s.deathCount
	*deferred = append(*deferred, func() {
		s.manager.submit(func() { s.startWireSession(token, count) })
	})
}

// enterDying begins the wait for upload completion. With no live wire
// session there is nothing left to upload and the session falls
// straight through to Inactive.
func (s *Session) enterDying(deferred *[]func()) {
	if s.wire == nil {
		s.advanceState(SessionStateInactive, deferred)
		return
	}

	wire := s.wire
	count := s.deathCount
	*deferred = append(*deferred, func() {
		wire.RequestUploadCompletion(func(err error) {
			s.dyingUploadCompleted(count)
		})
	})
}

func (s *Session) dyingUploadCompleted(count int64) {
	var deferred []func()
	s.stateMutex.Lock()
	if s.deathCount == count && s.state == SessionStateDying {
		s.advanceState(SessionStateInactive, &deferred)
	}
	s.stateMutex.Unlock()
	s.runDeferred(deferred)
}

// enterInactive destroys the wire session, moves out the completion
// callback map, and schedules (in order) manager unregistration, the
// Disconnected notification, and cancellation of every orphaned
// completion callback. All of that runs after the lock is released so
// callbacks may re-enter the session.
func (s *Session) enterInactive(deferred *[]func()) {
	wire := s.wire
	s.wire = nil

	orphaned := s.completionCallbacks
	s.completionCallbacks = make(map[int64]completionEntry)

	oldConnectionState := s.connectionState
	s.connectionState = ConnectionStateDisconnected

	*deferred = append(*deferred, func() {
		if wire != nil {
			wire.Close()
		}
		s.manager.unregister(s)
		if oldConnectionState != ConnectionStateDisconnected {
			s.connectionNotifier.InvokeCallbacks(oldConnectionState, ConnectionStateDisconnected)
		}
		for _, entry := range orphaned {
			entry.callback(ErrSessionCancelled)
		}
	})
}

func (s *Session) runDeferred(deferred []func()) {
	for _, action := range deferred {
		action()
	}
}

// ReviveIfNeeded brings an Inactive or Dying session back to Active.
// Reviving a Dying session implicitly cancels its teardown: the
// pending upload wait no-ops on its stale death count.
func (s *Session) ReviveIfNeeded() {
	var deferred []func()
	s.stateMutex.Lock()
	if s.state == SessionStateInactive || s.state == SessionStateDying {
		s.advanceState(SessionStateActive, &deferred)
	}
	s.stateMutex.Unlock()
	s.runDeferred(deferred)
}

// HandleReconnect hints that connectivity may be back. Only an Active
// session acts: with a live wire session it cancels any in-flight
// backoff, without one it redials immediately instead of waiting out
// the reconnect delay.
func (s *Session) HandleReconnect() {
	s.stateMutex.Lock()
	wire := s.wire
	isActive := s.state == SessionStateActive
	count := s.deathCount
	s.stateMutex.Unlock()

	if !isActive {
		return
	}
	if wire != nil {
		wire.CancelReconnectDelay()
		return
	}

	var token string
	if s.user != nil {
		token = s.user.AccessToken()
	}
	s.manager.submit(func() { s.startWireSession(token, count) })
}

// Close applies the configured stop policy. Closing an Inactive or
// Dying session is a no-op.
func (s *Session) Close() {
	var deferred []func()
	s.stateMutex.Lock()
	switch s.state {
	case SessionStateActive:
		switch s.config.StopPolicy {
		case StopPolicyImmediately:
			s.advanceState(SessionStateInactive, &deferred)
		case StopPolicyAfterChangesUploaded:
			s.advanceState(SessionStateDying, &deferred)
		case StopPolicyLiveIndefinitely:
			// Deliberate no-op.
		}
	case SessionStateWaitingForAccessToken:
		s.advanceState(SessionStateInactive, &deferred)
	case SessionStateDying, SessionStateInactive:
		// Idempotent.
	}
	s.stateMutex.Unlock()
	s.runDeferred(deferred)
}

// LogOut tears the session down regardless of stop policy.
func (s *Session) LogOut() {
	var deferred []func()
	s.stateMutex.Lock()
	if s.state != SessionStateInactive {
		s.advanceState(SessionStateInactive, &deferred)
	}
	s.stateMutex.Unlock()
	s.runDeferred(deferred)
}

// ShutdownAndWait forces the session Inactive and blocks until the
// underlying transport confirms termination. This is the only
// blocking call in the subsystem.
func (s *Session) ShutdownAndWait() {
	var deferred []func()
	s.stateMutex.Lock()
	wire := s.wire
	if s.state != SessionStateInactive {
		s.advanceState(SessionStateInactive, &deferred)
	}
	s.stateMutex.Unlock()
	s.runDeferred(deferred)

	if wire != nil {
		<-wire.Done()
	}
}

// UpdateConfiguration forces the session Inactive, swaps the
// configuration, then revives it. The forcing loops because a
// concurrent revival may slip in between transitions.
func (s *Session) UpdateConfiguration(newConfig SessionConfig) {
	for {
		var deferred []func()
		s.stateMutex.Lock()
		if s.state != SessionStateInactive {
			s.advanceState(SessionStateInactive, &deferred)
			s.stateMutex.Unlock()
			s.runDeferred(deferred)
			continue
		}
		s.config = newConfig
		s.stateMutex.Unlock()
		break
	}
	s.ReviveIfNeeded()
}

// WaitForUploadCompletion registers a one-shot callback fired when all
// locally produced changesets known at registration time have been
// uploaded, or with a cancellation error if the session closes first.
func (s *Session) WaitForUploadCompletion(callback func(err error)) {
	s.addCompletionCallback(ProgressDirectionUpload, callback)
}

// WaitForDownloadCompletion registers a one-shot callback fired when
// everything the server currently has for this client has been
// downloaded, or with a cancellation error if the session closes
// first.
func (s *Session) WaitForDownloadCompletion(callback func(err error)) {
	s.addCompletionCallback(ProgressDirectionDownload, callback)
}

func (s *Session) addCompletionCallback(direction ProgressDirection, callback func(err error)) {
	var deferred []func()
	s.stateMutex.Lock()
	s.completionCounter++
	id := s.completionCounter
	s.completionCallbacks[id] = completionEntry{direction: direction, callback: callback}

	if s.wire != nil {
		wire := s.wire
		deferred = append(deferred, func() { s.registerWait(wire, id, direction) })
	}
	s.stateMutex.Unlock()
	s.runDeferred(deferred)
}

// registerPendingWaitsLocked re-registers every pending completion
// callback against the (re)created wire session. Caller holds
// stateMutex.
func (s *Session) registerPendingWaitsLocked(deferred *[]func()) {
	wire := s.wire
	for id, entry := range s.completionCallbacks {
		id, direction := id, entry.direction
		*deferred = append(*deferred, func() { s.registerWait(wire, id, direction) })
	}
}

func (s *Session) registerWait(wire *WireSession, id int64, direction ProgressDirection) {
	finish := func(err error) { s.completionWaitFinished(id, err) }
	if direction == ProgressDirectionUpload {
		wire.RequestUploadCompletion(finish)
		return
	}
	if err := wire.RequestDownloadCompletion(finish); err != nil {
		finish(err)
	}
}

// completionWaitFinished fires the stored callback exactly once. A
// missing entry means the wait was already cancelled by an Inactive
// transition. A wire-level cancellation while the session itself lives
// on is not final: the entry stays pending and re-registers against
// the next wire session.
func (s *Session) completionWaitFinished(id int64, err error) {
	s.stateMutex.Lock()
	entry, ok := s.completionCallbacks[id]
	if ok && err == ErrSessionCancelled && s.state != SessionStateInactive {
		s.stateMutex.Unlock()
		return
	}
	if ok {
		delete(s.completionCallbacks, id)
	}
	s.stateMutex.Unlock()

	if ok {
		entry.callback(err)
	}
}

// AddProgressNotificationCallback registers a transfer progress
// observer. The returned token unregisters it; token 0 means the
// callback already expired on registration.
func (s *Session) AddProgressNotificationCallback(callback ProgressCallback,
	direction ProgressDirection, isStreaming bool) uint64 {
	return s.progressNotifier.RegisterCallback(callback, direction, isStreaming)
}

// UnregisterProgressNotificationCallback removes a progress observer.
func (s *Session) UnregisterProgressNotificationCallback(token uint64) {
	s.progressNotifier.UnregisterCallback(token)
}

// AddConnectionChangeCallback registers a connectivity observer.
func (s *Session) AddConnectionChangeCallback(callback ConnectionChangeCallback) uint64 {
	return s.connectionNotifier.AddCallback(callback)
}

// RemoveConnectionChangeCallback removes a connectivity observer.
func (s *Session) RemoveConnectionChangeCallback(token uint64) {
	s.connectionNotifier.RemoveCallback(token)
}

// startWireSession dials and binds a new wire session. Runs on the
// manager pool; attach is skipped when the session moved on while the
// dial was in flight.
func (s *Session) startWireSession(token string, count int64) {
	s.stateMutex.Lock()
	if s.deathCount != count || s.state != SessionStateActive || s.wire != nil {
		s.stateMutex.Unlock()
		return
	}
	if s.forceClientResync {
		// Client reset: drop the local identity and cursors so the
		// server treats this as a fresh client file.
		s.clientFileIdent = protocol.SaltedFileIdent{}
		s.progress = protocol.SyncProgress{}
		s.forceClientResync = false
	}
	config := WireSessionConfig{
		Logger:          s.logger,
		Dialer:          s.manager.dialer,
		ServerURL:       s.manager.config.ServerURL,
		ServerPath:      s.config.ServerPath,
		SignedUserToken: token,
		SessionIdent:    s.manager.allocSessionIdent(),
		ClientFileIdent: s.clientFileIdent,
		Progress:        s.progress,
		PingInterval:    s.manager.config.PingInterval,
		ConnectTimeout:  s.manager.config.ConnectTimeout,

		OnProgress: s.progressNotifier.Update,
		OnConnectionStateChange: func(oldState, newState ConnectionState, err *SyncError) {
			s.wireConnectionStateChanged(count, oldState, newState, err)
		},
		OnError:             func(err *SyncError) { s.HandleError(err) },
		OnFileIdentAssigned: func(ident protocol.SaltedFileIdent) { s.fileIdentAssigned(ident) },
		OnChangesetsDownloaded: func(changesets []protocol.Changeset, progress protocol.SyncProgress) error {
			return s.changesetsDownloaded(progress)
		},
	}
	s.stateMutex.Unlock()

	s.manager.trackTermination()
	wire, err := CreateWireSession(context.Background(), config)
	if err != nil {
		s.manager.terminationFinished()
		s.logger.Error("failed to establish wire session", "error", err)
		s.scheduleReconnect(token, count)
		return
	}

	var deferred []func()
	s.stateMutex.Lock()
	if s.deathCount != count || s.state != SessionStateActive || s.wire != nil {
		s.stateMutex.Unlock()
		wire.Close()
		go func() {
			<-wire.Done()
			s.manager.terminationFinished()
		}()
		return
	}
	s.wire = wire
	s.registerPendingWaitsLocked(&deferred)
	s.stateMutex.Unlock()
	s.runDeferred(deferred)

	go func() {
		<-wire.Done()
		s.manager.terminationFinished()
	}()
}

func (s *Session) scheduleReconnect(token string, count int64) {
	s.manager.submitAfter(s.manager.config.ReconnectDelay, func() {
		s.stateMutex.Lock()
		stillWanted := s.deathCount == count && s.state == SessionStateActive && s.wire == nil
		s.stateMutex.Unlock()
		if stillWanted {
			s.startWireSession(token, count)
		}
	})
}

func (s *Session) wireConnectionStateChanged(count int64, oldState, newState ConnectionState, err *SyncError) {
	s.stateMutex.Lock()
	current := s.deathCount == count
	if current {
		s.connectionState = newState
	}
	// A wire session that loses its transport while the session is
	// still Active is dead weight; detach it and redial.
	redial := current && newState == ConnectionStateDisconnected &&
		s.state == SessionStateActive && s.wire != nil
	if redial {
		s.wire = nil
	}
	s.stateMutex.Unlock()

	if !current {
		return
	}
	s.connectionNotifier.InvokeCallbacks(oldState, newState)
	if err != nil {
		s.HandleError(err)
	}
	if redial {
		var token string
		if s.user != nil {
			token = s.user.AccessToken()
		}
		s.scheduleReconnect(token, count)
	}
}

func (s *Session) fileIdentAssigned(ident protocol.SaltedFileIdent) {
	s.stateMutex.Lock()
	s.clientFileIdent = ident
	serverPath := s.config.ServerPath
	progress := s.progress
	s.stateMutex.Unlock()

	s.manager.persistProgress(serverPath, ident, progress)
}

func (s *Session) changesetsDownloaded(progress protocol.SyncProgress) error {
	s.stateMutex.Lock()
	s.progress = progress
	ident := s.clientFileIdent
	serverPath := s.config.ServerPath
	s.stateMutex.Unlock()

	s.manager.persistProgress(serverPath, ident, progress)
	return nil
}

// SetProgressLocalVersion records the latest local commit version with
// the progress tracker.
func (s *Session) SetProgressLocalVersion(version uint64) {
	s.progressNotifier.SetLocalVersion(version)
}

// UploadChangeset hands one locally produced changeset to the live
// wire session. Without one the changeset is rejected; the caller
// retries after the next activation.
func (s *Session) UploadChangeset(changeset protocol.Changeset) error {
	s.stateMutex.Lock()
	wire := s.wire
	s.stateMutex.Unlock()

	if wire == nil {
		return ErrSessionCancelled
	}
	return wire.UploadChangeset(changeset)
}
