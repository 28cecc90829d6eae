package libsyncclient_session

import (
	"net/http"
	"time"

	metastore "github.com/atframework/libsyncclient-go/metastore"
	protocol "github.com/atframework/libsyncclient-go/protocol"
)

// HandleError routes one synchronization error through the session
// state machine. Routing order matters: teardown confirmation first,
// then automatic client reset, then classification, then the
// transport-level token refresh path, and only then delivery to the
// user handler. Each error is delivered at most once.
func (s *Session) HandleError(err *SyncError) {
	if err == nil {
		return
	}

	s.stateMutex.Lock()
	state := s.state
	resyncMode := s.config.ResyncMode
	filePath := s.config.FilePath
	s.stateMutex.Unlock()

	// Errors arriving after teardown carry no information for the user.
	if state == SessionStateInactive {
		return
	}

	// A fatal error while Dying confirms the teardown already in
	// progress. Classification still runs below so destructive codes
	// record their file actions, but nothing is delivered.
	suppressDelivery := false
	if state == SessionStateDying && err.IsFatal {
		s.forceInactive()
		suppressDelivery = true
	}

	// Automatic client reset: the user never sees the reset request.
	// The next wire session starts with a fresh client file identity
	// and the old file is queued for backup.
	if !suppressDelivery && err.IsClientResetRequested() && resyncMode != ResyncManual {
		s.performClientReset(filePath)
		return
	}

	switch protocol.Classify(err.Category, err.Code) {
	case protocol.ActionSilentIgnore:
		return

	case protocol.ActionAuthenticationFailure:
		// The credential is stale, not the session. Cancel in-flight
		// waits and start a refresh; the session is not torn down.
		if s.user != nil {
			s.user.Invalidate()
		}
		s.cancelCompletionWaits()
		if suppressDelivery {
			return
		}
		s.initiateTokenRefresh()
		s.deliver(err)
		return

	case protocol.ActionPermissionDenied:
		err.IsFatal = true
		err.UserInfo = map[string]string{ErrorInfoOriginalFilePath: filePath}
		s.recordFileAction(filePath, "", metastore.FileActionDeleteRealm)
		s.forceInactive()
		if suppressDelivery {
			return
		}
		s.deliver(err)
		return

	case protocol.ActionDeleteFileWithBackup:
		recoveryPath := s.manager.reserveRecoveryPath(filePath)
		err.IsFatal = true
		err.UserInfo = map[string]string{
			ErrorInfoOriginalFilePath: filePath,
			ErrorInfoRecoveryFilePath: recoveryPath,
		}
		s.recordFileAction(filePath, recoveryPath, metastore.FileActionBackUpThenDelete)
		s.forceInactive()
		if suppressDelivery {
			return
		}
		s.deliver(err)
		return
	}

	// An expired token surfaces as a bare 401 when it is caught at the
	// transport level rather than inside the protocol. Refresh quietly;
	// the session reconnects on its own.
	if err.Category == protocol.CategoryUnknown && err.Code == http.StatusUnauthorized {
		if !suppressDelivery {
			s.initiateTokenRefresh()
		}
		return
	}

	// An error from outside the known categories has no classification
	// at all; flag it so applications can log it distinctly. Unknown
	// codes inside a known category need no special marking.
	switch err.Category {
	case protocol.CategoryProtocol, protocol.CategoryClient:
	default:
		err.IsUnrecognizedByClient = true
	}

	// A fatal error without special classification cancels in-flight
	// waits but leaves the session state alone; only Dying promotes
	// fatal errors to teardown.
	if err.IsFatal {
		s.cancelCompletionWaits()
	}
	if suppressDelivery {
		return
	}
	s.deliver(err)
}

func (s *Session) deliver(err *SyncError) {
	s.stateMutex.Lock()
	handler := s.errorHandler
	s.stateMutex.Unlock()

	if handler != nil {
		handler(s, err)
	}
}

func (s *Session) forceInactive() {
	var deferred []func()
	s.stateMutex.Lock()
	if s.state != SessionStateInactive {
		s.advanceState(SessionStateInactive, &deferred)
	}
	s.stateMutex.Unlock()
	s.runDeferred(deferred)
}

// cancelCompletionWaits fires every pending completion callback with a
// cancellation error without tearing the session down.
func (s *Session) cancelCompletionWaits() {
	s.stateMutex.Lock()
	orphaned := s.completionCallbacks
	s.completionCallbacks = make(map[int64]completionEntry)
	s.stateMutex.Unlock()

	for _, entry := range orphaned {
		entry.callback(ErrSessionCancelled)
	}
}

// performClientReset restarts the session with a zeroed client file
// identity. The old local file is queued for a backup copy so the data
// survives the rebuild. Pending completion waits are detached across
// the Inactive hop so the reset does not spuriously cancel them; they
// re-register against the fresh wire session.
func (s *Session) performClientReset(filePath string) {
	recoveryPath := s.manager.reserveRecoveryPath(filePath)
	s.recordFileAction(filePath, recoveryPath, metastore.FileActionBackUpThenDelete)

	var deferred []func()
	s.stateMutex.Lock()
	s.forceClientResync = true
	detached := s.completionCallbacks
	s.completionCallbacks = make(map[int64]completionEntry)
	s.advanceState(SessionStateInactive, &deferred)
	s.completionCallbacks = detached
	s.advanceState(SessionStateActive, &deferred)
	s.stateMutex.Unlock()
	s.runDeferred(deferred)
}

func (s *Session) recordFileAction(originalPath, backupPath string, actionType metastore.FileActionType) {
	var identity string
	if s.user != nil {
		identity = s.user.Identity()
	}
	s.manager.recordFileAction(metastore.FileAction{
		OriginalPath: originalPath,
		BackupPath:   backupPath,
		Action:       actionType,
		ServerURL:    s.manager.config.ServerURL,
		UserIdentity: identity,
		CreatedAt:    time.Now(),
	})
}

// initiateTokenRefresh starts an asynchronous access token refresh. A
// missing or logged-out user cancels pending work; an expired refresh
// token is a terminal authentication failure.
func (s *Session) initiateTokenRefresh() {
	user := s.user
	if user == nil || user.IsLoggedOut() {
		s.cancelCompletionWaits()
		return
	}
	if user.IsRefreshTokenExpired() {
		user.LogOut()
		s.cancelCompletionWaits()
		s.deliver(newProtocolSyncError(protocol.ErrBadAuthentication, "refresh token has expired", true))
		return
	}

	s.stateMutex.Lock()
	count := s.deathCount
	s.stateMutex.Unlock()

	user.RefreshAccessToken(func(result RefreshResult) { s.refreshCompleted(count, result) })
}

// refreshCompleted handles one refresh attempt's outcome. Attempts
// belonging to a superseded session generation are dropped.
func (s *Session) refreshCompleted(count int64, result RefreshResult) {
	s.stateMutex.Lock()
	stale := s.deathCount != count || s.state == SessionStateInactive
	s.stateMutex.Unlock()
	if stale {
		return
	}

	user := s.user
	if user == nil || user.IsLoggedOut() {
		s.cancelCompletionWaits()
		return
	}

	if result.Err != nil {
		if result.HTTPStatus == http.StatusUnauthorized || result.HTTPStatus == http.StatusForbidden {
			// The refresh credential itself was rejected; nothing left
			// to retry with.
			user.LogOut()
			s.cancelCompletionWaits()
			s.deliver(newProtocolSyncError(protocol.ErrPermissionDenied,
				"unable to refresh the user access token", true))
			return
		}

		s.logger.Warn("access token refresh failed, scheduling retry",
			"error", result.Err, "http_status", result.HTTPStatus)
		s.manager.submitAfter(s.manager.config.TokenRefreshRetryDelay, func() {
			s.stateMutex.Lock()
			dropped := s.deathCount != count || s.state == SessionStateInactive
			s.stateMutex.Unlock()
			if dropped || user.IsLoggedOut() {
				return
			}
			user.RefreshAccessToken(func(r RefreshResult) { s.refreshCompleted(count, r) })
		})
		return
	}

	s.updateAccessToken(result.SignedUserToken)
}

// updateAccessToken applies a freshly minted signed token: a session
// parked in WaitingForAccessToken resumes activation through the
// Active entry path, and a live wire session has the token pushed to
// the server.
func (s *Session) updateAccessToken(signedUserToken string) {
	var deferred []func()
	s.stateMutex.Lock()
	wire := s.wire
	if s.state == SessionStateWaitingForAccessToken {
		s.advanceState(SessionStateActive, &deferred)
	}
	s.stateMutex.Unlock()
	s.runDeferred(deferred)

	if wire != nil {
		if err := wire.RefreshAccessToken(signedUserToken); err != nil {
			s.logger.Error("failed to push refreshed access token", "error", err)
		}
	}
}
