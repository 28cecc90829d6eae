package libsyncclient_session

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	metastore "github.com/atframework/libsyncclient-go/metastore"
	protocol "github.com/atframework/libsyncclient-go/protocol"
	transport "github.com/atframework/libsyncclient-go/transport"
)

// fakeTransport records outbound frames and lets tests inject inbound
// server frames through the wire session's event handler.
type fakeTransport struct {
	mutex   sync.Mutex
	handler transport.EventHandler
	frames  [][]byte
	closed  bool
	done    chan struct{}
}

func (t *fakeTransport) SendFrame(frame []byte) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.closed {
		return transport.ErrTransportClosed
	}
	t.frames = append(t.frames, append([]byte(nil), frame...))
	return nil
}

func (t *fakeTransport) Close() error {
	t.mutex.Lock()
	if t.closed {
		t.mutex.Unlock()
		return nil
	}
	t.closed = true
	handler := t.handler
	t.mutex.Unlock()

	handler.OnClosed(nil)
	close(t.done)
	return nil
}

func (t *fakeTransport) Done() <-chan struct{} { return t.done }

// deliver feeds one server frame to the wire session, as the reader
// goroutine of a real transport would.
func (t *fakeTransport) deliver(frame []byte) error {
	return t.handler.OnFrame(frame)
}

// abort simulates an abnormal disconnect.
func (t *fakeTransport) abort(err error) {
	t.mutex.Lock()
	if t.closed {
		t.mutex.Unlock()
		return
	}
	t.closed = true
	handler := t.handler
	t.mutex.Unlock()

	handler.OnClosed(err)
	close(t.done)
}

func (t *fakeTransport) sentFrames() [][]byte {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return append([][]byte(nil), t.frames...)
}

type fakeDialer struct {
	mutex      sync.Mutex
	transports []*fakeTransport
	dialErr    error
}

func (d *fakeDialer) Dial(ctx context.Context, serverURL string, signedUserToken string,
	handler transport.EventHandler) (transport.Transport, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	conn := &fakeTransport{handler: handler, done: make(chan struct{})}
	d.transports = append(d.transports, conn)
	return conn, nil
}

func (d *fakeDialer) transportCount() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.transports)
}

func (d *fakeDialer) transportAt(index int) *fakeTransport {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.transports[index]
}

type fakeUser struct {
	mutex sync.Mutex

	identity            string
	token               string
	accessExpired       bool
	refreshExpired      bool
	loggedOut           bool
	invalidations       int
	pendingRefreshCalls []func(RefreshResult)
}

func (u *fakeUser) Identity() string {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.identity
}

func (u *fakeUser) AccessToken() string {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.token
}

func (u *fakeUser) IsAccessTokenExpired() bool {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.accessExpired
}

func (u *fakeUser) IsRefreshTokenExpired() bool {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.refreshExpired
}

func (u *fakeUser) RefreshAccessToken(callback func(RefreshResult)) {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	u.pendingRefreshCalls = append(u.pendingRefreshCalls, callback)
}

func (u *fakeUser) Invalidate() {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	u.invalidations++
	u.accessExpired = true
}

func (u *fakeUser) LogOut() {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	u.loggedOut = true
	u.token = ""
}

func (u *fakeUser) IsLoggedOut() bool {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.loggedOut
}

// completeRefresh fulfills the oldest pending refresh request.
func (u *fakeUser) completeRefresh(result RefreshResult) {
	u.mutex.Lock()
	var callback func(RefreshResult)
	if len(u.pendingRefreshCalls) > 0 {
		callback = u.pendingRefreshCalls[0]
		u.pendingRefreshCalls = u.pendingRefreshCalls[1:]
		if result.Err == nil {
			u.token = result.SignedUserToken
			u.accessExpired = false
		}
	}
	u.mutex.Unlock()

	if callback != nil {
		callback(result)
	}
}

func (u *fakeUser) pendingRefreshes() int {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return len(u.pendingRefreshCalls)
}

func testUser() *fakeUser {
	return &fakeUser{identity: "user-1", token: "signed-token"}
}

func testClientConfig(t *testing.T) ClientConfig {
	config := DefaultClientConfig()
	config.ServerURL = "ws://sync.test.invalid:7800"
	config.RecoveryDirectory = t.TempDir()
	config.PingInterval = 0
	config.ReconnectDelay = 5 * time.Millisecond
	config.TokenRefreshRetryDelay = 5 * time.Millisecond
	return config
}

func newTestManager(t *testing.T, config ClientConfig, dialer *fakeDialer, store metastore.Store) *Manager {
	t.Helper()
	manager, err := CreateManager(config, ManagerOptions{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Dialer: dialer,
		Store:  store,
	})
	require.NoError(t, err)
	t.Cleanup(manager.Shutdown)
	return manager
}

func waitForTransports(t *testing.T, dialer *fakeDialer, count int) *fakeTransport {
	t.Helper()
	require.Eventually(t, func() bool {
		return dialer.transportCount() >= count
	}, 2*time.Second, time.Millisecond)
	return dialer.transportAt(count - 1)
}

// waitForWire blocks until the dialed wire session is attached to the
// state machine, which also implies the Connected transition fired.
func waitForWire(t *testing.T, session *Session) {
	t.Helper()
	require.Eventually(t, func() bool {
		session.stateMutex.Lock()
		defer session.stateMutex.Unlock()
		return session.wire != nil
	}, 2*time.Second, time.Millisecond)
}

func waitForState(t *testing.T, session *Session, state SessionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return session.State() == state
	}, 2*time.Second, time.Millisecond)
}

func parseBind(t *testing.T, frame []byte) *protocol.BindMessage {
	t.Helper()
	message, err := protocol.ParseClientMessage(frame)
	require.NoError(t, err)
	bind, ok := message.(*protocol.BindMessage)
	require.True(t, ok, "first frame must be a bind message")
	return bind
}

func makeErrorFrame(code protocol.ProtocolError, tryAgain bool, sessionIdent protocol.SessionIdent) []byte {
	var out bytes.Buffer
	protocol.NewServerCodec(protocol.ProtocolVersion).MakeErrorMessage(&out, code, code.String(), tryAgain, sessionIdent)
	return out.Bytes()
}

func makeDownloadFrame(sessionIdent protocol.SessionIdent, uploadClientVersion protocol.Version) []byte {
	var out bytes.Buffer
	protocol.NewServerCodec(protocol.ProtocolVersion).MakeDownloadMessage(&out, sessionIdent,
		5, 0, 5, 0x55, uploadClientVersion, 1, 0, nil, 0, 0, false, nil)
	return out.Bytes()
}

// Opening a session dials the server and binds with the configured
// virtual path and the user's signed token.
func TestSessionActivatesAndBinds(t *testing.T) {
	dialer := &fakeDialer{}
	manager := newTestManager(t, testClientConfig(t), dialer, nil)

	session, err := manager.OpenSession(SessionConfig{
		FilePath:   "/data/local.realm",
		ServerPath: "/data",
	}, testUser())
	require.NoError(t, err)

	conn := waitForTransports(t, dialer, 1)
	require.Eventually(t, func() bool { return len(conn.sentFrames()) >= 1 }, 2*time.Second, time.Millisecond)

	bind := parseBind(t, conn.sentFrames()[0])
	assert.Equal(t, "/data", bind.ServerPath)
	assert.Equal(t, "signed-token", bind.SignedUserToken)
	assert.True(t, bind.NeedClientFileIdent)

	assert.Equal(t, SessionStateActive, session.State())
	require.Eventually(t, func() bool {
		return session.ConnectionState() == ConnectionStateConnected
	}, 2*time.Second, time.Millisecond)
}

// Closing twice, and closing an already Inactive session, must not
// change anything or double-fire teardown effects.
func TestSessionCloseIsIdempotent(t *testing.T) {
	dialer := &fakeDialer{}
	manager := newTestManager(t, testClientConfig(t), dialer, nil)

	session, err := manager.OpenSession(SessionConfig{
		FilePath:   "/data/local.realm",
		ServerPath: "/data",
		StopPolicy: StopPolicyImmediately,
	}, testUser())
	require.NoError(t, err)

	var disconnects int
	session.AddConnectionChangeCallback(func(oldState, newState ConnectionState) {
		if newState == ConnectionStateDisconnected {
			disconnects++
		}
	})

	conn := waitForTransports(t, dialer, 1)
	waitForWire(t, session)

	session.Close()
	assert.Equal(t, SessionStateInactive, session.State())
	session.Close()
	session.Close()

	assert.Equal(t, SessionStateInactive, session.State())
	assert.Equal(t, 1, disconnects)

	select {
	case <-conn.Done():
	default:
		t.Fatal("transport must be closed after teardown")
	}
}

// With the AfterChangesUploaded stop policy the session lingers in
// Dying until the server acknowledges every uploaded changeset.
func TestSessionDyingWaitsForUploadAcknowledgement(t *testing.T) {
	dialer := &fakeDialer{}
	manager := newTestManager(t, testClientConfig(t), dialer, nil)

	session, err := manager.OpenSession(SessionConfig{
		FilePath:   "/data/local.realm",
		ServerPath: "/data",
		StopPolicy: StopPolicyAfterChangesUploaded,
	}, testUser())
	require.NoError(t, err)

	conn := waitForTransports(t, dialer, 1)
	waitForWire(t, session)
	bind := parseBind(t, conn.sentFrames()[0])

	require.NoError(t, session.UploadChangeset(protocol.Changeset{
		ClientVersion: 3,
		Data:          []byte("changeset"),
	}))

	session.Close()
	assert.Equal(t, SessionStateDying, session.State())

	// Acknowledgement below the upload target keeps the session Dying.
	require.NoError(t, conn.deliver(makeDownloadFrame(bind.SessionIdent, 2)))
	assert.Equal(t, SessionStateDying, session.State())

	require.NoError(t, conn.deliver(makeDownloadFrame(bind.SessionIdent, 3)))
	waitForState(t, session, SessionStateInactive)
}

// Teardown cancels pending completion waits exactly once, with a
// cancellation error.
func TestSessionTeardownCancelsCompletionWaits(t *testing.T) {
	dialer := &fakeDialer{}
	manager := newTestManager(t, testClientConfig(t), dialer, nil)

	session, err := manager.OpenSession(SessionConfig{
		FilePath:   "/data/local.realm",
		ServerPath: "/data",
		StopPolicy: StopPolicyImmediately,
	}, testUser())
	require.NoError(t, err)
	waitForTransports(t, dialer, 1)
	waitForWire(t, session)

	var mutex sync.Mutex
	var calls []error
	session.WaitForDownloadCompletion(func(err error) {
		mutex.Lock()
		calls = append(calls, err)
		mutex.Unlock()
	})

	session.Close()

	mutex.Lock()
	defer mutex.Unlock()
	require.Len(t, calls, 1)
	assert.Equal(t, ErrSessionCancelled, calls[0])
}

// A permission denied error is fatal: the session reports it with the
// file path attached, records a deletion action, and goes Inactive.
func TestSessionPermissionDeniedRecordsDeletionAndStops(t *testing.T) {
	store, err := metastore.OpenSQLiteStore(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)

	dialer := &fakeDialer{}
	manager := newTestManager(t, testClientConfig(t), dialer, store)

	filePath := "/data/local.realm"
	session, err := manager.OpenSession(SessionConfig{
		FilePath:   filePath,
		ServerPath: "/data",
	}, testUser())
	require.NoError(t, err)

	var reported []*SyncError
	session.SetErrorHandler(func(_ *Session, err *SyncError) {
		reported = append(reported, err)
	})

	conn := waitForTransports(t, dialer, 1)
	require.Eventually(t, func() bool { return len(conn.sentFrames()) >= 1 }, 2*time.Second, time.Millisecond)
	bind := parseBind(t, conn.sentFrames()[0])

	require.NoError(t, conn.deliver(makeErrorFrame(protocol.ErrPermissionDenied, false, bind.SessionIdent)))

	waitForState(t, session, SessionStateInactive)
	require.Len(t, reported, 1)
	assert.True(t, reported[0].IsFatal)
	assert.Equal(t, int32(protocol.ErrPermissionDenied), reported[0].Code)
	assert.Equal(t, filePath, reported[0].UserInfo[ErrorInfoOriginalFilePath])

	actions, err := manager.PendingFileActions()
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, metastore.FileActionDeleteRealm, actions[0].Action)
	assert.Equal(t, filePath, actions[0].OriginalPath)
	assert.Equal(t, "user-1", actions[0].UserIdentity)
}

// With an automatic resync mode a client reset request never reaches
// the user handler: the session restarts with a fresh file identity
// and the old file is queued for backup.
func TestSessionClientResetIsTransparent(t *testing.T) {
	store, err := metastore.OpenSQLiteStore(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)

	dialer := &fakeDialer{}
	manager := newTestManager(t, testClientConfig(t), dialer, store)

	session, err := manager.OpenSession(SessionConfig{
		FilePath:   "/data/local.realm",
		ServerPath: "/data",
		ResyncMode: ResyncDiscardLocal,
	}, testUser())
	require.NoError(t, err)

	var handlerCalls int
	session.SetErrorHandler(func(_ *Session, _ *SyncError) { handlerCalls++ })

	conn := waitForTransports(t, dialer, 1)
	waitForWire(t, session)
	bind := parseBind(t, conn.sentFrames()[0])

	var waitCalls int
	session.WaitForDownloadCompletion(func(err error) { waitCalls++ })

	// Give the session a server-assigned identity first, so the rebind
	// below provably dropped it.
	var identFrame bytes.Buffer
	protocol.NewServerCodec(protocol.ProtocolVersion).MakeIdentMessage(&identFrame, bind.SessionIdent, 17, 0x99)
	require.NoError(t, conn.deliver(identFrame.Bytes()))

	require.NoError(t, conn.deliver(makeErrorFrame(protocol.ErrDivergingHistories, false, bind.SessionIdent)))

	rebound := waitForTransports(t, dialer, 2)
	require.Eventually(t, func() bool { return len(rebound.sentFrames()) >= 1 }, 2*time.Second, time.Millisecond)

	newBind := parseBind(t, rebound.sentFrames()[0])
	assert.True(t, newBind.NeedClientFileIdent)
	assert.Equal(t, SessionStateActive, session.State())
	assert.Zero(t, handlerCalls)
	// The reset must not cancel pending completion waits; they carry
	// over to the fresh wire session.
	assert.Zero(t, waitCalls)

	actions, err := manager.PendingFileActions()
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, metastore.FileActionBackUpThenDelete, actions[0].Action)
	assert.NotEmpty(t, actions[0].BackupPath)
}

// Informational codes are pure bookkeeping: nothing reaches the user
// handler and the session stays up.
func TestSessionIgnoresInformationalErrors(t *testing.T) {
	dialer := &fakeDialer{}
	manager := newTestManager(t, testClientConfig(t), dialer, nil)

	session, err := manager.OpenSession(SessionConfig{
		FilePath:   "/data/local.realm",
		ServerPath: "/data",
	}, testUser())
	require.NoError(t, err)

	var handlerCalls int
	session.SetErrorHandler(func(_ *Session, _ *SyncError) { handlerCalls++ })

	conn := waitForTransports(t, dialer, 1)
	waitForWire(t, session)
	bind := parseBind(t, conn.sentFrames()[0])

	for _, code := range []protocol.ProtocolError{
		protocol.ErrConnectionClosed,
		protocol.ErrOtherError,
		protocol.ErrSessionClosed,
		protocol.ErrOtherSessionError,
		protocol.ErrDisabledSession,
	} {
		require.NoError(t, conn.deliver(makeErrorFrame(code, true, bind.SessionIdent)))
	}

	assert.Zero(t, handlerCalls)
	assert.Equal(t, SessionStateActive, session.State())
}

// Errors from outside the known categories are still delivered, marked
// as unrecognized so applications can log them distinctly; unknown
// codes inside a known category pass through unmarked.
func TestSessionFlagsUnrecognizedErrorCategories(t *testing.T) {
	dialer := &fakeDialer{}
	manager := newTestManager(t, testClientConfig(t), dialer, nil)

	session, err := manager.OpenSession(SessionConfig{
		FilePath:   "/data/local.realm",
		ServerPath: "/data",
	}, testUser())
	require.NoError(t, err)

	var reported []*SyncError
	session.SetErrorHandler(func(_ *Session, err *SyncError) {
		reported = append(reported, err)
	})

	conn := waitForTransports(t, dialer, 1)
	waitForWire(t, session)
	bind := parseBind(t, conn.sentFrames()[0])

	session.HandleError(&SyncError{
		Category: protocol.CategoryUnknown,
		Code:     999,
		Message:  "mystery failure",
	})

	require.Len(t, reported, 1)
	assert.True(t, reported[0].IsUnrecognizedByClient)
	assert.Equal(t, SessionStateActive, session.State())

	require.NoError(t, conn.deliver(makeErrorFrame(protocol.ProtocolError(299), true, bind.SessionIdent)))

	require.Len(t, reported, 2)
	assert.False(t, reported[1].IsUnrecognizedByClient)
	assert.Equal(t, SessionStateActive, session.State())
}

// A fatal session error without special classification is delivered
// with its original flags: pending waits are cancelled but the session
// is not torn down.
func TestSessionFatalErrorCancelsWaitsWithoutTeardown(t *testing.T) {
	dialer := &fakeDialer{}
	manager := newTestManager(t, testClientConfig(t), dialer, nil)

	session, err := manager.OpenSession(SessionConfig{
		FilePath:   "/data/local.realm",
		ServerPath: "/data",
	}, testUser())
	require.NoError(t, err)

	var reported []*SyncError
	session.SetErrorHandler(func(_ *Session, err *SyncError) {
		reported = append(reported, err)
	})

	conn := waitForTransports(t, dialer, 1)
	waitForWire(t, session)
	bind := parseBind(t, conn.sentFrames()[0])

	var mutex sync.Mutex
	var waitErrs []error
	session.WaitForDownloadCompletion(func(err error) {
		mutex.Lock()
		waitErrs = append(waitErrs, err)
		mutex.Unlock()
	})

	require.NoError(t, conn.deliver(makeErrorFrame(protocol.ErrBadChangeset, false, bind.SessionIdent)))

	require.Len(t, reported, 1)
	assert.True(t, reported[0].IsFatal)
	assert.False(t, reported[0].IsUnrecognizedByClient)
	assert.Equal(t, int32(protocol.ErrBadChangeset), reported[0].Code)
	assert.Equal(t, SessionStateActive, session.State())

	mutex.Lock()
	defer mutex.Unlock()
	require.Len(t, waitErrs, 1)
	assert.Equal(t, ErrSessionCancelled, waitErrs[0])
}

// A fatal error during a graceful shutdown completes the teardown
// silently, but destructive codes still record their file action.
func TestSessionFatalErrorWhileDyingRecordsFileAction(t *testing.T) {
	store, err := metastore.OpenSQLiteStore(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)

	dialer := &fakeDialer{}
	manager := newTestManager(t, testClientConfig(t), dialer, store)

	session, err := manager.OpenSession(SessionConfig{
		FilePath:   "/data/local.realm",
		ServerPath: "/data",
		StopPolicy: StopPolicyAfterChangesUploaded,
	}, testUser())
	require.NoError(t, err)

	var handlerCalls int
	session.SetErrorHandler(func(_ *Session, _ *SyncError) { handlerCalls++ })

	conn := waitForTransports(t, dialer, 1)
	waitForWire(t, session)
	bind := parseBind(t, conn.sentFrames()[0])

	require.NoError(t, session.UploadChangeset(protocol.Changeset{
		ClientVersion: 3,
		Data:          []byte("changeset"),
	}))
	session.Close()
	require.Equal(t, SessionStateDying, session.State())

	require.NoError(t, conn.deliver(makeErrorFrame(protocol.ErrBadClientFile, false, bind.SessionIdent)))

	waitForState(t, session, SessionStateInactive)
	assert.Zero(t, handlerCalls)

	actions, err := manager.PendingFileActions()
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, metastore.FileActionBackUpThenDelete, actions[0].Action)
	assert.NotEmpty(t, actions[0].BackupPath)
}

// A completion wait registered while a wire session is live requests a
// download completion marker from the server right away.
func TestSessionRegistersWaitAgainstLiveWire(t *testing.T) {
	dialer := &fakeDialer{}
	manager := newTestManager(t, testClientConfig(t), dialer, nil)

	session, err := manager.OpenSession(SessionConfig{
		FilePath:   "/data/local.realm",
		ServerPath: "/data",
	}, testUser())
	require.NoError(t, err)

	conn := waitForTransports(t, dialer, 1)
	waitForWire(t, session)

	session.WaitForDownloadCompletion(func(error) {})

	require.Eventually(t, func() bool {
		for _, frame := range conn.sentFrames() {
			message, err := protocol.ParseClientMessage(frame)
			if err != nil {
				continue
			}
			if _, ok := message.(*protocol.MarkMessage); ok {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)
}

// A session opened with a stale access token parks in
// WaitingForAccessToken and only dials once the refresh delivers a
// fresh token.
func TestSessionWaitsForAccessTokenBeforeDialing(t *testing.T) {
	dialer := &fakeDialer{}
	manager := newTestManager(t, testClientConfig(t), dialer, nil)

	user := testUser()
	user.accessExpired = true

	session, err := manager.OpenSession(SessionConfig{
		FilePath:   "/data/local.realm",
		ServerPath: "/data",
	}, user)
	require.NoError(t, err)

	assert.Equal(t, SessionStateWaitingForAccessToken, session.State())
	assert.Zero(t, dialer.transportCount())
	require.Equal(t, 1, user.pendingRefreshes())

	user.completeRefresh(RefreshResult{SignedUserToken: "fresh-token"})

	conn := waitForTransports(t, dialer, 1)
	require.Eventually(t, func() bool { return len(conn.sentFrames()) >= 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, "fresh-token", parseBind(t, conn.sentFrames()[0]).SignedUserToken)
	waitForState(t, session, SessionStateActive)
}

// A transient refresh failure schedules a retry instead of giving up.
func TestSessionRetriesFailedTokenRefresh(t *testing.T) {
	dialer := &fakeDialer{}
	manager := newTestManager(t, testClientConfig(t), dialer, nil)

	user := testUser()
	user.accessExpired = true

	session, err := manager.OpenSession(SessionConfig{
		FilePath:   "/data/local.realm",
		ServerPath: "/data",
	}, user)
	require.NoError(t, err)
	require.Equal(t, 1, user.pendingRefreshes())

	user.completeRefresh(RefreshResult{HTTPStatus: http.StatusServiceUnavailable, Err: assert.AnError})

	require.Eventually(t, func() bool { return user.pendingRefreshes() == 1 }, 2*time.Second, time.Millisecond)
	user.completeRefresh(RefreshResult{SignedUserToken: "fresh-token"})

	waitForTransports(t, dialer, 1)
	waitForState(t, session, SessionStateActive)
}

// When the refresh credential itself has expired the session logs the
// user out and synthesizes a terminal authentication failure; pending
// work is cancelled but the session is not torn down, and the original
// error is delivered with its flags untouched.
func TestSessionAuthenticationFailureWithExpiredRefreshToken(t *testing.T) {
	dialer := &fakeDialer{}
	manager := newTestManager(t, testClientConfig(t), dialer, nil)

	user := testUser()
	session, err := manager.OpenSession(SessionConfig{
		FilePath:   "/data/local.realm",
		ServerPath: "/data",
	}, user)
	require.NoError(t, err)

	var reported []*SyncError
	session.SetErrorHandler(func(_ *Session, err *SyncError) {
		reported = append(reported, err)
	})

	conn := waitForTransports(t, dialer, 1)
	require.Eventually(t, func() bool { return len(conn.sentFrames()) >= 1 }, 2*time.Second, time.Millisecond)
	bind := parseBind(t, conn.sentFrames()[0])

	// Refresh is pointless from here on.
	user.mutex.Lock()
	user.refreshExpired = true
	user.mutex.Unlock()

	require.NoError(t, conn.deliver(makeErrorFrame(protocol.ErrBadAuthentication, false, bind.SessionIdent)))

	assert.True(t, user.IsLoggedOut())
	assert.Equal(t, SessionStateActive, session.State())

	require.Len(t, reported, 2)
	assert.True(t, reported[0].IsFatal)
	assert.Equal(t, int32(protocol.ErrBadAuthentication), reported[0].Code)
	assert.Equal(t, "refresh token has expired", reported[0].Message)
	assert.True(t, reported[1].IsFatal)
	assert.Equal(t, int32(protocol.ErrBadAuthentication), reported[1].Code)
}

// An HTTP 401 or 403 from the refresh endpoint rejects the refresh
// credential outright: the user is logged out and a fatal permission
// denied error surfaces, with the session left parked rather than torn
// down.
func TestSessionRefreshRejectionDeliversPermissionDenied(t *testing.T) {
	dialer := &fakeDialer{}
	manager := newTestManager(t, testClientConfig(t), dialer, nil)

	user := testUser()
	user.accessExpired = true

	session, err := manager.OpenSession(SessionConfig{
		FilePath:   "/data/local.realm",
		ServerPath: "/data",
	}, user)
	require.NoError(t, err)
	require.Equal(t, SessionStateWaitingForAccessToken, session.State())

	var reported []*SyncError
	session.SetErrorHandler(func(_ *Session, err *SyncError) {
		reported = append(reported, err)
	})

	var mutex sync.Mutex
	var waitErrs []error
	session.WaitForDownloadCompletion(func(err error) {
		mutex.Lock()
		waitErrs = append(waitErrs, err)
		mutex.Unlock()
	})

	require.Equal(t, 1, user.pendingRefreshes())
	user.completeRefresh(RefreshResult{HTTPStatus: http.StatusUnauthorized, Err: assert.AnError})

	assert.True(t, user.IsLoggedOut())
	assert.Equal(t, SessionStateWaitingForAccessToken, session.State())
	assert.Zero(t, dialer.transportCount())

	require.Len(t, reported, 1)
	assert.True(t, reported[0].IsFatal)
	assert.Equal(t, int32(protocol.ErrPermissionDenied), reported[0].Code)

	mutex.Lock()
	defer mutex.Unlock()
	require.Len(t, waitErrs, 1)
	assert.Equal(t, ErrSessionCancelled, waitErrs[0])
}

// Reconfiguring tears the old wire session down and binds a fresh one
// with the new server path.
func TestSessionUpdateConfigurationRebinds(t *testing.T) {
	dialer := &fakeDialer{}
	manager := newTestManager(t, testClientConfig(t), dialer, nil)

	session, err := manager.OpenSession(SessionConfig{
		FilePath:   "/data/local.realm",
		ServerPath: "/data",
	}, testUser())
	require.NoError(t, err)
	conn := waitForTransports(t, dialer, 1)
	waitForWire(t, session)

	session.UpdateConfiguration(SessionConfig{
		FilePath:   "/data/local.realm",
		ServerPath: "/data-v2",
	})

	select {
	case <-conn.Done():
	default:
		t.Fatal("old transport must be closed on reconfiguration")
	}

	rebound := waitForTransports(t, dialer, 2)
	require.Eventually(t, func() bool { return len(rebound.sentFrames()) >= 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, "/data-v2", parseBind(t, rebound.sentFrames()[0]).ServerPath)
	assert.Equal(t, SessionStateActive, session.State())
}

// An abnormal disconnect redials after the reconnect delay.
func TestSessionRedialsAfterAbnormalDisconnect(t *testing.T) {
	dialer := &fakeDialer{}
	manager := newTestManager(t, testClientConfig(t), dialer, nil)

	_, err := manager.OpenSession(SessionConfig{
		FilePath:   "/data/local.realm",
		ServerPath: "/data",
	}, testUser())
	require.NoError(t, err)
	waitForTransports(t, dialer, 1)

	dialer.transportAt(0).abort(assert.AnError)

	waitForTransports(t, dialer, 2)
}

// Opening the same local file twice yields the same session; reviving
// beats re-creating.
func TestManagerDeduplicatesSessionsByFilePath(t *testing.T) {
	dialer := &fakeDialer{}
	manager := newTestManager(t, testClientConfig(t), dialer, nil)

	config := SessionConfig{FilePath: "/data/local.realm", ServerPath: "/data"}
	first, err := manager.OpenSession(config, testUser())
	require.NoError(t, err)
	second, err := manager.OpenSession(config, testUser())
	require.NoError(t, err)

	assert.Same(t, first, second)
}

// Progress persisted by an earlier run feeds the next bind: the client
// already has an identity, so the session must not request a new one.
func TestManagerRestoresPersistedProgress(t *testing.T) {
	store, err := metastore.OpenSQLiteStore(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	require.NoError(t, store.SaveProgress(metastore.FileProgress{
		ServerPath:      "/data",
		ClientFileIdent: protocol.SaltedFileIdent{Ident: 9, Salt: 0x77},
		Progress: protocol.SyncProgress{
			Download:            protocol.DownloadCursor{ServerVersion: 12, LastIntegratedClientVersion: 4},
			Upload:              protocol.UploadCursor{ClientVersion: 4, LastIntegratedServerVersion: 12},
			LatestServerVersion: protocol.SaltedVersion{Version: 12, Salt: 0x55},
		},
		UpdatedAt: time.Now(),
	}))

	dialer := &fakeDialer{}
	manager := newTestManager(t, testClientConfig(t), dialer, store)

	_, err = manager.OpenSession(SessionConfig{
		FilePath:   "/data/local.realm",
		ServerPath: "/data",
	}, testUser())
	require.NoError(t, err)

	conn := waitForTransports(t, dialer, 1)
	require.Eventually(t, func() bool { return len(conn.sentFrames()) >= 1 }, 2*time.Second, time.Millisecond)
	assert.False(t, parseBind(t, conn.sentFrames()[0]).NeedClientFileIdent)
}
