package libsyncclient_session

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	protocol "github.com/atframework/libsyncclient-go/protocol"
	transport "github.com/atframework/libsyncclient-go/transport"
)

// WireSessionConfig assembles everything one wire session needs. All
// hooks are optional; they may be invoked from the transport's reader
// goroutine and must not call back into the wire session while holding
// their own locks that a hook invocation could also need.
type WireSessionConfig struct {
	Logger *slog.Logger
	Dialer transport.Dialer

	ServerURL       string
	ServerPath      string
	SignedUserToken string
	SessionIdent    protocol.SessionIdent

	// ClientFileIdent is the persisted identity, zero if the server
	// has never assigned one.
	ClientFileIdent protocol.SaltedFileIdent
	Progress        protocol.SyncProgress

	PingInterval   time.Duration
	ConnectTimeout time.Duration

	// OnProgress receives the transfer counters extracted from each
	// download message.
	OnProgress func(downloaded, downloadable, uploaded, uploadable, downloadVersion, snapshotVersion uint64)

	// OnConnectionStateChange observes transport connectivity. err is
	// non-nil for abnormal disconnects.
	OnConnectionStateChange func(oldState, newState ConnectionState, err *SyncError)

	// OnError receives wire-level error messages.
	OnError func(err *SyncError)

	// OnFileIdentAssigned fires when the server assigns or allocates a
	// client file identity.
	OnFileIdentAssigned func(ident protocol.SaltedFileIdent)

	// OnChangesetsDownloaded hands downloaded changesets plus the new
	// cursors to the integration collaborator. A returned error is
	// fatal for the connection.
	OnChangesetsDownloaded func(changesets []protocol.Changeset, progress protocol.SyncProgress) error
}

type uploadWaiter struct {
	targetVersion protocol.Version
	callback      func(err error)
}

// ErrSessionCancelled fulfills completion waiters orphaned by a
// closing wire session.
var ErrSessionCancelled = newClientSyncError(protocol.ClientErrConnectionClosed, "operation cancelled", false)

// WireSession is one bound session on one live connection. It owns
// the transport exclusively; the Session state machine destroys it
// before entering Inactive and recreates it on re-activation.
type WireSession struct {
	config WireSessionConfig
	logger *slog.Logger
	codec  *protocol.ClientCodec

	mutex     sync.Mutex
	transport transport.Transport
	connState ConnectionState

	clientFileIdent protocol.SaltedFileIdent
	progress        protocol.SyncProgress

	downloadedBytes           uint64
	uploadedBytes             uint64
	uploadableBytes           uint64
	lastUploadedClientVersion protocol.Version

	nextRequestIdent protocol.RequestIdent
	markWaiters      map[protocol.RequestIdent]func(err error)
	uploadWaiters    []uploadWaiter

	lastRoundTripTime time.Duration
	pingStop          chan struct{}
	closed            bool
}

// CreateWireSession dials the server and sends the bind message. On
// success the wire session is live and its reader goroutine is
// dispatching inbound messages.
func CreateWireSession(ctx context.Context, config WireSessionConfig) (*WireSession, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	ws := &WireSession{
		config:          config,
		logger:          config.Logger.With("session_ident", config.SessionIdent, "server_path", config.ServerPath),
		codec:           protocol.NewClientCodec(protocol.ProtocolVersion),
		connState:       ConnectionStateDisconnected,
		clientFileIdent: config.ClientFileIdent,
		progress:        config.Progress,
		markWaiters:     make(map[protocol.RequestIdent]func(err error)),
		pingStop:        make(chan struct{}),
	}

	ws.changeConnectionState(ConnectionStateConnecting, nil)

	dialCtx := ctx
	if config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, config.ConnectTimeout)
		defer cancel()
	}

	conn, err := config.Dialer.Dial(dialCtx, config.ServerURL, config.SignedUserToken, ws)
	if err != nil {
		ws.changeConnectionState(ConnectionStateDisconnected,
			newClientSyncError(protocol.ClientErrConnectTimeout, err.Error(), false))
		return nil, fmt.Errorf("create wire session: %w", err)
	}

	ws.mutex.Lock()
	ws.transport = conn
	ws.mutex.Unlock()
	ws.changeConnectionState(ConnectionStateConnected, nil)

	if err := ws.sendBind(); err != nil {
		conn.Close()
		return nil, err
	}

	if config.PingInterval > 0 {
		go ws.pingLoop(config.PingInterval)
	}
	return ws, nil
}

func (ws *WireSession) sendBind() error {
	needClientFileIdent := ws.clientFileIdent.Ident == 0

	var out bytes.Buffer
	ws.codec.MakeBindMessage(&out, ws.config.SessionIdent, ws.config.ServerPath,
		ws.config.SignedUserToken, needClientFileIdent, false)
	return ws.send(out.Bytes())
}

func (ws *WireSession) send(frame []byte) error {
	ws.mutex.Lock()
	conn := ws.transport
	closed := ws.closed
	ws.mutex.Unlock()

	if closed || conn == nil {
		return ErrSessionCancelled
	}
	return conn.SendFrame(frame)
}

// RefreshAccessToken pushes a renewed signed token for the bound
// session.
func (ws *WireSession) RefreshAccessToken(signedUserToken string) error {
	var out bytes.Buffer
	ws.codec.MakeRefreshMessage(&out, ws.config.SessionIdent, signedUserToken)
	return ws.send(out.Bytes())
}

// UploadChangeset frames and sends one locally produced changeset.
func (ws *WireSession) UploadChangeset(changeset protocol.Changeset) error {
	builder := ws.codec.MakeUploadMessageBuilder(ws.logger)
	builder.AddChangeset(changeset.ClientVersion, changeset.ServerVersion,
		changeset.OriginTimestamp, changeset.OriginFileIdent, changeset.Data)

	ws.mutex.Lock()
	progress := ws.progress
	if changeset.ClientVersion > ws.lastUploadedClientVersion {
		ws.lastUploadedClientVersion = changeset.ClientVersion
	}
	ws.uploadableBytes += uint64(len(changeset.Data))
	ws.mutex.Unlock()

	var out bytes.Buffer
	if err := builder.MakeUploadMessage(&out, ws.config.SessionIdent,
		progress.Download.LastIntegratedClientVersion, progress.Download.ServerVersion, 0); err != nil {
		return err
	}
	return ws.send(out.Bytes())
}

// RequestDownloadCompletion sends a mark message; callback fires when
// the server echoes it, meaning everything downloadable up to that
// point has been delivered.
func (ws *WireSession) RequestDownloadCompletion(callback func(err error)) error {
	ws.mutex.Lock()
	ws.nextRequestIdent++
	requestIdent := ws.nextRequestIdent
	ws.markWaiters[requestIdent] = callback
	ws.mutex.Unlock()

	var out bytes.Buffer
	ws.codec.MakeMarkMessage(&out, ws.config.SessionIdent, requestIdent)
	if err := ws.send(out.Bytes()); err != nil {
		ws.mutex.Lock()
		delete(ws.markWaiters, requestIdent)
		ws.mutex.Unlock()
		return err
	}
	return nil
}

// RequestUploadCompletion registers a callback that fires once the
// server acknowledges integration of every changeset uploaded so far.
func (ws *WireSession) RequestUploadCompletion(callback func(err error)) {
	ws.mutex.Lock()
	target := ws.lastUploadedClientVersion
	if target == 0 || ws.progress.Upload.ClientVersion >= target {
		ws.mutex.Unlock()
		callback(nil)
		return
	}
	ws.uploadWaiters = append(ws.uploadWaiters, uploadWaiter{targetVersion: target, callback: callback})
	ws.mutex.Unlock()
}

// RequestFileIdentAlloc asks the server for a fresh file identifier
// from its freelist. The result arrives through OnFileIdentAssigned.
func (ws *WireSession) RequestFileIdentAlloc() error {
	var out bytes.Buffer
	ws.codec.MakeAllocMessage(&out, ws.config.SessionIdent)
	return ws.send(out.Bytes())
}

// LastRoundTripTime returns the most recent ping/pong measurement.
func (ws *WireSession) LastRoundTripTime() time.Duration {
	ws.mutex.Lock()
	defer ws.mutex.Unlock()
	return ws.lastRoundTripTime
}

// CancelReconnectDelay is a hint that connectivity may be back.
// Reconnect scheduling lives in the session layer; a live wire
// session has no delay to cut short, so this is an explicit no-op.
func (ws *WireSession) CancelReconnectDelay() {}

// Close unbinds the session and tears the transport down. Pending
// completion waiters fire with a cancellation error once the
// transport confirms the close.
func (ws *WireSession) Close() {
	ws.mutex.Lock()
	if ws.closed {
		ws.mutex.Unlock()
		return
	}
	ws.closed = true
	conn := ws.transport
	ws.mutex.Unlock()

	close(ws.pingStop)

	if conn != nil {
		var out bytes.Buffer
		ws.codec.MakeUnbindMessage(&out, ws.config.SessionIdent)
		conn.SendFrame(out.Bytes())
		conn.Close()
	}
}

// Done exposes the transport's termination signal for shutdown waits.
func (ws *WireSession) Done() <-chan struct{} {
	ws.mutex.Lock()
	conn := ws.transport
	ws.mutex.Unlock()
	if conn == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return conn.Done()
}

func (ws *WireSession) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ws.pingStop:
			return
		case <-ticker.C:
			ws.mutex.Lock()
			rtt := ws.lastRoundTripTime
			ws.mutex.Unlock()

			var out bytes.Buffer
			ws.codec.MakePing(&out, protocol.Milliseconds(time.Now().UnixMilli()),
				protocol.Milliseconds(rtt.Milliseconds()))
			if err := ws.send(out.Bytes()); err != nil {
				return
			}
		}
	}
}

func (ws *WireSession) changeConnectionState(newState ConnectionState, err *SyncError) {
	ws.mutex.Lock()
	oldState := ws.connState
	ws.connState = newState
	ws.mutex.Unlock()

	if oldState == newState {
		return
	}
	if ws.config.OnConnectionStateChange != nil {
		ws.config.OnConnectionStateChange(oldState, newState, err)
	}
}

// OnFrame implements transport.EventHandler.
func (ws *WireSession) OnFrame(frame []byte) error {
	message, err := protocol.ParseServerMessage(frame)
	if err != nil {
		ws.logger.Error("failed to parse inbound message", "error", err)
		return err
	}

	switch msg := message.(type) {
	case *protocol.IdentMessage:
		ws.handleIdent(msg)
	case *protocol.DownloadMessage:
		return ws.handleDownload(msg)
	case *protocol.MarkMessage:
		ws.handleMark(msg)
	case *protocol.AllocMessage:
		ws.handleAlloc(msg)
	case *protocol.UnboundMessage:
		ws.logger.Debug("session unbound by server")
	case *protocol.ErrorMessage:
		ws.handleErrorMessage(msg)
	case *protocol.PongMessage:
		ws.handlePong(msg)
	case *protocol.StateMessage:
		ws.logger.Debug("received state chunk",
			"begin_offset", msg.BeginOffset, "end_offset", msg.EndOffset, "max_offset", msg.MaxOffset)
	case *protocol.ClientVersionMessage:
		ws.logger.Debug("received client version", "client_version", msg.ClientVersion)
	default:
		ws.logger.Error("unexpected inbound message", "message", fmt.Sprintf("%T", message))
		return protocol.ClientErrUnknownMessage
	}
	return nil
}

func (ws *WireSession) handleIdent(msg *protocol.IdentMessage) {
	ws.mutex.Lock()
	ws.clientFileIdent = msg.ClientFileIdent
	progress := ws.progress
	ws.mutex.Unlock()

	if ws.config.OnFileIdentAssigned != nil {
		ws.config.OnFileIdentAssigned(msg.ClientFileIdent)
	}

	var out bytes.Buffer
	ws.codec.MakeIdentMessage(&out, ws.config.SessionIdent, msg.ClientFileIdent, progress)
	if err := ws.send(out.Bytes()); err != nil {
		ws.logger.Error("failed to send ident", "error", err)
	}
}

func (ws *WireSession) handleDownload(msg *protocol.DownloadMessage) error {
	ws.mutex.Lock()
	ws.progress.Download.ServerVersion = msg.DownloadServerVersion
	ws.progress.Download.LastIntegratedClientVersion = msg.DownloadClientVersion
	ws.progress.LatestServerVersion = msg.LatestServerVersion
	ws.progress.Upload.ClientVersion = msg.UploadClientVersion
	ws.progress.Upload.LastIntegratedServerVersion = msg.UploadServerVersion
	ws.progress.DownloadableBytes = msg.DownloadableBytes

	for _, changeset := range msg.Changesets {
		ws.downloadedBytes += uint64(len(changeset.Data))
	}
	if ws.uploadedBytes < ws.uploadableBytes && msg.UploadClientVersion >= ws.lastUploadedClientVersion {
		ws.uploadedBytes = ws.uploadableBytes
	}

	downloaded := ws.downloadedBytes
	downloadable := ws.downloadedBytes + msg.DownloadableBytes
	uploaded := ws.uploadedBytes
	uploadable := ws.uploadableBytes
	progress := ws.progress

	fulfilled := ws.uploadWaiters[:0]
	var fire []uploadWaiter
	for _, waiter := range ws.uploadWaiters {
		if msg.UploadClientVersion >= waiter.targetVersion {
			fire = append(fire, waiter)
		} else {
			fulfilled = append(fulfilled, waiter)
		}
	}
	ws.uploadWaiters = fulfilled
	ws.mutex.Unlock()

	if ws.config.OnChangesetsDownloaded != nil && len(msg.Changesets) > 0 {
		if err := ws.config.OnChangesetsDownloaded(msg.Changesets, progress); err != nil {
			return err
		}
	}

	if ws.config.OnProgress != nil {
		ws.config.OnProgress(downloaded, downloadable, uploaded, uploadable,
			uint64(msg.DownloadServerVersion), uint64(msg.UploadClientVersion))
	}

	for _, waiter := range fire {
		waiter.callback(nil)
	}
	return nil
}

func (ws *WireSession) handleMark(msg *protocol.MarkMessage) {
	ws.mutex.Lock()
	callback, ok := ws.markWaiters[msg.RequestIdent]
	if ok {
		delete(ws.markWaiters, msg.RequestIdent)
	}
	ws.mutex.Unlock()

	if !ok {
		ws.logger.Debug("mark for unknown request", "request_ident", msg.RequestIdent)
		return
	}
	callback(nil)
}

func (ws *WireSession) handleAlloc(msg *protocol.AllocMessage) {
	ws.mutex.Lock()
	salt := ws.clientFileIdent.Salt
	ws.mutex.Unlock()

	if ws.config.OnFileIdentAssigned != nil {
		ws.config.OnFileIdentAssigned(protocol.SaltedFileIdent{Ident: msg.FileIdent, Salt: salt})
	}
}

func (ws *WireSession) handleErrorMessage(msg *protocol.ErrorMessage) {
	syncErr := &SyncError{
		Category: protocol.CategoryProtocol,
		Code:     int32(msg.ErrorCode),
		Message:  msg.Message,
		IsFatal:  !msg.TryAgain,
	}
	ws.logger.Error("received error message",
		"error_code", int32(msg.ErrorCode), "try_again", msg.TryAgain, "message", msg.Message)
	if ws.config.OnError != nil {
		ws.config.OnError(syncErr)
	}
}

func (ws *WireSession) handlePong(msg *protocol.PongMessage) {
	rtt := time.Duration(time.Now().UnixMilli()-int64(msg.Timestamp)) * time.Millisecond
	if rtt < 0 {
		rtt = 0
	}
	ws.mutex.Lock()
	ws.lastRoundTripTime = rtt
	ws.mutex.Unlock()
}

// OnClosed implements transport.EventHandler. Every pending waiter
// fires with a cancellation error; the connection state listener sees
// the final Disconnected transition.
func (ws *WireSession) OnClosed(err error) {
	ws.mutex.Lock()
	wasClosed := ws.closed
	ws.closed = true
	markWaiters := ws.markWaiters
	ws.markWaiters = make(map[protocol.RequestIdent]func(err error))
	uploadWaiters := ws.uploadWaiters
	ws.uploadWaiters = nil
	ws.mutex.Unlock()

	if !wasClosed {
		// Abnormal close: stop the ping loop that Close would have
		// stopped.
		close(ws.pingStop)
	}

	for _, callback := range markWaiters {
		callback(ErrSessionCancelled)
	}
	for _, waiter := range uploadWaiters {
		waiter.callback(ErrSessionCancelled)
	}

	var closeErr *SyncError
	if err != nil && !wasClosed {
		closeErr = newClientSyncError(protocol.ClientErrConnectionClosed, err.Error(), false)
	}
	ws.changeConnectionState(ConnectionStateDisconnected, closeErr)
}
