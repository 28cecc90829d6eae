package libsyncclient_transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	protocol "github.com/atframework/libsyncclient-go/protocol"
)

type closeParam struct {
	closeCode int
	text      string
}

// WebSocketDialerOptions tunes the websocket dialer. Zero values mean
// defaults.
type WebSocketDialerOptions struct {
	HandshakeTimeout time.Duration
	ReadBufferSize   int
	WriteBufferSize  int
	MaxMessageSize   int64
	SendQueueSize    int
	Logger           *slog.Logger
}

// WebSocketDialer dials websocket transports carrying one protocol
// frame per binary websocket message. The signed user token travels in
// the Authorization header of the upgrade request and the negotiated
// protocol version in the websocket subprotocol.
type WebSocketDialer struct {
	options WebSocketDialerOptions
}

func CreateWebSocketDialer(options WebSocketDialerOptions) *WebSocketDialer {
	if options.HandshakeTimeout <= 0 {
		options.HandshakeTimeout = 30 * time.Second
	}
	if options.SendQueueSize <= 0 {
		options.SendQueueSize = 256
	}
	if options.MaxMessageSize <= 0 {
		options.MaxMessageSize = 16 * 1024 * 1024
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &WebSocketDialer{options: options}
}

// Subprotocol returns the websocket subprotocol announcing the given
// protocol version.
func Subprotocol(protocolVersion int) string {
	return fmt.Sprintf("io.realm.sync/%d", protocolVersion)
}

func (d *WebSocketDialer) Dial(ctx context.Context, serverURL string, signedUserToken string,
	handler EventHandler) (Transport, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.options.HandshakeTimeout,
		ReadBufferSize:   d.options.ReadBufferSize,
		WriteBufferSize:  d.options.WriteBufferSize,
		Subprotocols:     []string{Subprotocol(protocol.ProtocolVersion)},
	}

	header := http.Header{}
	if signedUserToken != "" {
		header.Set("Authorization", protocol.MakeAuthorizationHeader(signedUserToken))
	}

	conn, _, err := dialer.DialContext(ctx, serverURL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", serverURL, err)
	}
	conn.SetReadLimit(d.options.MaxMessageSize)

	t := &WebSocketTransport{
		connection: conn,
		handler:    handler,
		logger:     d.options.Logger,
		sendQueue:  make(chan []byte, d.options.SendQueueSize),
		closeQueue: make(chan closeParam, 1),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}

	go t.readLoop()
	go t.writeLoop()

	return t, nil
}

// WebSocketTransport is one established websocket connection. Frames
// queued with SendFrame are drained by a single writer goroutine, so
// the underlying connection never sees concurrent writes. The reader
// goroutine delivers inbound frames and, after the writer has wound
// down, the final OnClosed event.
type WebSocketTransport struct {
	connection *websocket.Conn
	handler    EventHandler
	logger     *slog.Logger

	sendQueue  chan []byte
	closeQueue chan closeParam

	sentCloseMessage atomic.Bool
	closedErr        atomic.Value
	writerDone       chan struct{}
	done             chan struct{}
}

func (t *WebSocketTransport) SendFrame(frame []byte) error {
	if t == nil {
		return ErrTransportClosed
	}
	if t.sentCloseMessage.Load() {
		return ErrTransportClosed
	}

	owned := make([]byte, len(frame))
	copy(owned, frame)

	select {
	case t.sendQueue <- owned:
		return nil
	default:
		t.logger.Error("send queue full, dropping frame", "queue_size", cap(t.sendQueue))
		return ErrSendQueueFull
	}
}

func (t *WebSocketTransport) Close() error {
	t.asyncClose(websocket.CloseNormalClosure, "client closing")
	return nil
}

func (t *WebSocketTransport) Done() <-chan struct{} {
	return t.done
}

// asyncClose requests the writer goroutine to send the close message.
// Safe from any goroutine; only the first call wins.
func (t *WebSocketTransport) asyncClose(closeCode int, text string) {
	if t.sentCloseMessage.CompareAndSwap(false, true) {
		t.closeQueue <- closeParam{closeCode: closeCode, text: text}
	}
}

func (t *WebSocketTransport) readLoop() {
	for {
		messageType, frame, err := t.connection.ReadMessage()
		if err != nil {
			if t.sentCloseMessage.Load() {
				// Expected while closing: close echo, read deadline or
				// the connection being torn down under us.
				break
			}
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				t.logger.Error("websocket unexpected close", "error", err)
			}
			t.closedErr.Store(err)
			break
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		if err := t.handler.OnFrame(frame); err != nil {
			t.logger.Error("frame handler rejected inbound frame", "error", err)
			t.closedErr.Store(err)
			break
		}
	}

	t.asyncClose(websocket.CloseGoingAway, "read loop finished")
	<-t.writerDone
	t.connection.Close()

	closedErr, _ := t.closedErr.Load().(error)
	t.handler.OnClosed(closedErr)
	close(t.done)
}

func (t *WebSocketTransport) writeLoop() {
	defer close(t.writerDone)

	for {
		select {
		case frame := <-t.sendQueue:
			if err := t.connection.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				t.logger.Error("failed to write frame", "error", err)
				t.closedErr.Store(err)
				t.sentCloseMessage.Store(true)
				t.connection.Close()
				return
			}
		case param := <-t.closeQueue:
			t.connection.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(param.closeCode, param.text))
			// Let the reader pick up the close echo instead of hanging
			// on a dead peer.
			t.connection.SetReadDeadline(time.Now().Add(3 * time.Second))
			return
		}
	}
}
