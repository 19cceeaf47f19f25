package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// writeWait はクライアントへの書き込みのタイムアウト
	writeWait = 10 * time.Second
	// pongWait は pong を待つ時間。これを過ぎると切断とみなす
	pongWait = 60 * time.Second
	// pingPeriod は ping の送信間隔。pongWait より短くなければならない
	pingPeriod = (pongWait * 9) / 10
	// shutdownTimeout は Stop で HTTP サーバーの終了を待つ時間
	shutdownTimeout = 5 * time.Second
)

// ErrClientNotFound は指定した接続IDのクライアントがいない場合のエラー
var ErrClientNotFound = errors.New("websocket client not found")

// WebSocketTransport は WebSocket サーバーのネットワーク層。
// 接続は uuid の connID で識別される
type WebSocketTransport interface {
	Start(options StartOptions) error
	Stop() error

	SetMessageHandler(handler func(connID string, message []byte) error)
	SetConnectHandler(handler func(connID string) error)
	SetDisconnectHandler(handler func(connID string))

	// SendMessage は connID のクライアントだけに送る
	SendMessage(connID string, message []byte) error
	// BroadcastMessage は接続中の全クライアントに送る。失敗したクライアントは切断扱いにする
	BroadcastMessage(message []byte) error
}

// StartOptions は WebSocket サーバーの起動オプション
type StartOptions struct {
	CertFile string // TLS を使う場合の証明書
	KeyFile  string // TLS を使う場合の秘密鍵
	// Ready は待ち受け開始時に close される (nil可)
	Ready chan struct{}
}

// wsClient は1接続。書き込みは writeMu で直列化する
type wsClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
}

func (c *wsClient) write(message []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, message)
}

func (c *wsClient) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

type wsHandlers struct {
	mu         sync.RWMutex
	message    func(connID string, message []byte) error
	connect    func(connID string) error
	disconnect func(connID string)
}

// DefaultWebSocketTransport は gorilla/websocket による WebSocketTransport。
// "/ws" で接続を受け付ける
type DefaultWebSocketTransport struct {
	ctx      context.Context
	cancel   context.CancelFunc
	server   *http.Server
	mux      *http.ServeMux
	upgrader websocket.Upgrader
	handlers wsHandlers

	clientsMu sync.RWMutex
	clients   map[string]*wsClient
}

func NewDefaultWebSocketTransport(ctx context.Context, addr string) *DefaultWebSocketTransport {
	transportCtx, cancel := context.WithCancel(ctx)
	t := &DefaultWebSocketTransport{
		ctx:    transportCtx,
		cancel: cancel,
		mux:    http.NewServeMux(),
		upgrader: websocket.Upgrader{
			// モニタはローカルのブラウザから使うので Origin は問わない
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[string]*wsClient),
	}
	t.mux.HandleFunc("/ws", t.handleWebSocket)
	t.server = &http.Server{Addr: addr, Handler: t.mux}
	return t
}

// Handler は httptest などで使うための HTTP ハンドラを返す
func (t *DefaultWebSocketTransport) Handler() http.Handler {
	return t.mux
}

// ServeDirectory は webRoot 以下のファイルを "/" で配信する。空なら何もしない
func (t *DefaultWebSocketTransport) ServeDirectory(webRoot string) error {
	if webRoot == "" {
		return nil
	}
	info, err := os.Stat(webRoot)
	if err != nil {
		return fmt.Errorf("web root %q: %w", webRoot, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("web root %q is not a directory", webRoot)
	}
	t.mux.Handle("/", http.FileServer(http.Dir(webRoot)))
	slog.Info("Static file server configured", "webroot", webRoot)
	return nil
}

// Start は待ち受けを開始し、サーバーが止まるまで戻らない。Stop による終了は nil
func (t *DefaultWebSocketTransport) Start(options StartOptions) error {
	listener, err := net.Listen("tcp", t.server.Addr)
	if err != nil {
		return err
	}
	if options.Ready != nil {
		close(options.Ready)
	}
	slog.Info("WebSocket server starting", "addr", listener.Addr().String())

	if options.CertFile != "" && options.KeyFile != "" {
		slog.Info("Using TLS with certificate", "certFile", options.CertFile)
		err = t.server.ServeTLS(listener, options.CertFile, options.KeyFile)
	} else {
		err = t.server.Serve(listener)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop は全クライアントを切断してサーバーを止める
func (t *DefaultWebSocketTransport) Stop() error {
	slog.Info("Stopping WebSocket server", "addr", t.server.Addr)
	t.cancel()

	// hijack 済みの接続は Shutdown では閉じられない
	t.clientsMu.Lock()
	for connID, c := range t.clients {
		_ = c.conn.Close()
		delete(t.clients, connID)
	}
	t.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := t.server.Shutdown(ctx); err != nil {
		slog.Info("Error shutting down WebSocket server", "err", err)
		return err
	}
	return nil
}

func (t *DefaultWebSocketTransport) SetMessageHandler(handler func(connID string, message []byte) error) {
	t.handlers.mu.Lock()
	t.handlers.message = handler
	t.handlers.mu.Unlock()
}

func (t *DefaultWebSocketTransport) SetConnectHandler(handler func(connID string) error) {
	t.handlers.mu.Lock()
	t.handlers.connect = handler
	t.handlers.mu.Unlock()
}

func (t *DefaultWebSocketTransport) SetDisconnectHandler(handler func(connID string)) {
	t.handlers.mu.Lock()
	t.handlers.disconnect = handler
	t.handlers.mu.Unlock()
}

// ClientCount は接続中のクライアント数を返す
func (t *DefaultWebSocketTransport) ClientCount() int {
	t.clientsMu.RLock()
	defer t.clientsMu.RUnlock()
	return len(t.clients)
}

func (t *DefaultWebSocketTransport) client(connID string) *wsClient {
	t.clientsMu.RLock()
	defer t.clientsMu.RUnlock()
	return t.clients[connID]
}

func (t *DefaultWebSocketTransport) SendMessage(connID string, message []byte) error {
	c := t.client(connID)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrClientNotFound, connID)
	}
	if err := c.write(message); err != nil {
		if isClosedConnError(err) {
			t.removeClient(connID)
		}
		return fmt.Errorf("failed to send message to client %s: %w", connID, err)
	}
	return nil
}

func (t *DefaultWebSocketTransport) BroadcastMessage(message []byte) error {
	t.clientsMu.RLock()
	targets := make(map[string]*wsClient, len(t.clients))
	for connID, c := range t.clients {
		targets[connID] = c
	}
	t.clientsMu.RUnlock()

	// ログは BroadcastHandler 経由でここに戻ってくるので出さない
	for connID, c := range targets {
		if err := c.write(message); err != nil {
			t.removeClient(connID)
		}
	}
	return nil
}

// removeClient はクライアントを登録から外し、切断ハンドラを呼ぶ。
// 既に外されていれば false
func (t *DefaultWebSocketTransport) removeClient(connID string) bool {
	t.clientsMu.Lock()
	c, ok := t.clients[connID]
	delete(t.clients, connID)
	t.clientsMu.Unlock()
	if !ok {
		return false
	}
	close(c.done)

	t.handlers.mu.RLock()
	onDisconnect := t.handlers.disconnect
	t.handlers.mu.RUnlock()
	if onDisconnect != nil && t.ctx.Err() == nil {
		go onDisconnect(connID)
	}
	return true
}

func isClosedConnError(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) ||
		errors.Is(err, websocket.ErrCloseSent) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}

func (t *DefaultWebSocketTransport) keepAlive(connID string, c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				slog.Debug("ping failed", "connID", connID, "err", err)
				t.removeClient(connID)
				return
			}
		}
	}
}

func (t *DefaultWebSocketTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Error upgrading to WebSocket", "err", err, "remote_addr", r.RemoteAddr)
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	c := &wsClient{conn: conn, done: make(chan struct{})}
	t.clientsMu.Lock()
	t.clients[connID] = c
	t.clientsMu.Unlock()
	defer t.removeClient(connID)

	extend := func() error { return conn.SetReadDeadline(time.Now().Add(pongWait)) }
	_ = extend()
	conn.SetPongHandler(func(string) error { return extend() })
	go t.keepAlive(connID, c)

	t.handlers.mu.RLock()
	onConnect := t.handlers.connect
	t.handlers.mu.RUnlock()
	if onConnect != nil {
		if err := onConnect(connID); err != nil {
			slog.Error("Error in connect handler", "connID", connID, "err", err)
			return
		}
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				slog.Error("Unexpected WebSocket close error", "connID", connID, "err", err)
			}
			return
		}
		_ = extend()

		t.handlers.mu.RLock()
		onMessage := t.handlers.message
		t.handlers.mu.RUnlock()
		if onMessage == nil {
			continue
		}
		if err := onMessage(connID, message); err != nil &&
			!isClosedConnError(err) && !errors.Is(err, ErrClientNotFound) {
			slog.Error("Error in message handler", "connID", connID, "err", err)
		}
	}
}
