//go:build integration

package helpers

import (
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"xpl-sdk/protocol"
)

// WebSocketConnection はWebSocket接続のテスト用ラッパー
type WebSocketConnection struct {
	conn *websocket.Conn
}

// NewWebSocketConnection は新しいWebSocket接続を作成する
func NewWebSocketConnection(serverURL string) (*WebSocketConnection, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("URLの解析に失敗: %v", err)
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 5 * time.Second

	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("WebSocket接続に失敗: %v", err)
	}
	return &WebSocketConnection{conn: conn}, nil
}

// Send はクライアント要求を送信し、リクエストIDを返す
func (wsc *WebSocketConnection) Send(msgType protocol.MessageType, payload interface{}) (string, error) {
	requestID := protocol.NewRequestID()
	data, err := protocol.CreateMessage(msgType, payload, requestID)
	if err != nil {
		return "", err
	}
	return requestID, wsc.conn.WriteMessage(websocket.TextMessage, data)
}

// ReceiveMessage はWebSocketメッセージを受信する
func (wsc *WebSocketConnection) ReceiveMessage(timeout time.Duration) (*protocol.Message, error) {
	if timeout > 0 {
		_ = wsc.conn.SetReadDeadline(time.Now().Add(timeout))
	}
	_, data, err := wsc.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("メッセージの受信に失敗: %v", err)
	}
	return protocol.ParseMessage(data)
}

// WaitForMessage は特定の条件にマッチするメッセージを待機する
func (wsc *WebSocketConnection) WaitForMessage(predicate func(*protocol.Message) bool, timeout time.Duration) (*protocol.Message, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		msg, err := wsc.ReceiveMessage(time.Until(deadline))
		if err != nil {
			return nil, err
		}
		if predicate(msg) {
			return msg, nil
		}
	}
	return nil, fmt.Errorf("タイムアウト: 条件に一致するメッセージが見つかりませんでした")
}

// Close は接続を閉じる
func (wsc *WebSocketConnection) Close() error {
	return wsc.conn.Close()
}

// GetFreeUDPPort は空いている UDP ポートを返す
func GetFreeUDPPort() (int, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port, nil
}

// SendUDP は raw の xPL メッセージを 127.0.0.1:port に送る
func SendUDP(port int, raw string) error {
	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write([]byte(raw))
	return err
}
