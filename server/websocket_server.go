package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"xpl-sdk/protocol"
	"xpl-sdk/xpl"
	"xpl-sdk/xpl/device"
)

// DeviceController は WebSocketServer が操作する xPL デバイス
type DeviceController interface {
	Status() device.Status
	ConfigItems() []*xpl.ConfigItem
	CompleteID() xpl.Address
	Subscribe(buffer int) (<-chan device.Event, func())
	SendMsg(msg *xpl.Message) error
	SendHeartbeatNow() error
}

// NetworkInfo は UDP 側の情報。nil 可
type NetworkInfo interface {
	Port() int
	RemoteIP() net.IP
}

// WebSocketServer は xPL デバイスの状態とトラフィックを WebSocket クライアントへ中継する
type WebSocketServer struct {
	ctx         context.Context
	cancel      context.CancelFunc
	transport   WebSocketTransport
	device      DeviceController
	network     NetworkInfo
	startupTime time.Time
	events      <-chan device.Event
	unsubscribe func()
	wg          sync.WaitGroup
}

// NewWebSocketServer はデバイスのイベントを購読し、transport のハンドラを登録する
func NewWebSocketServer(ctx context.Context, transport WebSocketTransport, dev DeviceController, network NetworkInfo) *WebSocketServer {
	serverCtx, cancel := context.WithCancel(ctx)

	ws := &WebSocketServer{
		ctx:         serverCtx,
		cancel:      cancel,
		transport:   transport,
		device:      dev,
		network:     network,
		startupTime: time.Now(),
	}
	ws.events, ws.unsubscribe = dev.Subscribe(0)

	transport.SetConnectHandler(ws.handleClientConnect)
	transport.SetMessageHandler(ws.handleClientMessage)
	transport.SetDisconnectHandler(ws.handleClientDisconnect)

	ws.wg.Add(1)
	go ws.listenForNotifications()

	return ws
}

// handleClientConnect は接続直後に initial_state を送る
func (ws *WebSocketServer) handleClientConnect(connID string) error {
	slog.Debug("New WebSocket connection established", "connID", connID)
	return ws.sendInitialStateToClient(connID)
}

// handleClientMessage は要求の種類ごとにハンドラへ振り分ける
func (ws *WebSocketServer) handleClientMessage(connID string, message []byte) error {
	msg, err := protocol.ParseMessage(message)
	if err != nil {
		slog.Warn("Error parsing message", "connID", connID, "err", err)
		errorPayload := protocol.ErrorNotificationPayload{
			Code:    protocol.ErrorCodeInvalidRequestFormat,
			Message: fmt.Sprintf("Error parsing message: %v", err),
		}
		return ws.sendMessageToClient(connID, protocol.MessageTypeErrorNotification, errorPayload, "")
	}

	switch msg.Type {
	case protocol.MessageTypeSendMessage:
		return ws.handleSendMessageFromClient(connID, msg)
	case protocol.MessageTypeRequestHeartbeat:
		return ws.handleRequestHeartbeatFromClient(connID, msg)
	case protocol.MessageTypeGetStatus:
		return ws.handleGetStatusFromClient(connID, msg)
	default:
		slog.Debug("Unknown message type", "type", msg.Type)
		errorPayload := protocol.ErrorNotificationPayload{
			Code:    protocol.ErrorCodeUnknownMessageType,
			Message: fmt.Sprintf("Unknown message type: %s", msg.Type),
		}
		return ws.sendMessageToClient(connID, protocol.MessageTypeErrorNotification, errorPayload, msg.RequestID)
	}
}

// handleClientDisconnect は切断をログに残す
func (ws *WebSocketServer) handleClientDisconnect(connID string) {
	slog.Debug("WebSocket connection closed", "connID", connID)
}

// Start は transport の待ち受けを開始する
func (ws *WebSocketServer) Start(options StartOptions) error {
	return ws.transport.Start(options)
}

// Stop は通知の中継を止めてから transport を停止する
func (ws *WebSocketServer) Stop() error {
	ws.cancel()
	ws.unsubscribe()
	ws.wg.Wait()
	return ws.transport.Stop()
}

func (ws *WebSocketServer) status() protocol.DeviceStatus {
	s := protocol.StatusToProtocol(ws.device.Status())
	if ws.network != nil {
		s.Port = ws.network.Port()
		if ip := ws.network.RemoteIP(); ip != nil {
			s.RemoteIP = ip.String()
		}
	}
	return s
}

// sendInitialStateToClient は現在の状態と設定項目を送る
func (ws *WebSocketServer) sendInitialStateToClient(connID string) error {
	payload := protocol.InitialStatePayload{
		Status:            ws.status(),
		ConfigItems:       protocol.ConfigItemsToProtocol(ws.device.ConfigItems()),
		ServerStartupTime: ws.startupTime,
	}
	return ws.sendMessageToClient(connID, protocol.MessageTypeInitialState, payload, "")
}

// sendMessageToClient sends a message to a client
func (ws *WebSocketServer) sendMessageToClient(connID string, msgType protocol.MessageType, payload interface{}, requestID string) error {
	data, err := protocol.CreateMessage(msgType, payload, requestID)
	if err != nil {
		return fmt.Errorf("error creating message: %v", err)
	}
	return ws.transport.SendMessage(connID, data)
}

// broadcastMessageToClients sends a message to all connected clients
func (ws *WebSocketServer) broadcastMessageToClients(msgType protocol.MessageType, payload interface{}) error {
	data, err := protocol.CreateMessage(msgType, payload, "")
	if err != nil {
		slog.Error("Error creating broadcast message", "err", err)
		return err
	}
	return ws.transport.BroadcastMessage(data)
}

// listenForNotifications はデバイスのイベントをクライアントへ中継する
func (ws *WebSocketServer) listenForNotifications() {
	defer ws.wg.Done()
	for {
		select {
		case <-ws.ctx.Done():
			return
		case ev, ok := <-ws.events:
			if !ok {
				return
			}
			ws.relayEvent(ev)
		}
	}
}

func (ws *WebSocketServer) relayEvent(ev device.Event) {
	switch ev.Type {
	case device.EventMessage, device.EventSent:
		if ev.Message == nil {
			return
		}
		msgType := protocol.MessageTypeXPLReceived
		if ev.Type == device.EventSent {
			msgType = protocol.MessageTypeXPLSent
		}
		payload := protocol.XPLMessagePayload{
			Message:   protocol.MessageToProtocol(ev.Message),
			Timestamp: time.Now(),
		}
		_ = ws.broadcastMessageToClients(msgType, payload)
	case device.EventConfigChanged:
		payload := protocol.ConfigChangedPayload{
			Status:      ws.status(),
			ConfigItems: protocol.ConfigItemsToProtocol(ws.device.ConfigItems()),
		}
		_ = ws.broadcastMessageToClients(protocol.MessageTypeConfigChanged, payload)
	}
}
