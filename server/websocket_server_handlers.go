package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"xpl-sdk/protocol"
	"xpl-sdk/xpl"
)

// sendCommandResult は command_result を返す。err が nil なら成功
func (ws *WebSocketServer) sendCommandResult(connID, requestID string, data interface{}, code protocol.ErrorCode, err error) error {
	result := protocol.CommandResultPayload{Success: err == nil}
	if err != nil {
		result.Error = &protocol.Error{Code: code, Message: err.Error()}
	} else if data != nil {
		raw, merr := json.Marshal(data)
		if merr != nil {
			return fmt.Errorf("error marshaling result: %w", merr)
		}
		result.Data = raw
	}
	return ws.sendMessageToClient(connID, protocol.MessageTypeCommandResult, result, requestID)
}

// sendErrorCode は送信エラーをエラーコードに対応付ける
func sendErrorCode(err error) protocol.ErrorCode {
	switch {
	case errors.Is(err, xpl.ErrNotConfigured):
		return protocol.ErrorCodeNotConfigured
	case errors.Is(err, xpl.ErrPaused):
		return protocol.ErrorCodePaused
	default:
		return protocol.ErrorCodeSendFailed
	}
}

// handleSendMessageFromClient はクライアントが組み立てた xPL メッセージを送信する
func (ws *WebSocketServer) handleSendMessageFromClient(connID string, msg *protocol.Message) error {
	var payload protocol.SendMessagePayload
	if err := protocol.ParsePayload(msg, &payload); err != nil {
		return ws.sendCommandResult(connID, msg.RequestID, nil, protocol.ErrorCodeInvalidRequestFormat, err)
	}

	// 送信元は常にデバイス自身
	payload.Message.Source = ""
	out, err := protocol.MessageFromProtocol(payload.Message, ws.device.CompleteID())
	if err != nil {
		return ws.sendCommandResult(connID, msg.RequestID, nil, protocol.ErrorCodeInvalidParameters, err)
	}

	if err := ws.device.SendMsg(out); err != nil {
		slog.Warn("send_message failed", "connID", connID, "err", err)
		return ws.sendCommandResult(connID, msg.RequestID, nil, sendErrorCode(err), err)
	}
	return ws.sendCommandResult(connID, msg.RequestID, protocol.MessageToProtocol(out), "", nil)
}

// handleRequestHeartbeatFromClient は即座に heartbeat を送信する
func (ws *WebSocketServer) handleRequestHeartbeatFromClient(connID string, msg *protocol.Message) error {
	if err := ws.device.SendHeartbeatNow(); err != nil {
		return ws.sendCommandResult(connID, msg.RequestID, nil, sendErrorCode(err), err)
	}
	return ws.sendCommandResult(connID, msg.RequestID, nil, "", nil)
}

// handleGetStatusFromClient は現在の状態を返す
func (ws *WebSocketServer) handleGetStatusFromClient(connID string, msg *protocol.Message) error {
	return ws.sendCommandResult(connID, msg.RequestID, ws.status(), "", nil)
}
