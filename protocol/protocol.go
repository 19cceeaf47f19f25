package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType はモニタとクライアントの間でやり取りするメッセージの種類
type MessageType string

const (
	// Server -> Client message types
	MessageTypeInitialState      MessageType = "initial_state"
	MessageTypeXPLReceived       MessageType = "xpl_received"
	MessageTypeXPLSent           MessageType = "xpl_sent"
	MessageTypeConfigChanged     MessageType = "config_changed"
	MessageTypeLogNotification   MessageType = "log_notification"
	MessageTypeErrorNotification MessageType = "error_notification"
	MessageTypeCommandResult     MessageType = "command_result"

	// Client -> Server message types
	MessageTypeSendMessage      MessageType = "send_message"
	MessageTypeRequestHeartbeat MessageType = "request_heartbeat"
	MessageTypeGetStatus        MessageType = "get_status"
)

// ErrorCode はエラー通知のコード
type ErrorCode string

// Client Request Related
const (
	ErrorCodeInvalidRequestFormat ErrorCode = "INVALID_REQUEST_FORMAT"
	ErrorCodeInvalidParameters    ErrorCode = "INVALID_PARAMETERS"
	ErrorCodeUnknownMessageType   ErrorCode = "UNKNOWN_MESSAGE_TYPE"
)

// Server/Communication Related
const (
	ErrorCodeNotConfigured       ErrorCode = "NOT_CONFIGURED"
	ErrorCodePaused              ErrorCode = "PAUSED"
	ErrorCodeSendFailed          ErrorCode = "SEND_FAILED"
	ErrorCodeInternalServerError ErrorCode = "INTERNAL_SERVER_ERROR"
)

// Message はすべてのメッセージの封筒。Payload は Type ごとに異なる
type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"requestId,omitempty"`
}

// Error は command_result に載せるエラー
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// DeviceStatus はデバイス状態の表現
type DeviceStatus struct {
	CompleteID      string    `json:"completeId"`
	Version         string    `json:"version"`
	WaitingForHub   bool      `json:"waitingForHub"`
	ConfigRequired  bool      `json:"configRequired"`
	Paused          bool      `json:"paused"`
	IntervalMinutes int       `json:"intervalMinutes"`
	NextHeartbeat   time.Time `json:"nextHeartbeat"`
	Filters         []string  `json:"filters,omitempty"`
	Port            int       `json:"port,omitempty"`
	RemoteIP        string    `json:"remoteIp,omitempty"`
}

// ConfigItem は設定項目の表現
type ConfigItem struct {
	Name      string   `json:"name"`
	Kind      string   `json:"kind"`
	MaxValues int      `json:"maxValues"`
	Values    []string `json:"values"`
}

// InitialStatePayload is the payload for the initial_state message
type InitialStatePayload struct {
	Status            DeviceStatus `json:"status"`
	ConfigItems       []ConfigItem `json:"configItems"`
	ServerStartupTime time.Time    `json:"serverStartupTime"`
}

// XPLMessagePayload is the payload for xpl_received and xpl_sent
type XPLMessagePayload struct {
	Message   XPLMessage `json:"message"`
	Timestamp time.Time  `json:"timestamp"`
}

// ConfigChangedPayload is the payload for the config_changed message
type ConfigChangedPayload struct {
	Status      DeviceStatus `json:"status"`
	ConfigItems []ConfigItem `json:"configItems"`
}

// LogNotificationPayload is the payload for the log_notification message
type LogNotificationPayload struct {
	Level      string                 `json:"level"`
	Message    string                 `json:"message"`
	Time       string                 `json:"time"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// ErrorNotificationPayload is the payload for the error_notification message
type ErrorNotificationPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// CommandResultPayload is the payload for the command_result message
type CommandResultPayload struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// SendMessagePayload is the payload for the send_message message.
// Source はデバイス自身のアドレスで上書きされる
type SendMessagePayload struct {
	Message XPLMessage `json:"message"`
}

// RequestHeartbeatPayload is the payload for the request_heartbeat message
type RequestHeartbeatPayload struct {
	// Empty payload
}

// GetStatusPayload is the payload for the get_status message
type GetStatusPayload struct {
	// Empty payload
}

// NewRequestID はクライアント要求用の一意なIDを生成する
func NewRequestID() string {
	return uuid.NewString()
}

// CreateMessage は payload を JSON にして封筒に包む
func CreateMessage(msgType MessageType, payload interface{}, requestID string) ([]byte, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	msg := Message{
		Type:      msgType,
		Payload:   payloadBytes,
		RequestID: requestID,
	}

	return json.Marshal(msg)
}

// ParseMessage は受信した JSON を封筒として解釈する
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ParsePayload parses the payload of a message into the given struct
func ParsePayload(msg *Message, payload interface{}) error {
	if len(msg.Payload) == 0 || string(msg.Payload) == "null" {
		return nil
	}
	return json.Unmarshal(msg.Payload, payload)
}
