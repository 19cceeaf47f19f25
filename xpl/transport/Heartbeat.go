package transport

import (
	"xpl-sdk/xpl"
)

// Heartbeat は heartbeat メッセージの内容
type Heartbeat struct {
	Source          xpl.Address
	IntervalMinutes int
	Version         string
	ConfigMode      bool // true の場合 config.app として送信する
}

// HeartbeatMessage は受信ポートと remote-ip を含む heartbeat メッセージを作成します
func (t *Transport) HeartbeatMessage(hb Heartbeat) (*xpl.Message, error) {
	return BuildHeartbeat(hb, t.Port(), t.RemoteIP().String())
}

// SendHeartbeat は heartbeat を作成して送信します
func (t *Transport) SendHeartbeat(hb Heartbeat) error {
	msg, err := t.HeartbeatMessage(hb)
	if err != nil {
		return err
	}
	return t.Send(msg)
}

// BuildHeartbeat は hbeat.app または config.app の xpl-stat メッセージを作成します
func BuildHeartbeat(hb Heartbeat, port int, remoteIP string) (*xpl.Message, error) {
	schemaType := "app"
	schemaClass := "hbeat"
	if hb.ConfigMode {
		schemaClass = "config"
	}
	msg, err := xpl.NewMessage(xpl.Status, hb.Source, xpl.BroadcastAddress, schemaClass, schemaType)
	if err != nil {
		return nil, err
	}
	if err := msg.AddIntValue("interval", hb.IntervalMinutes); err != nil {
		return nil, err
	}
	if err := msg.AddIntValue("port", port); err != nil {
		return nil, err
	}
	if err := msg.AddValue("remote-ip", remoteIP); err != nil {
		return nil, err
	}
	if hb.Version != "" {
		if err := msg.AddValue("version", hb.Version); err != nil {
			return nil, err
		}
	}
	return msg, nil
}
