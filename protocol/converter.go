package protocol

import (
	"fmt"

	"xpl-sdk/xpl"
	"xpl-sdk/xpl/device"
)

// XPLItem は name=value 行の表現。Values は値の並び
type XPLItem struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// XPLMessage は xPL メッセージの JSON 表現
type XPLMessage struct {
	Type   string    `json:"type"` // xpl-cmnd, xpl-trig, xpl-stat
	Hop    int       `json:"hop,omitempty"`
	Source string    `json:"source,omitempty"`
	Target string    `json:"target"`
	Schema string    `json:"schema"` // class.type
	Body   []XPLItem `json:"body,omitempty"`
	Raw    string    `json:"raw,omitempty"`
}

// MessageToProtocol は *xpl.Message を XPLMessage に変換する
func MessageToProtocol(msg *xpl.Message) XPLMessage {
	out := XPLMessage{
		Type:   msg.Type().String(),
		Hop:    msg.Hop(),
		Source: msg.Source().String(),
		Target: msg.Target().String(),
		Schema: msg.Schema(),
		Raw:    msg.String(),
	}
	for _, item := range msg.Items() {
		values := make([]string, item.NumValues())
		for i := range values {
			values[i] = item.Value(i)
		}
		out.Body = append(out.Body, XPLItem{Name: item.Name, Values: values})
	}
	return out
}

// MessageFromProtocol は XPLMessage から *xpl.Message を組み立てる。
// Source が空の場合は source を使う
func MessageFromProtocol(m XPLMessage, source xpl.Address) (*xpl.Message, error) {
	msgType, err := xpl.ParseMsgType(m.Type)
	if err != nil {
		return nil, err
	}
	target := xpl.BroadcastAddress
	if m.Target != "" {
		if target, err = xpl.ParseAddress(m.Target); err != nil {
			return nil, fmt.Errorf("target: %w", err)
		}
	}
	if m.Source != "" {
		if source, err = xpl.ParseAddress(m.Source); err != nil {
			return nil, fmt.Errorf("source: %w", err)
		}
	}
	class, typ, ok := xpl.SplitOnce(m.Schema, '.')
	if !ok {
		return nil, fmt.Errorf("invalid schema %q", m.Schema)
	}
	msg, err := xpl.NewMessage(msgType, source, target, class, typ)
	if err != nil {
		return nil, err
	}
	if m.Hop != 0 {
		if err := msg.SetHop(m.Hop); err != nil {
			return nil, err
		}
	}
	for _, item := range m.Body {
		for _, v := range item.Values {
			if err := msg.AddValue(item.Name, v); err != nil {
				return nil, err
			}
		}
	}
	return msg, nil
}

// StatusToProtocol は device.Status を DeviceStatus に変換する
func StatusToProtocol(s device.Status) DeviceStatus {
	return DeviceStatus{
		CompleteID:      s.CompleteID,
		Version:         s.Version,
		WaitingForHub:   s.WaitingForHub,
		ConfigRequired:  s.ConfigRequired,
		Paused:          s.Paused,
		IntervalMinutes: s.IntervalMinutes,
		NextHeartbeat:   s.NextHeartbeat,
		Filters:         s.Filters,
	}
}

// ConfigItemsToProtocol は設定項目の一覧を変換する
func ConfigItemsToProtocol(items []*xpl.ConfigItem) []ConfigItem {
	out := make([]ConfigItem, 0, len(items))
	for _, item := range items {
		values := item.Values()
		if values == nil {
			values = []string{}
		}
		out = append(out, ConfigItem{
			Name:      item.Name(),
			Kind:      item.Kind().String(),
			MaxValues: item.MaxValues(),
			Values:    values,
		})
	}
	return out
}
