package device

import (
	"log/slog"
	"sync"

	"xpl-sdk/xpl"
)

// EventType はアプリケーションへ通知するイベントの種類
type EventType int

const (
	// EventMessage は組み込みコマンド以外の受信メッセージ
	EventMessage EventType = iota
	// EventConfigChanged は config.response による設定変更
	EventConfigChanged
	// EventSent はデバイスが送信したメッセージ
	EventSent
)

func (t EventType) String() string {
	switch t {
	case EventMessage:
		return "message"
	case EventConfigChanged:
		return "config_changed"
	case EventSent:
		return "sent"
	default:
		return "unknown"
	}
}

// Event はアプリケーションへの通知。Message は購読者ごとのコピー
type Event struct {
	Type    EventType
	Message *xpl.Message
}

// Subscribe はイベントを受け取るチャンネルと購読解除の関数を返します
func (d *Device) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 100
	}
	ch := make(chan Event, buffer)

	d.subMu.Lock()
	id := d.nextSubID
	d.nextSubID++
	d.subs[id] = ch
	d.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.subMu.Lock()
			defer d.subMu.Unlock()
			if c, ok := d.subs[id]; ok {
				close(c)
				delete(d.subs, id)
			}
		})
	}
}

// publish は購読者に非ブロッキングで通知します。バッファが一杯なら破棄します
func (d *Device) publish(ev Event) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	for id, ch := range d.subs {
		out := ev
		if ev.Message != nil {
			out.Message = ev.Message.Clone()
		}
		select {
		case ch <- out:
		default:
			slog.Warn("イベントチャンネルが一杯のため破棄", "subscriber", id, "type", ev.Type)
		}
	}
}
