package device

import (
	"log/slog"
	"strings"

	"golang.org/x/exp/slices"

	"xpl-sdk/xpl"
)

// HandleReceived は受信メッセージを振り分けます。
//  1. 自身が送信したメッセージはハブ検出に使い、それ以上処理しない
//  2. 宛先が自分宛て (*, 自身, 所属グループ) でなければ破棄
//  3. フィルタを通らなければ破棄
//  4. 組み込みコマンドを処理し、それ以外はアプリケーションへ通知
func (d *Device) HandleReceived(msg *xpl.Message) {
	d.mu.Lock()
	if d.paused {
		d.mu.Unlock()
		return
	}
	if msg.Source().Equal(d.completeID) {
		if d.waitingForHub {
			d.waitingForHub = false
			d.scheduleNextLocked(d.now())
			slog.Info("ハブを検出しました", "device", d.completeID)
			d.mu.Unlock()
			d.interrupt()
			return
		}
		d.mu.Unlock()
		return
	}
	admitted := d.isForUsLocked(msg)
	d.mu.Unlock()

	if !admitted {
		return
	}
	if d.handleBuiltin(msg) {
		return
	}
	d.publish(Event{Type: EventMessage, Message: msg})
}

// isForUsLocked は宛先とフィルタによる受信判定を行います
func (d *Device) isForUsLocked(msg *xpl.Message) bool {
	if !d.filterMessages {
		return true
	}
	target := msg.Target()
	switch {
	case target.Broadcast:
	case target.Equal(d.completeID):
	case target.IsGroup():
		// 宛先は小文字化されているが、ハブが設定したグループ名はそのまま保持している
		group := d.findItemLocked(ItemGroup)
		if group == nil || !slices.ContainsFunc(group.Values(), func(v string) bool {
			return strings.EqualFold(v, target.Instance)
		}) {
			return false
		}
	default:
		return false
	}
	return d.filters.Allow(msg)
}
