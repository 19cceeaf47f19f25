package device

import (
	"log/slog"
	"strings"

	"xpl-sdk/xpl"
)

// commandKey は組み込みコマンドの検索キー。command が空の場合は command の値を問わない
type commandKey struct {
	class   string
	typ     string
	command string
}

type commandHandler func(d *Device, msg *xpl.Message)

var builtinCommands = map[commandKey]commandHandler{
	{"config", "current", "request"}: (*Device).handleConfigCurrent,
	{"config", "list", "request"}:    (*Device).handleConfigList,
	{"config", "response", ""}:       (*Device).handleConfigResponse,
	{"hbeat", "request", ""}:         (*Device).handleHeartbeatRequest,
}

// handleBuiltin は xpl-cmnd の組み込みコマンドを処理し、処理した場合 true を返します
func (d *Device) handleBuiltin(msg *xpl.Message) bool {
	if msg.Type() != xpl.Command {
		return false
	}
	command := strings.ToLower(msg.Value("command"))
	handler, ok := builtinCommands[commandKey{msg.SchemaClass(), msg.SchemaType(), command}]
	if !ok {
		handler, ok = builtinCommands[commandKey{msg.SchemaClass(), msg.SchemaType(), ""}]
	}
	if !ok {
		return false
	}
	handler(d, msg)
	return true
}

// handleConfigCurrent は現在の設定値を config.current で返します
func (d *Device) handleConfigCurrent(_ *xpl.Message) {
	d.mu.Lock()
	reply, err := xpl.NewMessage(xpl.Status, d.completeID, xpl.BroadcastAddress, "config", "current")
	if err == nil {
		for _, item := range d.configItems {
			for _, v := range item.Values() {
				if err = reply.AddValue(item.Name(), v); err != nil {
					break
				}
			}
		}
	}
	d.mu.Unlock()
	d.sendReply(reply, err)
}

// handleConfigList は設定項目の一覧を config.list で返します
func (d *Device) handleConfigList(_ *xpl.Message) {
	d.mu.Lock()
	reply, err := xpl.NewMessage(xpl.Status, d.completeID, xpl.BroadcastAddress, "config", "list")
	if err == nil {
		for _, item := range d.configItems {
			if err = reply.AddValue(item.Kind().String(), item.ListEntry()); err != nil {
				break
			}
		}
	}
	d.mu.Unlock()
	d.sendReply(reply, err)
}

// handleConfigResponse はハブから送られた設定を反映して保存します
func (d *Device) handleConfigResponse(msg *xpl.Message) {
	d.mu.Lock()
	for _, item := range d.configItems {
		item.ClearValues()
		values := msg.Item(item.Name())
		if values == nil {
			continue
		}
		for _, v := range values.Values {
			if v == "" {
				continue
			}
			if !item.AddValue(v) {
				slog.Warn("設定値が上限を超えたため無視します", "item", item.Name(), "value", v)
			}
		}
	}
	d.applyConfigLocked()
	snapshot := d.snapshotLocked()
	d.configRequired = false
	vendorID, deviceID, completeID := d.vendorID, d.deviceID, d.completeID
	d.mu.Unlock()

	if err := d.store.Save(vendorID, deviceID, snapshot); err != nil {
		slog.Error("設定の保存に失敗", "device", completeID, "err", err)
	}
	slog.Info("設定を受信しました", "device", completeID)
	d.publish(Event{Type: EventConfigChanged})
	d.SendHeartbeatNow()
}

// handleHeartbeatRequest は heartbeat をすぐに送信します
func (d *Device) handleHeartbeatRequest(_ *xpl.Message) {
	d.SendHeartbeatNow()
}

func (d *Device) sendReply(reply *xpl.Message, err error) {
	if err != nil {
		slog.Error("応答の作成に失敗", "err", err)
		return
	}
	if err := d.transmit(reply); err != nil {
		slog.Warn("応答の送信に失敗", "schema", reply.Schema(), "err", err)
	}
}
