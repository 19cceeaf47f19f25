// Package appliance は xPL デバイスを使う仮想機器
package appliance

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"xpl-sdk/xpl"
	"xpl-sdk/xpl/device"
)

// Sender はリレーがメッセージを送るために使うデバイスの機能
type Sender interface {
	NewMessage(msgType xpl.MsgType, target xpl.Address, schemaClass, schemaType string) (*xpl.Message, error)
	SendMsg(msg *xpl.Message) error
}

// Action はリレーへの操作
type Action int

const (
	ActionOn Action = iota
	ActionOff
	ActionToggle
)

// ParseAction は current の値 (enable, high, disable, low, toggle) を解釈する。
// コンソール用に on/off も受け付ける
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(xpl.Trim(s)) {
	case "enable", "high", "on":
		return ActionOn, nil
	case "disable", "low", "off":
		return ActionOff, nil
	case "toggle":
		return ActionToggle, nil
	}
	return 0, fmt.Errorf("unknown relay action: %q", s)
}

// Relay はメモリ上の出力リレー。
// control.basic で切り替えられ、状態を sensor.basic で報告する
type Relay struct {
	mu     sync.Mutex
	name   string
	on     bool
	sender Sender
}

func NewRelay(name string, sender Sender) *Relay {
	return &Relay{name: strings.ToLower(name), sender: sender}
}

func (r *Relay) Name() string { return r.name }

func (r *Relay) IsOn() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.on
}

// Apply はリレーを操作し、状態を xpl-trig で通知する。
// 送信に失敗しても状態は変わる
func (r *Relay) Apply(action Action) error {
	r.mu.Lock()
	switch action {
	case ActionOn:
		r.on = true
	case ActionOff:
		r.on = false
	case ActionToggle:
		r.on = !r.on
	}
	on := r.on
	r.mu.Unlock()

	slog.Info("relay", "name", r.name, "on", on)
	return r.report(xpl.Trigger, on)
}

// report は sensor.basic で現在の状態を送る
func (r *Relay) report(msgType xpl.MsgType, on bool) error {
	msg, err := r.sender.NewMessage(msgType, xpl.BroadcastAddress, "sensor", "basic")
	if err != nil {
		return err
	}
	current := "low"
	if on {
		current = "high"
	}
	for _, kv := range [][2]string{{"device", r.name}, {"type", "output"}, {"current", current}} {
		if err := msg.AddValue(kv[0], kv[1]); err != nil {
			return err
		}
	}
	return r.sender.SendMsg(msg)
}

// HandleMessage は受信したコマンドを処理する。処理した場合は true
func (r *Relay) HandleMessage(msg *xpl.Message) bool {
	if msg.Type() != xpl.Command {
		return false
	}
	switch msg.Schema() {
	case "control.basic":
		if !strings.EqualFold(msg.Value("device"), r.name) || !strings.EqualFold(msg.Value("type"), "output") {
			return false
		}
		action, err := ParseAction(msg.Value("current"))
		if err != nil {
			slog.Warn("control.basic の current が不正", "current", msg.Value("current"), "source", msg.Source().String())
			return false
		}
		if err := r.Apply(action); err != nil {
			slog.Warn("relay の状態通知に失敗", "err", err)
		}
		return true
	case "sensor.request":
		if !strings.EqualFold(msg.Value("request"), "current") {
			return false
		}
		if dev := msg.Value("device"); dev != "" && !strings.EqualFold(dev, r.name) {
			return false
		}
		if err := r.report(xpl.Status, r.IsOn()); err != nil {
			slog.Warn("relay の状態応答に失敗", "err", err)
		}
		return true
	}
	return false
}

// Run はイベントを受け取り ctx が終わるかチャンネルが閉じるまで処理する
func (r *Relay) Run(ctx context.Context, events <-chan device.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == device.EventMessage && ev.Message != nil {
				r.HandleMessage(ev.Message)
			}
		}
	}
}
