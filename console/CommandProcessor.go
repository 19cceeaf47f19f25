package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"xpl-sdk/appliance"
	"xpl-sdk/xpl"
	"xpl-sdk/xpl/device"
)

// DeviceController はコンソールから操作する xPL デバイス
type DeviceController interface {
	Status() device.Status
	ConfigItems() []*xpl.ConfigItem
	NewMessage(msgType xpl.MsgType, target xpl.Address, schemaClass, schemaType string) (*xpl.Message, error)
	SendMsg(msg *xpl.Message) error
	SendHeartbeatNow() error
	Pause()
	Resume()
}

// RelayController はコンソールから操作するリレー
type RelayController interface {
	Name() string
	IsOn() bool
	Apply(action appliance.Action) error
}

// ErrNoRelay はリレーが無効な時に返す
var ErrNoRelay = errors.New("relay is not enabled")

// CommandProcessor は、コマンド処理を担当する構造体
type CommandProcessor struct {
	device   DeviceController
	relay    RelayController
	setDebug func(on bool)
	out      io.Writer
	cmdChan  chan *Command
	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewCommandProcessor は、CommandProcessor の新しいインスタンスを作成する。
// relay と setDebug は nil でもよい
func NewCommandProcessor(ctx context.Context, dev DeviceController, relay RelayController, setDebug func(bool), out io.Writer) *CommandProcessor {
	processorCtx, cancel := context.WithCancel(ctx)
	return &CommandProcessor{
		device:   dev,
		relay:    relay,
		setDebug: setDebug,
		out:      out,
		cmdChan:  make(chan *Command),
		done:     make(chan struct{}),
		ctx:      processorCtx,
		cancel:   cancel,
	}
}

// Start は、コマンド処理を開始する
func (p *CommandProcessor) Start() {
	go p.processCommands()
}

// Stop は、コマンド処理を停止する
func (p *CommandProcessor) Stop() {
	p.cancel()
	<-p.done
}

// SendCommand は、コマンドを送信し、結果のエラーを返す
func (p *CommandProcessor) SendCommand(cmd *Command) error {
	select {
	case p.cmdChan <- cmd:
	case <-p.done:
		return context.Canceled
	}
	<-cmd.Done
	return cmd.Error
}

// processCommands は、コマンドを処理するgoroutine
func (p *CommandProcessor) processCommands() {
	defer close(p.done)
	for {
		select {
		case <-p.ctx.Done():
			return
		case cmd := <-p.cmdChan:
			cmd.Error = p.execute(cmd)
			close(cmd.Done)
			if cmd.Type == CmdQuit {
				return
			}
		}
	}
}

func (p *CommandProcessor) execute(cmd *Command) error {
	switch cmd.Type {
	case CmdQuit:
		return nil
	case CmdHelp:
		PrintUsage(p.out, cmd.HelpTopic)
	case CmdStatus:
		p.printStatus()
	case CmdConfig:
		p.printConfig()
	case CmdSend:
		return p.processSendCommand(cmd)
	case CmdHeartbeat:
		return p.device.SendHeartbeatNow()
	case CmdPause:
		p.device.Pause()
		fmt.Fprintln(p.out, "一時停止しました")
	case CmdResume:
		p.device.Resume()
		fmt.Fprintln(p.out, "再開しました")
	case CmdRelay:
		return p.processRelayCommand(cmd)
	case CmdDebug:
		if p.setDebug != nil {
			p.setDebug(cmd.DebugMode)
		}
		fmt.Fprintf(p.out, "デバッグモード: %v\n", onOff(cmd.DebugMode))
	default:
		return fmt.Errorf("unknown command type: %d", cmd.Type)
	}
	return nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func (p *CommandProcessor) processSendCommand(cmd *Command) error {
	class, typ, _ := xpl.SplitOnce(cmd.Schema, '.')
	msg, err := p.device.NewMessage(cmd.MsgType, cmd.Target, class, typ)
	if err != nil {
		return err
	}
	for _, pair := range cmd.Body {
		if err := msg.AddValue(pair.Name, pair.Value); err != nil {
			return err
		}
	}
	if err := p.device.SendMsg(msg); err != nil {
		return err
	}
	fmt.Fprintf(p.out, "送信しました: %s %s -> %s\n", msg.Type(), msg.Schema(), msg.Target())
	return nil
}

func (p *CommandProcessor) processRelayCommand(cmd *Command) error {
	if p.relay == nil {
		return ErrNoRelay
	}
	err := p.relay.Apply(cmd.RelayAction)
	fmt.Fprintf(p.out, "%s: %s\n", p.relay.Name(), onOff(p.relay.IsOn()))
	return err
}

func (p *CommandProcessor) printStatus() {
	s := p.device.Status()
	fmt.Fprintf(p.out, "アドレス       : %s\n", s.CompleteID)
	fmt.Fprintf(p.out, "バージョン     : %s\n", s.Version)
	fmt.Fprintf(p.out, "hub 待ち       : %v\n", s.WaitingForHub)
	fmt.Fprintf(p.out, "設定待ち       : %v\n", s.ConfigRequired)
	fmt.Fprintf(p.out, "一時停止       : %v\n", s.Paused)
	fmt.Fprintf(p.out, "heartbeat 間隔 : %d 分\n", s.IntervalMinutes)
	if !s.NextHeartbeat.IsZero() {
		fmt.Fprintf(p.out, "次の heartbeat : %s\n", s.NextHeartbeat.Format(time.TimeOnly))
	}
	if len(s.Filters) > 0 {
		fmt.Fprintf(p.out, "フィルタ       : %s\n", strings.Join(s.Filters, ", "))
	}
	if p.relay != nil {
		fmt.Fprintf(p.out, "リレー %-8s: %s\n", p.relay.Name(), onOff(p.relay.IsOn()))
	}
}

func (p *CommandProcessor) printConfig() {
	for _, item := range p.device.ConfigItems() {
		fmt.Fprintf(p.out, "%s [%s] = %s\n", item.ListEntry(), item.Kind(), strings.Join(item.Values(), ", "))
	}
}
