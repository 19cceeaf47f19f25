package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"xpl-sdk/xpl"
	"xpl-sdk/xpl/network"
)

const (
	// pollInterval は受信待ちの1回あたりの時間
	pollInterval = time.Second
	// reconnectDelay は再接続に失敗したときの待ち時間
	reconnectDelay = 5 * time.Second
	// defaultMaxScan は代替ポートを探す範囲
	defaultMaxScan = 1000
	// DefaultSubscriberBuffer は購読チャンネルの既定バッファ数
	DefaultSubscriberBuffer = 100
)

// Options は Transport の設定
type Options struct {
	Interface      string   // 使用するインターフェース名。空なら自動選択
	HubPort        int      // 0 の場合は xpl.HubPort
	BasePort       int      // 0 の場合は xpl.BasePort
	MaxScan        int      // 0 の場合は defaultMaxScan
	TxIP           net.IP   // 送信先。nil の場合はインターフェースのブロードキャストアドレス
	TxPort         int      // 送信先ポート。0 の場合は HubPort
	ListenTo       []string // 受信を許可する送信元 (ANY, ANY_LOCAL, IP)
	NetworkMonitor bool
	// MonitorInterval はインターフェース監視の間隔。0 の場合は10秒
	MonitorInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.HubPort == 0 {
		o.HubPort = xpl.HubPort
	}
	if o.BasePort == 0 {
		o.BasePort = xpl.BasePort
	}
	if o.MaxScan == 0 {
		o.MaxScan = defaultMaxScan
	}
	if o.TxPort == 0 {
		o.TxPort = o.HubPort
	}
	return o
}

// Transport は xPL の UDP 送受信を行います。
// 受信したメッセージは Subscribe したすべてのチャンネルに配送されます。
type Transport struct {
	opts   Options
	listen ListenPolicy

	connMu      sync.RWMutex
	conn        *network.UDPConnection
	iface       network.Interface
	reconnectMu sync.Mutex

	subMu     sync.Mutex
	subs      map[int]chan *xpl.Message
	nextSubID int

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// New はインターフェースを選び受信ソケットをバインドします。
// どのポートにもバインドできない場合は *network.BindError を返します。
func New(ctx context.Context, opts Options) (*Transport, error) {
	opts = opts.withDefaults()
	listen, err := ParseListenPolicy(opts.ListenTo)
	if err != nil {
		return nil, err
	}

	transportCtx, cancel := context.WithCancel(ctx)
	t := &Transport{
		opts:   opts,
		listen: listen,
		subs:   make(map[int]chan *xpl.Message),
		ctx:    transportCtx,
		cancel: cancel,
	}
	if err := t.connect(); err != nil {
		cancel()
		return nil, err
	}
	return t, nil
}

func (t *Transport) connect() error {
	iface, err := network.FindInterface(t.opts.Interface)
	if err != nil {
		return fmt.Errorf("xPL transport: %w", err)
	}

	var monitor *network.NetworkMonitorConfig
	if t.opts.NetworkMonitor {
		monitor = &network.NetworkMonitorConfig{
			Enabled:  true,
			Interval: t.opts.MonitorInterval,
			OnChange: func() {
				if err := t.Reconnect(); err != nil {
					slog.Error("ネットワーク変更後の再接続に失敗", "err", err)
				}
			},
		}
	}

	conn, err := network.CreateUDPConnection(t.ctx, network.BindOptions{
		HubPort:  t.opts.HubPort,
		BasePort: t.opts.BasePort,
		MaxScan:  t.opts.MaxScan,
	}, monitor)
	if err != nil {
		return err
	}
	if t.ctx.Err() != nil {
		_ = conn.Close()
		return t.ctx.Err()
	}

	t.connMu.Lock()
	t.conn = conn
	t.iface = iface
	t.connMu.Unlock()

	slog.Info("xPL transport bound", "interface", iface.Name, "ip", iface.IP, "port", conn.Port, "hubPort", conn.HubPort)
	return nil
}

// Reconnect はソケットを閉じて再バインドします
func (t *Transport) Reconnect() error {
	return t.reconnect(t.currentConn())
}

// reconnect は failed が現在のソケットのままである場合に限り再バインドします
func (t *Transport) reconnect(failed *network.UDPConnection) error {
	t.reconnectMu.Lock()
	defer t.reconnectMu.Unlock()

	if t.ctx.Err() != nil {
		return t.ctx.Err()
	}
	if t.currentConn() != failed {
		return nil
	}
	if failed != nil {
		_ = failed.Close()
	}
	return t.connect()
}

func (t *Transport) currentConn() *network.UDPConnection {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	return t.conn
}

// Start は受信ループを開始します
func (t *Transport) Start() {
	t.startOnce.Do(func() {
		t.wg.Add(1)
		go t.mainLoop()
	})
}

// Close は受信ループを停止し、ソケットを閉じ、ループの終了を待ちます。
// 購読チャンネルはすべて close されます。
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		t.reconnectMu.Lock()
		if conn := t.currentConn(); conn != nil {
			err = conn.Close()
		}
		t.reconnectMu.Unlock()
		t.wg.Wait()

		t.subMu.Lock()
		for id, ch := range t.subs {
			close(ch)
			delete(t.subs, id)
		}
		t.subMu.Unlock()
	})
	return err
}

func (t *Transport) mainLoop() {
	defer t.wg.Done()

	for {
		if t.ctx.Err() != nil {
			return
		}
		conn := t.currentConn()

		recvCtx, cancel := context.WithTimeout(t.ctx, pollInterval)
		data, addr, err := conn.Receive(recvCtx)
		cancel()

		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			if isTimeout(err) {
				continue
			}
			slog.Debug("受信エラーのため再接続します", "err", err)
			if rerr := t.reconnect(conn); rerr != nil {
				slog.Error("再接続に失敗しました", "err", rerr)
				select {
				case <-t.ctx.Done():
					return
				case <-time.After(reconnectDelay):
				}
			}
			continue
		}

		if addr != nil && !t.listen.Allow(addr.IP, conn.IsLocalIP) {
			slog.Debug("許可されていない送信元のため破棄", "from", addr.IP)
			continue
		}

		msg, err := xpl.ParseMessage(data)
		if err != nil {
			slog.Warn("不正な xPL メッセージを破棄", "from", addr, "err", err)
			continue
		}
		t.deliver(msg)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// deliver は購読者それぞれにメッセージのコピーを送ります。
// 購読者のバッファが一杯の場合は破棄します。
func (t *Transport) deliver(msg *xpl.Message) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	for id, ch := range t.subs {
		select {
		case ch <- msg.Clone():
		default:
			slog.Warn("受信チャンネルが一杯のためメッセージを破棄", "subscriber", id, "schema", msg.Schema())
		}
	}
}

// Subscribe は受信メッセージを受け取るチャンネルと、購読を解除する関数を返します
func (t *Transport) Subscribe(buffer int) (<-chan *xpl.Message, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan *xpl.Message, buffer)

	t.subMu.Lock()
	id := t.nextSubID
	t.nextSubID++
	t.subs[id] = ch
	t.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.subMu.Lock()
			defer t.subMu.Unlock()
			if c, ok := t.subs[id]; ok {
				close(c)
				delete(t.subs, id)
			}
		})
	}
}

// Send はメッセージをブロードキャストアドレスのハブポートに送信します
func (t *Transport) Send(msg *xpl.Message) error {
	conn := t.currentConn()
	if conn == nil {
		return fmt.Errorf("xPL transport is not connected")
	}
	dst := t.opts.TxIP
	if dst == nil {
		dst = t.Interface().Broadcast
	}
	if _, err := conn.SendTo(dst, t.opts.TxPort, msg.Encode()); err != nil {
		return fmt.Errorf("failed to send %s to %s:%d: %w", msg.Schema(), dst, t.opts.TxPort, err)
	}
	return nil
}

// Port は受信ソケットのポート番号を返します
func (t *Transport) Port() int {
	if conn := t.currentConn(); conn != nil {
		return conn.Port
	}
	return 0
}

// Interface は使用中のインターフェースを返します
func (t *Transport) Interface() network.Interface {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	return t.iface
}

// RemoteIP は heartbeat の remote-ip として通知するアドレスを返します
func (t *Transport) RemoteIP() net.IP {
	return t.Interface().IP
}
