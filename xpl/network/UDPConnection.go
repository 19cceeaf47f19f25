package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// BindOptions は受信ソケットのバインド方針
type BindOptions struct {
	IP       net.IP // nil の場合はワイルドカード
	HubPort  int    // 最初に試すポート
	BasePort int    // HubPort が使えない場合に探索を始めるポート
	MaxScan  int    // BasePort から試すポート数
}

// BindError はどのポートにもバインドできなかった場合のエラー
type BindError struct {
	HubPort  int
	BasePort int
	MaxScan  int
	Err      error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to bind UDP port (hub port %d, fallback %d-%d): %v",
		e.HubPort, e.BasePort, e.BasePort+e.MaxScan-1, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// UDPConnection は xPL の受信ソケットを管理します
type UDPConnection struct {
	UdpConn        *net.UDPConn
	LocalAddr      *net.UDPAddr
	Port           int  // 実際にバインドしたポート
	HubPort        bool // ハブポートにバインドできたか
	localIPs       []net.IP
	mu             sync.RWMutex
	networkMonitor *NetworkMonitor
}

// NetworkMonitor はネットワークインターフェースの監視を行います
type NetworkMonitor struct {
	ctx          context.Context
	cancel       context.CancelFunc
	interfaces   []net.Interface
	interfacesMu sync.RWMutex
	onChange     func()
	interval     time.Duration
	done         chan struct{} // goroutine終了通知用
}

// NetworkMonitorConfig はネットワーク監視の設定を表します
type NetworkMonitorConfig struct {
	Enabled  bool
	Interval time.Duration // 0 の場合は10秒
	OnChange func()        // インターフェース変更時に呼ばれる
}

const defaultMonitorInterval = 10 * time.Second

// CreateUDPConnection は受信ソケットを作成します。
// まず opts.HubPort へのバインドを試み、失敗した場合は opts.BasePort から順に空きポートを探します。
func CreateUDPConnection(ctx context.Context, opts BindOptions, networkMonitorConfig *NetworkMonitorConfig) (*UDPConnection, error) {
	if opts.IP != nil && opts.IP.To4() == nil {
		return nil, fmt.Errorf("IPv6 not supported for bind ip")
	}
	bindIP := opts.IP
	if bindIP == nil || bindIP.IsUnspecified() {
		bindIP = net.IPv4zero
	}

	conn, hubBound, err := bindDualTier(bindIP, opts)
	if err != nil {
		return nil, err
	}

	localIPs, err := GetLocalIPv4s()
	if err != nil {
		slog.Warn("ローカルIPアドレスの取得に失敗", "err", err)
		localIPs = []net.IP{}
	}

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	udpConn := &UDPConnection{
		UdpConn:   conn,
		LocalAddr: localAddr,
		Port:      localAddr.Port,
		HubPort:   hubBound,
		localIPs:  localIPs,
	}

	// ネットワーク監視機能を初期化
	if networkMonitorConfig != nil && networkMonitorConfig.Enabled {
		udpConn.initNetworkMonitor(ctx, networkMonitorConfig)
	}

	return udpConn, nil
}

func bindDualTier(ip net.IP, opts BindOptions) (*net.UDPConn, bool, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip, Port: opts.HubPort})
	if err == nil {
		slog.Debug("ハブポートにバインドしました", "port", opts.HubPort)
		return conn, true, nil
	}
	slog.Debug("ハブポートが使用中のため代替ポートを探します", "port", opts.HubPort, "err", err)

	lastErr := err
	for port := opts.BasePort; port < opts.BasePort+opts.MaxScan; port++ {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip, Port: port})
		if err == nil {
			slog.Debug("代替ポートにバインドしました", "port", port)
			return conn, false, nil
		}
		lastErr = err
	}
	return nil, false, &BindError{HubPort: opts.HubPort, BasePort: opts.BasePort, MaxScan: opts.MaxScan, Err: lastErr}
}

// IsLocalIP は指定されたIPアドレスが自身のローカルIPのいずれかと一致するかを確認します
func (c *UDPConnection) IsLocalIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, localIP := range c.localIPs {
		if ip.Equal(localIP) {
			return true
		}
	}
	return false
}

// Close はソケットを閉じます
func (c *UDPConnection) Close() error {
	c.stopNetworkMonitor()
	return c.UdpConn.Close()
}

// SendTo は指定先にデータを送信します
func (c *UDPConnection) SendTo(dstIP net.IP, port int, data []byte) (int, error) {
	return c.UdpConn.WriteTo(data, &net.UDPAddr{IP: dstIP, Port: port})
}

// bufferPool は受信バッファのプールです
var bufferPool = sync.Pool{
	New: func() interface{} { return make([]byte, 1500) },
}

// Receive は UDP パケットを1つ受信し、データと送信元アドレスを返します。
// コンテキストのキャンセルや期限に対応します。
func (c *UDPConnection) Receive(ctx context.Context) ([]byte, *net.UDPAddr, error) {
	if deadline, ok := ctx.Deadline(); ok {
		c.UdpConn.SetReadDeadline(deadline)
	} else {
		c.UdpConn.SetReadDeadline(time.Time{})
	}

	type result struct {
		data []byte
		addr *net.UDPAddr
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		buf := bufferPool.Get().([]byte)
		defer bufferPool.Put(buf)
		n, addr, err := c.UdpConn.ReadFromUDP(buf)
		if err != nil {
			ch <- result{nil, nil, err}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		ch <- result{data, addr, nil}
	}()

	select {
	case <-ctx.Done():
		c.UdpConn.SetReadDeadline(time.Now())
		<-ch
		return nil, nil, ctx.Err()
	case res := <-ch:
		var netErr net.Error
		if res.err != nil && errors.As(res.err, &netErr) && netErr.Timeout() && ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return res.data, res.addr, res.err
	}
}

// initNetworkMonitor はネットワーク監視機能を初期化します
func (c *UDPConnection) initNetworkMonitor(ctx context.Context, config *NetworkMonitorConfig) {
	monitorCtx, cancel := context.WithCancel(ctx)
	interval := config.Interval
	if interval <= 0 {
		interval = defaultMonitorInterval
	}

	monitor := &NetworkMonitor{
		ctx:        monitorCtx,
		cancel:     cancel,
		interfaces: []net.Interface{},
		onChange:   config.OnChange,
		interval:   interval,
		done:       make(chan struct{}),
	}

	// 初期のネットワークインターフェース情報を取得
	if err := monitor.updateNetworkInterfaces(); err != nil {
		slog.Warn("ネットワークインターフェース情報の取得に失敗", "err", err)
	}

	c.mu.Lock()
	c.networkMonitor = monitor
	c.mu.Unlock()

	go c.networkMonitorLoop(monitor)
	slog.Debug("ネットワーク監視が開始されました", "interval", interval)
}

// stopNetworkMonitor はネットワーク監視機能を停止します
func (c *UDPConnection) stopNetworkMonitor() {
	c.mu.Lock()
	monitor := c.networkMonitor
	c.networkMonitor = nil
	c.mu.Unlock()

	if monitor != nil {
		monitor.cancel()
		// goroutineの終了を待機
		<-monitor.done
		slog.Debug("ネットワーク監視が停止されました")
	}
}

// networkMonitorLoop はネットワーク監視のメインループです
func (c *UDPConnection) networkMonitorLoop(monitor *NetworkMonitor) {
	defer close(monitor.done)

	ticker := time.NewTicker(monitor.interval)
	defer ticker.Stop()

	for {
		select {
		case <-monitor.ctx.Done():
			return
		case <-ticker.C:
			if c.monitorNetworkChanges(monitor) && monitor.onChange != nil {
				// onChange は Close を呼ぶことがあるため別 goroutine で実行する
				go monitor.onChange()
			}
		}
	}
}

// monitorNetworkChanges はネットワークインターフェースの変更を検出すると true を返します
func (c *UDPConnection) monitorNetworkChanges(monitor *NetworkMonitor) bool {
	currentInterfaces, err := net.Interfaces()
	if err != nil {
		slog.Warn("ネットワークインターフェース情報の取得に失敗", "err", err)
		return false
	}

	monitor.interfacesMu.Lock()
	previousInterfaces := monitor.interfaces
	changed := hasNetworkChanged(previousInterfaces, currentInterfaces)
	if changed {
		monitor.interfaces = currentInterfaces
	}
	monitor.interfacesMu.Unlock()

	if !changed {
		return false
	}
	slog.Info("ネットワークインターフェースの変更を検出しました")

	newLocalIPs, err := GetLocalIPv4s()
	if err != nil {
		slog.Warn("ローカルIPアドレスの再取得に失敗", "err", err)
	} else {
		c.mu.Lock()
		c.localIPs = newLocalIPs
		c.mu.Unlock()
	}
	return true
}

// hasNetworkChanged はネットワークインターフェースが変更されたかをチェックします
func hasNetworkChanged(previous, current []net.Interface) bool {
	if len(previous) != len(current) {
		return true
	}

	// インターフェース名とフラグの変更をチェック
	prevMap := make(map[string]net.Flags)
	for _, iface := range previous {
		prevMap[iface.Name] = iface.Flags
	}

	for _, iface := range current {
		if prevFlags, exists := prevMap[iface.Name]; !exists || prevFlags != iface.Flags {
			return true
		}
	}

	return false
}

// updateNetworkInterfaces はネットワークインターフェース情報を更新します
func (nm *NetworkMonitor) updateNetworkInterfaces() error {
	interfaces, err := net.Interfaces()
	if err != nil {
		return err
	}

	nm.interfacesMu.Lock()
	nm.interfaces = interfaces
	nm.interfacesMu.Unlock()

	return nil
}

// IsNetworkMonitorEnabled はネットワーク監視が有効かどうかを返します
func (c *UDPConnection) IsNetworkMonitorEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.networkMonitor != nil
}
