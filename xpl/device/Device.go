package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"xpl-sdk/xpl"
	"xpl-sdk/xpl/transport"
)

// DefaultInstanceID はインスタンスIDが指定されなかった場合の値
const DefaultInstanceID = "default"

// 既定の設定項目名
const (
	ItemNewConf  = "newconf"
	ItemInterval = "interval"
	ItemGroup    = "group"
	ItemFilter   = "filter"
)

var (
	// ErrAlreadyInitialized は Init 後に許可されていない操作をした場合のエラー
	ErrAlreadyInitialized = errors.New("device is already initialized")
	// ErrClosed は Close 後に Init が呼ばれた場合のエラー
	ErrClosed = errors.New("device is closed")
)

// DuplicateConfigItemError は同名の設定項目が既にある場合のエラー
type DuplicateConfigItemError struct {
	Name string
}

func (e *DuplicateConfigItemError) Error() string {
	return fmt.Sprintf("config item %q already exists", e.Name)
}

// Transport は Device が使う送受信の機能
type Transport interface {
	Send(msg *xpl.Message) error
	HeartbeatMessage(hb transport.Heartbeat) (*xpl.Message, error)
	Subscribe(buffer int) (<-chan *xpl.Message, func())
}

// Config は Device の識別情報と動作設定
type Config struct {
	VendorID   string
	DeviceID   string
	InstanceID string // 空の場合は DefaultInstanceID
	Version    string
	// DisableFiltering が true の場合、宛先とフィルタによる受信判定を行わない
	DisableFiltering bool
	// Store は設定の保存先。nil の場合はメモリ上にのみ保持する
	Store ConfigStore
}

// Device は xPL デバイスの状態機械です。
// heartbeat の送信、ハブからの設定、受信メッセージの振り分けを行います。
type Device struct {
	mu              sync.Mutex
	vendorID        string
	deviceID        string
	instanceID      string
	version         string
	completeID      xpl.Address
	configItems     []*xpl.ConfigItem
	filters         xpl.Filters
	intervalMinutes int
	nextHeartbeat   time.Time
	rapidRemaining  int
	waitingForHub   bool
	configRequired  bool
	paused          bool
	initialized     bool
	closed          bool
	filterMessages  bool

	transport Transport
	store     ConfigStore
	now       func() time.Time

	subMu     sync.Mutex
	subs      map[int]chan Event
	nextSubID int

	wake        chan struct{}
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// NewDevice は識別情報を検証して Device を作成します
func NewDevice(cfg Config, t Transport) (*Device, error) {
	if cfg.InstanceID == "" {
		cfg.InstanceID = DefaultInstanceID
	}
	completeID, err := xpl.NewAddress(cfg.VendorID, cfg.DeviceID, cfg.InstanceID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("transport is required")
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	return &Device{
		vendorID:        completeID.Vendor,
		deviceID:        completeID.Device,
		instanceID:      completeID.Instance,
		version:         cfg.Version,
		completeID:      completeID,
		intervalMinutes: MinIntervalMinutes,
		waitingForHub:   true,
		configRequired:  true,
		filterMessages:  !cfg.DisableFiltering,
		transport:       t,
		store:           store,
		now:             time.Now,
		subs:            make(map[int]chan Event),
		wake:            make(chan struct{}, 1),
	}, nil
}

// AddConfigItem は設定項目を追加します。Init の前にのみ呼び出せます
func (d *Device) AddConfigItem(item *xpl.ConfigItem) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.initialized {
		return ErrAlreadyInitialized
	}
	if d.findItemLocked(item.Name()) != nil {
		return &DuplicateConfigItemError{Name: item.Name()}
	}
	d.configItems = append(d.configItems, item)
	return nil
}

// AddDefaultConfigItems は newconf, interval, group, filter の標準項目を追加します
func (d *Device) AddDefaultConfigItems() error {
	d.mu.Lock()
	instanceID := d.instanceID
	d.mu.Unlock()

	newconf := xpl.NewConfigItem(ItemNewConf, xpl.KindReconf, 1)
	newconf.AddValue(instanceID)
	interval := xpl.NewConfigItem(ItemInterval, xpl.KindReconf, 1)
	interval.AddValue(fmt.Sprint(MinIntervalMinutes))

	for _, item := range []*xpl.ConfigItem{
		newconf,
		interval,
		xpl.NewConfigItem(ItemGroup, xpl.KindOption, 16),
		xpl.NewConfigItem(ItemFilter, xpl.KindOption, 16),
	} {
		if err := d.AddConfigItem(item); err != nil {
			return err
		}
	}
	return nil
}

// RemoveConfigItem は設定項目を削除します
func (d *Device) RemoveConfigItem(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	name = itemName(name)
	for i, item := range d.configItems {
		if item.Name() == name {
			d.configItems = append(d.configItems[:i], d.configItems[i+1:]...)
			return true
		}
	}
	return false
}

// ConfigItem は設定項目のコピーを返します。無ければ nil
func (d *Device) ConfigItem(name string) *xpl.ConfigItem {
	d.mu.Lock()
	defer d.mu.Unlock()
	if item := d.findItemLocked(name); item != nil {
		return item.Clone()
	}
	return nil
}

// ConfigItems はすべての設定項目のコピーを返します
func (d *Device) ConfigItems() []*xpl.ConfigItem {
	d.mu.Lock()
	defer d.mu.Unlock()
	items := make([]*xpl.ConfigItem, 0, len(d.configItems))
	for _, item := range d.configItems {
		items = append(items, item.Clone())
	}
	return items
}

func itemName(name string) string {
	return strings.ToLower(xpl.Trim(name))
}

func (d *Device) findItemLocked(name string) *xpl.ConfigItem {
	name = itemName(name)
	for _, item := range d.configItems {
		if item.Name() == name {
			return item
		}
	}
	return nil
}

// SetInstanceID はインスタンスIDを変更します。Init の前にのみ呼び出せます
func (d *Device) SetInstanceID(instanceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.initialized {
		return ErrAlreadyInitialized
	}
	return d.setInstanceLocked(instanceID)
}

func (d *Device) setInstanceLocked(instanceID string) error {
	completeID, err := xpl.NewAddress(d.vendorID, d.deviceID, instanceID)
	if err != nil {
		return err
	}
	d.instanceID = completeID.Instance
	d.completeID = completeID
	return nil
}

// Init は保存された設定を読み込み、受信と heartbeat の処理を開始します。
// 保存された設定が無いかバージョンが異なる場合は設定待ちの状態になります。
func (d *Device) Init(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if d.initialized {
		d.mu.Unlock()
		return ErrAlreadyInitialized
	}

	d.configRequired = true
	stored, err := d.store.Load(d.vendorID, d.deviceID)
	switch {
	case errors.Is(err, ErrConfigNotFound):
		slog.Info("保存された設定が無いため設定待ちになります", "device", d.completeID)
	case err != nil:
		slog.Warn("設定の読み込みに失敗", "device", d.completeID, "err", err)
	case stored.Version != d.version:
		slog.Info("保存された設定のバージョンが異なるため設定待ちになります", "device", d.completeID, "stored", stored.Version, "current", d.version)
	default:
		d.restoreLocked(stored)
		d.applyConfigLocked()
		d.configRequired = false
	}

	d.waitingForHub = true
	d.rapidRemaining = rapidHeartbeatCount
	d.nextHeartbeat = d.now()
	d.initialized = true
	d.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	msgs, unsubscribe := d.transport.Subscribe(transport.DefaultSubscriberBuffer)
	d.unsubscribe = unsubscribe

	d.wg.Add(2)
	go d.receiveLoop(loopCtx, msgs)
	go d.heartbeatLoop(loopCtx)
	return nil
}

// Close は heartbeat と受信の処理を停止し、終了を待ちます。
// 購読チャンネルはすべて close されます。
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()

		if d.cancel != nil {
			d.cancel()
		}
		if d.unsubscribe != nil {
			d.unsubscribe()
		}
		d.wg.Wait()

		d.subMu.Lock()
		for id, ch := range d.subs {
			close(ch)
			delete(d.subs, id)
		}
		d.subMu.Unlock()
	})
	return nil
}

func (d *Device) receiveLoop(ctx context.Context, msgs <-chan *xpl.Message) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			d.HandleReceived(msg)
		}
	}
}

// restoreLocked は保存された値を同名の設定項目に反映します
func (d *Device) restoreLocked(stored *StoredConfig) {
	for _, s := range stored.Items {
		item := d.findItemLocked(s.Name)
		if item == nil {
			continue
		}
		item.ClearValues()
		for _, v := range s.Values {
			item.AddValue(v)
		}
	}
}

// applyConfigLocked は newconf, interval, filter の値を状態に反映します
func (d *Device) applyConfigLocked() {
	if item := d.findItemLocked(ItemNewConf); item != nil && item.Value(0) != "" {
		if err := d.setInstanceLocked(item.Value(0)); err != nil {
			slog.Warn("newconf の値が不正なため無視します", "value", item.Value(0), "err", err)
		}
	}
	if item := d.findItemLocked(ItemInterval); item != nil && item.Value(0) != "" {
		d.intervalMinutes = parseInterval(item.Value(0), d.intervalMinutes)
	}
	if item := d.findItemLocked(ItemFilter); item != nil {
		filters := xpl.Filters{}
		for _, v := range item.Values() {
			f, err := xpl.ParseFilter(v)
			if err != nil {
				slog.Warn("filter の値が不正なため無視します", "value", v, "err", err)
				continue
			}
			filters = append(filters, f)
		}
		d.filters = filters
	}
}

func (d *Device) snapshotLocked() *StoredConfig {
	cfg := &StoredConfig{Version: d.version}
	for _, item := range d.configItems {
		cfg.Items = append(cfg.Items, StoredItem{Name: item.Name(), Values: item.Values()})
	}
	return cfg
}

// SendMsg はアプリケーションのメッセージを送信します。
// 設定待ちの間は xpl.ErrNotConfigured、一時停止中は xpl.ErrPaused を返します。
func (d *Device) SendMsg(msg *xpl.Message) error {
	d.mu.Lock()
	configRequired, paused := d.configRequired, d.paused
	d.mu.Unlock()

	if configRequired {
		return xpl.ErrNotConfigured
	}
	if paused {
		return xpl.ErrPaused
	}
	return d.transmit(msg)
}

// transmit は状態に関係なく送信します
func (d *Device) transmit(msg *xpl.Message) error {
	if err := d.transport.Send(msg); err != nil {
		return err
	}
	d.publish(Event{Type: EventSent, Message: msg.Clone()})
	return nil
}

// NewMessage は送信元を自身にしたメッセージを作成します
func (d *Device) NewMessage(msgType xpl.MsgType, target xpl.Address, schemaClass, schemaType string) (*xpl.Message, error) {
	return xpl.NewMessage(msgType, d.CompleteID(), target, schemaClass, schemaType)
}

// Pause は heartbeat とメッセージの送受信を停止します
func (d *Device) Pause() {
	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()
	d.interrupt()
}

// Resume は Pause を解除し、すぐに heartbeat を送信します
func (d *Device) Resume() {
	d.mu.Lock()
	wasPaused := d.paused
	d.paused = false
	if wasPaused {
		d.nextHeartbeat = d.now()
	}
	d.mu.Unlock()
	d.interrupt()
}

// Status はデバイスの状態のスナップショット
type Status struct {
	CompleteID      string    `json:"completeId"`
	Version         string    `json:"version"`
	WaitingForHub   bool      `json:"waitingForHub"`
	ConfigRequired  bool      `json:"configRequired"`
	Paused          bool      `json:"paused"`
	IntervalMinutes int       `json:"intervalMinutes"`
	NextHeartbeat   time.Time `json:"nextHeartbeat"`
	Filters         []string  `json:"filters"`
}

// Status は現在の状態を返します
func (d *Device) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Status{
		CompleteID:      d.completeID.String(),
		Version:         d.version,
		WaitingForHub:   d.waitingForHub,
		ConfigRequired:  d.configRequired,
		Paused:          d.paused,
		IntervalMinutes: d.intervalMinutes,
		NextHeartbeat:   d.nextHeartbeat,
	}
	for _, f := range d.filters {
		s.Filters = append(s.Filters, f.String())
	}
	return s
}

func (d *Device) CompleteID() xpl.Address {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.completeID
}

func (d *Device) VendorID() string { return d.vendorID }
func (d *Device) DeviceID() string { return d.deviceID }
func (d *Device) Version() string  { return d.version }

func (d *Device) InstanceID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.instanceID
}

func (d *Device) IsWaitingForHub() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waitingForHub
}

func (d *Device) IsConfigRequired() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.configRequired
}

func (d *Device) IsPaused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

// IntervalMinutes は設定された heartbeat 間隔 (分) を返します
func (d *Device) IntervalMinutes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.intervalMinutes
}

// Filters は現在の受信フィルタのコピーを返します
func (d *Device) Filters() xpl.Filters {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append(xpl.Filters(nil), d.filters...)
}
