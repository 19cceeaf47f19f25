package device

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xpl-sdk/xpl"
	"xpl-sdk/xpl/transport"
)

// fakeTransport は送信したメッセージを記録するテスト用の Transport
type fakeTransport struct {
	mu     sync.Mutex
	sent   []*xpl.Message
	sentCh chan *xpl.Message
	rx     chan *xpl.Message
	err    error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sentCh: make(chan *xpl.Message, 256),
		rx:     make(chan *xpl.Message, 16),
	}
}

func (f *fakeTransport) Send(msg *xpl.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg.Clone())
	select {
	case f.sentCh <- msg.Clone():
	default:
	}
	return nil
}

func (f *fakeTransport) HeartbeatMessage(hb transport.Heartbeat) (*xpl.Message, error) {
	return transport.BuildHeartbeat(hb, 50000, "192.168.1.10")
}

func (f *fakeTransport) Subscribe(int) (<-chan *xpl.Message, func()) {
	return f.rx, func() {}
}

func (f *fakeTransport) sentMessages() []*xpl.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*xpl.Message(nil), f.sent...)
}

func (f *fakeTransport) lastSent(t *testing.T) *xpl.Message {
	t.Helper()
	sent := f.sentMessages()
	require.NotEmpty(t, sent, "nothing was sent")
	return sent[len(sent)-1]
}

// waitForSchema は指定スキーマのメッセージが送信されるまで待ちます
func (f *fakeTransport) waitForSchema(t *testing.T, schema string) *xpl.Message {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case msg := <-f.sentCh:
			if msg.Schema() == schema {
				return msg
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", schema)
			return nil
		}
	}
}

func newTestDevice(t *testing.T, mutate ...func(*Config)) (*Device, *fakeTransport) {
	t.Helper()
	cfg := Config{VendorID: "acme", DeviceID: "relay", InstanceID: "k1", Version: "1.0"}
	for _, m := range mutate {
		m(&cfg)
	}
	ft := newFakeTransport()
	d, err := NewDevice(cfg, ft)
	require.NoError(t, err)
	require.NoError(t, d.AddDefaultConfigItems())
	t.Cleanup(func() { d.Close() })
	return d, ft
}

func mustParse(t *testing.T, raw string) *xpl.Message {
	t.Helper()
	msg, err := xpl.ParseMessage([]byte(raw))
	require.NoError(t, err)
	return msg
}

// newCommand は name,value の組を本文にした xpl-cmnd を作成します
func newCommand(t *testing.T, target, schema string, pairs ...string) *xpl.Message {
	t.Helper()
	src, err := xpl.ParseAddress("hal-hal.hal")
	require.NoError(t, err)
	dst, err := xpl.ParseAddress(target)
	require.NoError(t, err)
	msg, err := xpl.NewMessage(xpl.Command, src, dst, "x", "y")
	require.NoError(t, err)
	require.NoError(t, msg.SetSchema(schema))
	for i := 0; i+1 < len(pairs); i += 2 {
		require.NoError(t, msg.AddValue(pairs[i], pairs[i+1]))
	}
	return msg
}

func nextEvent(t *testing.T, ch <-chan Event) (Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		return ev, ok
	default:
		return Event{}, false
	}
}

func configure(t *testing.T, d *Device, pairs ...string) {
	t.Helper()
	d.HandleReceived(newCommand(t, d.CompleteID().String(), "config.response", pairs...))
	require.False(t, d.IsConfigRequired())
}

func TestNewDevice(t *testing.T) {
	ft := newFakeTransport()

	d, err := NewDevice(Config{VendorID: "ACME", DeviceID: "Relay"}, ft)
	require.NoError(t, err)
	assert.Equal(t, "acme-relay.default", d.CompleteID().String())
	assert.True(t, d.IsWaitingForHub())
	assert.True(t, d.IsConfigRequired())

	_, err = NewDevice(Config{VendorID: "toolongvendor", DeviceID: "relay"}, ft)
	var verr *xpl.ValidationError
	assert.True(t, errors.As(err, &verr))

	_, err = NewDevice(Config{VendorID: "acme", DeviceID: "relay"}, nil)
	assert.Error(t, err)
}

func TestDevice_ConfigItems(t *testing.T) {
	d, _ := newTestDevice(t)

	err := d.AddConfigItem(xpl.NewConfigItem("Group", xpl.KindOption, 4))
	var dup *DuplicateConfigItemError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "group", dup.Name)

	require.NoError(t, d.AddConfigItem(xpl.NewConfigItem("relayname", xpl.KindConfig, 1)))
	assert.NotNil(t, d.ConfigItem("RELAYNAME"))
	assert.True(t, d.RemoveConfigItem("relayname"))
	assert.False(t, d.RemoveConfigItem("relayname"))
	assert.Nil(t, d.ConfigItem("relayname"))

	names := []string{}
	for _, item := range d.ConfigItems() {
		names = append(names, item.Name())
	}
	assert.Equal(t, []string{"newconf", "interval", "group", "filter"}, names)
	assert.Equal(t, "k1", d.ConfigItem("newconf").Value(0))
	assert.Equal(t, "5", d.ConfigItem("interval").Value(0))

	require.NoError(t, d.SetInstanceID("K9"))
	assert.Equal(t, "acme-relay.k9", d.CompleteID().String())
	assert.Error(t, d.SetInstanceID("an-instance-that-is-too-long"))

	require.NoError(t, d.Init(context.Background()))
	assert.ErrorIs(t, d.AddConfigItem(xpl.NewConfigItem("late", xpl.KindOption, 1)), ErrAlreadyInitialized)
	assert.ErrorIs(t, d.SetInstanceID("k2"), ErrAlreadyInitialized)
	assert.ErrorIs(t, d.Init(context.Background()), ErrAlreadyInitialized)
}

func TestDevice_ForwardsControlBasic(t *testing.T) {
	d, ft := newTestDevice(t)
	events, unsubscribe := d.Subscribe(4)
	defer unsubscribe()

	d.HandleReceived(mustParse(t, "xpl-cmnd\n{\nhop=1\nsource=hal-hal.hal\ntarget=*\n}\ncontrol.basic\n{\ndevice=relay\ntype=output\ncurrent=enable\n}\n"))

	ev, ok := nextEvent(t, events)
	require.True(t, ok, "message should be forwarded")
	assert.Equal(t, EventMessage, ev.Type)
	assert.Equal(t, "control.basic", ev.Message.Schema())
	assert.Equal(t, "enable", ev.Message.Value("current"))
	assert.Empty(t, ft.sentMessages(), "control.basic is not a built-in command")
}

func TestDevice_SelfEchoClearsWaitingForHub(t *testing.T) {
	d, _ := newTestDevice(t)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	events, unsubscribe := d.Subscribe(4)
	defer unsubscribe()

	hb, err := transport.BuildHeartbeat(transport.Heartbeat{Source: d.CompleteID(), IntervalMinutes: 5, ConfigMode: true}, 50000, "192.168.1.10")
	require.NoError(t, err)
	d.HandleReceived(hb)

	assert.False(t, d.IsWaitingForHub())
	assert.Equal(t, now.Add(configHeartbeatPeriod), d.NextHeartbeat())
	_, ok := nextEvent(t, events)
	assert.False(t, ok, "self messages are never forwarded")

	// 2回目以降はスケジュールを変えない
	now = now.Add(time.Second)
	d.HandleReceived(hb)
	assert.Equal(t, now.Add(-time.Second).Add(configHeartbeatPeriod), d.NextHeartbeat())
}

func TestDevice_TargetAdmission(t *testing.T) {
	d, _ := newTestDevice(t)
	configure(t, d, "group", "lights", "group", "kitchen")

	tests := []struct {
		name   string
		target string
		want   bool
	}{
		{"broadcast", "*", true},
		{"own address", "acme-relay.k1", true},
		{"other instance", "acme-relay.k2", false},
		{"other device", "acme-lamp.k1", false},
		{"member group", "xpl-group.kitchen", true},
		{"other group", "xpl-group.garage", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, unsubscribe := d.Subscribe(4)
			defer unsubscribe()
			d.HandleReceived(newCommand(t, tt.target, "control.basic", "device", "relay"))
			_, ok := nextEvent(t, events)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestDevice_GroupNameIsCaseInsensitive(t *testing.T) {
	d, _ := newTestDevice(t)
	configure(t, d, "group", "Lights")

	events, unsubscribe := d.Subscribe(4)
	defer unsubscribe()
	d.HandleReceived(newCommand(t, "xpl-group.Lights", "control.basic", "device", "relay"))
	_, ok := nextEvent(t, events)
	assert.True(t, ok)
}

func TestDevice_DisableFiltering(t *testing.T) {
	d, _ := newTestDevice(t, func(c *Config) { c.DisableFiltering = true })
	events, unsubscribe := d.Subscribe(4)
	defer unsubscribe()

	d.HandleReceived(newCommand(t, "other-device.x", "control.basic"))
	_, ok := nextEvent(t, events)
	assert.True(t, ok)
}

func TestDevice_Filters(t *testing.T) {
	d, _ := newTestDevice(t)
	configure(t, d, "filter", "xpl-cmnd.*.*.*.control.basic", "filter", "bogus")
	require.Len(t, d.Filters(), 1, "invalid filters are skipped")

	events, unsubscribe := d.Subscribe(4)
	defer unsubscribe()

	d.HandleReceived(newCommand(t, "*", "control.basic"))
	_, ok := nextEvent(t, events)
	assert.True(t, ok)

	trig := newCommand(t, "*", "control.basic")
	require.NoError(t, trig.SetType(xpl.Trigger))
	d.HandleReceived(trig)
	_, ok = nextEvent(t, events)
	assert.False(t, ok, "trigger is rejected by the filter")
}

func TestDevice_ConfigList(t *testing.T) {
	d, ft := newTestDevice(t)
	d.HandleReceived(newCommand(t, "acme-relay.k1", "config.list", "command", "REQUEST"))

	reply := ft.lastSent(t)
	want := "xpl-stat\n{\nhop=1\nsource=acme-relay.k1\ntarget=*\n}\nconfig.list\n{\n" +
		"reconf=newconf\nreconf=interval\noption=group[16]\noption=filter[16]\n}\n"
	if diff := cmp.Diff(want, reply.String()); diff != "" {
		t.Errorf("config.list mismatch (-want +got):\n%s", diff)
	}
}

func TestDevice_ConfigCurrent(t *testing.T) {
	d, ft := newTestDevice(t)
	configure(t, d, "newconf", "k1", "interval", "10", "group", "a", "group", "b")

	d.HandleReceived(newCommand(t, "*", "config.current", "command", "request"))
	reply := ft.lastSent(t)
	assert.Equal(t, "config.current", reply.Schema())
	assert.Equal(t, xpl.Status, reply.Type())
	assert.Equal(t, "k1", reply.Value("newconf"))
	assert.Equal(t, "10", reply.Value("interval"))
	assert.Equal(t, "a,b", reply.CompleteValue("group", ','))
	assert.False(t, reply.HasItem("filter"))
}

func TestDevice_ConfigCurrentWithoutRequestIsForwarded(t *testing.T) {
	d, ft := newTestDevice(t)
	events, unsubscribe := d.Subscribe(4)
	defer unsubscribe()

	d.HandleReceived(newCommand(t, "*", "config.current", "command", "other"))
	ev, ok := nextEvent(t, events)
	require.True(t, ok)
	assert.Equal(t, EventMessage, ev.Type)
	assert.Empty(t, ft.sentMessages())
}

func TestDevice_ConfigResponse(t *testing.T) {
	store := NewMemoryStore()
	d, ft := newTestDevice(t, func(c *Config) { c.Store = store })
	events, unsubscribe := d.Subscribe(8)
	defer unsubscribe()

	app, err := d.NewMessage(xpl.Trigger, xpl.BroadcastAddress, "sensor", "basic")
	require.NoError(t, err)
	assert.ErrorIs(t, d.SendMsg(app), xpl.ErrNotConfigured)

	d.HandleReceived(newCommand(t, "acme-relay.k1", "config.response",
		"newconf", "kitchen",
		"interval", "2",
		"group", "lights",
		"filter", "",
		"unknown", "ignored",
	))

	assert.False(t, d.IsConfigRequired())
	assert.Equal(t, "acme-relay.kitchen", d.CompleteID().String())
	assert.Equal(t, MinIntervalMinutes, d.IntervalMinutes())
	assert.Empty(t, d.Filters())
	assert.Equal(t, 0, d.ConfigItem("filter").NumValues(), "empty values are not stored")

	ev, ok := nextEvent(t, events)
	require.True(t, ok)
	assert.Equal(t, EventConfigChanged, ev.Type)

	hb := ft.lastSent(t)
	assert.Equal(t, "hbeat.app", hb.Schema())
	assert.Equal(t, "acme-relay.kitchen", hb.Source().String())
	assert.Equal(t, 5, hb.IntValue("interval"))

	stored, err := store.Load("acme", "relay")
	require.NoError(t, err)
	want := &StoredConfig{Version: "1.0", Items: []StoredItem{
		{Name: "newconf", Values: []string{"kitchen"}},
		{Name: "interval", Values: []string{"2"}},
		{Name: "group", Values: []string{"lights"}},
		{Name: "filter", Values: nil},
	}}
	if diff := cmp.Diff(want, stored); diff != "" {
		t.Errorf("stored config mismatch (-want +got):\n%s", diff)
	}

	app, err = d.NewMessage(xpl.Trigger, xpl.BroadcastAddress, "sensor", "basic")
	require.NoError(t, err)
	require.NoError(t, d.SendMsg(app))
	assert.True(t, app.Equal(ft.lastSent(t)))
}

func TestDevice_IntervalClamping(t *testing.T) {
	tests := []struct {
		value string
		want  int
	}{
		{"2", 5},
		{"5", 5},
		{"17", 17},
		{"30", 30},
		{"99", 30},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			d, _ := newTestDevice(t)
			configure(t, d, "interval", tt.value)
			assert.Equal(t, tt.want, d.IntervalMinutes())
		})
	}

	t.Run("not a number keeps previous", func(t *testing.T) {
		d, _ := newTestDevice(t)
		configure(t, d, "interval", "12")
		configure(t, d, "interval", "soon")
		assert.Equal(t, 12, d.IntervalMinutes())
	})
}

func TestDevice_HeartbeatRequest(t *testing.T) {
	d, ft := newTestDevice(t)
	events, unsubscribe := d.Subscribe(8)
	defer unsubscribe()

	d.HandleReceived(newCommand(t, "*", "hbeat.request", "command", "request"))
	hb := ft.lastSent(t)
	assert.Equal(t, "config.app", hb.Schema(), "config heartbeat while waiting for configuration")
	assert.Equal(t, "50000", hb.Value("port"))
	assert.Equal(t, "192.168.1.10", hb.Value("remote-ip"))
	assert.Equal(t, "1.0", hb.Value("version"))

	ev, ok := nextEvent(t, events)
	require.True(t, ok)
	assert.Equal(t, EventSent, ev.Type, "hbeat.request is handled, not forwarded")

	configure(t, d)
	d.HandleReceived(newCommand(t, "*", "hbeat.request"))
	assert.Equal(t, "hbeat.app", ft.lastSent(t).Schema())
}

func TestDevice_BuiltinsOnlyForCommands(t *testing.T) {
	d, ft := newTestDevice(t)
	events, unsubscribe := d.Subscribe(4)
	defer unsubscribe()

	msg := newCommand(t, "*", "config.response", "newconf", "other")
	require.NoError(t, msg.SetType(xpl.Status))
	d.HandleReceived(msg)

	assert.True(t, d.IsConfigRequired())
	assert.Empty(t, ft.sentMessages())
	ev, ok := nextEvent(t, events)
	require.True(t, ok)
	assert.Equal(t, EventMessage, ev.Type)
}

func TestDevice_HeartbeatSchedule(t *testing.T) {
	d, _ := newTestDevice(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rapidRemaining = rapidHeartbeatCount
	for i := 0; i < 40; i++ {
		d.scheduleNextLocked(now)
		require.Equal(t, now.Add(3*time.Second), d.nextHeartbeat, "beat %d", i)
	}
	d.scheduleNextLocked(now)
	assert.Equal(t, now.Add(30*time.Second), d.nextHeartbeat)
	d.scheduleNextLocked(now)
	assert.Equal(t, now.Add(30*time.Second), d.nextHeartbeat)

	d.waitingForHub = false
	d.scheduleNextLocked(now)
	assert.Equal(t, now.Add(60*time.Second), d.nextHeartbeat)

	d.configRequired = false
	d.intervalMinutes = 7
	d.scheduleNextLocked(now)
	assert.Equal(t, now.Add(7*time.Minute), d.nextHeartbeat)
}

func TestClampInterval(t *testing.T) {
	assert.Equal(t, 5, ClampInterval(-1))
	assert.Equal(t, 5, ClampInterval(2))
	assert.Equal(t, 9, ClampInterval(9))
	assert.Equal(t, 30, ClampInterval(99))
}

func TestDevice_InitSendsConfigHeartbeat(t *testing.T) {
	d, ft := newTestDevice(t)
	require.NoError(t, d.Init(context.Background()))

	hb := ft.waitForSchema(t, "config.app")
	assert.Equal(t, "acme-relay.k1", hb.Source().String())
	assert.True(t, d.IsWaitingForHub())
	assert.True(t, d.NextHeartbeat().After(time.Now().Add(-time.Second)))
}

func TestDevice_InitReceivesFromTransport(t *testing.T) {
	d, ft := newTestDevice(t)
	events, unsubscribe := d.Subscribe(8)
	defer unsubscribe()
	require.NoError(t, d.Init(context.Background()))

	hb, err := transport.BuildHeartbeat(transport.Heartbeat{Source: d.CompleteID(), ConfigMode: true}, 50000, "192.168.1.10")
	require.NoError(t, err)
	ft.rx <- hb
	ft.rx <- newCommand(t, "*", "control.basic", "device", "relay")

	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == EventMessage {
				assert.Equal(t, "control.basic", ev.Message.Schema())
				assert.False(t, d.IsWaitingForHub())
				return
			}
		case <-timeout:
			t.Fatal("message was not forwarded")
		}
	}
}

func TestDevice_InitLoadsStoredConfig(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Save("acme", "relay", &StoredConfig{Version: "1.0", Items: []StoredItem{
		{Name: "newconf", Values: []string{"k2"}},
		{Name: "interval", Values: []string{"10"}},
		{Name: "filter", Values: []string{"xpl-cmnd.*.*.*.control.basic"}},
		{Name: "removed", Values: []string{"x"}},
	}}))

	d, _ := newTestDevice(t, func(c *Config) { c.Store = store })
	require.NoError(t, d.Init(context.Background()))

	assert.False(t, d.IsConfigRequired())
	assert.Equal(t, "acme-relay.k2", d.CompleteID().String())
	assert.Equal(t, 10, d.IntervalMinutes())
	assert.Len(t, d.Filters(), 1)
}

func TestDevice_InitVersionMismatch(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Save("acme", "relay", &StoredConfig{Version: "0.9", Items: []StoredItem{
		{Name: "newconf", Values: []string{"k2"}},
	}}))

	d, _ := newTestDevice(t, func(c *Config) { c.Store = store })
	require.NoError(t, d.Init(context.Background()))

	assert.True(t, d.IsConfigRequired())
	assert.Equal(t, "acme-relay.k1", d.CompleteID().String())
}

func TestDevice_PauseResume(t *testing.T) {
	d, ft := newTestDevice(t)
	require.NoError(t, d.Init(context.Background()))
	ft.waitForSchema(t, "config.app")
	configure(t, d)
	ft.waitForSchema(t, "hbeat.app")

	d.Pause()
	assert.True(t, d.IsPaused())
	msg, err := d.NewMessage(xpl.Trigger, xpl.BroadcastAddress, "sensor", "basic")
	require.NoError(t, err)
	assert.ErrorIs(t, d.SendMsg(msg), xpl.ErrPaused)
	sent := len(ft.sentMessages())
	assert.ErrorIs(t, d.SendHeartbeatNow(), xpl.ErrPaused)
	assert.Len(t, ft.sentMessages(), sent, "paused device emits no heartbeat")

	events, unsubscribe := d.Subscribe(4)
	defer unsubscribe()
	d.HandleReceived(newCommand(t, "*", "control.basic"))
	_, ok := nextEvent(t, events)
	assert.False(t, ok, "paused device ignores inbound traffic")

	d.Resume()
	assert.False(t, d.IsPaused())
	ft.waitForSchema(t, "hbeat.app")
	require.NoError(t, d.SendMsg(msg))
}

func TestDevice_SendErrorIsReported(t *testing.T) {
	d, ft := newTestDevice(t)
	configure(t, d)
	ft.mu.Lock()
	ft.err = errors.New("network down")
	ft.mu.Unlock()

	msg, err := d.NewMessage(xpl.Trigger, xpl.BroadcastAddress, "sensor", "basic")
	require.NoError(t, err)
	assert.EqualError(t, d.SendMsg(msg), "network down")
}

func TestDevice_CloseClosesSubscriptions(t *testing.T) {
	d, _ := newTestDevice(t)
	events, _ := d.Subscribe(1)
	require.NoError(t, d.Init(context.Background()))
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	for range events {
	}
	assert.ErrorIs(t, d.Init(context.Background()), ErrClosed)
}

func TestDevice_SubscriberCopies(t *testing.T) {
	d, _ := newTestDevice(t)
	a, unsubA := d.Subscribe(1)
	defer unsubA()
	b, unsubB := d.Subscribe(1)
	defer unsubB()

	d.HandleReceived(newCommand(t, "*", "control.basic", "device", "relay"))
	evA, okA := nextEvent(t, a)
	evB, okB := nextEvent(t, b)
	require.True(t, okA)
	require.True(t, okB)
	require.True(t, evA.Message.SetValue("device", "changed", 0))
	assert.Equal(t, "relay", evB.Message.Value("device"))
	assert.True(t, strings.Contains(evB.Message.String(), "device=relay"))
}
