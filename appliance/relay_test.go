package appliance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xpl-sdk/xpl"
	"xpl-sdk/xpl/device"
)

type fakeSender struct {
	mu   sync.Mutex
	id   xpl.Address
	sent []*xpl.Message
	err  error
}

func newFakeSender(t *testing.T) *fakeSender {
	id, err := xpl.NewAddress("acme", "relay", "k1")
	require.NoError(t, err)
	return &fakeSender{id: id}
}

func (f *fakeSender) NewMessage(msgType xpl.MsgType, target xpl.Address, class, typ string) (*xpl.Message, error) {
	return xpl.NewMessage(msgType, f.id, target, class, typ)
}

func (f *fakeSender) SendMsg(msg *xpl.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) last(t *testing.T) *xpl.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	return f.sent[len(f.sent)-1]
}

func command(t *testing.T, msgType xpl.MsgType, schema string, pairs ...string) *xpl.Message {
	t.Helper()
	src, err := xpl.NewAddress("hal", "hal", "hal")
	require.NoError(t, err)
	msg, err := xpl.NewMessage(msgType, src, xpl.BroadcastAddress, "x", "y")
	require.NoError(t, err)
	require.NoError(t, msg.SetSchema(schema))
	for i := 0; i+1 < len(pairs); i += 2 {
		require.NoError(t, msg.AddValue(pairs[i], pairs[i+1]))
	}
	return msg
}

func TestParseAction(t *testing.T) {
	tests := []struct {
		in      string
		want    Action
		wantErr bool
	}{
		{"enable", ActionOn, false},
		{"HIGH", ActionOn, false},
		{"on", ActionOn, false},
		{"disable", ActionOff, false},
		{" low ", ActionOff, false},
		{"toggle", ActionToggle, false},
		{"dim", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAction(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRelay_ControlBasic(t *testing.T) {
	sender := newFakeSender(t)
	relay := NewRelay("Relay", sender)

	handled := relay.HandleMessage(command(t, xpl.Command, "control.basic", "device", "relay", "type", "output", "current", "enable"))
	require.True(t, handled)
	assert.True(t, relay.IsOn())

	msg := sender.last(t)
	assert.Equal(t, xpl.Trigger, msg.Type())
	assert.Equal(t, "sensor.basic", msg.Schema())
	assert.True(t, msg.Target().Broadcast)
	assert.Equal(t, "relay", msg.Value("device"))
	assert.Equal(t, "output", msg.Value("type"))
	assert.Equal(t, "high", msg.Value("current"))

	require.True(t, relay.HandleMessage(command(t, xpl.Command, "control.basic", "device", "relay", "type", "output", "current", "toggle")))
	assert.False(t, relay.IsOn())
	assert.Equal(t, "low", sender.last(t).Value("current"))
}

func TestRelay_Ignored(t *testing.T) {
	tests := []struct {
		name string
		msg  func(t *testing.T) *xpl.Message
	}{
		{"other device", func(t *testing.T) *xpl.Message {
			return command(t, xpl.Command, "control.basic", "device", "lamp", "type", "output", "current", "enable")
		}},
		{"not output", func(t *testing.T) *xpl.Message {
			return command(t, xpl.Command, "control.basic", "device", "relay", "type", "input", "current", "enable")
		}},
		{"bad current", func(t *testing.T) *xpl.Message {
			return command(t, xpl.Command, "control.basic", "device", "relay", "type", "output", "current", "dim")
		}},
		{"trigger", func(t *testing.T) *xpl.Message {
			return command(t, xpl.Trigger, "control.basic", "device", "relay", "type", "output", "current", "enable")
		}},
		{"other schema", func(t *testing.T) *xpl.Message {
			return command(t, xpl.Command, "x10.basic", "device", "relay")
		}},
		{"sensor request other device", func(t *testing.T) *xpl.Message {
			return command(t, xpl.Command, "sensor.request", "request", "current", "device", "lamp")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := newFakeSender(t)
			relay := NewRelay("relay", sender)
			assert.False(t, relay.HandleMessage(tt.msg(t)))
			assert.False(t, relay.IsOn())
			assert.Empty(t, sender.sent)
		})
	}
}

func TestRelay_SensorRequest(t *testing.T) {
	sender := newFakeSender(t)
	relay := NewRelay("relay", sender)

	require.True(t, relay.HandleMessage(command(t, xpl.Command, "sensor.request", "request", "current")))
	msg := sender.last(t)
	assert.Equal(t, xpl.Status, msg.Type())
	assert.Equal(t, "sensor.basic", msg.Schema())
	assert.Equal(t, "low", msg.Value("current"))
}

func TestRelay_ApplySendError(t *testing.T) {
	sender := newFakeSender(t)
	sender.err = xpl.ErrNotConfigured
	relay := NewRelay("relay", sender)

	err := relay.Apply(ActionOn)
	assert.True(t, errors.Is(err, xpl.ErrNotConfigured))
	assert.True(t, relay.IsOn())
}

func TestRelay_Run(t *testing.T) {
	sender := newFakeSender(t)
	relay := NewRelay("relay", sender)
	events := make(chan device.Event, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		relay.Run(ctx, events)
		close(done)
	}()

	events <- device.Event{Type: device.EventSent, Message: command(t, xpl.Command, "control.basic", "device", "relay", "type", "output", "current", "enable")}
	events <- device.Event{Type: device.EventMessage, Message: command(t, xpl.Command, "control.basic", "device", "relay", "type", "output", "current", "enable")}
	close(events)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after channel close")
	}
	assert.True(t, relay.IsOn())
	assert.Len(t, sender.sent, 1)
}
