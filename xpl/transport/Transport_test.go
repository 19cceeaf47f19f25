package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xpl-sdk/xpl"
)

// getFreePort returns an available UDP port by letting the OS assign one.
func getFreePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	require.NoError(t, err)
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

// newLoopbackTransport は自分自身に送信する Transport を作成します
func newLoopbackTransport(t *testing.T, listenTo ...string) *Transport {
	t.Helper()
	port := getFreePort(t)
	tr, err := New(context.Background(), Options{
		HubPort:  port,
		BasePort: port,
		MaxScan:  1,
		TxIP:     net.IPv4(127, 0, 0, 1),
		ListenTo: listenTo,
	})
	if err != nil {
		t.Skipf("no usable interface: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func receiveOne(t *testing.T, ch <-chan *xpl.Message) *xpl.Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func testMessage(t *testing.T) *xpl.Message {
	t.Helper()
	src, err := xpl.NewAddress("acme", "relay", "k1")
	require.NoError(t, err)
	msg, err := xpl.NewMessage(xpl.Trigger, src, xpl.BroadcastAddress, "sensor", "basic")
	require.NoError(t, err)
	require.NoError(t, msg.AddValue("device", "relay"))
	require.NoError(t, msg.AddValue("current", "high"))
	return msg
}

func TestTransport_SendReceive(t *testing.T) {
	tr := newLoopbackTransport(t)
	ch1, unsub1 := tr.Subscribe(4)
	defer unsub1()
	ch2, unsub2 := tr.Subscribe(4)
	defer unsub2()
	tr.Start()

	msg := testMessage(t)
	require.NoError(t, tr.Send(msg))

	got1 := receiveOne(t, ch1)
	got2 := receiveOne(t, ch2)
	assert.True(t, msg.Equal(got1))
	assert.True(t, msg.Equal(got2))
	assert.NotSame(t, got1, got2, "each subscriber gets its own copy")
}

func TestTransport_DropsMalformedDatagrams(t *testing.T) {
	tr := newLoopbackTransport(t)
	ch, unsub := tr.Subscribe(4)
	defer unsub()
	tr.Start()

	sender, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: tr.Port()})
	require.NoError(t, err)
	defer sender.Close()
	_, err = sender.Write([]byte("this is not xPL"))
	require.NoError(t, err)

	msg := testMessage(t)
	require.NoError(t, tr.Send(msg))
	assert.True(t, msg.Equal(receiveOne(t, ch)), "loop must survive malformed input")
}

func TestTransport_ListenToFiltersSenders(t *testing.T) {
	tr := newLoopbackTransport(t, "192.0.2.1")
	ch, unsub := tr.Subscribe(4)
	defer unsub()
	tr.Start()

	require.NoError(t, tr.Send(testMessage(t)))
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message from non-listed sender: %v", msg)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestTransport_ListenToLocal(t *testing.T) {
	tr := newLoopbackTransport(t, "ANY_LOCAL")
	ch, unsub := tr.Subscribe(4)
	defer unsub()
	tr.Start()

	msg := testMessage(t)
	require.NoError(t, tr.Send(msg))
	assert.True(t, msg.Equal(receiveOne(t, ch)))
}

func TestTransport_CloseClosesSubscriptions(t *testing.T) {
	tr := newLoopbackTransport(t)
	ch, _ := tr.Subscribe(1)
	tr.Start()

	require.NoError(t, tr.Close())
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("subscription was not closed")
	}
	require.NoError(t, tr.Close(), "Close must be idempotent")
}

func TestTransport_Unsubscribe(t *testing.T) {
	tr := newLoopbackTransport(t)
	ch, unsub := tr.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
}

func TestTransport_Reconnect(t *testing.T) {
	tr := newLoopbackTransport(t)
	ch, unsub := tr.Subscribe(4)
	defer unsub()
	tr.Start()

	require.NoError(t, tr.Reconnect())
	msg := testMessage(t)
	require.NoError(t, tr.Send(msg))
	assert.True(t, msg.Equal(receiveOne(t, ch)))
}

func TestBuildHeartbeat(t *testing.T) {
	src, err := xpl.NewAddress("acme", "relay", "k1")
	require.NoError(t, err)

	tests := []struct {
		name       string
		configMode bool
		schema     string
	}{
		{"normal", false, "hbeat.app"},
		{"config mode", true, "config.app"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := BuildHeartbeat(Heartbeat{Source: src, IntervalMinutes: 5, Version: "1.2", ConfigMode: tt.configMode}, 50001, "192.168.1.10")
			require.NoError(t, err)
			assert.Equal(t, xpl.Status, msg.Type())
			assert.True(t, msg.Target().Broadcast)
			assert.Equal(t, tt.schema, msg.Schema())

			type pair struct{ Name, Value string }
			var got []pair
			for _, item := range msg.Items() {
				got = append(got, pair{item.Name, item.Value(0)})
			}
			want := []pair{{"interval", "5"}, {"port", "50001"}, {"remote-ip", "192.168.1.10"}, {"version", "1.2"}}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("heartbeat body mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTransport_HeartbeatMessage(t *testing.T) {
	tr := newLoopbackTransport(t)
	src, err := xpl.NewAddress("acme", "relay", "k1")
	require.NoError(t, err)
	msg, err := tr.HeartbeatMessage(Heartbeat{Source: src, IntervalMinutes: 5})
	require.NoError(t, err)
	assert.Equal(t, tr.Port(), msg.IntValue("port"))
	assert.Equal(t, tr.RemoteIP().String(), msg.Value("remote-ip"))
	assert.False(t, msg.HasItem("version"))
}
