package xpl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messageFrom(t *testing.T, msgType MsgType, source, schema string) *Message {
	t.Helper()
	m, err := NewMessage(msgType, mustAddress(t, source), BroadcastAddress, "x", "y")
	require.NoError(t, err)
	require.NoError(t, m.SetSchema(schema))
	return m
}

func TestFilter_Allow(t *testing.T) {
	cmndControl := messageFrom(t, Command, "hal-hal.hal", "control.basic")
	trigControl := messageFrom(t, Trigger, "hal-hal.hal", "control.basic")
	cmndFromAcme := messageFrom(t, Command, "acme-relay.k1", "sensor.basic")

	tests := []struct {
		filter string
		msg    *Message
		want   bool
	}{
		{"xpl-cmnd.*.*.*.control.basic", cmndControl, true},
		{"xpl-cmnd.*.*.*.control.basic", trigControl, false},
		{"cmnd.*.*.*.control.basic", cmndControl, true},
		{"*.*.*.*.*.*", trigControl, true},
		{"*.acme.*.*.*.*", cmndFromAcme, true},
		{"*.acme.*.*.*.*", cmndControl, false},
		{"*.acme.relay.k2.*.*", cmndFromAcme, false},
		{"*.acme.relay.k1.sensor.*", cmndFromAcme, true},
		{"*.*.*.*.*.basic", cmndFromAcme, true},
		{"*.*.*.*.*.request", cmndFromAcme, false},
	}
	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			f, err := ParseFilter(tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Allow(tt.msg))
		})
	}
}

func TestFilter_MatchesSourceNotTarget(t *testing.T) {
	m, err := NewMessage(Command, mustAddress(t, "hal-hal.hal"), mustAddress(t, "acme-relay.k1"), "control", "basic")
	require.NoError(t, err)
	f, err := ParseFilter("*.acme.relay.k1.*.*")
	require.NoError(t, err)
	assert.False(t, f.Allow(m))
}

func TestParseFilter_Invalid(t *testing.T) {
	for _, s := range []string{"", "a.b.c", "xpl-cmnd.*.*.*.control", "xpl-cmnd.*.*.*.control.basic.extra", "xpl-foo.*.*.*.*.*", "*..*.*.*.*"} {
		_, err := ParseFilter(s)
		assert.Error(t, err, s)
	}
}

func TestFilter_String(t *testing.T) {
	f, err := ParseFilter("CMND.*.*.*.Control.Basic")
	require.NoError(t, err)
	assert.Equal(t, "xpl-cmnd.*.*.*.control.basic", f.String())
}

func TestFilters_Allow(t *testing.T) {
	m := messageFrom(t, Trigger, "acme-relay.k1", "sensor.basic")
	deny, err := ParseFilter("xpl-cmnd.*.*.*.*.*")
	require.NoError(t, err)
	allow, err := ParseFilter("*.*.*.*.sensor.*")
	require.NoError(t, err)

	assert.True(t, Filters(nil).Allow(m), "no filters allows everything")
	assert.False(t, Filters{deny}.Allow(m))
	assert.True(t, Filters{deny, allow}.Allow(m), "any filter may allow")
}
