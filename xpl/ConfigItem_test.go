package xpl

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigItem_AddValue(t *testing.T) {
	item := NewConfigItem("Group", KindOption, 2)
	assert.Equal(t, "group", item.Name())
	assert.True(t, item.AddValue("a"))
	assert.True(t, item.AddValue("b"))
	assert.False(t, item.AddValue("c"), "must refuse values beyond maxValues")
	assert.Equal(t, []string{"a", "b"}, item.Values())
	assert.True(t, item.HasValue("b"))
	assert.False(t, item.HasValue("c"))

	item.ClearValues()
	assert.Equal(t, 0, item.NumValues())
	assert.Equal(t, "", item.Value(0))
}

func TestConfigItem_MinimumOneValue(t *testing.T) {
	item := NewConfigItem("interval", KindReconf, 0)
	assert.Equal(t, 1, item.MaxValues())
	assert.True(t, item.AddValue("5"))
	assert.False(t, item.AddValue("6"))
}

func TestConfigItem_ListEntry(t *testing.T) {
	assert.Equal(t, "newconf", NewConfigItem("newconf", KindReconf, 1).ListEntry())
	assert.Equal(t, "filter[16]", NewConfigItem("filter", KindOption, 16).ListEntry())
}

func TestConfigKind(t *testing.T) {
	for _, k := range []ConfigKind{KindConfig, KindReconf, KindOption} {
		parsed, err := ParseConfigKind(k.String())
		assert.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
	_, err := ParseConfigKind("bogus")
	assert.Error(t, err)
}

func TestConfigItem_Clone(t *testing.T) {
	item := NewConfigItem("group", KindOption, 4)
	item.AddValue("a")
	c := item.Clone()
	c.AddValue("b")
	assert.Equal(t, 1, item.NumValues())
	assert.Equal(t, 2, c.NumValues())
}
