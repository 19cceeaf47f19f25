package xpl

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

// ConfigKind は設定項目の種類
type ConfigKind int

const (
	// KindConfig は起動前に必ず設定が必要な項目
	KindConfig ConfigKind = iota
	// KindReconf は実行中に再設定できる項目
	KindReconf
	// KindOption は省略可能な項目
	KindOption
)

func (k ConfigKind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindReconf:
		return "reconf"
	case KindOption:
		return "option"
	default:
		return "unknown"
	}
}

// ParseConfigKind は "config"/"reconf"/"option" を解釈します
func ParseConfigKind(s string) (ConfigKind, error) {
	switch strings.ToLower(Trim(s)) {
	case "config":
		return KindConfig, nil
	case "reconf":
		return KindReconf, nil
	case "option":
		return KindOption, nil
	}
	return 0, &ValidationError{Field: "config kind", Value: s, Reason: "must be config, reconf or option"}
}

// ConfigItem はハブから設定可能な名前付きの値リスト。
// 値の個数は MaxValues 以下に制限されます。
type ConfigItem struct {
	name      string
	kind      ConfigKind
	maxValues int
	values    []string
}

// NewConfigItem は設定項目を作成します。maxValues が1未満の場合は1になります
func NewConfigItem(name string, kind ConfigKind, maxValues int) *ConfigItem {
	if maxValues < 1 {
		maxValues = 1
	}
	return &ConfigItem{
		name:      strings.ToLower(Trim(name)),
		kind:      kind,
		maxValues: maxValues,
	}
}

func (c *ConfigItem) Name() string     { return c.name }
func (c *ConfigItem) Kind() ConfigKind { return c.kind }
func (c *ConfigItem) MaxValues() int   { return c.maxValues }
func (c *ConfigItem) NumValues() int   { return len(c.values) }

// AddValue は値を追加します。上限に達している場合は false を返し何もしません
func (c *ConfigItem) AddValue(value string) bool {
	if len(c.values) >= c.maxValues {
		return false
	}
	c.values = append(c.values, value)
	return true
}

// ClearValues はすべての値を削除します
func (c *ConfigItem) ClearValues() {
	c.values = nil
}

// Value は index 番目の値を返します。範囲外なら空文字列
func (c *ConfigItem) Value(index int) string {
	if index < 0 || index >= len(c.values) {
		return ""
	}
	return c.values[index]
}

// Values は値のコピーを返します
func (c *ConfigItem) Values() []string {
	return append([]string(nil), c.values...)
}

// HasValue は value が値リストに含まれるかを返します
func (c *ConfigItem) HasValue(value string) bool {
	return slices.Contains(c.values, value)
}

// ListEntry は config.list 応答の1行の値部分を返します ("name" または "name[16]")
func (c *ConfigItem) ListEntry() string {
	if c.maxValues > 1 {
		return fmt.Sprintf("%s[%d]", c.name, c.maxValues)
	}
	return c.name
}

// Clone は独立したコピーを返します
func (c *ConfigItem) Clone() *ConfigItem {
	cp := *c
	cp.values = c.Values()
	return &cp
}
