package xpl

import "strings"

// MsgItem はメッセージ本文の1つの名前と、その値のリスト
type MsgItem struct {
	Name   string
	Values []string
}

// NewMsgItem は名前を小文字化して空の MsgItem を作成します
func NewMsgItem(name string) *MsgItem {
	return &MsgItem{Name: strings.ToLower(Trim(name))}
}

// AddValue は値を追加します。
// MaxValueLen を超える値は delim の最後の出現位置で分割され、残りも順に格納されます。
func (m *MsgItem) AddValue(value string, delim byte) error {
	spans, err := splitValue(m.Name, value, delim)
	if err != nil {
		return err
	}
	m.Values = append(m.Values, spans...)
	return nil
}

// SetValue は index 番目の値を置き換えます
func (m *MsgItem) SetValue(value string, index int) bool {
	if index < 0 || index >= len(m.Values) || len(value) > MaxValueLen {
		return false
	}
	m.Values[index] = value
	return true
}

// Value は index 番目の値を返します。範囲外なら空文字列
func (m *MsgItem) Value(index int) string {
	if index < 0 || index >= len(m.Values) {
		return ""
	}
	return m.Values[index]
}

// NumValues は値の個数を返します
func (m *MsgItem) NumValues() int {
	return len(m.Values)
}

func (m *MsgItem) clone() *MsgItem {
	return &MsgItem{Name: m.Name, Values: append([]string(nil), m.Values...)}
}

// checkWireValue はエンコードしてから解析し直しても同じになる値かを確かめます。
// 行末の空白は受信側の行の切り出しで落ちるため受け付けません。
func checkWireValue(value string) error {
	if strings.ContainsAny(value, "\r\n\x00") {
		return &ValidationError{Field: "value", Value: value, Reason: "must not contain CR, LF or NUL"}
	}
	if strings.TrimRight(value, " \t") != value {
		return &ValidationError{Field: "value", Value: value, Reason: "must not end with whitespace"}
	}
	return nil
}

// splitValue は値を MaxValueLen 以下の断片に分けます。
// 分割位置は上限位置までで最後に現れる delim で、区切り文字自体は捨てられます。
func splitValue(name, value string, delim byte) ([]string, error) {
	var spans []string
	for len(value) > MaxValueLen {
		cut := strings.LastIndexByte(value[:MaxValueLen+1], delim)
		if cut < 0 {
			return nil, &UnsplittableValueError{Name: name, Limit: MaxValueLen}
		}
		spans = append(spans, value[:cut])
		value = value[cut+1:]
	}
	return append(spans, value), nil
}
