package xpl

import (
	"bytes"
	"strconv"
	"strings"
)

// MsgType は xPL メッセージの種別
type MsgType int

const (
	Command MsgType = iota + 1
	Trigger
	Status
)

var msgTypeTokens = map[MsgType]string{
	Command: "xpl-cmnd",
	Trigger: "xpl-trig",
	Status:  "xpl-stat",
}

func (t MsgType) String() string {
	if s, ok := msgTypeTokens[t]; ok {
		return s
	}
	return "unknown"
}

// Short は "cmnd" のような4文字の短縮形を返します
func (t MsgType) Short() string {
	return strings.TrimPrefix(t.String(), "xpl-")
}

// ParseMsgType は種別トークンを解釈します。"cmnd" などの短縮形も受け付けます
func ParseMsgType(s string) (MsgType, error) {
	token := strings.ToLower(Trim(s))
	if len(token) == 4 {
		token = "xpl-" + token
	}
	for t, tok := range msgTypeTokens {
		if tok == token {
			return t, nil
		}
	}
	return 0, &ValidationError{Field: "type", Value: s, Reason: "must be one of xpl-cmnd, xpl-trig, xpl-stat"}
}

// Message は1つの xPL メッセージ。
// ゴルーチン間で共有する場合は Clone したものを渡してください。
type Message struct {
	hop         int
	msgType     MsgType
	source      Address
	target      Address
	schemaClass string
	schemaType  string
	items       []*MsgItem
	raw         []byte // Encode 結果のキャッシュ
}

// NewMessage は各フィールドを検証してメッセージを作成します (hop=1)
func NewMessage(msgType MsgType, source, target Address, schemaClass, schemaType string) (*Message, error) {
	m := &Message{hop: MinHop}
	if err := m.SetType(msgType); err != nil {
		return nil, err
	}
	if err := m.SetSource(source); err != nil {
		return nil, err
	}
	if err := m.SetTarget(target); err != nil {
		return nil, err
	}
	if err := m.SetSchemaClass(schemaClass); err != nil {
		return nil, err
	}
	if err := m.SetSchemaType(schemaType); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Message) Hop() int            { return m.hop }
func (m *Message) Type() MsgType       { return m.msgType }
func (m *Message) Source() Address     { return m.source }
func (m *Message) Target() Address     { return m.target }
func (m *Message) SchemaClass() string { return m.schemaClass }
func (m *Message) SchemaType() string  { return m.schemaType }

// Schema は "class.type" を返します
func (m *Message) Schema() string {
	return m.schemaClass + "." + m.schemaType
}

func (m *Message) invalidate() {
	m.raw = nil
}

// SetHop はホップ数を設定します (1..9)
func (m *Message) SetHop(hop int) error {
	if hop < MinHop || hop > MaxHop {
		return &ValidationError{Field: "hop", Value: strconv.Itoa(hop), Reason: "must be between 1 and 9"}
	}
	m.hop = hop
	m.invalidate()
	return nil
}

// SetType はメッセージ種別を設定します
func (m *Message) SetType(t MsgType) error {
	if _, ok := msgTypeTokens[t]; !ok {
		return &ValidationError{Field: "type", Value: strconv.Itoa(int(t)), Reason: "unknown message type"}
	}
	m.msgType = t
	m.invalidate()
	return nil
}

// SetTypeString は "xpl-cmnd" や "cmnd" 形式の文字列で種別を設定します
func (m *Message) SetTypeString(s string) error {
	t, err := ParseMsgType(s)
	if err != nil {
		return err
	}
	return m.SetType(t)
}

// SetSource は送信元を設定します。ブロードキャストは指定できません
func (m *Message) SetSource(a Address) error {
	if a.Broadcast {
		return &ValidationError{Field: "source", Value: a.String(), Reason: "source must not be broadcast"}
	}
	if err := a.Validate(); err != nil {
		return err
	}
	m.source = a
	m.invalidate()
	return nil
}

// SetSourceString は "vendor-device.instance" 形式で送信元を設定します
func (m *Message) SetSourceString(s string) error {
	a, err := ParseAddress(s)
	if err != nil {
		return err
	}
	return m.SetSource(a)
}

// SetTarget は宛先を設定します
func (m *Message) SetTarget(a Address) error {
	if err := a.Validate(); err != nil {
		return err
	}
	m.target = a
	m.invalidate()
	return nil
}

// SetTargetString は "vendor-device.instance" または "*" で宛先を設定します
func (m *Message) SetTargetString(s string) error {
	a, err := ParseAddress(s)
	if err != nil {
		return err
	}
	return m.SetTarget(a)
}

// SetSchemaClass はスキーマクラスを設定します (1..8文字、小文字化)
func (m *Message) SetSchemaClass(class string) error {
	class = strings.ToLower(Trim(class))
	if err := checkSchemaPart("schema class", class); err != nil {
		return err
	}
	m.schemaClass = class
	m.invalidate()
	return nil
}

// SetSchemaType はスキーマタイプを設定します (1..8文字、小文字化)
func (m *Message) SetSchemaType(typ string) error {
	typ = strings.ToLower(Trim(typ))
	if err := checkSchemaPart("schema type", typ); err != nil {
		return err
	}
	m.schemaType = typ
	m.invalidate()
	return nil
}

// SetSchema は "class.type" 形式でスキーマを設定します。
// どちらかが不正な場合はどちらも変更しません。
func (m *Message) SetSchema(schema string) error {
	class, typ, ok := SplitOnce(Trim(schema), '.')
	if !ok {
		return &ValidationError{Field: "schema", Value: schema, Reason: "must be class.type"}
	}
	class, typ = strings.ToLower(class), strings.ToLower(typ)
	if err := checkSchemaPart("schema class", class); err != nil {
		return err
	}
	if err := checkSchemaPart("schema type", typ); err != nil {
		return err
	}
	m.schemaClass, m.schemaType = class, typ
	m.invalidate()
	return nil
}

func checkSchemaPart(field, s string) error {
	if err := checkLength(field, s, MaxSchemaLen); err != nil {
		return err
	}
	if strings.ContainsAny(s, ". ") {
		return &ValidationError{Field: field, Value: s, Reason: "must not contain '.' or spaces"}
	}
	return nil
}

func (m *Message) findItem(name string) *MsgItem {
	name = strings.ToLower(name)
	for _, item := range m.items {
		if item.Name == name {
			return item
		}
	}
	return nil
}

// AddValue は既定の区切り文字 ',' で値を追加します
func (m *Message) AddValue(name, value string) error {
	return m.AddValueDelim(name, value, DefaultDelimiter)
}

// AddValueDelim は値を追加します。同名の項目があればその値リストに追加し、
// 無ければ新しい項目を末尾に作ります。長すぎる値は delim で分割されます。
func (m *Message) AddValueDelim(name, value string, delim byte) error {
	name = strings.ToLower(Trim(name))
	if err := checkItemName(name); err != nil {
		return err
	}
	spans, err := splitValue(name, value, delim)
	if err != nil {
		return err
	}
	for _, span := range spans {
		if err := checkWireValue(span); err != nil {
			return err
		}
	}
	item := m.findItem(name)
	if item == nil {
		item = NewMsgItem(name)
		m.items = append(m.items, item)
	}
	item.Values = append(item.Values, spans...)
	m.invalidate()
	return nil
}

func checkItemName(name string) error {
	if name == "" || name == "{" || name == "}" || strings.ContainsAny(name, "= \t\r\n\x00") {
		return &ValidationError{Field: "name", Value: name, Reason: "must be non-empty, not a brace, and free of '=', whitespace and NUL"}
	}
	return nil
}

// AddIntValue は整数値を追加します
func (m *Message) AddIntValue(name string, value int) error {
	return m.AddValue(name, strconv.Itoa(value))
}

// SetValue は name の index 番目の値を置き換えます
func (m *Message) SetValue(name, value string, index int) bool {
	item := m.findItem(name)
	if item == nil || checkWireValue(value) != nil || !item.SetValue(value, index) {
		return false
	}
	m.invalidate()
	return true
}

// Value は name の最初の値を返します。無ければ空文字列
func (m *Message) Value(name string) string {
	return m.ValueAt(name, 0)
}

// ValueAt は name の index 番目の値を返します。無ければ空文字列
func (m *Message) ValueAt(name string, index int) string {
	item := m.findItem(name)
	if item == nil {
		return ""
	}
	return item.Value(index)
}

// IntValue は name の最初の値を整数として返します。無いか数値でなければ 0
func (m *Message) IntValue(name string) int {
	v, err := strconv.Atoi(m.Value(name))
	if err != nil {
		return 0
	}
	return v
}

// CompleteValue は name のすべての値を delim で連結して返します
func (m *Message) CompleteValue(name string, delim byte) string {
	item := m.findItem(name)
	if item == nil {
		return ""
	}
	return strings.Join(item.Values, string(delim))
}

// HasItem は name の項目があるかを返します
func (m *Message) HasItem(name string) bool {
	return m.findItem(name) != nil
}

// Item は name の項目のコピーを返します。無ければ nil
func (m *Message) Item(name string) *MsgItem {
	item := m.findItem(name)
	if item == nil {
		return nil
	}
	return item.clone()
}

// Items はすべての項目のコピーを順番どおりに返します
func (m *Message) Items() []*MsgItem {
	items := make([]*MsgItem, 0, len(m.items))
	for _, item := range m.items {
		items = append(items, item.clone())
	}
	return items
}

// Encode はワイヤ形式のバイト列を返します。
// 内部では次の変更までキャッシュし、呼び出し側には毎回コピーを渡します。
func (m *Message) Encode() []byte {
	return bytes.Clone(m.encoded())
}

func (m *Message) encoded() []byte {
	if m.raw != nil {
		return m.raw
	}
	var buf bytes.Buffer
	buf.WriteString(m.msgType.String())
	buf.WriteString("\n{\nhop=")
	buf.WriteString(strconv.Itoa(m.hop))
	buf.WriteString("\nsource=")
	buf.WriteString(m.source.String())
	buf.WriteString("\ntarget=")
	buf.WriteString(m.target.String())
	buf.WriteString("\n}\n")
	buf.WriteString(m.Schema())
	buf.WriteString("\n{\n")
	for _, item := range m.items {
		for _, v := range item.Values {
			buf.WriteString(item.Name)
			buf.WriteByte('=')
			buf.WriteString(v)
			buf.WriteByte('\n')
		}
	}
	buf.WriteString("}\n")
	m.raw = buf.Bytes()
	return m.raw
}

func (m *Message) String() string {
	return string(m.encoded())
}

// Equal は構造的に同じメッセージかを比較します
func (m *Message) Equal(other *Message) bool {
	if m == nil || other == nil {
		return m == other
	}
	if m.hop != other.hop || m.msgType != other.msgType ||
		!m.source.Equal(other.source) || !m.target.Equal(other.target) ||
		m.schemaClass != other.schemaClass || m.schemaType != other.schemaType ||
		len(m.items) != len(other.items) {
		return false
	}
	for i, item := range m.items {
		o := other.items[i]
		if item.Name != o.Name || len(item.Values) != len(o.Values) {
			return false
		}
		for j := range item.Values {
			if item.Values[j] != o.Values[j] {
				return false
			}
		}
	}
	return true
}

// Clone は独立したコピーを返します
func (m *Message) Clone() *Message {
	c := *m
	c.items = m.Items()
	c.raw = nil
	return &c
}
