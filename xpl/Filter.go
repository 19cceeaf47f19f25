package xpl

import "strings"

// filterField はフィルタの各フィールドのビット位置
type filterField uint8

const (
	filterMsgType filterField = 1 << iota
	filterVendor
	filterDevice
	filterInstance
	filterSchemaClass
	filterSchemaType
)

// Filter は "msgtype.vendor.device.instance.class.type" 形式の受信フィルタ。
// "*" のフィールドは何にでも一致します。
type Filter struct {
	MsgType     string
	Vendor      string
	Device      string
	Instance    string
	SchemaClass string
	SchemaType  string
	mask        filterField // リテラル指定されたフィールド
}

// ParseFilter はドット区切り6フィールドのフィルタ文字列を解釈します
func ParseFilter(s string) (Filter, error) {
	fields := strings.Split(strings.ToLower(Trim(s)), ".")
	if len(fields) != 6 {
		return Filter{}, &ValidationError{Field: "filter", Value: s, Reason: "must have 6 dot separated fields"}
	}
	f := Filter{}
	targets := []*string{&f.MsgType, &f.Vendor, &f.Device, &f.Instance, &f.SchemaClass, &f.SchemaType}
	for i, field := range fields {
		field = Trim(field)
		if field == "" {
			return Filter{}, &ValidationError{Field: "filter", Value: s, Reason: "empty field"}
		}
		*targets[i] = field
		if field != Wildcard {
			f.mask |= 1 << i
		}
	}
	// 種別の短縮形 "cmnd" も受け付ける
	if f.mask&filterMsgType != 0 {
		t, err := ParseMsgType(f.MsgType)
		if err != nil {
			return Filter{}, &ValidationError{Field: "filter", Value: s, Reason: "unknown message type"}
		}
		f.MsgType = t.String()
	}
	return f, nil
}

func (f Filter) String() string {
	return strings.Join([]string{f.MsgType, f.Vendor, f.Device, f.Instance, f.SchemaClass, f.SchemaType}, ".")
}

// Allow はリテラル指定されたすべてのフィールドがメッセージと一致するかを返します。
// vendor/device/instance はメッセージの送信元と比較されます。
func (f Filter) Allow(msg *Message) bool {
	checks := []struct {
		field filterField
		want  string
		got   string
	}{
		{filterMsgType, f.MsgType, msg.Type().String()},
		{filterVendor, f.Vendor, msg.Source().Vendor},
		{filterDevice, f.Device, msg.Source().Device},
		{filterInstance, f.Instance, msg.Source().Instance},
		{filterSchemaClass, f.SchemaClass, msg.SchemaClass()},
		{filterSchemaType, f.SchemaType, msg.SchemaType()},
	}
	for _, c := range checks {
		if f.mask&c.field != 0 && c.want != c.got {
			return false
		}
	}
	return true
}

// Filters はデバイスに設定されたフィルタの集合
type Filters []Filter

// Allow はフィルタが無ければ常に true、あればいずれかが許可したときに true を返します
func (fs Filters) Allow(msg *Message) bool {
	if len(fs) == 0 {
		return true
	}
	for _, f := range fs {
		if f.Allow(msg) {
			return true
		}
	}
	return false
}
