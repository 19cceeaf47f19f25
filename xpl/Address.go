package xpl

import (
	"fmt"
	"strings"
)

// Address は xPL の送信元/宛先アドレス (vendor-device.instance または *)
type Address struct {
	Vendor    string
	Device    string
	Instance  string
	Broadcast bool
}

// BroadcastAddress は宛先 "*" を表すアドレス
var BroadcastAddress = Address{Broadcast: true}

// NewAddress は各フィールドを検証してアドレスを作成します。
// フィールドは小文字に正規化されます。
func NewAddress(vendor, device, instance string) (Address, error) {
	a := Address{
		Vendor:   strings.ToLower(vendor),
		Device:   strings.ToLower(device),
		Instance: strings.ToLower(instance),
	}
	if err := a.Validate(); err != nil {
		return Address{}, err
	}
	return a, nil
}

// ParseAddress は "vendor-device.instance" または "*" を解釈します
func ParseAddress(s string) (Address, error) {
	s = Trim(s)
	if s == Wildcard {
		return BroadcastAddress, nil
	}
	vendor, rest, ok := SplitOnce(s, '-')
	if !ok {
		return Address{}, &ValidationError{Field: "address", Value: s, Reason: "missing '-' between vendor and device"}
	}
	device, instance, ok := SplitOnce(rest, '.')
	if !ok {
		return Address{}, &ValidationError{Field: "address", Value: s, Reason: "missing '.' between device and instance"}
	}
	return NewAddress(vendor, device, instance)
}

// Validate はフィールド長と区切り文字の制約を確認します
func (a Address) Validate() error {
	if a.Broadcast {
		return nil
	}
	if err := checkLength("vendor", a.Vendor, MaxVendorLen); err != nil {
		return err
	}
	if err := checkLength("device", a.Device, MaxDeviceLen); err != nil {
		return err
	}
	if err := checkLength("instance", a.Instance, MaxInstanceLen); err != nil {
		return err
	}
	if strings.ContainsAny(a.Vendor, "-. ") {
		return &ValidationError{Field: "vendor", Value: a.Vendor, Reason: "must not contain '-', '.' or spaces"}
	}
	if strings.ContainsAny(a.Device, ". ") {
		return &ValidationError{Field: "device", Value: a.Device, Reason: "must not contain '.' or spaces"}
	}
	if strings.ContainsAny(a.Instance, " ") {
		return &ValidationError{Field: "instance", Value: a.Instance, Reason: "must not contain spaces"}
	}
	return nil
}

// String はワイヤ形式の文字列を返します
func (a Address) String() string {
	if a.Broadcast {
		return Wildcard
	}
	return fmt.Sprintf("%s-%s.%s", a.Vendor, a.Device, a.Instance)
}

// VendorDevice は "vendor-device" 部分を返します
func (a Address) VendorDevice() string {
	return a.Vendor + "-" + a.Device
}

// IsGroup は xpl-group.<name> 宛先かどうかを返します
func (a Address) IsGroup() bool {
	return !a.Broadcast && a.VendorDevice() == GroupVendorDevice
}

// Equal は2つのアドレスが同一かを比較します
func (a Address) Equal(other Address) bool {
	if a.Broadcast || other.Broadcast {
		return a.Broadcast == other.Broadcast
	}
	return a.Vendor == other.Vendor && a.Device == other.Device && a.Instance == other.Instance
}

// Match はワイルドカードを考慮してアドレスを比較します。
// どちらかがブロードキャストなら常に一致し、"*" のフィールドは何にでも一致します。
func (a Address) Match(other Address) bool {
	if a.Broadcast || other.Broadcast {
		return true
	}
	return matchField(a.Vendor, other.Vendor) &&
		matchField(a.Device, other.Device) &&
		matchField(a.Instance, other.Instance)
}

func matchField(a, b string) bool {
	return a == Wildcard || b == Wildcard || a == b
}
