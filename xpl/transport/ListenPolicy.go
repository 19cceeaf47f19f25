package transport

import (
	"net"
	"strings"

	"xpl-sdk/xpl"
)

// ListenPolicy は受信を許可する送信元の方針
type ListenPolicy struct {
	any   bool
	local bool
	ips   []net.IP
}

// ParseListenPolicy は listen-to の設定値を解釈します。
// 空または "ANY" を含む場合はすべて許可、"ANY_LOCAL" はローカルアドレスのみ許可し、
// それ以外は IP アドレスのリストとして扱います。
func ParseListenPolicy(values []string) (ListenPolicy, error) {
	p := ListenPolicy{}
	if len(values) == 0 {
		p.any = true
		return p, nil
	}
	for _, v := range values {
		v = strings.TrimSpace(v)
		switch strings.ToUpper(v) {
		case "":
			continue
		case "ANY":
			p.any = true
		case "ANY_LOCAL":
			p.local = true
		default:
			ip := net.ParseIP(v)
			if ip == nil {
				return ListenPolicy{}, &xpl.ValidationError{Field: "listen-to", Value: v, Reason: "must be ANY, ANY_LOCAL or an IP address"}
			}
			p.ips = append(p.ips, ip)
		}
	}
	if !p.local && len(p.ips) == 0 {
		p.any = true
	}
	return p, nil
}

// Allow は送信元 ip からのデータを受け付けるかを返します
func (p ListenPolicy) Allow(ip net.IP, isLocal func(net.IP) bool) bool {
	if p.any {
		return true
	}
	if p.local && isLocal != nil && isLocal(ip) {
		return true
	}
	for _, allowed := range p.ips {
		if allowed.Equal(ip) {
			return true
		}
	}
	return false
}
