package network

import (
	"fmt"
	"log/slog"
	"net"
)

// Interface は xPL の送受信に使うネットワークインターフェース
type Interface struct {
	Name      string
	IP        net.IP // remote-ip として通知するアドレス
	Broadcast net.IP // 送信先のブロードキャストアドレス
	Loopback  bool
}

func (i Interface) String() string {
	return fmt.Sprintf("%s (ip=%s broadcast=%s)", i.Name, i.IP, i.Broadcast)
}

// FindInterface は送受信に使うインターフェースを選びます。
// name が空の場合は最初に見つかった起動中の非ループバック IPv4 インターフェースを使い、
// 見つからない場合に限りループバックにフォールバックします。
func FindInterface(name string) (Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return Interface{}, fmt.Errorf("failed to get interfaces: %w", err)
	}

	var loopback *Interface
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if name != "" && iface.Name != name {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			slog.Warn("インターフェースのアドレス取得に失敗", "interface", iface.Name, "err", err)
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				continue
			}
			candidate := Interface{
				Name:      iface.Name,
				IP:        ipnet.IP.To4(),
				Broadcast: BroadcastAddress(ipnet),
				Loopback:  iface.Flags&net.FlagLoopback != 0,
			}
			if candidate.Loopback {
				if loopback == nil {
					loopback = &candidate
				}
				continue
			}
			return candidate, nil
		}
	}

	if loopback != nil {
		slog.Warn("利用可能なインターフェースが無いためループバックを使用します", "interface", loopback.Name)
		return *loopback, nil
	}
	if name != "" {
		return Interface{}, fmt.Errorf("interface %q not found or has no IPv4 address", name)
	}
	return Interface{}, fmt.Errorf("no usable IPv4 interface found")
}

// BroadcastAddress はブロードキャストアドレスを計算します
// ブロードキャストアドレス = IPアドレス | (^サブネットマスク)
func BroadcastAddress(ipnet *net.IPNet) net.IP {
	ip4 := ipnet.IP.To4()
	if ip4 == nil {
		return nil
	}
	mask := ipnet.Mask
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	broadcast := net.IP(make([]byte, 4))
	for i := range ip4 {
		broadcast[i] = ip4[i] | ^mask[i]
	}
	return broadcast
}

// GetLocalIPv4s はローカルマシンのIPv4アドレスのリストを取得します
func GetLocalIPv4s() ([]net.IP, error) {
	localIPs := []net.IP{}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to get interfaces: %w", err)
	}
	for _, i := range ifaces {
		if i.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := i.Addrs()
		if err != nil {
			// エラーが発生しても他のインターフェースの処理を続ける
			slog.Warn("インターフェースのアドレス取得に失敗", "interface", i.Name, "err", err)
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip != nil && ip.To4() != nil {
				localIPs = append(localIPs, ip.To4())
			}
		}
	}
	return localIPs, nil
}
