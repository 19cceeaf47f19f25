package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"xpl-sdk/xpl"
)

const (
	// DefaultConfigFile はデフォルトの設定ファイル名
	DefaultConfigFile = "config.toml"
)

// Config はアプリケーション全体の設定を表す
type Config struct {
	Debug bool `toml:"debug"`
	Log   struct {
		Filename string `toml:"filename"`
	} `toml:"log"`
	Device struct {
		Vendor         string `toml:"vendor"`
		Device         string `toml:"device"`
		Instance       string `toml:"instance"`
		Version        string `toml:"version"`
		FilterMessages bool   `toml:"filter_messages"`
		ConfigDir      string `toml:"config_dir"`
	} `toml:"device"`
	Network struct {
		Interface       string   `toml:"interface"`
		HubPort         int      `toml:"hub_port"`
		BasePort        int      `toml:"base_port"`
		TxIP            string   `toml:"tx_ip"`
		ListenTo        []string `toml:"listen_to"`
		NetworkMonitor  bool     `toml:"network_monitor"`
		MonitorInterval string   `toml:"monitor_interval"` // e.g. "10s"
	} `toml:"network"`
	Relay struct {
		Enabled bool   `toml:"enabled"`
		Name    string `toml:"name"`
	} `toml:"relay"`
	WebSocket struct {
		Enabled bool `toml:"enabled"`
	} `toml:"websocket"`
	TLS struct {
		Enabled  bool   `toml:"enabled"`
		CertFile string `toml:"cert_file"`
		KeyFile  string `toml:"key_file"`
	} `toml:"tls"`
	HTTPServer struct {
		Enabled bool   `toml:"enabled"`
		Host    string `toml:"host"`
		Port    int    `toml:"port"`
		WebRoot string `toml:"web_root"` // 静的ファイルのルート。Enabled のときに配信する
	} `toml:"http_server"`
	// Daemon mode settings
	Daemon struct {
		Enabled bool   `toml:"enabled"`
		PIDFile string `toml:"pid_file"`
	} `toml:"daemon"`
}

// NewConfig はデフォルト設定を持つConfigを作成する
func NewConfig() *Config {
	cfg := &Config{}
	cfg.Log.Filename = "xpl-sdk.log"
	cfg.Device.Vendor = "xplsdk"
	cfg.Device.Device = "relay"
	cfg.Device.Instance = "default"
	cfg.Device.Version = "1.0"
	cfg.Device.FilterMessages = true
	cfg.Device.ConfigDir = "."
	cfg.Network.HubPort = xpl.HubPort
	cfg.Network.BasePort = xpl.BasePort
	cfg.Network.MonitorInterval = "10s"
	cfg.Relay.Enabled = true
	cfg.Relay.Name = "relay"
	cfg.HTTPServer.Host = "localhost"
	cfg.HTTPServer.Port = 8080
	return cfg
}

// LoadConfig は設定ファイルを読み込む。探す順序は次のとおり
//
// 1. 指定されたパスの設定ファイル（指定がある場合）
// 2. カレントディレクトリのデフォルト設定ファイル（存在する場合）
// 3. デフォルト設定
func LoadConfig(configPath string) (*Config, error) {
	config := NewConfig()

	filePath := configPath
	if filePath == "" {
		if _, err := os.Stat(DefaultConfigFile); err != nil {
			return config, nil
		}
		filePath = DefaultConfigFile
	}

	if _, err := toml.DecodeFile(filePath, config); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", filePath, err)
	}
	return config, nil
}

// Validate は設定値の整合性を確認する
func (c *Config) Validate() error {
	if _, err := xpl.NewAddress(c.Device.Vendor, c.Device.Device, c.Device.Instance); err != nil {
		return fmt.Errorf("device identity: %w", err)
	}
	if c.Network.HubPort <= 0 || c.Network.HubPort > 65535 {
		return fmt.Errorf("network.hub_port out of range: %d", c.Network.HubPort)
	}
	if c.Network.BasePort <= 0 || c.Network.BasePort > 65535 {
		return fmt.Errorf("network.base_port out of range: %d", c.Network.BasePort)
	}
	if _, err := c.MonitorInterval(); err != nil {
		return err
	}
	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("tls requires cert_file and key_file")
	}
	return nil
}

// MonitorInterval はネットワーク監視の間隔を返す
func (c *Config) MonitorInterval() (time.Duration, error) {
	if c.Network.MonitorInterval == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Network.MonitorInterval)
	if err != nil {
		return 0, fmt.Errorf("network.monitor_interval: %w", err)
	}
	return d, nil
}

// ApplyCommandLineArgs はコマンドライン引数で指定された値を設定に適用する
func (c *Config) ApplyCommandLineArgs(args CommandLineArgs) {
	if args.DebugSpecified {
		c.Debug = args.Debug
	}
	if args.LogFilenameSpecified {
		c.Log.Filename = args.LogFilename
	}
	// device
	if args.VendorSpecified {
		c.Device.Vendor = args.Vendor
	}
	if args.DeviceSpecified {
		c.Device.Device = args.Device
	}
	if args.InstanceSpecified {
		c.Device.Instance = args.Instance
	}
	if args.ConfigDirSpecified {
		c.Device.ConfigDir = args.ConfigDir
	}
	// network
	if args.InterfaceSpecified {
		c.Network.Interface = args.Interface
	}
	if args.HubPortSpecified {
		c.Network.HubPort = args.HubPort
	}
	if args.ListenToSpecified {
		c.Network.ListenTo = splitList(args.ListenTo)
	}
	// websocket
	if args.WebSocketEnabledSpecified {
		c.WebSocket.Enabled = args.WebSocketEnabled
	}
	if args.HTTPServerHostSpecified {
		c.HTTPServer.Host = args.HTTPServerHost
	}
	if args.HTTPServerPortSpecified {
		c.HTTPServer.Port = args.HTTPServerPort
	}
	// Daemon mode flags
	if args.DaemonEnabledSpecified {
		c.Daemon.Enabled = args.DaemonEnabled
	}
	if args.PIDFileSpecified {
		c.Daemon.PIDFile = args.PIDFile
	}
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// CommandLineArgs はコマンドライン引数からの値を保持する
type CommandLineArgs struct {
	// 設定ファイル (メタ設定)
	ConfigFile      string
	ConfigSpecified bool

	Debug          bool
	DebugSpecified bool

	LogFilename          string
	LogFilenameSpecified bool

	// デバイス識別
	Vendor             string
	VendorSpecified    bool
	Device             string
	DeviceSpecified    bool
	Instance           string
	InstanceSpecified  bool
	ConfigDir          string
	ConfigDirSpecified bool

	// ネットワーク
	Interface          string
	InterfaceSpecified bool
	HubPort            int
	HubPortSpecified   bool
	ListenTo           string
	ListenToSpecified  bool

	// WebSocketサーバー設定
	WebSocketEnabled          bool
	WebSocketEnabledSpecified bool
	HTTPServerHost            string
	HTTPServerHostSpecified   bool
	HTTPServerPort            int
	HTTPServerPortSpecified   bool

	DaemonEnabled          bool
	DaemonEnabledSpecified bool
	PIDFile                string
	PIDFileSpecified       bool
}

// ParseCommandLineArgs はコマンドライン引数をパースする。
// 実際に指定されたフラグだけが XxxSpecified=true になる。
func ParseCommandLineArgs(name string, argv []string, output io.Writer) (CommandLineArgs, error) {
	var args CommandLineArgs
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	if output != nil {
		fs.SetOutput(output)
	}

	fs.StringVar(&args.ConfigFile, "config", "", "TOML設定ファイルのパスを指定する")
	fs.BoolVar(&args.Debug, "debug", false, "デバッグモードを有効にする")
	fs.StringVar(&args.LogFilename, "log", "xpl-sdk.log", "ログファイル名を指定する")

	fs.StringVar(&args.Vendor, "vendor", "", "xPL のベンダーID")
	fs.StringVar(&args.Device, "device", "", "xPL のデバイスID")
	fs.StringVar(&args.Instance, "instance", "", "xPL のインスタンスID")
	fs.StringVar(&args.ConfigDir, "config-dir", "", "デバイス設定の保存ディレクトリ")

	fs.StringVar(&args.Interface, "interface", "", "使用するネットワークインターフェース名")
	fs.IntVar(&args.HubPort, "hub-port", xpl.HubPort, "ハブのポート番号")
	fs.StringVar(&args.ListenTo, "listen-to", "", "受信を許可する送信元 (ANY, ANY_LOCAL, IP をカンマ区切り)")

	fs.BoolVar(&args.WebSocketEnabled, "websocket", false, "WebSocketモニタを有効にする")
	fs.StringVar(&args.HTTPServerHost, "http-host", "localhost", "HTTPサーバーのホスト名を指定する")
	fs.IntVar(&args.HTTPServerPort, "http-port", 8080, "HTTPサーバーのポートを指定する")

	fs.BoolVar(&args.DaemonEnabled, "daemon", false, "デーモンモードを有効にする")
	fs.StringVar(&args.PIDFile, "pidfile", "", "PIDファイルのパスを指定する")

	if err := fs.Parse(argv); err != nil {
		return args, err
	}

	specified := map[string]*bool{
		"config":     &args.ConfigSpecified,
		"debug":      &args.DebugSpecified,
		"log":        &args.LogFilenameSpecified,
		"vendor":     &args.VendorSpecified,
		"device":     &args.DeviceSpecified,
		"instance":   &args.InstanceSpecified,
		"config-dir": &args.ConfigDirSpecified,
		"interface":  &args.InterfaceSpecified,
		"hub-port":   &args.HubPortSpecified,
		"listen-to":  &args.ListenToSpecified,
		"websocket":  &args.WebSocketEnabledSpecified,
		"http-host":  &args.HTTPServerHostSpecified,
		"http-port":  &args.HTTPServerPortSpecified,
		"daemon":     &args.DaemonEnabledSpecified,
		"pidfile":    &args.PIDFileSpecified,
	}
	fs.Visit(func(f *flag.Flag) {
		if p, ok := specified[f.Name]; ok {
			*p = true
		}
	})
	return args, nil
}
