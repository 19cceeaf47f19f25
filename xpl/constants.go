package xpl

// プロトコル定数
const (
	// HubPort はハブが待ち受ける xPL の標準ポート
	HubPort = 3865
	// BasePort はハブポートが使えない場合に探索を始めるポート
	BasePort = 50000

	MaxVendorLen   = 8
	MaxDeviceLen   = 8
	MaxInstanceLen = 16
	MaxSchemaLen   = 8
	MaxValueLen    = 128

	MinHop = 1
	MaxHop = 9

	// DefaultDelimiter は長い値を分割するときの既定の区切り文字
	DefaultDelimiter = ','

	// Wildcard はアドレスやフィルタのワイルドカード
	Wildcard = "*"

	// GroupVendorDevice は xpl-group.<name> 形式のグループ宛先
	GroupVendorDevice = "xpl-group"
)

// 組み込みスキーマ
const (
	SchemaHbeatApp     = "hbeat.app"
	SchemaConfigApp    = "config.app"
	SchemaHbeatRequest = "hbeat.request"
	SchemaConfigList   = "config.list"
	SchemaConfigCurr   = "config.current"
	SchemaConfigResp   = "config.response"
)
