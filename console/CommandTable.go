package console

import (
	"fmt"
	"io"
	"strings"

	"github.com/c-bata/go-prompt"
	"golang.org/x/exp/slices"

	"xpl-sdk/appliance"
)

// CommandDefinition はコマンドの定義を保持する構造体
type CommandDefinition struct {
	Name              string                                      // コマンド名
	Aliases           []string                                    // 別名
	Summary           string                                      // 概要（短い説明）
	Syntax            string                                      // 構文
	Description       []string                                    // 詳細説明（各行が1つの要素）
	ParseFunc         func(parts []string) (*Command, error)      // パース関数
	GetCandidatesFunc func(c *Completer, words []string) []prompt.Suggest // 補完候補生成関数
}

var onOffSuggests = []prompt.Suggest{
	{Text: "on"},
	{Text: "off"},
}

var msgTypeSuggests = []prompt.Suggest{
	{Text: "cmnd", Description: "xpl-cmnd"},
	{Text: "trig", Description: "xpl-trig"},
	{Text: "stat", Description: "xpl-stat"},
}

var schemaSuggests = []prompt.Suggest{
	{Text: "control.basic", Description: "機器の制御"},
	{Text: "sensor.request", Description: "センサー値の要求"},
	{Text: "sensor.basic", Description: "センサー値"},
	{Text: "hbeat.request", Description: "heartbeat の要求"},
	{Text: "config.list", Description: "設定項目一覧の要求"},
	{Text: "config.current", Description: "現在の設定の要求"},
	{Text: "config.response", Description: "設定の送信"},
}

// CommandTable はコマンドの定義を格納するテーブル
var CommandTable []CommandDefinition

func init() {
	CommandTable = []CommandDefinition{
		{
			Name:    "help",
			Summary: "ヘルプの表示",
			Syntax:  "help [command]",
			ParseFunc: func(parts []string) (*Command, error) {
				cmd := newCommand(CmdHelp)
				if len(parts) > 1 {
					cmd.HelpTopic = &parts[1]
				}
				return cmd, nil
			},
			GetCandidatesFunc: func(c *Completer, words []string) []prompt.Suggest {
				if len(words) != 2 {
					return nil
				}
				return commandSuggests()
			},
		},
		{
			Name:    "status",
			Summary: "デバイスの状態表示",
			Syntax:  "status",
			Description: []string{
				"アドレス、hub 待ち、設定待ち、一時停止、heartbeat 間隔、フィルタを表示します。",
			},
			ParseFunc: func(parts []string) (*Command, error) {
				return newCommand(CmdStatus), nil
			},
		},
		{
			Name:    "config",
			Summary: "設定項目の表示",
			Syntax:  "config",
			ParseFunc: func(parts []string) (*Command, error) {
				return newCommand(CmdConfig), nil
			},
		},
		{
			Name:    "send",
			Summary: "xPL メッセージの送信",
			Syntax:  "send <cmnd|trig|stat> <target> <class.type> [name=value...]",
			Description: []string{
				"target: vendor-device.instance または *",
				"値に空白を含む場合はクォートで囲んでください（例: text=\"hello world\"）",
				"例: send cmnd * control.basic device=relay type=output current=enable",
			},
			ParseFunc: parseSend,
			GetCandidatesFunc: func(c *Completer, words []string) []prompt.Suggest {
				switch len(words) {
				case 2:
					return msgTypeSuggests
				case 3:
					return []prompt.Suggest{{Text: "*", Description: "broadcast"}}
				case 4:
					return schemaSuggests
				}
				return nil
			},
		},
		{
			Name:    "hbeat",
			Aliases: []string{"heartbeat"},
			Summary: "heartbeat の即時送信",
			Syntax:  "hbeat",
			ParseFunc: func(parts []string) (*Command, error) {
				return newCommand(CmdHeartbeat), nil
			},
		},
		{
			Name:    "pause",
			Summary: "送受信の一時停止",
			Syntax:  "pause",
			ParseFunc: func(parts []string) (*Command, error) {
				return newCommand(CmdPause), nil
			},
		},
		{
			Name:    "resume",
			Summary: "送受信の再開",
			Syntax:  "resume",
			ParseFunc: func(parts []string) (*Command, error) {
				return newCommand(CmdResume), nil
			},
		},
		{
			Name:    "relay",
			Summary: "リレーの操作",
			Syntax:  "relay on|off|toggle",
			ParseFunc: func(parts []string) (*Command, error) {
				if len(parts) != 2 {
					return nil, fmt.Errorf("on, off, toggle のいずれかを指定してください")
				}
				action, err := appliance.ParseAction(parts[1])
				if err != nil {
					return nil, &InvalidArgument{Argument: parts[1]}
				}
				cmd := newCommand(CmdRelay)
				cmd.RelayAction = action
				return cmd, nil
			},
			GetCandidatesFunc: func(c *Completer, words []string) []prompt.Suggest {
				if len(words) != 2 {
					return nil
				}
				return append(slices.Clone(onOffSuggests), prompt.Suggest{Text: "toggle"})
			},
		},
		{
			Name:    "debug",
			Summary: "デバッグログの切り替え",
			Syntax:  "debug on|off",
			ParseFunc: func(parts []string) (*Command, error) {
				on, err := parseOnOff(parts)
				if err != nil {
					return nil, err
				}
				cmd := newCommand(CmdDebug)
				cmd.DebugMode = on
				return cmd, nil
			},
			GetCandidatesFunc: func(c *Completer, words []string) []prompt.Suggest {
				if len(words) != 2 {
					return nil
				}
				return onOffSuggests
			},
		},
		{
			Name:    "quit",
			Aliases: []string{"exit"},
			Summary: "終了",
			Syntax:  "quit",
			ParseFunc: func(parts []string) (*Command, error) {
				return newCommand(CmdQuit), nil
			},
		},
	}
}

// commandSuggests はコマンド名の候補を返す
func commandSuggests() []prompt.Suggest {
	suggests := make([]prompt.Suggest, 0, len(CommandTable))
	for _, cmd := range CommandTable {
		suggests = append(suggests, prompt.Suggest{Text: cmd.Name, Description: cmd.Summary})
		for _, alias := range cmd.Aliases {
			suggests = append(suggests, prompt.Suggest{Text: alias, Description: cmd.Summary})
		}
	}
	return suggests
}

// PrintCommandSummary は、全コマンドの簡単なサマリーを表示する
func PrintCommandSummary(w io.Writer) {
	fmt.Fprintln(w, "コマンド:")
	for _, cmd := range CommandTable {
		aliases := ""
		if len(cmd.Aliases) > 0 {
			aliases = fmt.Sprintf(", %s", strings.Join(cmd.Aliases, ", "))
		}
		fmt.Fprintf(w, "  %-16s: %s\n", cmd.Name+aliases, cmd.Summary)
	}
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "詳細は 'help <コマンド名>' で確認できます。例: 'help send'")
}

// PrintCommandDetail は、特定のコマンドの詳細情報を表示する
func PrintCommandDetail(w io.Writer, commandName string) {
	for _, cmd := range CommandTable {
		if cmd.Name == commandName || slices.Contains(cmd.Aliases, commandName) {
			fmt.Fprintf(w, "  %s: %s\n", cmd.Name, cmd.Summary)
			fmt.Fprintf(w, "  構文: %s\n", cmd.Syntax)
			if len(cmd.Description) > 0 {
				fmt.Fprintln(w, "  詳細:")
				for _, line := range cmd.Description {
					fmt.Fprintf(w, "    %s\n", line)
				}
			}
			return
		}
	}
	fmt.Fprintf(w, "不明なコマンド: %s\n", commandName)
	fmt.Fprintln(w, "利用可能なコマンドを確認するには 'help' を入力してください")
}

// PrintUsage はコマンドの使用方法を表示する
func PrintUsage(w io.Writer, commandName *string) {
	if commandName == nil {
		fmt.Fprintln(w, "xPL デバイスコンソール")
		PrintCommandSummary(w)
	} else {
		PrintCommandDetail(w, *commandName)
	}
}
