package console

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"

	"xpl-sdk/appliance"
	"xpl-sdk/xpl"
)

// コマンドの種類を表す型
type CommandType int

const (
	CmdUnknown CommandType = iota
	CmdQuit
	CmdHelp
	CmdStatus
	CmdConfig
	CmdSend
	CmdHeartbeat
	CmdPause
	CmdResume
	CmdRelay
	CmdDebug
)

// Pair は name=value の組
type Pair struct {
	Name  string
	Value string
}

// コマンドを表す構造体
type Command struct {
	Type        CommandType
	HelpTopic   *string          // help の対象コマンド
	MsgType     xpl.MsgType      // send のメッセージ種別
	Target      xpl.Address      // send の宛先
	Schema      string           // send のスキーマ (class.type)
	Body        []Pair           // send の本文
	RelayAction appliance.Action // relay の操作
	DebugMode   bool             // debug on/off
	Done        chan struct{}    // コマンド実行完了を通知するチャネル
	Error       error            // コマンド実行中に発生したエラー
}

func newCommand(cmdType CommandType) *Command {
	return &Command{
		Type: cmdType,
		Done: make(chan struct{}),
	}
}

type InvalidArgument struct {
	Argument string
}

func (e *InvalidArgument) Error() string {
	return fmt.Sprintf("無効な引数: %s", e.Argument)
}

// ParseCommand は入力行をパースする。空行なら nil を返す
func ParseCommand(input string) (*Command, error) {
	parts := splitWords(strings.TrimSpace(input))
	if len(parts) == 0 {
		return nil, nil
	}

	commandName := strings.ToLower(parts[0])

	// テーブルから一致するコマンドを探す
	for _, cmdDef := range CommandTable {
		if cmdDef.Name == commandName || slices.Contains(cmdDef.Aliases, commandName) {
			if cmdDef.ParseFunc != nil {
				return cmdDef.ParseFunc(parts)
			}
			return newCommand(CmdUnknown), nil
		}
	}

	return nil, fmt.Errorf("unknown command: %s", commandName)
}

// parseSend は send <type> <target> <class.type> [name=value...] をパースする
func parseSend(parts []string) (*Command, error) {
	if len(parts) < 4 {
		return nil, fmt.Errorf("usage: send <cmnd|trig|stat> <target> <class.type> [name=value...]")
	}
	cmd := newCommand(CmdSend)

	msgType, err := xpl.ParseMsgType(parts[1])
	if err != nil {
		return nil, err
	}
	cmd.MsgType = msgType

	target, err := xpl.ParseAddress(parts[2])
	if err != nil {
		return nil, err
	}
	cmd.Target = target

	if _, _, ok := xpl.SplitOnce(parts[3], '.'); !ok {
		return nil, &InvalidArgument{Argument: parts[3]}
	}
	cmd.Schema = parts[3]

	for _, arg := range parts[4:] {
		name, value, ok := xpl.SplitOnce(arg, '=')
		if !ok || name == "" {
			return nil, &InvalidArgument{Argument: arg}
		}
		cmd.Body = append(cmd.Body, Pair{Name: name, Value: value})
	}
	return cmd, nil
}

// parseOnOff は on/off の引数をパースする
func parseOnOff(parts []string) (bool, error) {
	if len(parts) != 2 {
		return false, fmt.Errorf("on または off を指定してください")
	}
	switch strings.ToLower(parts[1]) {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	return false, &InvalidArgument{Argument: parts[1]}
}

// splitWords は入力行を単語に分割する。クォート内の空白は単語の一部になる。
// 末尾が空白の場合は空の単語を1つ追加する (補完で使う)
func splitWords(line string) []string {
	if line == "" {
		return []string{}
	}

	words := make([]string, 0)
	var word strings.Builder
	inQuote := false
	lastWasSpace := true

	for _, r := range line {
		switch r {
		case ' ', '\t':
			if inQuote {
				word.WriteRune(r)
				lastWasSpace = false
				continue
			}
			if !lastWasSpace && word.Len() > 0 {
				words = append(words, word.String())
				word.Reset()
			}
			lastWasSpace = true
		case '"', '\'':
			inQuote = !inQuote
			lastWasSpace = false
		default:
			word.WriteRune(r)
			lastWasSpace = false
		}
	}

	if word.Len() > 0 {
		words = append(words, word.String())
	}
	if lastWasSpace {
		words = append(words, "")
	}
	return words
}
