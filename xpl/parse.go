package xpl

import (
	"strconv"
	"strings"
)

const (
	openBrace  = "{"
	closeBrace = "}"
)

// ParseMessage は受信データを xPL メッセージに変換します。
// 形式が不正な場合は *MalformedMessageError を返します。
func ParseMessage(data []byte) (*Message, error) {
	text := string(data)
	if idx := strings.IndexByte(text, 0); idx >= 0 {
		text = text[:idx]
	}
	m := &Message{}

	line, pos, ok := ReadLine(text, 0)
	if !ok {
		return nil, &MalformedMessageError{Reason: "empty message"}
	}
	t, err := ParseMsgType(line)
	if err != nil || !strings.HasPrefix(strings.ToLower(line), "xpl-") {
		return nil, &MalformedMessageError{Reason: "unknown message type", Line: line}
	}
	m.msgType = t

	if pos, err = expectLine(text, pos, openBrace, "header"); err != nil {
		return nil, err
	}

	var hasHop, hasSource, hasTarget bool
	for {
		line, pos, ok = ReadLine(text, pos)
		if !ok {
			return nil, &MalformedMessageError{Reason: "header is not closed"}
		}
		if line == closeBrace {
			break
		}
		name, value, found := SplitOnce(line, '=')
		if !found {
			return nil, &MalformedMessageError{Reason: "invalid header line", Line: line}
		}
		switch strings.ToLower(Trim(name)) {
		case "hop":
			hop, err := strconv.Atoi(Trim(value))
			if err != nil || m.SetHop(hop) != nil {
				return nil, &MalformedMessageError{Reason: "invalid hop", Line: line}
			}
			hasHop = true
		case "source":
			if err := m.SetSourceString(value); err != nil {
				return nil, &MalformedMessageError{Reason: "invalid source: " + err.Error(), Line: line}
			}
			hasSource = true
		case "target":
			if err := m.SetTargetString(value); err != nil {
				return nil, &MalformedMessageError{Reason: "invalid target: " + err.Error(), Line: line}
			}
			hasTarget = true
		default:
			return nil, &MalformedMessageError{Reason: "unknown header item", Line: line}
		}
	}
	if !hasHop || !hasSource || !hasTarget {
		return nil, &MalformedMessageError{Reason: "header requires hop, source and target"}
	}

	line, pos, ok = ReadLine(text, pos)
	if !ok {
		return nil, &MalformedMessageError{Reason: "missing schema"}
	}
	if strings.Count(line, ".") != 1 || m.SetSchema(line) != nil {
		return nil, &MalformedMessageError{Reason: "schema must be class.type", Line: line}
	}

	if pos, err = expectLine(text, pos, openBrace, "body"); err != nil {
		return nil, err
	}
	for {
		line, pos, ok = ReadLine(text, pos)
		if !ok {
			return nil, &MalformedMessageError{Reason: "body is truncated before closing brace"}
		}
		name, value, _ := SplitOnce(line, '=')
		if name == closeBrace {
			break
		}
		if err := m.AddValue(name, value); err != nil {
			return nil, &MalformedMessageError{Reason: err.Error(), Line: line}
		}
	}
	return m, nil
}

func expectLine(text string, pos int, want, section string) (int, error) {
	line, next, ok := ReadLine(text, pos)
	if !ok || line != want {
		return next, &MalformedMessageError{Reason: section + " must start with " + want, Line: line}
	}
	return next, nil
}
