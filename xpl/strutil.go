package xpl

import "strings"

// ReadLine は text の start 位置から空行を飛ばして1行読み出し、
// 前後の空白を除いた行と次の読み出し位置を返します。
// 行が残っていない場合は ok=false を返します。
func ReadLine(text string, start int) (line string, next int, ok bool) {
	pos := start
	for pos < len(text) {
		end := strings.IndexByte(text[pos:], '\n')
		var raw string
		if end < 0 {
			raw = text[pos:]
			pos = len(text)
		} else {
			raw = text[pos : pos+end]
			pos += end + 1
		}
		if line = Trim(raw); line != "" {
			return line, pos, true
		}
	}
	return "", pos, false
}

// SplitOnce は s を最初の sep で2つに分けます。
// sep が無い場合は s 全体を left として返し ok=false となります。
func SplitOnce(s string, sep byte) (left, right string, ok bool) {
	idx := strings.IndexByte(s, sep)
	if idx < 0 {
		return s, "", false
	}
	return s[:idx], s[idx+1:], true
}

// Trim は前後の空白文字と NUL を取り除きます
func Trim(s string) string {
	return strings.Trim(s, " \t\r\n\x00")
}
