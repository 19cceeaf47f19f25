package xpl

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadLine(t *testing.T) {
	text := "\n  first \r\n\n\tsecond\nlast"
	var lines []string
	pos := 0
	for {
		line, next, ok := ReadLine(text, pos)
		if !ok {
			break
		}
		lines = append(lines, line)
		pos = next
	}
	assert.Equal(t, []string{"first", "second", "last"}, lines)
}

func TestSplitOnce(t *testing.T) {
	l, r, ok := SplitOnce("a=b=c", '=')
	assert.True(t, ok)
	assert.Equal(t, "a", l)
	assert.Equal(t, "b=c", r)

	l, r, ok = SplitOnce("}", '=')
	assert.False(t, ok)
	assert.Equal(t, "}", l)
	assert.Equal(t, "", r)
}
