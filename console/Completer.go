package console

import (
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/chzyer/readline"
	"golang.org/x/exp/slices"
)

// Completer は readline.AutoCompleter を実装する動的補完
type Completer struct{}

var _ readline.AutoCompleter = (*Completer)(nil)

// Suggest は入力中の行に対する候補を返す
func (c *Completer) Suggest(line string) []prompt.Suggest {
	words := splitWords(line)
	if len(words) <= 1 {
		lastWord := ""
		if len(words) == 1 {
			lastWord = words[0]
		}
		return prompt.FilterHasPrefix(commandSuggests(), lastWord, true)
	}

	name := strings.ToLower(words[0])
	idx := slices.IndexFunc(CommandTable, func(def CommandDefinition) bool {
		return def.Name == name || slices.Contains(def.Aliases, name)
	})
	if idx < 0 || CommandTable[idx].GetCandidatesFunc == nil {
		return nil
	}
	candidates := CommandTable[idx].GetCandidatesFunc(c, words)
	return prompt.FilterHasPrefix(candidates, words[len(words)-1], true)
}

// Do は readline から呼ばれ、最後の単語に続く補完文字列を返す
func (c *Completer) Do(line []rune, pos int) (newLine [][]rune, length int) {
	lineStr := string(line[:pos])
	words := splitWords(lineStr)
	lastWord := ""
	if len(words) > 0 {
		lastWord = words[len(words)-1]
	}

	for _, s := range c.Suggest(lineStr) {
		newLine = append(newLine, []rune(s.Text[len(lastWord):]+" "))
	}
	return newLine, len([]rune(lastWord))
}
