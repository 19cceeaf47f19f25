package console

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/chzyer/readline"
)

const historyFileName = ".xpl_history"

// getHistoryFilePath は履歴ファイルのパスを取得する
func getHistoryFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return historyFileName
	}
	return filepath.Join(home, historyFileName)
}

// ConsoleProcess は quit か入力の終わりまで対話的にコマンドを処理する
func ConsoleProcess(ctx context.Context, dev DeviceController, relay RelayController, setDebug func(bool)) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		HistoryFile:     getHistoryFilePath(),
		AutoComplete:    &Completer{},
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		fmt.Printf("readline の初期化エラー: %v\n", err)
		return
	}
	var closeOnce sync.Once
	closeReadline := func() {
		closeOnce.Do(func() { _ = rl.Close() })
	}
	defer closeReadline()

	processor := NewCommandProcessor(ctx, dev, relay, setDebug, rl.Stdout())
	processor.Start()
	defer processor.Stop()

	fmt.Fprintln(rl.Stdout(), "help for usage, quit to exit")

	// ctx が終わったら Readline を中断する
	consoleCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-consoleCtx.Done()
		closeReadline()
	}()

	for {
		line, err := rl.Readline()
		if err != nil { // io.EOF, readline.ErrInterrupt
			return
		}

		cmd, err := ParseCommand(line)
		if err != nil {
			fmt.Fprintf(rl.Stdout(), "エラー: %v\n", err)
			continue
		}
		if cmd == nil {
			continue
		}

		if err := processor.SendCommand(cmd); err != nil {
			fmt.Fprintf(rl.Stdout(), "エラー: %v\n", err)
		}
		if cmd.Type == CmdQuit {
			return
		}
	}
}
