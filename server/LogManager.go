package server

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"xpl-sdk/xpl/log"
)

// LogManager はログファイルと slog のデフォルトハンドラを管理する
type LogManager struct {
	level    *slog.LevelVar
	handler  slog.Handler
	signalCh chan os.Signal
	done     chan struct{}
}

// NewLogManager は logFilename を開き、slog のデフォルト出力に設定する。
// SIGHUP を受けるとログファイルを開き直す
func NewLogManager(logFilename string, debug bool) (*LogManager, error) {
	logger, err := log.NewLogger(logFilename)
	if err != nil {
		return nil, err
	}
	log.SetLogger(logger)

	level := &slog.LevelVar{}
	handler := slog.NewTextHandler(logger, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))

	lm := &LogManager{
		level:    level,
		handler:  handler,
		signalCh: make(chan os.Signal, 1),
		done:     make(chan struct{}),
	}

	lm.SetDebug(debug)

	// ログローテーション用のシグナルハンドリング (SIGHUP)
	signal.Notify(lm.signalCh, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-lm.done:
				return
			case <-lm.signalCh:
				fmt.Fprintln(os.Stderr, "SIGHUPを受信しました。ログファイルをローテーションします...")
				slog.Info("SIGHUPを受信しました。ログファイルをローテーションします")
				if err := log.GetLogger().Rotate(); err != nil {
					_, _ = fmt.Fprintf(os.Stderr, "ログローテーションエラー: %v\n", err)
				}
			}
		}
	}()

	return lm, nil
}

// SetDebug はデバッグログの出力を切り替える
func (lm *LogManager) SetDebug(on bool) {
	if on {
		lm.level.Set(slog.LevelDebug)
	} else {
		lm.level.Set(slog.LevelInfo)
	}
}

// EnableBroadcast は Warn 以上のログを WebSocket クライアントにも配信する
func (lm *LogManager) EnableBroadcast(transport WebSocketTransport) {
	slog.SetDefault(slog.New(NewBroadcastHandler(lm.handler, transport, slog.LevelWarn)))
}

func (lm *LogManager) Close() error {
	signal.Stop(lm.signalCh)
	close(lm.done)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	// ログファイルを閉じる
	log.SetLogger(nil)
	return nil
}
