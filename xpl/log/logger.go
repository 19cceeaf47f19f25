package log

import (
	"fmt"
	"os"
	"sync"
)

// Logger は追記モードでログファイルに書き込みます。
// io.Writer を実装しているので slog のハンドラの出力先として使えます。
type Logger struct {
	mu      sync.Mutex
	path    string
	logFile *os.File
}

var (
	logger   *Logger
	loggerMu sync.Mutex
)

// GetLogger は現在のロガーを返します
func GetLogger() *Logger {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	return logger
}

// SetLogger はロガーを置き換え、以前のロガーを閉じます
func SetLogger(l *Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger != nil && logger != l {
		logger.Close()
	}
	logger = l
}

// NewLogger は filename を追記モードで開きます
func NewLogger(filename string) (*Logger, error) {
	logFile, err := openLogFile(filename)
	if err != nil {
		return nil, err
	}
	return &Logger{path: filename, logFile: logFile}, nil
}

func openLogFile(filename string) (*os.File, error) {
	logFile, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("ログファイルを開けませんでした: %w", err)
	}
	return logFile, nil
}

// Write はログファイルに書き込みます。閉じた後の書き込みは捨てられます
func (l *Logger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile == nil {
		return len(p), nil
	}
	return l.logFile.Write(p)
}

// Path はログファイルのパスを返します
func (l *Logger) Path() string {
	return l.path
}

// Close はログファイルを閉じます
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile != nil {
		_ = l.logFile.Close()
		l.logFile = nil
	}
}

// Rotate はログファイルを閉じて開き直します
func (l *Logger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile == nil {
		return nil
	}
	_ = l.logFile.Close()

	logFile, err := openLogFile(l.path)
	if err != nil {
		l.logFile = nil
		return fmt.Errorf("ログファイルを再オープンできませんでした: %w", err)
	}
	l.logFile = logFile
	return nil
}
