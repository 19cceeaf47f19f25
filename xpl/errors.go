package xpl

import (
	"errors"
	"fmt"
)

// MalformedMessageError は受信データを xPL メッセージとして解釈できない場合のエラー
type MalformedMessageError struct {
	Reason string
	Line   string
}

func (e *MalformedMessageError) Error() string {
	if e.Line == "" {
		return fmt.Sprintf("malformed xPL message: %s", e.Reason)
	}
	return fmt.Sprintf("malformed xPL message: %s (line %q)", e.Reason, e.Line)
}

// ValidationError はセッターに不正な値が渡された場合のエラー
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// UnsplittableValueError は長すぎる値を区切り文字で分割できない場合のエラー
type UnsplittableValueError struct {
	Name  string
	Limit int
}

func (e *UnsplittableValueError) Error() string {
	return fmt.Sprintf("value for %q exceeds %d characters and has no delimiter to split at", e.Name, e.Limit)
}

var (
	// ErrNotConfigured は設定待ちの間に SendMsg が呼ばれた場合に返されます
	ErrNotConfigured = errors.New("device is waiting for configuration")
	// ErrPaused は一時停止中に SendMsg が呼ばれた場合に返されます
	ErrPaused = errors.New("device is paused")
)

func lengthError(field, value string, max int) error {
	if value == "" {
		return &ValidationError{Field: field, Value: value, Reason: "must not be empty"}
	}
	return &ValidationError{Field: field, Value: value, Reason: fmt.Sprintf("longer than %d characters", max)}
}

func checkLength(field, value string, max int) error {
	if value == "" || len(value) > max {
		return lengthError(field, value, max)
	}
	return nil
}
