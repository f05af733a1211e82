// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// ErrorKind はエラーの分類を表す。
// リトライ可否や呼び出し元への伝播方法はこの分類で決まる。
type ErrorKind string

const (
	// KindNotFound は参照先のエンティティが存在しないエラー。リトライしない。
	KindNotFound ErrorKind = "not_found"
	// KindPolicy は拒否リスト等のポリシー違反エラー。リトライしない。
	KindPolicy ErrorKind = "policy"
	// KindTransient はロック競合・タイムアウト等の一時的エラー。リトライ対象。
	KindTransient ErrorKind = "transient"
	// KindIntegrity は想定外の整合性制約違反。即座に伝播し、リトライしない。
	KindIntegrity ErrorKind = "integrity"
	// KindFatal はリトライ上限超過など回復不能なエラー。
	KindFatal ErrorKind = "fatal"
)

// CodedError はエラーコードと分類を持つ統一エラーフォーマット。
type CodedError struct {
	Code    string    // エラーコード
	Message string    // エラーメッセージ
	Kind    ErrorKind // 分類
	Cause   error     // 原因となった下位エラー（省略可）
}

// Error はerrorインターフェースを実装する。
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// 定義済みエラーコード
const (
	ErrCodeChannelNotFound    = "CHANNEL_NOT_FOUND"
	ErrCodeChatNotFound       = "CHAT_NOT_FOUND"
	ErrCodeVideoNotFound      = "VIDEO_NOT_FOUND"
	ErrCodeChannelDenied      = "CHANNEL_IN_DENY_LIST"
	ErrCodeContention         = "TRANSIENT_CONTENTION"
	ErrCodeIntegrityViolation = "INTEGRITY_VIOLATION"
	ErrCodeIngestExhausted    = "INGEST_RETRY_EXHAUSTED"
)

// NewChannelNotFoundError はチャンネル未検出エラーを生成する。
func NewChannelNotFoundError(channelID string) *CodedError {
	return &CodedError{
		Code:    ErrCodeChannelNotFound,
		Message: fmt.Sprintf("指定されたチャンネルが見つかりません: %s", channelID),
		Kind:    KindNotFound,
	}
}

// NewChatNotFoundError はチャット未検出エラーを生成する。
func NewChatNotFoundError(chatID string) *CodedError {
	return &CodedError{
		Code:    ErrCodeChatNotFound,
		Message: fmt.Sprintf("指定されたチャットが見つかりません: %s", chatID),
		Kind:    KindNotFound,
	}
}

// NewVideoNotFoundError は動画未検出エラーを生成する。
func NewVideoNotFoundError(videoID string) *CodedError {
	return &CodedError{
		Code:    ErrCodeVideoNotFound,
		Message: fmt.Sprintf("指定された動画が見つかりません: %s", videoID),
		Kind:    KindNotFound,
	}
}

// NewChannelDeniedError は拒否リスト登録済みチャンネルへの購読エラーを生成する。
func NewChannelDeniedError(channelID string) *CodedError {
	return &CodedError{
		Code:    ErrCodeChannelDenied,
		Message: fmt.Sprintf("チャンネルは拒否リストに登録されています: %s", channelID),
		Kind:    KindPolicy,
	}
}

// NewContentionError はロック競合・タイムアウトによる一時的エラーを生成する。
func NewContentionError(cause error) *CodedError {
	return &CodedError{
		Code:    ErrCodeContention,
		Message: "一時的な競合によりトランザクションが失敗しました",
		Kind:    KindTransient,
		Cause:   cause,
	}
}

// NewIntegrityViolationError は想定外の整合性制約違反エラーを生成する。
func NewIntegrityViolationError(cause error) *CodedError {
	return &CodedError{
		Code:    ErrCodeIntegrityViolation,
		Message: "整合性制約違反が発生しました",
		Kind:    KindIntegrity,
		Cause:   cause,
	}
}

// NewIngestExhaustedError はリトライ上限超過エラーを生成する。
func NewIngestExhaustedError(attempts int, cause error) *CodedError {
	return &CodedError{
		Code:    ErrCodeIngestExhausted,
		Message: fmt.Sprintf("リトライ上限（%d回）に達したため取り込みを中断しました", attempts),
		Kind:    KindFatal,
		Cause:   cause,
	}
}

// kindOf はerrからCodedErrorを取り出して分類を返す。
func kindOf(err error) (ErrorKind, bool) {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Kind, true
	}
	return "", false
}

// IsNotFound はエラーが未検出分類かを判定する。
func IsNotFound(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindNotFound
}

// IsPolicy はエラーがポリシー違反分類かを判定する。
func IsPolicy(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindPolicy
}

// IsTransient はエラーが一時的分類かを判定する。
func IsTransient(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindTransient
}

// IsIntegrity はエラーが整合性違反分類かを判定する。
func IsIntegrity(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindIntegrity
}
