package model

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestCodedError_Error_WithoutCause(t *testing.T) {
	err := &CodedError{
		Code:    "TEST_CODE",
		Message: "テストメッセージ",
		Kind:    KindNotFound,
	}

	got := err.Error()
	if !strings.Contains(got, "TEST_CODE") {
		t.Errorf("エラー文字列にコードが含まれていない: %s", got)
	}
	if !strings.Contains(got, "テストメッセージ") {
		t.Errorf("エラー文字列にメッセージが含まれていない: %s", got)
	}
}

func TestCodedError_Error_WithCause(t *testing.T) {
	cause := errors.New("下位エラー")
	err := &CodedError{
		Code:    "TEST_CODE",
		Message: "テストメッセージ",
		Kind:    KindTransient,
		Cause:   cause,
	}

	got := err.Error()
	if !strings.Contains(got, "下位エラー") {
		t.Errorf("エラー文字列に原因が含まれていない: %s", got)
	}
}

func TestCodedError_Unwrap(t *testing.T) {
	cause := errors.New("下位エラー")
	err := NewContentionError(cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is で原因エラーに到達できるべき")
	}
}

func TestNewChannelNotFoundError(t *testing.T) {
	err := NewChannelNotFoundError("youtube:UCxxx")

	if err.Code != ErrCodeChannelNotFound {
		t.Errorf("Code = %q, want %q", err.Code, ErrCodeChannelNotFound)
	}
	if err.Kind != KindNotFound {
		t.Errorf("Kind = %q, want %q", err.Kind, KindNotFound)
	}
	if !strings.Contains(err.Message, "youtube:UCxxx") {
		t.Errorf("メッセージにチャンネルIDが含まれていない: %s", err.Message)
	}
}

func TestNewChatNotFoundError(t *testing.T) {
	err := NewChatNotFoundError("chat-1")

	if err.Code != ErrCodeChatNotFound {
		t.Errorf("Code = %q, want %q", err.Code, ErrCodeChatNotFound)
	}
	if err.Kind != KindNotFound {
		t.Errorf("Kind = %q, want %q", err.Kind, KindNotFound)
	}
}

func TestNewChannelDeniedError_IsPolicy(t *testing.T) {
	err := NewChannelDeniedError("youtube:UCdenied")

	if !IsPolicy(err) {
		t.Error("拒否リストエラーは IsPolicy = true であるべき")
	}
	if IsNotFound(err) {
		t.Error("拒否リストエラーは IsNotFound = false であるべき")
	}
}

func TestNewContentionError_IsTransient(t *testing.T) {
	err := NewContentionError(errors.New("deadlock detected"))

	if !IsTransient(err) {
		t.Error("競合エラーは IsTransient = true であるべき")
	}
}

func TestNewIntegrityViolationError_IsIntegrity(t *testing.T) {
	err := NewIntegrityViolationError(errors.New("unique violation"))

	if !IsIntegrity(err) {
		t.Error("整合性違反エラーは IsIntegrity = true であるべき")
	}
	if IsTransient(err) {
		t.Error("整合性違反エラーは IsTransient = false であるべき")
	}
}

func TestNewIngestExhaustedError_IsFatal(t *testing.T) {
	cause := NewContentionError(errors.New("deadlock"))
	err := NewIngestExhaustedError(3, cause)

	if err.Kind != KindFatal {
		t.Errorf("Kind = %q, want %q", err.Kind, KindFatal)
	}
	if !strings.Contains(err.Message, "3") {
		t.Errorf("メッセージに試行回数が含まれていない: %s", err.Message)
	}

	// 上限超過エラーそのものはリトライ対象ではない
	if IsTransient(err) {
		t.Error("上限超過エラーは IsTransient = false であるべき")
	}
}

// ラップされたCodedErrorも分類ヘルパーで判定できることを検証
func TestKindHelpers_WrappedError(t *testing.T) {
	inner := NewVideoNotFoundError("video-1")
	wrapped := fmt.Errorf("動画の取得に失敗しました: %w", inner)

	if !IsNotFound(wrapped) {
		t.Error("ラップされた未検出エラーも IsNotFound = true であるべき")
	}
}

func TestKindHelpers_PlainError(t *testing.T) {
	plain := errors.New("plain error")

	if IsNotFound(plain) || IsPolicy(plain) || IsTransient(plain) || IsIntegrity(plain) {
		t.Error("CodedErrorでないエラーは全ヘルパーで false であるべき")
	}
}
