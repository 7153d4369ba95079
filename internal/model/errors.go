// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// センチネルエラー。層をまたいだ分類判定にはerrors.Isを使う。
var (
	// ErrUnauthorized はトークンが不正・期限切れ・失効済みであることを示す。
	// 呼び出し側は自動リトライしてはならない。
	ErrUnauthorized = errors.New("unauthorized")

	// ErrVersionConflict はcompare-and-swapコミットの期待バージョン不一致を示す。
	// 呼び出し側が再読込してターンを再生成する以外の回復経路はない。
	ErrVersionConflict = errors.New("version conflict")

	// ErrThreadNotFound はスレッドが存在しないか論理削除済みであることを示す。
	ErrThreadNotFound = errors.New("thread not found")

	// ErrUserNotFound はユーザーが存在しないことを示す。
	ErrUserNotFound = errors.New("user not found")

	// ErrTransientBackend はキャッシュ・ストア・IdPへのタイムアウトまたは
	// 接続エラーを示す。書き込みが到達したか不明なため、コア側では
	// 一切リトライしない。
	ErrTransientBackend = errors.New("transient backend failure")

	// ErrFederation はOAuthコード交換の失敗（通信エラー、state不一致、
	// プロバイダーエラー応答）を示す。ログイン失敗として扱う。
	ErrFederation = errors.New("federation failed")
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, thread, system
	Action   string // ユーザー向け対処方法
	cause    error  // センチネルへの分類用
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は対応するセンチネルエラーを返す。
func (e *APIError) Unwrap() error {
	return e.cause
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeVersionConflict = "VERSION_CONFLICT"
	ErrCodeThreadNotFound  = "THREAD_NOT_FOUND"
	ErrCodeUserNotFound    = "USER_NOT_FOUND"
	ErrCodeTransient       = "TRANSIENT_BACKEND"
	ErrCodeFederation      = "FEDERATION_FAILED"
	ErrCodeInvalidMessage  = "INVALID_MESSAGE"
	ErrCodeDuplicateUser   = "DUPLICATE_USER"
	ErrCodeForbidden       = "FORBIDDEN"
)

// NewUnauthorizedError は認可失敗エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証情報が無効です。",
		Category: "auth",
		Action:   "ログインし直してください。",
		cause:    ErrUnauthorized,
	}
}

// NewVersionConflictError はバージョン競合エラーを生成する。
func NewVersionConflictError(threadID string, expected int64) *APIError {
	return &APIError{
		Code:     ErrCodeVersionConflict,
		Message:  fmt.Sprintf("スレッド %s のバージョン %d は既に更新されています。", threadID, expected),
		Category: "thread",
		Action:   "最新の状態を再読込してから、ターンを再生成してください。",
		cause:    ErrVersionConflict,
	}
}

// NewThreadNotFoundError はスレッド未検出エラーを生成する。
func NewThreadNotFoundError(threadID string) *APIError {
	return &APIError{
		Code:     ErrCodeThreadNotFound,
		Message:  fmt.Sprintf("指定されたスレッドが見つかりません: %s", threadID),
		Category: "thread",
		Action:   "スレッドIDを確認するか、新しいスレッドを作成してください。",
		cause:    ErrThreadNotFound,
	}
}

// NewUserNotFoundError はユーザー未検出エラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
		cause:    ErrUserNotFound,
	}
}

// NewTransientBackendError はバックエンド一時障害エラーを生成する。
func NewTransientBackendError(backend string, err error) *APIError {
	return &APIError{
		Code:     ErrCodeTransient,
		Message:  fmt.Sprintf("バックエンド（%s）との通信に失敗しました: %v", backend, err),
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
		cause:    ErrTransientBackend,
	}
}

// NewFederationError はOAuth連携失敗エラーを生成する。
func NewFederationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeFederation,
		Message:  fmt.Sprintf("外部IdPでの認証に失敗しました: %s", reason),
		Category: "auth",
		Action:   "再度ログインをお試しください。",
		cause:    ErrFederation,
	}
}

// NewInvalidMessageError は不正なメッセージエラーを生成する。
func NewInvalidMessageError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidMessage,
		Message:  fmt.Sprintf("無効なメッセージです: %s", reason),
		Category: "validation",
		Action:   "roleはuser、assistant、systemのいずれかで、contentは空にできません。",
	}
}

// NewDuplicateUserError はユーザー重複エラーを生成する。
func NewDuplicateUserError(email string) *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateUser,
		Message:  fmt.Sprintf("このメールアドレスは既に登録されています: %s", email),
		Category: "auth",
		Action:   "ログインするか、別のメールアドレスで登録してください。",
	}
}

// NewForbiddenError はスレッド所有者以外のアクセスエラーを生成する。
func NewForbiddenError(threadID string) *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  fmt.Sprintf("スレッド %s へのアクセス権限がありません。", threadID),
		Category: "auth",
		Action:   "自分が作成したスレッドのみ操作できます。",
	}
}
