// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, bond, interaction, system
	Action   string // ユーザー向け対処方法
	Err      error  // 原因となった下位エラー（ストア障害など）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *APIError) Unwrap() error {
	return e.Err
}

// 定義済みエラーコード
const (
	ErrCodeUnauthenticated   = "UNAUTHENTICATED"
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInvalidState      = "INVALID_STATE"
	ErrCodeReceiverNotFound  = "RECEIVER_NOT_FOUND"
	ErrCodeAmbiguousReceiver = "AMBIGUOUS_RECEIVER"
	ErrCodeAlreadyBonded     = "ALREADY_BONDED"
	ErrCodeStoreUnavailable  = "STORE_UNAVAILABLE"
)

// HasCode はerrがcodeを持つAPIErrorかどうかを返す。
func HasCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// NewUnauthenticatedError は呼び出し元が特定できない場合のエラーを生成する。
func NewUnauthenticatedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  fmt.Sprintf("認証が必要です: %s", reason),
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewInvalidInputError は入力値が不正な場合のエラーを生成する。
func NewInvalidInputError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidInput,
		Message:  fmt.Sprintf("入力値が不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewNotFoundError は参照先のレコードが存在しない場合のエラーを生成する。
func NewNotFoundError(kind, id string) *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("%sが見つかりません: %s", kind, id),
		Category: "validation",
		Action:   "IDを確認してください。",
	}
}

// NewInvalidStateError は現在の状態では実行できない操作のエラーを生成する。
func NewInvalidStateError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidState,
		Message:  fmt.Sprintf("現在の状態ではこの操作を実行できません: %s", reason),
		Category: "validation",
		Action:   "最新の状態を再取得してから操作してください。",
	}
}

// NewReceiverNotFoundError はリクエスト宛先のメールアドレスに該当するユーザーがいない場合のエラーを生成する。
func NewReceiverNotFoundError(email string) *APIError {
	return &APIError{
		Code:     ErrCodeReceiverNotFound,
		Message:  fmt.Sprintf("宛先のユーザーが登録されていません: %s", email),
		Category: "bond",
		Action:   "相手がアカウントを作成してから再度承認してください。",
	}
}

// NewAmbiguousReceiverError は宛先メールアドレスに複数のユーザーが該当する場合のエラーを生成する。
func NewAmbiguousReceiverError(email string) *APIError {
	return &APIError{
		Code:     ErrCodeAmbiguousReceiver,
		Message:  fmt.Sprintf("宛先のメールアドレスに複数のユーザーが該当します: %s", email),
		Category: "bond",
		Action:   "管理者に連絡してください。",
	}
}

// NewAlreadyBondedError は既に別のユーザーとペアになっている場合のエラーを生成する。
func NewAlreadyBondedError(userID string) *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyBonded,
		Message:  fmt.Sprintf("ユーザーは既に別の相手とペアになっています: %s", userID),
		Category: "bond",
		Action:   "現在のペアを確認してください。",
	}
}

// NewStoreUnavailableError はストアへのアクセスに失敗した場合のエラーを生成する。
// 再試行しても安全なエラーである。
func NewStoreUnavailableError(err error) *APIError {
	return &APIError{
		Code:     ErrCodeStoreUnavailable,
		Message:  "データストアに接続できません。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
		Err:      err,
	}
}

// ErrDuplicate は一意制約違反を表す。ストア実装がドライバのエラーをラップして返す。
var ErrDuplicate = errors.New("duplicate key")

// NewConflictError は同じデータが既に存在する場合のエラーを生成する。
// 再試行しても成功しないため、STORE_UNAVAILABLEではなくINVALID_STATEとする。
func NewConflictError(err error) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidState,
		Message:  "同じデータが既に存在します",
		Category: "validation",
		Action:   "最新の状態を再取得してから操作してください。",
		Err:      err,
	}
}

// AsStoreError はAPIError以外のエラーをSTORE_UNAVAILABLEに変換する。
// 一意制約違反はINVALID_STATEとする。APIErrorはそのまま返す。nilはnilを返す。
func AsStoreError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return err
	}
	if errors.Is(err, ErrDuplicate) {
		return NewConflictError(err)
	}
	return NewStoreUnavailableError(err)
}
