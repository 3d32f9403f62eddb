// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, medication, interaction, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeTooFewMedications   = "TOO_FEW_MEDICATIONS"
	ErrCodeInvalidSchedule     = "INVALID_SCHEDULE"
	ErrCodeInvalidLogKind      = "INVALID_LOG_KIND"
	ErrCodeInvalidAlarmTime    = "INVALID_ALARM_TIME"
	ErrCodeMedicationNotFound  = "MEDICATION_NOT_FOUND"
	ErrCodeDuplicateQRCode     = "DUPLICATE_QR_CODE"
	ErrCodeDeviceTokenNotFound = "DEVICE_TOKEN_NOT_FOUND"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// NewInvalidRequestError はリクエストボディの解析失敗エラーを生成する。
func NewInvalidRequestError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewValidationError は入力値の検証エラーを生成する。
func NewValidationError(field, reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("入力値が不正です: %s (%s)", field, reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewTooFewMedicationsError は相互作用チェックに必要な薬の数が足りない場合のエラーを生成する。
func NewTooFewMedicationsError(count int) *APIError {
	return &APIError{
		Code:     ErrCodeTooFewMedications,
		Message:  fmt.Sprintf("相互作用のチェックには2件以上の薬が必要です: %d件", count),
		Category: "validation",
		Action:   "2件以上の薬を選択してください。",
	}
}

// NewInvalidScheduleError は服薬時刻の形式が不正な場合のエラーを生成する。
func NewInvalidScheduleError(schedule string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSchedule,
		Message:  fmt.Sprintf("無効な服薬時刻です: %q", schedule),
		Category: "validation",
		Action:   "服薬時刻は HH:MM 形式（例: 08:00）で1件以上指定してください。",
	}
}

// NewInvalidLogKindError は未定義のログ種別が指定された場合のエラーを生成する。
func NewInvalidLogKindError(kind string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidLogKind,
		Message:  fmt.Sprintf("無効なログ種別です: %s", kind),
		Category: "validation",
		Action:   "種別には added_medication、removed_warning、checked_interaction、other のいずれかを指定してください。",
	}
}

// NewInvalidAlarmTimeError はアラーム時刻が過去の場合のエラーを生成する。
func NewInvalidAlarmTimeError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidAlarmTime,
		Message:  "アラーム時刻は未来の日時である必要があります。",
		Category: "validation",
		Action:   "現在より後の日時を指定してください。",
	}
}

// NewMedicationNotFoundError は薬が見つからない場合のエラーを生成する。
// 他ユーザーの薬を指定した場合も同じエラーを返す。
func NewMedicationNotFoundError(medicationID string) *APIError {
	return &APIError{
		Code:     ErrCodeMedicationNotFound,
		Message:  fmt.Sprintf("指定された薬が見つかりません: %s", medicationID),
		Category: "medication",
		Action:   "薬のIDを確認してください。",
	}
}

// NewDuplicateQRCodeError はQRコード識別子が既に使われている場合のエラーを生成する。
func NewDuplicateQRCodeError(identifier string) *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateQRCode,
		Message:  fmt.Sprintf("このQRコード識別子は既に登録されています: %s", identifier),
		Category: "medication",
		Action:   "別のQRコード識別子を指定してください。",
	}
}

// NewDeviceTokenNotFoundError は端末トークンが見つからない場合のエラーを生成する。
func NewDeviceTokenNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeDeviceTokenNotFound,
		Message:  "指定された端末トークンは登録されていません。",
		Category: "medication",
		Action:   "端末の通知設定をやり直してください。",
	}
}

// NewRateLimitedError はリクエスト過多エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterの秒数だけ待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
