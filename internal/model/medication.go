// Package model はドメインモデルを定義する。
package model

import "time"

// Medication はユーザーが登録した薬と服薬スケジュールを表す。
// Schedulesは "HH:MM" 形式の時刻を1件以上保持する。
type Medication struct {
	ID               string
	UserID           string
	Name             string
	Dosage           string
	Schedules        []string
	ExpirationDate   *time.Time
	QRCodeIdentifier *string
	// DosesTaken は "YYYY-MM-DD_HH:MM" をキーとする服薬記録。
	DosesTaken map[string]bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IsExpired は指定時刻時点で有効期限を過ぎているかを返す。
func (m *Medication) IsExpired(now time.Time) bool {
	return m.ExpirationDate != nil && !now.Before(*m.ExpirationDate)
}

// DeviceToken はプッシュ通知の送信先端末を表す。
type DeviceToken struct {
	Token     string
	UserID    string
	CreatedAt time.Time
}
