package model

import "time"

// InteractionRecord はローカル知識ベースに登録された薬の組み合わせと警告文を表す。
// MedicationA と MedicationB は正規化済みのキーで、順序は意味を持たない。
type InteractionRecord struct {
	ID          string
	MedicationA string
	MedicationB string
	Warning     string
	CreatedAt   time.Time
}

// LogKind は相互作用ログのイベント種別を表す。
type LogKind string

const (
	LogKindAddedMedication    LogKind = "added_medication"
	LogKindRemovedWarning     LogKind = "removed_warning"
	LogKindCheckedInteraction LogKind = "checked_interaction"
	LogKindOther              LogKind = "other"
)

// ParseLogKind は文字列をLogKindに変換する。未定義の種別の場合はfalseを返す。
func ParseLogKind(s string) (LogKind, bool) {
	switch k := LogKind(s); k {
	case LogKindAddedMedication, LogKindRemovedWarning, LogKindCheckedInteraction, LogKindOther:
		return k, true
	default:
		return "", false
	}
}

// InteractionLogEntry は監査ログの1件を表す。追記のみで更新・削除はしない。
type InteractionLogEntry struct {
	ID          string
	UserID      string
	Kind        LogKind
	Description string
	CreatedAt   time.Time
}
