// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/vitalog/internal/model"
)

// ErrDuplicateQRCode はQRコード識別子の一意制約違反を表す。
var ErrDuplicateQRCode = errors.New("qr code identifier already exists")

// MedicationRepository は薬データの永続化インターフェース。
type MedicationRepository interface {
	// FindByID は指定IDの薬を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Medication, error)

	// FindByIDsForUser は指定ユーザーが所有する薬のうちIDが一致するものを返す。
	// 見つからないIDや他ユーザーの薬は結果に含まれない。
	FindByIDsForUser(ctx context.Context, userID string, ids []string) ([]*model.Medication, error)

	// FindByQRCode はユーザーの薬をQRコード識別子で検索する。見つからない場合はnilを返す。
	FindByQRCode(ctx context.Context, userID, identifier string) (*model.Medication, error)

	// ListByUserID はユーザーの薬一覧を登録日時の降順で返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.Medication, error)

	// ListActive は指定時刻時点で有効期限内の全ユーザーの薬を返す。
	// 起動時のリマインダー再登録に使用する。
	ListActive(ctx context.Context, now time.Time) ([]*model.Medication, error)

	// Create は薬を作成する。QRコード識別子が重複する場合はErrDuplicateQRCodeを返す。
	Create(ctx context.Context, med *model.Medication) error

	// Update は薬の名前、用量、スケジュール、有効期限、QRコード識別子を更新する。
	// QRコード識別子が重複する場合はErrDuplicateQRCodeを返す。
	Update(ctx context.Context, med *model.Medication) error

	// Delete は指定IDの薬を削除する。関連するscheduled_remindersはCASCADE削除される。
	Delete(ctx context.Context, id string) error

	// MarkDoseTaken は服薬記録にキーを冪等に追加する。
	// 新たに追加した場合はtrue、既に存在した場合はfalseを返す。
	MarkDoseTaken(ctx context.Context, id, doseKey string) (bool, error)

	// SetDose は服薬記録のキーに値を設定する。ユーザーによる服薬確認で使用する。
	SetDose(ctx context.Context, id, doseKey string, taken bool) error
}

// InteractionRecordRepository は相互作用知識ベースの永続化インターフェース。
type InteractionRecordRepository interface {
	// FindByPair は2つの正規化済みキーに一致するレコードを順序を問わず検索する。
	// 複数存在する場合は最も古いレコードを返す。見つからない場合はnilを返す。
	FindByPair(ctx context.Context, a, b string) (*model.InteractionRecord, error)

	// Create はレコードを作成する。
	Create(ctx context.Context, rec *model.InteractionRecord) error
}

// InteractionLogRepository は監査ログの永続化インターフェース。追記のみを提供する。
type InteractionLogRepository interface {
	// Append はログを1件追記する。
	Append(ctx context.Context, entry *model.InteractionLogEntry) error

	// ListByUserID はユーザーのログを新しい順に最大limit件返す。
	ListByUserID(ctx context.Context, userID string, limit int) ([]*model.InteractionLogEntry, error)
}

// ReminderRepository はリマインダー発火予定の永続化インターフェース。
type ReminderRepository interface {
	// SaveArmed は発火予定をarmed状態で保存する。同じ(薬ID, 発火時刻)が存在する場合は上書きする。
	SaveArmed(ctx context.Context, reminder *model.ScheduledReminder) error

	// UpdateState は発火予定の状態を更新する。
	UpdateState(ctx context.Context, medicationID string, fireAt time.Time, state model.ReminderState) error

	// CancelPending は薬のarmed状態の発火予定を全てcancelledにし、件数を返す。
	CancelPending(ctx context.Context, medicationID string) (int64, error)

	// MarkMissedBefore は指定時刻より前のarmed状態の発火予定をmissedにし、件数を返す。
	MarkMissedBefore(ctx context.Context, before time.Time) (int64, error)
}

// DeviceTokenRepository はプッシュ通知用端末トークンの永続化インターフェース。
type DeviceTokenRepository interface {
	// Register は端末トークンを登録する。既に存在する場合は所有ユーザーを付け替える。
	Register(ctx context.Context, token *model.DeviceToken) error

	// Delete はユーザーの端末トークンを削除する。削除した場合はtrueを返す。
	Delete(ctx context.Context, userID, token string) (bool, error)

	// ListByUserID はユーザーの端末トークン一覧を返す。
	ListByUserID(ctx context.Context, userID string) ([]string, error)
}
