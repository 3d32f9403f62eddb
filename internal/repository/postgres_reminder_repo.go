package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/vitalog/internal/model"
)

// PostgresReminderRepo はPostgreSQLを使用したリマインダー発火予定リポジトリ。
type PostgresReminderRepo struct {
	db *sql.DB
}

// NewPostgresReminderRepo はPostgresReminderRepoを生成する。
func NewPostgresReminderRepo(db *sql.DB) *PostgresReminderRepo {
	return &PostgresReminderRepo{db: db}
}

// SaveArmed は発火予定をarmed状態で保存する。
// 同じ(medication_id, fire_at)が存在する場合はarmedに戻して内容を上書きする。
func (r *PostgresReminderRepo) SaveArmed(ctx context.Context, reminder *model.ScheduledReminder) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO scheduled_reminders (medication_id, fire_at, slot, state, title, body, created_at, updated_at)
		 VALUES ($1, $2, $3, 'armed', $4, $5, NOW(), NOW())
		 ON CONFLICT (medication_id, fire_at) DO UPDATE SET
		     slot = EXCLUDED.slot,
		     state = 'armed',
		     title = EXCLUDED.title,
		     body = EXCLUDED.body,
		     updated_at = NOW()`,
		reminder.MedicationID, reminder.FireAt, reminder.Slot, reminder.Title, reminder.Body,
	)
	if err != nil {
		return fmt.Errorf("リマインダーの保存に失敗しました: %w", err)
	}
	return nil
}

// UpdateState は発火予定の状態を更新する。
func (r *PostgresReminderRepo) UpdateState(ctx context.Context, medicationID string, fireAt time.Time, state model.ReminderState) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE scheduled_reminders SET state = $3, updated_at = NOW()
		 WHERE medication_id = $1 AND fire_at = $2`,
		medicationID, fireAt, string(state),
	)
	if err != nil {
		return fmt.Errorf("リマインダー状態の更新に失敗しました: %w", err)
	}
	return nil
}

// CancelPending は薬のarmed状態の発火予定を全てcancelledにし、件数を返す。
func (r *PostgresReminderRepo) CancelPending(ctx context.Context, medicationID string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE scheduled_reminders SET state = 'cancelled', updated_at = NOW()
		 WHERE medication_id = $1 AND state = 'armed'`,
		medicationID,
	)
	if err != nil {
		return 0, fmt.Errorf("リマインダーのキャンセルに失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// MarkMissedBefore は指定時刻より前のarmed状態の発火予定をmissedにし、件数を返す。
func (r *PostgresReminderRepo) MarkMissedBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE scheduled_reminders SET state = 'missed', updated_at = NOW()
		 WHERE state = 'armed' AND fire_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("未発火リマインダーの更新に失敗しました: %w", err)
	}
	return result.RowsAffected()
}
