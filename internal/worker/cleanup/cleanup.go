// Package cleanup はリマインダー発火履歴の定期削除ジョブを提供する。
//
// 保持期間を超過した終了状態（fired, delivered, cancelled, missed）の発火予定を
// バッチ単位で削除する。armedな予定と監査ログは削除しない。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultRetentionDays は発火履歴の既定の保持日数。
	DefaultRetentionDays = 30
	// DefaultBatchSize は1回のDELETEで削除する最大行数。
	DefaultBatchSize = 5000
)

// purgeQuery は終了状態の発火予定を最大$2件削除する。
// 大量削除でテーブルを長時間ロックしないよう、ctidで件数を区切る。
const purgeQuery = `DELETE FROM scheduled_reminders
	WHERE ctid IN (
		SELECT ctid FROM scheduled_reminders
		WHERE state IN ('fired', 'delivered', 'cancelled', 'missed')
		  AND updated_at < $1
		LIMIT $2
	)`

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CleanupJob は保持期間を超過した発火履歴の削除ジョブ。冪等に何度でも実行できる。
type CleanupJob struct {
	db            Executor
	logger        *slog.Logger
	RetentionDays int
	BatchSize     int
	now           func() time.Time
}

// NewCleanupJob は既定の保持日数とバッチサイズでCleanupJobを生成する。
func NewCleanupJob(db Executor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:            db,
		logger:        logger,
		RetentionDays: DefaultRetentionDays,
		BatchSize:     DefaultBatchSize,
		now:           time.Now,
	}
}

// Start はクリーンアップを起動直後に1回、その後intervalごとに実行する。
// コンテキストがキャンセルされるまでブロックする。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := j.Run(ctx); err != nil {
			j.logger.Error("リマインダー履歴のクリーンアップに失敗しました", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Run は保持期間を超過した発火履歴を削除し、削除件数を返す。
// 1バッチの削除件数がBatchSize未満になるまで繰り返す。
// 途中で失敗した場合はそれまでの削除件数とエラーを返す。
func (j *CleanupJob) Run(ctx context.Context) (int64, error) {
	start := time.Now()
	cutoff := j.now().AddDate(0, 0, -j.RetentionDays)

	var total int64
	batches := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		result, err := j.db.ExecContext(ctx, purgeQuery, cutoff, j.BatchSize)
		if err != nil {
			return total, fmt.Errorf("発火履歴の削除に失敗しました: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
		}
		total += n
		batches++

		if n < int64(j.BatchSize) {
			break
		}
	}

	j.logger.Info("リマインダー履歴のクリーンアップが完了しました",
		slog.Int64("deleted_count", total),
		slog.Int("batches", batches),
		slog.Int("retention_days", j.RetentionDays),
		slog.Time("cutoff", cutoff),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return total, nil
}
