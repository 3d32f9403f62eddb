// Package reconcile はリマインダーの定期再アーム処理を提供する。
// 発火を取りこぼした服薬スケジュールを定期的に検出し、次回発火を再アームする。
package reconcile

import (
	"context"
	"log/slog"
	"time"
)

// ReminderReconciler は再アーム処理の実行インターフェース。
type ReminderReconciler interface {
	// Reconcile は保留中の発火予定を持たない有効な服薬を再アームし、その件数を返す。
	Reconcile(ctx context.Context) (int, error)
}

// Scheduler は再アーム処理をティッカーで定期実行する。
type Scheduler struct {
	reconciler ReminderReconciler
	logger     *slog.Logger
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(reconciler ReminderReconciler, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		reconciler: reconciler,
		logger:     logger,
	}
}

// Start は指定間隔のティッカーで再アーム処理を起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("リマインダー再アームスケジューラを開始しました",
		slog.Duration("interval", interval),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("リマインダー再アームスケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("リマインダー再アームの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は再アーム処理を1回実行する。
// 起動時の復旧は Dispatcher.Recover が担うため、Start は初回実行を行わない。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	rearmed, err := s.reconciler.Reconcile(ctx)
	if err != nil {
		return err
	}

	if rearmed == 0 {
		s.logger.Debug("再アーム対象の服薬はありません")
		return nil
	}

	s.logger.Info("リマインダー再アームが完了しました",
		slog.Int("rearmed_count", rearmed),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}
