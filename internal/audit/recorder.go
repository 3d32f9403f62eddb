// Package audit は相互作用ログ（監査ログ）の記録と参照を提供する。
// ログは追記のみで、記録時にイベントとしても配信する。
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/vitalog/internal/events"
	"github.com/hitoshi/vitalog/internal/model"
	"github.com/hitoshi/vitalog/internal/repository"
	"github.com/hitoshi/vitalog/internal/security"
)

const (
	// DefaultListLimit は一覧取得時の既定件数。
	DefaultListLimit = 100
	// maxDescriptionLength は説明文の最大文字数。超過分は切り詰める。
	maxDescriptionLength = 2000
)

// Recorder は監査ログを記録する。
type Recorder struct {
	repo      repository.InteractionLogRepository
	publisher events.Publisher
	sanitizer security.TextSanitizerService
	logger    *slog.Logger
	now       func() time.Time
}

// NewRecorder はRecorderを生成する。
func NewRecorder(
	repo repository.InteractionLogRepository,
	publisher events.Publisher,
	sanitizer security.TextSanitizerService,
	logger *slog.Logger,
) *Recorder {
	return &Recorder{
		repo:      repo,
		publisher: publisher,
		sanitizer: sanitizer,
		logger:    logger,
		now:       time.Now,
	}
}

// Record は監査ログを1件追記する。
// 説明文はHTMLタグを除去してから保存する。イベント配信の失敗はログ出力のみで記録は成功扱いにする。
func (r *Recorder) Record(ctx context.Context, kind model.LogKind, description, userID string) (*model.InteractionLogEntry, error) {
	if _, ok := model.ParseLogKind(string(kind)); !ok {
		return nil, model.NewInvalidLogKindError(string(kind))
	}

	desc := r.sanitizer.Clean(description)
	if runes := []rune(desc); len(runes) > maxDescriptionLength {
		desc = string(runes[:maxDescriptionLength])
	}

	entry := &model.InteractionLogEntry{
		ID:          uuid.NewString(),
		UserID:      userID,
		Kind:        kind,
		Description: desc,
		CreatedAt:   r.now().UTC(),
	}
	if err := r.repo.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("監査ログの記録に失敗しました: %w", err)
	}

	err := r.publisher.Publish(ctx, userID, events.Event{
		Type:   events.TypeInteractionLogged,
		UserID: userID,
		Payload: map[string]string{
			"id":          entry.ID,
			"kind":        string(entry.Kind),
			"description": entry.Description,
		},
		OccurredAt: entry.CreatedAt,
	})
	if err != nil {
		r.logger.Warn("監査ログイベントの配信に失敗しました",
			slog.String("log_id", entry.ID),
			slog.String("kind", string(entry.Kind)),
			slog.String("error", err.Error()),
		)
	}

	return entry, nil
}

// List はユーザーの監査ログを新しい順に返す。
func (r *Recorder) List(ctx context.Context, userID string) ([]*model.InteractionLogEntry, error) {
	entries, err := r.repo.ListByUserID(ctx, userID, DefaultListLimit)
	if err != nil {
		return nil, fmt.Errorf("監査ログの取得に失敗しました: %w", err)
	}
	if entries == nil {
		entries = []*model.InteractionLogEntry{}
	}
	return entries, nil
}
