package handler

import (
	"context"

	"github.com/hitoshi/vitalog/internal/audit"
	"github.com/hitoshi/vitalog/internal/model"
)

// AuditServiceAdapter は audit.Recorder を AuditServiceInterface に適合させるアダプタ。
// リクエストで受け取ったログ種別の文字列をドメインの種別に変換する。
type AuditServiceAdapter struct {
	recorder *audit.Recorder
}

// NewAuditServiceAdapter はAuditServiceAdapterを生成する。
func NewAuditServiceAdapter(recorder *audit.Recorder) *AuditServiceAdapter {
	return &AuditServiceAdapter{recorder: recorder}
}

// Record はログ種別を検証し、監査ログに記録する。
func (a *AuditServiceAdapter) Record(ctx context.Context, kind, description, userID string) (*model.InteractionLogEntry, error) {
	logKind, ok := model.ParseLogKind(kind)
	if !ok {
		return nil, model.NewInvalidLogKindError(kind)
	}
	return a.recorder.Record(ctx, logKind, description, userID)
}

// List はユーザーの監査ログを新しい順に返す。
func (a *AuditServiceAdapter) List(ctx context.Context, userID string) ([]*model.InteractionLogEntry, error) {
	return a.recorder.List(ctx, userID)
}
