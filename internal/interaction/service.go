package interaction

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/vitalog/internal/model"
	"github.com/hitoshi/vitalog/internal/repository"
	"github.com/hitoshi/vitalog/internal/security"
)

// AuditRecorder は監査ログ記録のインターフェース。
type AuditRecorder interface {
	Record(ctx context.Context, kind model.LogKind, description, userID string) (*model.InteractionLogEntry, error)
}

// Service は相互作用チェックのビジネスロジックを提供する。
type Service struct {
	medRepo    repository.MedicationRepository
	recordRepo repository.InteractionRecordRepository
	resolver   *Resolver
	recorder   AuditRecorder
	sanitizer  security.TextSanitizerService
	logger     *slog.Logger
}

// NewService はServiceを生成する。
func NewService(
	medRepo repository.MedicationRepository,
	recordRepo repository.InteractionRecordRepository,
	resolver *Resolver,
	recorder AuditRecorder,
	sanitizer security.TextSanitizerService,
	logger *slog.Logger,
) *Service {
	return &Service{
		medRepo:    medRepo,
		recordRepo: recordRepo,
		resolver:   resolver,
		recorder:   recorder,
		sanitizer:  sanitizer,
		logger:     logger,
	}
}

// CheckInteractions は薬名リストの相互作用をチェックする。
// 2件未満の場合はソースに問い合わせず相互作用なしの結果を返す。
func (s *Service) CheckInteractions(ctx context.Context, userID string, names []string) (Result, error) {
	if len(names) < 2 {
		return emptyResult(), nil
	}
	return s.checkNames(ctx, userID, names)
}

// CheckInteractionsByID はユーザーが所有する薬IDリストの相互作用をチェックする。
// 2件未満の場合はTOO_FEW_MEDICATIONS、存在しないIDや他ユーザーの薬を含む場合は
// MEDICATION_NOT_FOUNDを返す。薬名はIDの指定順に並べ、名前によるチェックと同じ処理を行う。
func (s *Service) CheckInteractionsByID(ctx context.Context, userID string, ids []string) (Result, error) {
	if len(ids) < 2 {
		return Result{}, model.NewTooFewMedicationsError(len(ids))
	}

	var distinct []string
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			return Result{}, model.NewMedicationNotFoundError(id)
		}
		if !seen[id] {
			seen[id] = true
			distinct = append(distinct, id)
		}
	}

	meds, err := s.medRepo.FindByIDsForUser(ctx, userID, distinct)
	if err != nil {
		return Result{}, fmt.Errorf("薬の取得に失敗しました: %w", err)
	}

	byID := make(map[string]*model.Medication, len(meds))
	for _, m := range meds {
		byID[m.ID] = m
	}

	names := make([]string, 0, len(distinct))
	for _, id := range distinct {
		m, ok := byID[id]
		if !ok {
			return Result{}, model.NewMedicationNotFoundError(id)
		}
		names = append(names, m.Name)
	}

	return s.checkNames(ctx, userID, names)
}

// checkNames は正規化・ペア列挙・解決を行い、相互作用が見つかった場合は監査ログに記録する。
func (s *Service) checkNames(ctx context.Context, userID string, names []string) (Result, error) {
	keys := NormalizeAll(names)
	result, err := s.resolver.Resolve(ctx, EnumeratePairs(keys))
	if err != nil {
		return Result{}, err
	}

	if result.HasInteraction {
		description := fmt.Sprintf("相互作用チェック（%s）: %s",
			strings.Join(names, ", "), strings.Join(result.Warnings, " / "))
		if _, err := s.recorder.Record(ctx, model.LogKindCheckedInteraction, description, userID); err != nil {
			s.logger.Error("相互作用チェックの監査ログ記録に失敗しました",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}

	return result, nil
}

// AddRecord はローカル知識ベースに相互作用レコードを追加する。
// 薬名は正規化キーとして保存する。
func (s *Service) AddRecord(ctx context.Context, medicationA, medicationB, warning string) (*model.InteractionRecord, error) {
	a := Normalize(s.sanitizer.Clean(medicationA))
	b := Normalize(s.sanitizer.Clean(medicationB))
	w := s.sanitizer.Clean(warning)

	switch {
	case a == "":
		return nil, model.NewValidationError("medicationA", "薬名を指定してください")
	case b == "":
		return nil, model.NewValidationError("medicationB", "薬名を指定してください")
	case a == b:
		return nil, model.NewValidationError("medicationB", "異なる薬を指定してください")
	case w == "":
		return nil, model.NewValidationError("warning", "警告文を指定してください")
	}

	rec := &model.InteractionRecord{
		ID:          uuid.NewString(),
		MedicationA: a,
		MedicationB: b,
		Warning:     w,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.recordRepo.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("相互作用レコードの作成に失敗しました: %w", err)
	}
	return rec, nil
}
