// Package medication は薬の登録管理と服薬記録のドメインロジックを提供する。
// 登録・更新時にはリマインダーを再アームし、削除時には取り消す。
package medication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/vitalog/internal/model"
	"github.com/hitoshi/vitalog/internal/reminder"
	"github.com/hitoshi/vitalog/internal/repository"
	"github.com/hitoshi/vitalog/internal/security"
)

// ReminderArmer はリマインダーの登録と取り消しのインターフェース。
type ReminderArmer interface {
	Arm(ctx context.Context, med *model.Medication) (int, error)
	Cancel(ctx context.Context, medicationID string) (int, error)
}

// AuditRecorder は監査ログ記録のインターフェース。
type AuditRecorder interface {
	Record(ctx context.Context, kind model.LogKind, description, userID string) (*model.InteractionLogEntry, error)
}

// CreateInput は薬の登録パラメータ。
type CreateInput struct {
	Name             string
	Dosage           string
	Schedules        []string
	ExpirationDate   *time.Time
	QRCodeIdentifier *string
}

// UpdateInput は薬の部分更新パラメータ。空文字やnilのフィールドは更新しない。
type UpdateInput struct {
	Name             string
	Dosage           string
	Schedules        []string
	ExpirationDate   *time.Time
	QRCodeIdentifier *string
}

// DoseInput は服薬確認のパラメータ。Dateは "YYYY-MM-DD"、Slotは "HH:MM"。
type DoseInput struct {
	Date  string
	Slot  string
	Taken bool
}

// Service は薬管理のサービス層。
type Service struct {
	repo      repository.MedicationRepository
	reminders ReminderArmer
	recorder  AuditRecorder
	sanitizer security.TextSanitizerService
	logger    *slog.Logger
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	repo repository.MedicationRepository,
	reminders ReminderArmer,
	recorder AuditRecorder,
	sanitizer security.TextSanitizerService,
	logger *slog.Logger,
) *Service {
	return &Service{
		repo:      repo,
		reminders: reminders,
		recorder:  recorder,
		sanitizer: sanitizer,
		logger:    logger,
		now:       time.Now,
	}
}

// List はユーザーの薬一覧を登録日時の降順で返す。
func (s *Service) List(ctx context.Context, userID string) ([]*model.Medication, error) {
	meds, err := s.repo.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("薬一覧の取得に失敗しました: %w", err)
	}
	if meds == nil {
		meds = []*model.Medication{}
	}
	return meds, nil
}

// FindByQRCode はユーザーの薬をQRコード識別子で検索する。
func (s *Service) FindByQRCode(ctx context.Context, userID, identifier string) (*model.Medication, error) {
	med, err := s.repo.FindByQRCode(ctx, userID, identifier)
	if err != nil {
		return nil, fmt.Errorf("QRコードによる薬の検索に失敗しました: %w", err)
	}
	if med == nil {
		return nil, model.NewMedicationNotFoundError(identifier)
	}
	return med, nil
}

// Create は薬を登録し、服薬リマインダーをアームする。
// 登録内容は added_medication として監査ログに記録する。
func (s *Service) Create(ctx context.Context, userID string, in CreateInput) (*model.Medication, error) {
	name := s.sanitizer.Clean(in.Name)
	if name == "" {
		return nil, model.NewValidationError("name", "薬名を指定してください")
	}
	dosage := s.sanitizer.Clean(in.Dosage)
	if dosage == "" {
		return nil, model.NewValidationError("dosage", "用量を指定してください")
	}
	schedules, err := normalizeSchedules(in.Schedules)
	if err != nil {
		return nil, err
	}
	qr := s.cleanQRCode(in.QRCodeIdentifier)

	now := s.now().UTC()
	med := &model.Medication{
		ID:               uuid.NewString(),
		UserID:           userID,
		Name:             name,
		Dosage:           dosage,
		Schedules:        schedules,
		ExpirationDate:   in.ExpirationDate,
		QRCodeIdentifier: qr,
		DosesTaken:       map[string]bool{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.repo.Create(ctx, med); err != nil {
		if errors.Is(err, repository.ErrDuplicateQRCode) {
			return nil, model.NewDuplicateQRCodeError(*qr)
		}
		return nil, fmt.Errorf("薬の登録に失敗しました: %w", err)
	}

	s.arm(ctx, med)

	description := fmt.Sprintf("薬を登録しました: %s（%s）", med.Name, med.Dosage)
	if _, err := s.recorder.Record(ctx, model.LogKindAddedMedication, description, userID); err != nil {
		s.logger.Error("薬登録の監査ログ記録に失敗しました",
			slog.String("medication_id", med.ID),
			slog.String("error", err.Error()),
		)
	}

	return med, nil
}

// Update は薬を部分更新し、リマインダーを再アームする。
// 他ユーザーの薬を指定した場合は MEDICATION_NOT_FOUND を返す。
func (s *Service) Update(ctx context.Context, userID, medicationID string, in UpdateInput) (*model.Medication, error) {
	med, err := s.findOwned(ctx, userID, medicationID)
	if err != nil {
		return nil, err
	}

	if name := s.sanitizer.Clean(in.Name); name != "" {
		med.Name = name
	}
	if dosage := s.sanitizer.Clean(in.Dosage); dosage != "" {
		med.Dosage = dosage
	}
	if len(in.Schedules) > 0 {
		schedules, err := normalizeSchedules(in.Schedules)
		if err != nil {
			return nil, err
		}
		med.Schedules = schedules
	}
	if in.ExpirationDate != nil {
		med.ExpirationDate = in.ExpirationDate
	}
	if qr := s.cleanQRCode(in.QRCodeIdentifier); qr != nil {
		med.QRCodeIdentifier = qr
	}
	med.UpdatedAt = s.now().UTC()

	if err := s.repo.Update(ctx, med); err != nil {
		if errors.Is(err, repository.ErrDuplicateQRCode) {
			return nil, model.NewDuplicateQRCodeError(*med.QRCodeIdentifier)
		}
		return nil, fmt.Errorf("薬の更新に失敗しました: %w", err)
	}

	s.arm(ctx, med)
	return med, nil
}

// Delete は薬を削除し、保留中のリマインダーを取り消す。
func (s *Service) Delete(ctx context.Context, userID, medicationID string) error {
	med, err := s.findOwned(ctx, userID, medicationID)
	if err != nil {
		return err
	}

	if _, err := s.reminders.Cancel(ctx, med.ID); err != nil {
		s.logger.Error("リマインダーの取り消しに失敗しました",
			slog.String("medication_id", med.ID),
			slog.String("error", err.Error()),
		)
	}

	if err := s.repo.Delete(ctx, med.ID); err != nil {
		return fmt.Errorf("薬の削除に失敗しました: %w", err)
	}
	return nil
}

// AcknowledgeDose はユーザーによる服薬確認を服薬記録に書き込む。
// 時刻はスケジュールに含まれている必要はない。
func (s *Service) AcknowledgeDose(ctx context.Context, userID, medicationID string, in DoseInput) (*model.Medication, error) {
	date, ok := reminder.ParseDoseDate(in.Date)
	if !ok {
		return nil, model.NewValidationError("date", "YYYY-MM-DD 形式で指定してください")
	}
	slot, ok := reminder.ParseSlot(in.Slot)
	if !ok {
		return nil, model.NewInvalidScheduleError(in.Slot)
	}

	med, err := s.findOwned(ctx, userID, medicationID)
	if err != nil {
		return nil, err
	}

	key := date + "_" + slot
	if err := s.repo.SetDose(ctx, med.ID, key, in.Taken); err != nil {
		return nil, fmt.Errorf("服薬記録の更新に失敗しました: %w", err)
	}

	if med.DosesTaken == nil {
		med.DosesTaken = map[string]bool{}
	}
	med.DosesTaken[key] = in.Taken
	return med, nil
}

// findOwned はユーザーが所有する薬を取得する。存在しない場合と所有者が異なる場合は同じエラーを返す。
func (s *Service) findOwned(ctx context.Context, userID, medicationID string) (*model.Medication, error) {
	if _, err := uuid.Parse(medicationID); err != nil {
		return nil, model.NewMedicationNotFoundError(medicationID)
	}
	med, err := s.repo.FindByID(ctx, medicationID)
	if err != nil {
		return nil, fmt.Errorf("薬の取得に失敗しました: %w", err)
	}
	if med == nil || med.UserID != userID {
		return nil, model.NewMedicationNotFoundError(medicationID)
	}
	return med, nil
}

// arm はリマインダーをアームする。失敗しても登録自体は成功とし、定期再アームに任せる。
func (s *Service) arm(ctx context.Context, med *model.Medication) {
	armed, err := s.reminders.Arm(ctx, med)
	if err != nil {
		s.logger.Error("リマインダーのアームに失敗しました",
			slog.String("medication_id", med.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Debug("リマインダーをアームしました",
		slog.String("medication_id", med.ID),
		slog.Int("armed_count", armed),
	)
}

// cleanQRCode はQRコード識別子をサニタイズする。空になった場合はnilを返す。
func (s *Service) cleanQRCode(raw *string) *string {
	if raw == nil {
		return nil
	}
	cleaned := s.sanitizer.Clean(*raw)
	if cleaned == "" {
		return nil
	}
	return &cleaned
}

// normalizeSchedules は服薬時刻を "HH:MM" に正規化し、重複を除いて返す。
// 1件もない場合や不正な時刻を含む場合はエラーを返す。
func normalizeSchedules(raw []string) ([]string, error) {
	if len(raw) == 0 {
		return nil, model.NewInvalidScheduleError("")
	}
	out := make([]string, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, s := range raw {
		slot, ok := reminder.ParseSlot(s)
		if !ok {
			return nil, model.NewInvalidScheduleError(s)
		}
		if !seen[slot] {
			seen[slot] = true
			out = append(out, slot)
		}
	}
	return out, nil
}
