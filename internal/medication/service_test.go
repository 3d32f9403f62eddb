package medication

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/vitalog/internal/model"
	"github.com/hitoshi/vitalog/internal/repository"
)

// --- モック定義 ---

// mockMedicationRepo はテスト用のMedicationRepositoryモック。
type mockMedicationRepo struct {
	meds      map[string]*model.Medication
	qrTaken   map[string]bool
	doses     map[string]map[string]bool
	deleted   []string
	createErr error
	listErr   error
}

func newMockMedicationRepo(meds ...*model.Medication) *mockMedicationRepo {
	m := &mockMedicationRepo{
		meds:    make(map[string]*model.Medication),
		qrTaken: make(map[string]bool),
		doses:   make(map[string]map[string]bool),
	}
	for _, med := range meds {
		m.meds[med.ID] = med
	}
	return m
}

func (m *mockMedicationRepo) FindByID(_ context.Context, id string) (*model.Medication, error) {
	med, ok := m.meds[id]
	if !ok {
		return nil, nil
	}
	cp := *med
	return &cp, nil
}

func (m *mockMedicationRepo) FindByIDsForUser(context.Context, string, []string) ([]*model.Medication, error) {
	return nil, nil
}

func (m *mockMedicationRepo) FindByQRCode(_ context.Context, userID, identifier string) (*model.Medication, error) {
	for _, med := range m.meds {
		if med.UserID == userID && med.QRCodeIdentifier != nil && *med.QRCodeIdentifier == identifier {
			return med, nil
		}
	}
	return nil, nil
}

func (m *mockMedicationRepo) ListByUserID(_ context.Context, userID string) ([]*model.Medication, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*model.Medication
	for _, med := range m.meds {
		if med.UserID == userID {
			out = append(out, med)
		}
	}
	return out, nil
}

func (m *mockMedicationRepo) ListActive(context.Context, time.Time) ([]*model.Medication, error) {
	return nil, nil
}

func (m *mockMedicationRepo) Create(_ context.Context, med *model.Medication) error {
	if m.createErr != nil {
		return m.createErr
	}
	if med.QRCodeIdentifier != nil {
		if m.qrTaken[*med.QRCodeIdentifier] {
			return repository.ErrDuplicateQRCode
		}
		m.qrTaken[*med.QRCodeIdentifier] = true
	}
	m.meds[med.ID] = med
	return nil
}

func (m *mockMedicationRepo) Update(_ context.Context, med *model.Medication) error {
	if med.QRCodeIdentifier != nil {
		for id, other := range m.meds {
			if id != med.ID && other.QRCodeIdentifier != nil && *other.QRCodeIdentifier == *med.QRCodeIdentifier {
				return repository.ErrDuplicateQRCode
			}
		}
	}
	m.meds[med.ID] = med
	return nil
}

func (m *mockMedicationRepo) Delete(_ context.Context, id string) error {
	m.deleted = append(m.deleted, id)
	delete(m.meds, id)
	return nil
}

func (m *mockMedicationRepo) MarkDoseTaken(context.Context, string, string) (bool, error) {
	return true, nil
}

func (m *mockMedicationRepo) SetDose(_ context.Context, id, key string, taken bool) error {
	if m.doses[id] == nil {
		m.doses[id] = make(map[string]bool)
	}
	m.doses[id][key] = taken
	return nil
}

// mockArmer はReminderArmerのテスト用モック。
type mockArmer struct {
	armed     []string
	cancelled []string
	armErr    error
}

func (m *mockArmer) Arm(_ context.Context, med *model.Medication) (int, error) {
	if m.armErr != nil {
		return 0, m.armErr
	}
	m.armed = append(m.armed, med.ID)
	return len(med.Schedules), nil
}

func (m *mockArmer) Cancel(_ context.Context, id string) (int, error) {
	m.cancelled = append(m.cancelled, id)
	return 1, nil
}

// mockRecorder はAuditRecorderのテスト用モック。
type mockRecorder struct {
	kinds        []model.LogKind
	descriptions []string
	err          error
}

func (m *mockRecorder) Record(_ context.Context, kind model.LogKind, description, userID string) (*model.InteractionLogEntry, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.kinds = append(m.kinds, kind)
	m.descriptions = append(m.descriptions, description)
	return &model.InteractionLogEntry{Kind: kind, Description: description, UserID: userID}, nil
}

// tagStripper はタグ風の文字列を除去する簡易サニタイザ。
type tagStripper struct{}

func (tagStripper) Clean(raw string) string {
	return strings.TrimSpace(strings.NewReplacer("<b>", "", "</b>", "").Replace(raw))
}

const (
	testUserID  = "user-1"
	otherUserID = "user-2"
	testMedID   = "7b0b7a4e-6b5d-4b8e-9a55-2d4f1f0d1a01"
)

func newTestService(repo *mockMedicationRepo) (*Service, *mockArmer, *mockRecorder, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	armer := &mockArmer{}
	rec := &mockRecorder{}
	svc := NewService(repo, armer, rec, tagStripper{}, logger)
	svc.now = func() time.Time { return time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC) }
	return svc, armer, rec, &buf
}

func existingMedication() *model.Medication {
	return &model.Medication{
		ID:         testMedID,
		UserID:     testUserID,
		Name:       "warfarin",
		Dosage:     "5mg",
		Schedules:  []string{"08:00"},
		DosesTaken: map[string]bool{},
	}
}

func assertAPIErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("エラー = %v, want *model.APIError(%s)", err, code)
	}
	if apiErr.Code != code {
		t.Errorf("エラーコード = %s, want %s", apiErr.Code, code)
	}
}

// --- Create ---

func TestService_Create_ArmsAndRecords(t *testing.T) {
	repo := newMockMedicationRepo()
	svc, armer, rec, _ := newTestService(repo)

	med, err := svc.Create(context.Background(), testUserID, CreateInput{
		Name:      " <b>Warfarin</b> ",
		Dosage:    "5mg",
		Schedules: []string{"8:00", "20:00", "08:00"},
	})
	if err != nil {
		t.Fatalf("Create がエラーを返した: %v", err)
	}

	if med.Name != "Warfarin" {
		t.Errorf("Name = %q, want %q", med.Name, "Warfarin")
	}
	if len(med.Schedules) != 2 || med.Schedules[0] != "08:00" || med.Schedules[1] != "20:00" {
		t.Errorf("Schedules = %v, want [08:00 20:00]", med.Schedules)
	}
	if med.DosesTaken == nil {
		t.Error("DosesTaken は空マップで初期化すべき")
	}
	if _, ok := repo.meds[med.ID]; !ok {
		t.Error("薬がリポジトリに保存されていない")
	}
	if len(armer.armed) != 1 || armer.armed[0] != med.ID {
		t.Errorf("アームされた薬 = %v, want [%s]", armer.armed, med.ID)
	}
	if len(rec.kinds) != 1 || rec.kinds[0] != model.LogKindAddedMedication {
		t.Errorf("監査ログ種別 = %v, want [added_medication]", rec.kinds)
	}
}

func TestService_Create_Validation(t *testing.T) {
	tests := []struct {
		name string
		in   CreateInput
		code string
	}{
		{"薬名なし", CreateInput{Name: "<b></b>", Dosage: "5mg", Schedules: []string{"08:00"}}, model.ErrCodeValidation},
		{"用量なし", CreateInput{Name: "a", Dosage: " ", Schedules: []string{"08:00"}}, model.ErrCodeValidation},
		{"時刻なし", CreateInput{Name: "a", Dosage: "1", Schedules: nil}, model.ErrCodeInvalidSchedule},
		{"不正な時刻", CreateInput{Name: "a", Dosage: "1", Schedules: []string{"08:00", "25:00"}}, model.ErrCodeInvalidSchedule},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMockMedicationRepo()
			svc, armer, _, _ := newTestService(repo)

			_, err := svc.Create(context.Background(), testUserID, tt.in)
			assertAPIErrorCode(t, err, tt.code)
			if len(repo.meds) != 0 {
				t.Error("検証エラー時は保存してはならない")
			}
			if len(armer.armed) != 0 {
				t.Error("検証エラー時はアームしてはならない")
			}
		})
	}
}

func TestService_Create_DuplicateQRCode(t *testing.T) {
	repo := newMockMedicationRepo()
	svc, _, _, _ := newTestService(repo)
	qr := "QR-001"

	if _, err := svc.Create(context.Background(), testUserID, CreateInput{
		Name: "a", Dosage: "1", Schedules: []string{"08:00"}, QRCodeIdentifier: &qr,
	}); err != nil {
		t.Fatalf("1件目の Create がエラーを返した: %v", err)
	}

	_, err := svc.Create(context.Background(), testUserID, CreateInput{
		Name: "b", Dosage: "1", Schedules: []string{"08:00"}, QRCodeIdentifier: &qr,
	})
	assertAPIErrorCode(t, err, model.ErrCodeDuplicateQRCode)
}

func TestService_Create_ArmFailureStillSucceeds(t *testing.T) {
	repo := newMockMedicationRepo()
	svc, armer, _, buf := newTestService(repo)
	armer.armErr = errors.New("store down")

	med, err := svc.Create(context.Background(), testUserID, CreateInput{
		Name: "a", Dosage: "1", Schedules: []string{"08:00"},
	})
	if err != nil {
		t.Fatalf("アーム失敗時も Create は成功すべき: %v", err)
	}
	if med == nil {
		t.Fatal("薬が返されるべき")
	}
	if !strings.Contains(buf.String(), "リマインダーのアームに失敗しました") {
		t.Errorf("アーム失敗がログに記録されていない: %s", buf.String())
	}
}

func TestService_Create_AuditFailureIsLogged(t *testing.T) {
	repo := newMockMedicationRepo()
	svc, _, rec, buf := newTestService(repo)
	rec.err = errors.New("log store down")

	if _, err := svc.Create(context.Background(), testUserID, CreateInput{
		Name: "a", Dosage: "1", Schedules: []string{"08:00"},
	}); err != nil {
		t.Fatalf("監査ログ失敗時も Create は成功すべき: %v", err)
	}
	if !strings.Contains(buf.String(), "薬登録の監査ログ記録に失敗しました") {
		t.Errorf("監査ログ失敗がログに記録されていない: %s", buf.String())
	}
}

// --- Update ---

func TestService_Update_PartialAndRearm(t *testing.T) {
	repo := newMockMedicationRepo(existingMedication())
	svc, armer, _, _ := newTestService(repo)

	med, err := svc.Update(context.Background(), testUserID, testMedID, UpdateInput{
		Schedules: []string{"09:30"},
	})
	if err != nil {
		t.Fatalf("Update がエラーを返した: %v", err)
	}

	if med.Name != "warfarin" || med.Dosage != "5mg" {
		t.Errorf("未指定フィールドは変更されてはならない: name=%q dosage=%q", med.Name, med.Dosage)
	}
	if len(med.Schedules) != 1 || med.Schedules[0] != "09:30" {
		t.Errorf("Schedules = %v, want [09:30]", med.Schedules)
	}
	if len(armer.armed) != 1 {
		t.Errorf("更新後に再アームすべき: %v", armer.armed)
	}
}

func TestService_Update_OtherUsersMedication(t *testing.T) {
	repo := newMockMedicationRepo(existingMedication())
	svc, armer, _, _ := newTestService(repo)

	_, err := svc.Update(context.Background(), otherUserID, testMedID, UpdateInput{Name: "x"})
	assertAPIErrorCode(t, err, model.ErrCodeMedicationNotFound)
	if repo.meds[testMedID].Name != "warfarin" {
		t.Error("他ユーザーの薬を変更してはならない")
	}
	if len(armer.armed) != 0 {
		t.Error("他ユーザーの薬をアームしてはならない")
	}
}

func TestService_Update_InvalidID(t *testing.T) {
	svc, _, _, _ := newTestService(newMockMedicationRepo())

	_, err := svc.Update(context.Background(), testUserID, "not-a-uuid", UpdateInput{Name: "x"})
	assertAPIErrorCode(t, err, model.ErrCodeMedicationNotFound)
}

func TestService_Update_InvalidSchedule(t *testing.T) {
	repo := newMockMedicationRepo(existingMedication())
	svc, _, _, _ := newTestService(repo)

	_, err := svc.Update(context.Background(), testUserID, testMedID, UpdateInput{Schedules: []string{"noon"}})
	assertAPIErrorCode(t, err, model.ErrCodeInvalidSchedule)
}

// --- Delete ---

func TestService_Delete_CancelsReminders(t *testing.T) {
	repo := newMockMedicationRepo(existingMedication())
	svc, armer, _, _ := newTestService(repo)

	if err := svc.Delete(context.Background(), testUserID, testMedID); err != nil {
		t.Fatalf("Delete がエラーを返した: %v", err)
	}
	if len(armer.cancelled) != 1 || armer.cancelled[0] != testMedID {
		t.Errorf("取り消された薬 = %v, want [%s]", armer.cancelled, testMedID)
	}
	if len(repo.deleted) != 1 {
		t.Errorf("削除呼び出し回数 = %d, want 1", len(repo.deleted))
	}
}

func TestService_Delete_OtherUsersMedication(t *testing.T) {
	repo := newMockMedicationRepo(existingMedication())
	svc, armer, _, _ := newTestService(repo)

	err := svc.Delete(context.Background(), otherUserID, testMedID)
	assertAPIErrorCode(t, err, model.ErrCodeMedicationNotFound)
	if len(repo.deleted) != 0 || len(armer.cancelled) != 0 {
		t.Error("他ユーザーの薬を削除・取り消ししてはならない")
	}
}

// --- AcknowledgeDose ---

func TestService_AcknowledgeDose(t *testing.T) {
	repo := newMockMedicationRepo(existingMedication())
	svc, _, _, _ := newTestService(repo)

	med, err := svc.AcknowledgeDose(context.Background(), testUserID, testMedID, DoseInput{
		Date: "2026-03-10", Slot: "8:00", Taken: true,
	})
	if err != nil {
		t.Fatalf("AcknowledgeDose がエラーを返した: %v", err)
	}
	if !repo.doses[testMedID]["2026-03-10_08:00"] {
		t.Errorf("服薬記録が保存されていない: %v", repo.doses[testMedID])
	}
	if !med.DosesTaken["2026-03-10_08:00"] {
		t.Errorf("返却値の DosesTaken に反映されていない: %v", med.DosesTaken)
	}
}

func TestService_AcknowledgeDose_InvalidInput(t *testing.T) {
	repo := newMockMedicationRepo(existingMedication())
	svc, _, _, _ := newTestService(repo)

	_, err := svc.AcknowledgeDose(context.Background(), testUserID, testMedID, DoseInput{Date: "10/03/2026", Slot: "08:00"})
	assertAPIErrorCode(t, err, model.ErrCodeValidation)

	_, err = svc.AcknowledgeDose(context.Background(), testUserID, testMedID, DoseInput{Date: "2026-03-10", Slot: "8am"})
	assertAPIErrorCode(t, err, model.ErrCodeInvalidSchedule)

	if len(repo.doses) != 0 {
		t.Error("不正な入力では服薬記録を書き込んではならない")
	}
}

// --- List / FindByQRCode ---

func TestService_List_EmptyIsNonNil(t *testing.T) {
	svc, _, _, _ := newTestService(newMockMedicationRepo())

	meds, err := svc.List(context.Background(), testUserID)
	if err != nil {
		t.Fatalf("List がエラーを返した: %v", err)
	}
	if meds == nil {
		t.Error("空の一覧は nil ではなく空スライスを返すべき")
	}
}

func TestService_List_StoreError(t *testing.T) {
	repo := newMockMedicationRepo()
	repo.listErr = errors.New("db down")
	svc, _, _, _ := newTestService(repo)

	if _, err := svc.List(context.Background(), testUserID); err == nil {
		t.Fatal("ストア障害時はエラーを返すべき")
	}
}

func TestService_FindByQRCode(t *testing.T) {
	med := existingMedication()
	qr := "QR-XYZ"
	med.QRCodeIdentifier = &qr
	svc, _, _, _ := newTestService(newMockMedicationRepo(med))

	got, err := svc.FindByQRCode(context.Background(), testUserID, "QR-XYZ")
	if err != nil {
		t.Fatalf("FindByQRCode がエラーを返した: %v", err)
	}
	if got.ID != testMedID {
		t.Errorf("ID = %s, want %s", got.ID, testMedID)
	}

	_, err = svc.FindByQRCode(context.Background(), otherUserID, "QR-XYZ")
	assertAPIErrorCode(t, err, model.ErrCodeMedicationNotFound)
}
