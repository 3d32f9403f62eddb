package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hitoshi/vitalog/internal/interaction"
	"github.com/hitoshi/vitalog/internal/medication"
	"github.com/hitoshi/vitalog/internal/middleware"
	"github.com/hitoshi/vitalog/internal/model"
)

const (
	testJWTSecret = "handler-test-secret"
	testUserID    = "user-test-1"
)

// --- モック定義 ---

// mockMedicationService はMedicationServiceInterfaceのモック実装。
type mockMedicationService struct {
	listFn            func(ctx context.Context, userID string) ([]*model.Medication, error)
	findByQRCodeFn    func(ctx context.Context, userID, identifier string) (*model.Medication, error)
	createFn          func(ctx context.Context, userID string, in medication.CreateInput) (*model.Medication, error)
	updateFn          func(ctx context.Context, userID, id string, in medication.UpdateInput) (*model.Medication, error)
	deleteFn          func(ctx context.Context, userID, id string) error
	acknowledgeDoseFn func(ctx context.Context, userID, id string, in medication.DoseInput) (*model.Medication, error)
}

func (m *mockMedicationService) List(ctx context.Context, userID string) ([]*model.Medication, error) {
	if m.listFn != nil {
		return m.listFn(ctx, userID)
	}
	return []*model.Medication{}, nil
}

func (m *mockMedicationService) FindByQRCode(ctx context.Context, userID, identifier string) (*model.Medication, error) {
	if m.findByQRCodeFn != nil {
		return m.findByQRCodeFn(ctx, userID, identifier)
	}
	return nil, model.NewMedicationNotFoundError(identifier)
}

func (m *mockMedicationService) Create(ctx context.Context, userID string, in medication.CreateInput) (*model.Medication, error) {
	if m.createFn != nil {
		return m.createFn(ctx, userID, in)
	}
	return &model.Medication{ID: "med-new", UserID: userID, Name: in.Name}, nil
}

func (m *mockMedicationService) Update(ctx context.Context, userID, id string, in medication.UpdateInput) (*model.Medication, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, userID, id, in)
	}
	return &model.Medication{ID: id, UserID: userID}, nil
}

func (m *mockMedicationService) Delete(ctx context.Context, userID, id string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, userID, id)
	}
	return nil
}

func (m *mockMedicationService) AcknowledgeDose(ctx context.Context, userID, id string, in medication.DoseInput) (*model.Medication, error) {
	if m.acknowledgeDoseFn != nil {
		return m.acknowledgeDoseFn(ctx, userID, id, in)
	}
	return &model.Medication{ID: id, UserID: userID}, nil
}

// mockInteractionService はInteractionServiceInterfaceのモック実装。
type mockInteractionService struct {
	checkFn     func(ctx context.Context, userID string, names []string) (interaction.Result, error)
	checkByIDFn func(ctx context.Context, userID string, ids []string) (interaction.Result, error)
	addRecordFn func(ctx context.Context, a, b, warning string) (*model.InteractionRecord, error)
}

func (m *mockInteractionService) CheckInteractions(ctx context.Context, userID string, names []string) (interaction.Result, error) {
	if m.checkFn != nil {
		return m.checkFn(ctx, userID, names)
	}
	return interaction.Result{Warnings: []string{}}, nil
}

func (m *mockInteractionService) CheckInteractionsByID(ctx context.Context, userID string, ids []string) (interaction.Result, error) {
	if m.checkByIDFn != nil {
		return m.checkByIDFn(ctx, userID, ids)
	}
	return interaction.Result{Warnings: []string{}}, nil
}

func (m *mockInteractionService) AddRecord(ctx context.Context, a, b, warning string) (*model.InteractionRecord, error) {
	if m.addRecordFn != nil {
		return m.addRecordFn(ctx, a, b, warning)
	}
	return &model.InteractionRecord{ID: "rec-1", MedicationA: a, MedicationB: b, Warning: warning}, nil
}

// mockAuditService はAuditServiceInterfaceのモック実装。
type mockAuditService struct {
	recordFn func(ctx context.Context, kind, description, userID string) (*model.InteractionLogEntry, error)
	listFn   func(ctx context.Context, userID string) ([]*model.InteractionLogEntry, error)
}

func (m *mockAuditService) Record(ctx context.Context, kind, description, userID string) (*model.InteractionLogEntry, error) {
	if m.recordFn != nil {
		return m.recordFn(ctx, kind, description, userID)
	}
	return &model.InteractionLogEntry{ID: "log-1", Kind: model.LogKind(kind), Description: description, UserID: userID}, nil
}

func (m *mockAuditService) List(ctx context.Context, userID string) ([]*model.InteractionLogEntry, error) {
	if m.listFn != nil {
		return m.listFn(ctx, userID)
	}
	return []*model.InteractionLogEntry{}, nil
}

// mockDeviceService はDeviceServiceInterfaceのモック実装。
type mockDeviceService struct {
	registerFn   func(ctx context.Context, userID, token string) error
	unregisterFn func(ctx context.Context, userID, token string) error
}

func (m *mockDeviceService) Register(ctx context.Context, userID, token string) error {
	if m.registerFn != nil {
		return m.registerFn(ctx, userID, token)
	}
	return nil
}

func (m *mockDeviceService) Unregister(ctx context.Context, userID, token string) error {
	if m.unregisterFn != nil {
		return m.unregisterFn(ctx, userID, token)
	}
	return nil
}

// mockAlarmScheduler はAlarmSchedulerのモック実装。
type mockAlarmScheduler struct {
	scheduleFn func(ctx context.Context, token string, at time.Time, title, body string) (bool, error)
}

func (m *mockAlarmScheduler) ScheduleOneOff(ctx context.Context, token string, at time.Time, title, body string) (bool, error) {
	if m.scheduleFn != nil {
		return m.scheduleFn(ctx, token, at, title, body)
	}
	return true, nil
}

// mockHealthChecker はHealthCheckerのモック実装。
type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(context.Context) error { return m.err }

// statusCounter はStatusRecorderのモック実装。
type statusCounter struct {
	codes []int
}

func (s *statusCounter) RecordHTTPStatus(code int) { s.codes = append(s.codes, code) }

var errUnexpected = errors.New("unexpected store failure")

// --- テストヘルパー ---

// testRouterDeps はすべてデフォルトのモックで構成したRouterDepsを返す。
func testRouterDeps(t *testing.T) *RouterDeps {
	t.Helper()
	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(rl.Stop)
	return &RouterDeps{
		HealthChecker:      &mockHealthChecker{},
		JWTSecret:          testJWTSecret,
		CORSAllowedOrigin:  "http://localhost:3000",
		RateLimiter:        rl,
		Logger:             slog.New(slog.NewJSONHandler(io.Discard, nil)),
		MedicationService:  &mockMedicationService{},
		InteractionService: &mockInteractionService{},
		AuditService:       &mockAuditService{},
		DeviceService:      &mockDeviceService{},
		AlarmScheduler:     &mockAlarmScheduler{},
	}
}

func testToken(t *testing.T, userID string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user": map[string]interface{}{"id": userID},
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return s
}

// doRequest は認証トークン付きでリクエストを実行する。bodyがnilでない場合はJSONエンコードする。
func doRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		if s, ok := body.(string); ok {
			r = bytes.NewBufferString(s)
		} else {
			b, err := json.Marshal(body)
			if err != nil {
				t.Fatalf("failed to marshal body: %v", err)
			}
			r = bytes.NewReader(b)
		}
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testToken(t, testUserID))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeErrorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return resp.Code
}
