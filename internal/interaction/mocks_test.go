package interaction

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/vitalog/internal/metrics"
	"github.com/hitoshi/vitalog/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// --- InteractionRecordRepository モック ---

type recordKey struct{ a, b string }

// mockRecordRepo はテスト用のInteractionRecordRepositoryモック。
// ペアは順不同で登録済みの警告を返す。
type mockRecordRepo struct {
	warnings  map[recordKey]string
	queries   []recordKey
	created   []*model.InteractionRecord
	findErr   error
	createErr error
}

func newMockRecordRepo() *mockRecordRepo {
	return &mockRecordRepo{warnings: make(map[recordKey]string)}
}

func (m *mockRecordRepo) add(a, b, warning string) {
	m.warnings[recordKey{a, b}] = warning
}

func (m *mockRecordRepo) FindByPair(_ context.Context, a, b string) (*model.InteractionRecord, error) {
	m.queries = append(m.queries, recordKey{a, b})
	if m.findErr != nil {
		return nil, m.findErr
	}
	if w, ok := m.warnings[recordKey{a, b}]; ok {
		return &model.InteractionRecord{MedicationA: a, MedicationB: b, Warning: w}, nil
	}
	if w, ok := m.warnings[recordKey{b, a}]; ok {
		return &model.InteractionRecord{MedicationA: b, MedicationB: a, Warning: w}, nil
	}
	return nil, nil
}

func (m *mockRecordRepo) Create(_ context.Context, rec *model.InteractionRecord) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.created = append(m.created, rec)
	return nil
}

// --- MedicationRepository モック ---

// mockMedicationRepo はテスト用のMedicationRepositoryモック。
type mockMedicationRepo struct {
	meds       map[string]*model.Medication
	findIDsErr error
}

func newMockMedicationRepo(meds ...*model.Medication) *mockMedicationRepo {
	m := &mockMedicationRepo{meds: make(map[string]*model.Medication)}
	for _, med := range meds {
		m.meds[med.ID] = med
	}
	return m
}

func (m *mockMedicationRepo) FindByID(_ context.Context, id string) (*model.Medication, error) {
	return m.meds[id], nil
}

func (m *mockMedicationRepo) FindByIDsForUser(_ context.Context, userID string, ids []string) ([]*model.Medication, error) {
	if m.findIDsErr != nil {
		return nil, m.findIDsErr
	}
	var result []*model.Medication
	for _, id := range ids {
		if med, ok := m.meds[id]; ok && med.UserID == userID {
			result = append(result, med)
		}
	}
	return result, nil
}

func (m *mockMedicationRepo) FindByQRCode(context.Context, string, string) (*model.Medication, error) {
	return nil, nil
}

func (m *mockMedicationRepo) ListByUserID(context.Context, string) ([]*model.Medication, error) {
	return nil, nil
}

func (m *mockMedicationRepo) ListActive(context.Context, time.Time) ([]*model.Medication, error) {
	return nil, nil
}

func (m *mockMedicationRepo) Create(context.Context, *model.Medication) error { return nil }
func (m *mockMedicationRepo) Update(context.Context, *model.Medication) error { return nil }
func (m *mockMedicationRepo) Delete(context.Context, string) error            { return nil }

func (m *mockMedicationRepo) MarkDoseTaken(context.Context, string, string) (bool, error) {
	return false, nil
}

func (m *mockMedicationRepo) SetDose(context.Context, string, string, bool) error { return nil }

// --- Source モック ---

// mockSource はテスト用のSourceモック。
type mockSource struct {
	name     string
	findFunc func(ctx context.Context, pairs []Pair) ([]string, error)
	calls    [][]Pair
}

func (m *mockSource) Name() string {
	if m.name == "" {
		return "mock"
	}
	return m.name
}

func (m *mockSource) FindWarnings(ctx context.Context, pairs []Pair) ([]string, error) {
	m.calls = append(m.calls, pairs)
	if m.findFunc != nil {
		return m.findFunc(ctx, pairs)
	}
	return nil, nil
}

// --- AuditRecorder モック ---

type mockRecorder struct {
	entries []*model.InteractionLogEntry
	err     error
}

func (m *mockRecorder) Record(_ context.Context, kind model.LogKind, description, userID string) (*model.InteractionLogEntry, error) {
	if m.err != nil {
		return nil, m.err
	}
	entry := &model.InteractionLogEntry{Kind: kind, Description: description, UserID: userID}
	m.entries = append(m.entries, entry)
	return entry, nil
}

// --- MetricsCollector モック ---

// mockMetrics は呼び出しを記録するMetricsCollectorモック。
type mockMetrics struct {
	metrics.Nop
	mu             sync.Mutex
	checks         []string
	remoteFailures int
	latencies      int
}

func (m *mockMetrics) RecordInteractionCheck(source, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks = append(m.checks, source+"/"+outcome)
}

func (m *mockMetrics) RecordRemoteFailure(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remoteFailures++
}

func (m *mockMetrics) RecordRemoteLatency(time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies++
}

// passthroughSanitizer は入力の前後空白のみを除去するサニタイザー。
type passthroughSanitizer struct{}

func (passthroughSanitizer) Clean(s string) string {
	return strings.TrimSpace(s)
}

var errStoreDown = errors.New("connection refused")
