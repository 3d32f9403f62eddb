package reminder

import (
	"bytes"
	"context"
	"log/slog"
	"sort"
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

// --- 偽の時計 ---

// fakeClock は手動で進める時計。Advanceで期限の来たタイマーを時刻順に同期実行する。
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance は時計をdだけ進め、その間に期限が来たタイマーを順に実行する。
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		if next.at.After(c.now) {
			c.now = next.at
		}
		next.fired = true
		c.mu.Unlock()

		next.f()
	}
}

// activeTimers は停止も発火もしていないタイマーの数を返す。
func (c *fakeClock) activeTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// --- MedicationRepository モック ---

type mockMedicationRepo struct {
	mu        sync.Mutex
	meds      map[string]*model.Medication
	listErr   error
	findErr   error
	markCalls int
	// listed が設定されていればListActiveはこの一覧をそのまま返す（取得後に更新された状況の再現）
	listed []*model.Medication
	// onFindByID はFindByIDの先頭で1回だけ呼ばれる
	onFindByID func()
}

func newMockMedicationRepo(meds ...*model.Medication) *mockMedicationRepo {
	m := &mockMedicationRepo{meds: make(map[string]*model.Medication)}
	for _, med := range meds {
		if med.DosesTaken == nil {
			med.DosesTaken = map[string]bool{}
		}
		m.meds[med.ID] = med
	}
	return m
}

func (m *mockMedicationRepo) FindByID(_ context.Context, id string) (*model.Medication, error) {
	m.mu.Lock()
	hook := m.onFindByID
	m.onFindByID = nil
	m.mu.Unlock()
	if hook != nil {
		hook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	return m.meds[id], nil
}

func (m *mockMedicationRepo) put(med *model.Medication) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meds[med.ID] = med
}

func (m *mockMedicationRepo) setFindErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findErr = err
}

func (m *mockMedicationRepo) FindByIDsForUser(context.Context, string, []string) ([]*model.Medication, error) {
	return nil, nil
}

func (m *mockMedicationRepo) FindByQRCode(context.Context, string, string) (*model.Medication, error) {
	return nil, nil
}

func (m *mockMedicationRepo) ListByUserID(context.Context, string) ([]*model.Medication, error) {
	return nil, nil
}

func (m *mockMedicationRepo) ListActive(_ context.Context, now time.Time) ([]*model.Medication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	if m.listed != nil {
		return m.listed, nil
	}
	var result []*model.Medication
	for _, med := range m.meds {
		if !med.IsExpired(now) {
			result = append(result, med)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *mockMedicationRepo) Create(context.Context, *model.Medication) error { return nil }
func (m *mockMedicationRepo) Update(context.Context, *model.Medication) error { return nil }

func (m *mockMedicationRepo) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.meds, id)
	return nil
}

func (m *mockMedicationRepo) MarkDoseTaken(_ context.Context, id, doseKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markCalls++
	med, ok := m.meds[id]
	if !ok || med.DosesTaken[doseKey] {
		return false, nil
	}
	med.DosesTaken[doseKey] = true
	return true, nil
}

func (m *mockMedicationRepo) SetDose(context.Context, string, string, bool) error { return nil }

// --- ReminderRepository モック ---

type reminderRow struct {
	slot  string
	state model.ReminderState
}

type mockReminderRepo struct {
	mu           sync.Mutex
	rows         map[timerKey]*reminderRow
	transitions  []model.ReminderState
	saveErr      error
	missedBefore time.Time
	// onCancelPending / onSaveArmed は各メソッドの先頭で1回だけ呼ばれる。
	// 並行する別のArmが割り込む状況を同期的に再現する
	onCancelPending func()
	onSaveArmed     func()
}

// takeHook はフックを取り出して空にする。
func (m *mockReminderRepo) takeHook(h *func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := *h
	*h = nil
	return f
}

func newMockReminderRepo() *mockReminderRepo {
	return &mockReminderRepo{rows: make(map[timerKey]*reminderRow)}
}

func (m *mockReminderRepo) SaveArmed(_ context.Context, r *model.ScheduledReminder) error {
	if hook := m.takeHook(&m.onSaveArmed); hook != nil {
		hook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.rows[newTimerKey(r.MedicationID, r.FireAt)] = &reminderRow{slot: r.Slot, state: model.ReminderStateArmed}
	return nil
}

func (m *mockReminderRepo) UpdateState(_ context.Context, medicationID string, fireAt time.Time, state model.ReminderState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, state)
	if row, ok := m.rows[newTimerKey(medicationID, fireAt)]; ok {
		row.state = state
	}
	return nil
}

func (m *mockReminderRepo) CancelPending(_ context.Context, medicationID string) (int64, error) {
	if hook := m.takeHook(&m.onCancelPending); hook != nil {
		hook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, row := range m.rows {
		if key.medicationID == medicationID && row.state == model.ReminderStateArmed {
			row.state = model.ReminderStateCancelled
			n++
		}
	}
	return n, nil
}

func (m *mockReminderRepo) MarkMissedBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.missedBefore = before
	var n int64
	for key, row := range m.rows {
		if row.state == model.ReminderStateArmed && key.at < before.UnixNano() {
			row.state = model.ReminderStateMissed
			n++
		}
	}
	return n, nil
}

// stateAt は指定した発火予定の状態を返す。
func (m *mockReminderRepo) stateAt(medicationID string, at time.Time) model.ReminderState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[newTimerKey(medicationID, at)]; ok {
		return row.state
	}
	return ""
}

// countState は指定状態の行数を返す。
func (m *mockReminderRepo) countState(medicationID string, state model.ReminderState) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, row := range m.rows {
		if key.medicationID == medicationID && row.state == state {
			n++
		}
	}
	return n
}

// --- DeviceTokenRepository モック ---

type mockDeviceRepo struct {
	tokens map[string][]string
}

func (m *mockDeviceRepo) Register(context.Context, *model.DeviceToken) error { return nil }

func (m *mockDeviceRepo) Delete(context.Context, string, string) (bool, error) { return false, nil }

func (m *mockDeviceRepo) ListByUserID(_ context.Context, userID string) ([]string, error) {
	return m.tokens[userID], nil
}

// --- NotificationSink モック ---

type sentNotification struct {
	token, title, body string
}

type mockSink struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (m *mockSink) Send(_ context.Context, token, title, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentNotification{token, title, body})
	return m.err
}

func (m *mockSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// --- AuditRecorder モック ---

type mockRecorder struct {
	mu      sync.Mutex
	entries []*model.InteractionLogEntry
}

func (m *mockRecorder) Record(_ context.Context, kind model.LogKind, description, userID string) (*model.InteractionLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &model.InteractionLogEntry{Kind: kind, Description: description, UserID: userID}
	m.entries = append(m.entries, e)
	return e, nil
}

// --- MetricsCollector モック ---

type mockMetrics struct {
	metrics.Nop
	mu                   sync.Mutex
	armed                int
	cancelled            int
	fired                int
	notificationFailures int
}

func (m *mockMetrics) RecordRemindersArmed(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armed += n
}

func (m *mockMetrics) RecordRemindersCancelled(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled += n
}

func (m *mockMetrics) RecordReminderFired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fired++
}

func (m *mockMetrics) RecordNotificationFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notificationFailures++
}
