package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hitoshi/vitalog/internal/events"
	"github.com/hitoshi/vitalog/internal/metrics"
	"github.com/hitoshi/vitalog/internal/model"
	"github.com/hitoshi/vitalog/internal/repository"
)

// ErrDispatcherStopped は停止後のディスパッチャーに登録しようとした場合のエラー。
var ErrDispatcherStopped = errors.New("reminder dispatcher is stopped")

// NotificationSink はプッシュ通知の送信先。送信はベストエフォートで再送しない。
type NotificationSink interface {
	Send(ctx context.Context, token, title, body string) error
}

// AuditRecorder は監査ログ記録のインターフェース。
type AuditRecorder interface {
	Record(ctx context.Context, kind model.LogKind, description, userID string) (*model.InteractionLogEntry, error)
}

// timerKey は発火予定テーブルのキー。(薬ID, 発火時刻)で一意。
type timerKey struct {
	medicationID string
	at           int64 // UnixNano
}

func newTimerKey(medicationID string, at time.Time) timerKey {
	return timerKey{medicationID: medicationID, at: at.UnixNano()}
}

// armedTimer はarmed状態の発火予定1件。
type armedTimer struct {
	timer Timer
	at    time.Time
	slot  string
	gen   uint64
}

// Dispatcher は薬ごとの発火予定タイマーを管理し、発火時に通知を送信する。
// (薬ID, 発火時刻)ごとにarmedなタイマーは高々1つ。
// テーブルに存在するタイマーがarmed状態で、発火またはキャンセルでテーブルから取り除かれる。
type Dispatcher struct {
	meds      repository.MedicationRepository
	reminders repository.ReminderRepository
	devices   repository.DeviceTokenRepository
	sink      NotificationSink
	recorder  AuditRecorder
	publisher events.Publisher
	metrics   metrics.MetricsCollector
	clock     Clock
	loc       *time.Location
	logger    *slog.Logger

	// ctx は発火コールバックで使用する。Stopでキャンセルされる。
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	timers  map[timerKey]*armedTimer
	gens    map[string]uint64 // 薬ごとの世代。Cancelのたびに進める
	oneOffs map[uint64]Timer
	nextID  uint64
	stopped bool
	wg      sync.WaitGroup
}

// DispatcherDeps はDispatcherの依存関係。
type DispatcherDeps struct {
	Medications repository.MedicationRepository
	Reminders   repository.ReminderRepository
	Devices     repository.DeviceTokenRepository
	Sink        NotificationSink
	Recorder    AuditRecorder
	Publisher   events.Publisher
	Metrics     metrics.MetricsCollector
	Clock       Clock
	Location    *time.Location
	Logger      *slog.Logger
}

// NewDispatcher はDispatcherを生成する。
// Clock未指定時は実時間、Location未指定時はUTCを使用する。
func NewDispatcher(deps DispatcherDeps) *Dispatcher {
	clock := deps.Clock
	if clock == nil {
		clock = RealClock()
	}
	loc := deps.Location
	if loc == nil {
		loc = time.UTC
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.Nop{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		meds:      deps.Medications,
		reminders: deps.Reminders,
		devices:   deps.Devices,
		sink:      deps.Sink,
		recorder:  deps.Recorder,
		publisher: publisher,
		metrics:   m,
		clock:     clock,
		loc:       loc,
		logger:    deps.Logger,
		ctx:       ctx,
		cancel:    cancel,
		timers:    make(map[timerKey]*armedTimer),
		gens:      make(map[string]uint64),
		oneOffs:   make(map[uint64]Timer),
	}
}

// Location はリマインダー計算に使用するタイムゾーンを返す。
func (d *Dispatcher) Location() *time.Location {
	return d.loc
}

// Arm は薬の発火予定を登録する。
// 既存のarmedな発火予定を全てキャンセルしてから、スケジュールから計算した発火時刻を登録する。
// 登録後のarmed件数は新たに計算した件数と一致する。登録した件数を返す。
// 同じ薬のArmが並行した場合は後からキャンセルした側のスケジュールだけが残る。
func (d *Dispatcher) Arm(ctx context.Context, med *model.Medication) (int, error) {
	return d.arm(ctx, med, nil)
}

// arm はArmの本体。expectGenが指定された場合、現在の世代が一致するときだけ登録する。
func (d *Dispatcher) arm(ctx context.Context, med *model.Medication, expectGen *uint64) (int, error) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return 0, ErrDispatcherStopped
	}
	if expectGen != nil && d.gens[med.ID] != *expectGen {
		d.mu.Unlock()
		return 0, nil
	}
	gen, cancelled := d.cancelLocked(med.ID)
	d.mu.Unlock()

	if err := d.cancelPersisted(ctx, med.ID, cancelled); err != nil {
		return 0, err
	}
	if !d.isCurrent(med.ID, gen) {
		return 0, nil
	}

	now := d.clock.Now()
	if med.IsExpired(now) {
		return 0, nil
	}

	count := 0
	for inst := range FireInstants(med.Schedules, med.ExpirationDate, now, d.loc) {
		armed, err := d.armInstant(ctx, med, inst, gen)
		if err != nil {
			d.metrics.RecordRemindersArmed(count)
			return count, err
		}
		if !armed {
			break
		}
		count++
	}
	d.metrics.RecordRemindersArmed(count)

	d.logger.Debug("リマインダーを登録しました",
		slog.String("medication_id", med.ID),
		slog.Int("armed_count", count),
	)
	return count, nil
}

// armInstant は発火予定を永続化してからタイマーを登録し、登録したかどうかを返す。
// 同じキーのタイマーが存在する場合は置き換える。genが現在の世代と異なる場合は登録しない。
// 保存中に世代が進んだ場合、保存した行はcancelledにする。
func (d *Dispatcher) armInstant(ctx context.Context, med *model.Medication, inst FireInstant, gen uint64) (bool, error) {
	if !d.isCurrent(med.ID, gen) {
		return false, nil
	}

	title, body := reminderText(med, inst.Slot)
	err := d.reminders.SaveArmed(ctx, &model.ScheduledReminder{
		MedicationID: med.ID,
		FireAt:       inst.At,
		Slot:         inst.Slot,
		State:        model.ReminderStateArmed,
		Title:        title,
		Body:         body,
	})
	if err != nil {
		return false, fmt.Errorf("発火予定の保存に失敗しました: %w", err)
	}

	key := newTimerKey(med.ID, inst.At)

	d.mu.Lock()
	if d.stopped || d.gens[med.ID] != gen {
		d.mu.Unlock()
		d.setState(ctx, med.ID, inst.At, model.ReminderStateCancelled)
		return false, nil
	}
	if existing, ok := d.timers[key]; ok {
		existing.timer.Stop()
	}
	delay := inst.At.Sub(d.clock.Now())
	d.timers[key] = &armedTimer{
		timer: d.clock.AfterFunc(delay, func() { d.fire(key) }),
		at:    inst.At,
		slot:  inst.Slot,
		gen:   gen,
	}
	d.mu.Unlock()
	return true, nil
}

// Cancel は薬のarmedな発火予定を全てキャンセルし、停止したタイマー数を返す。
func (d *Dispatcher) Cancel(ctx context.Context, medicationID string) (int, error) {
	d.mu.Lock()
	_, cancelled := d.cancelLocked(medicationID)
	d.mu.Unlock()

	if err := d.cancelPersisted(ctx, medicationID, cancelled); err != nil {
		return cancelled, err
	}
	return cancelled, nil
}

// cancelLocked は薬の世代を進めてタイマーを全て停止し、新しい世代と停止数を返す。
// d.mu を保持した状態で呼ぶ。
func (d *Dispatcher) cancelLocked(medicationID string) (uint64, int) {
	d.gens[medicationID]++
	cancelled := 0
	for key, at := range d.timers {
		if key.medicationID != medicationID {
			continue
		}
		at.timer.Stop()
		delete(d.timers, key)
		cancelled++
	}
	return d.gens[medicationID], cancelled
}

func (d *Dispatcher) cancelPersisted(ctx context.Context, medicationID string, cancelled int) error {
	if _, err := d.reminders.CancelPending(ctx, medicationID); err != nil {
		return fmt.Errorf("発火予定のキャンセルに失敗しました: %w", err)
	}
	if cancelled > 0 {
		d.metrics.RecordRemindersCancelled(cancelled)
	}
	return nil
}

func (d *Dispatcher) generation(medicationID string) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gens[medicationID]
}

func (d *Dispatcher) isCurrent(medicationID string, gen uint64) bool {
	return d.generation(medicationID) == gen
}

// PendingCount は薬のarmedな発火予定の件数を返す。
func (d *Dispatcher) PendingCount(medicationID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for key := range d.timers {
		if key.medicationID == medicationID {
			n++
		}
	}
	return n
}

// fire はタイマー発火時のコールバック。
// テーブルに残っている（armed状態の）場合のみ配信処理を行う。
func (d *Dispatcher) fire(key timerKey) {
	d.mu.Lock()
	armed, ok := d.timers[key]
	if !ok || d.stopped {
		d.mu.Unlock()
		return
	}
	delete(d.timers, key)
	d.wg.Add(1)
	d.mu.Unlock()

	defer d.wg.Done()
	d.deliver(d.ctx, key.medicationID, armed)
}

// deliver は Fired → Delivered の遷移を行う。
// 送信結果にかかわらずDeliveredにし、服薬記録を冪等に更新してから同じ枠の次回分を登録する。
func (d *Dispatcher) deliver(ctx context.Context, medicationID string, armed *armedTimer) {
	d.metrics.RecordReminderFired()
	d.setState(ctx, medicationID, armed.at, model.ReminderStateFired)

	med, err := d.meds.FindByID(ctx, medicationID)
	if err != nil {
		// 送信先も次回分も決められないためmissedで終端させる。
		// 欠けた枠はReconcileが予定件数の不足として検出して再登録する。
		d.logger.Error("発火したリマインダーの薬の取得に失敗しました",
			slog.String("medication_id", medicationID),
			slog.Time("fire_at", armed.at),
			slog.String("error", err.Error()),
		)
		d.setState(ctx, medicationID, armed.at, model.ReminderStateMissed)
		return
	}
	if med == nil {
		d.logger.Info("発火したリマインダーの薬は削除済みです",
			slog.String("medication_id", medicationID),
		)
		return
	}

	title, body := reminderText(med, armed.slot)
	d.notifyUser(ctx, med.UserID, title, body, medicationID)
	d.setState(ctx, medicationID, armed.at, model.ReminderStateDelivered)

	doseKey := DoseKey(armed.at, armed.slot, d.loc)
	created, err := d.meds.MarkDoseTaken(ctx, medicationID, doseKey)
	if err != nil {
		d.logger.Error("服薬記録の更新に失敗しました",
			slog.String("medication_id", medicationID),
			slog.String("dose_key", doseKey),
			slog.String("error", err.Error()),
		)
	}
	if created {
		d.recordDelivery(ctx, med, armed, doseKey)
	}

	d.armNext(ctx, med, armed)
}

// notifyUser はユーザーの全端末に通知を送信する。失敗はログとメトリクスのみ。
func (d *Dispatcher) notifyUser(ctx context.Context, userID, title, body, medicationID string) {
	tokens, err := d.devices.ListByUserID(ctx, userID)
	if err != nil {
		d.logger.Error("端末トークンの取得に失敗しました",
			slog.String("medication_id", medicationID),
			slog.String("error", err.Error()),
		)
		d.metrics.RecordNotificationFailure()
		return
	}
	if len(tokens) == 0 {
		d.logger.Info("通知先の端末が登録されていません",
			slog.String("medication_id", medicationID),
			slog.String("user_id", userID),
		)
		return
	}

	for _, token := range tokens {
		if err := d.sink.Send(ctx, token, title, body); err != nil {
			d.metrics.RecordNotificationFailure()
			d.logger.Warn("リマインダー通知の送信に失敗しました",
				slog.String("medication_id", medicationID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// recordDelivery は新たに記録した服薬について監査ログとイベントを残す。
func (d *Dispatcher) recordDelivery(ctx context.Context, med *model.Medication, armed *armedTimer, doseKey string) {
	description := fmt.Sprintf("リマインダーを送信しました: %s %s（%s）", med.Name, med.Dosage, doseKey)
	if _, err := d.recorder.Record(ctx, model.LogKindOther, description, med.UserID); err != nil {
		d.logger.Error("リマインダーの監査ログ記録に失敗しました",
			slog.String("medication_id", med.ID),
			slog.String("error", err.Error()),
		)
	}

	err := d.publisher.Publish(ctx, med.ID, events.Event{
		Type:         events.TypeReminderDelivered,
		UserID:       med.UserID,
		MedicationID: med.ID,
		Payload: map[string]string{
			"doseKey": doseKey,
			"slot":    armed.slot,
		},
		OccurredAt: d.clock.Now().UTC(),
	})
	if err != nil {
		d.logger.Warn("リマインダーイベントの配信に失敗しました",
			slog.String("medication_id", med.ID),
			slog.String("error", err.Error()),
		)
	}
}

// armNext は発火した枠の次回分を登録する。
// 発火後に再登録またはキャンセルされていた場合や、枠がスケジュールから外れた場合は登録しない。
func (d *Dispatcher) armNext(ctx context.Context, med *model.Medication, armed *armedTimer) {
	stillScheduled := slices.ContainsFunc(med.Schedules, func(s string) bool {
		slot, ok := ParseSlot(s)
		return ok && slot == armed.slot
	})
	if !stillScheduled {
		return
	}

	for inst := range FireInstants([]string{armed.slot}, med.ExpirationDate, armed.at.Add(time.Nanosecond), d.loc) {
		ok, err := d.armInstant(ctx, med, inst, armed.gen)
		if err != nil {
			d.logger.Error("次回リマインダーの登録に失敗しました",
				slog.String("medication_id", med.ID),
				slog.Time("fire_at", inst.At),
				slog.String("error", err.Error()),
			)
			return
		}
		if ok {
			d.metrics.RecordRemindersArmed(1)
		}
	}
}

func (d *Dispatcher) setState(ctx context.Context, medicationID string, at time.Time, state model.ReminderState) {
	if err := d.reminders.UpdateState(ctx, medicationID, at, state); err != nil {
		d.logger.Error("リマインダー状態の更新に失敗しました",
			slog.String("medication_id", medicationID),
			slog.Time("fire_at", at),
			slog.String("state", string(state)),
			slog.String("error", err.Error()),
		)
	}
}

// Recover は起動時に発火予定を復元する。
// 発火時刻を過ぎたarmedな予定をmissedにし、有効期限内の全ての薬を再登録する。
// 個々の薬の登録失敗はログ出力して続行する。登録した合計件数を返す。
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	now := d.clock.Now()

	missed, err := d.reminders.MarkMissedBefore(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("未発火リマインダーの更新に失敗しました: %w", err)
	}
	if missed > 0 {
		d.logger.Warn("停止中に発火時刻を過ぎたリマインダーがあります",
			slog.Int64("missed_count", missed),
		)
		if err := d.publisher.Publish(ctx, "recovery", events.Event{
			Type:       events.TypeReminderMissed,
			Payload:    map[string]int64{"count": missed},
			OccurredAt: now.UTC(),
		}); err != nil {
			d.logger.Warn("リマインダーイベントの配信に失敗しました",
				slog.String("error", err.Error()),
			)
		}
	}

	meds, err := d.meds.ListActive(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("有効な薬の取得に失敗しました: %w", err)
	}

	total := 0
	for _, med := range meds {
		n, err := d.Arm(ctx, med)
		if err != nil {
			d.logger.Error("リマインダーの復元に失敗しました",
				slog.String("medication_id", med.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		total += n
	}

	d.logger.Info("リマインダーを復元しました",
		slog.Int("medication_count", len(meds)),
		slog.Int("armed_count", total),
		slog.Int64("missed_count", missed),
	)
	return total, nil
}

// Reconcile はarmedな発火予定の件数がスケジュールから計算した件数と一致しない薬を再登録する。
// 発火が失われた枠があってもスケジュールが先に進むように定期実行する。再登録した薬の件数を返す。
// 一覧取得後に更新された薬を古い内容で登録しないよう、世代を控えてから最新の薬を取得し、
// 世代が変わっていなければ登録する。
func (d *Dispatcher) Reconcile(ctx context.Context) (int, error) {
	now := d.clock.Now()
	meds, err := d.meds.ListActive(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("有効な薬の取得に失敗しました: %w", err)
	}

	rearmed := 0
	for _, listed := range meds {
		if d.PendingCount(listed.ID) == expectedPending(listed, now, d.loc) {
			continue
		}

		gen := d.generation(listed.ID)
		med, err := d.meds.FindByID(ctx, listed.ID)
		if err != nil {
			d.logger.Error("再登録する薬の取得に失敗しました",
				slog.String("medication_id", listed.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if med == nil {
			continue
		}

		n, err := d.arm(ctx, med, &gen)
		if err != nil {
			d.logger.Error("リマインダーの再登録に失敗しました",
				slog.String("medication_id", med.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if n > 0 {
			rearmed++
		}
	}
	return rearmed, nil
}

// expectedPending は薬がnow時点で持つべきarmedな発火予定の件数を返す。
func expectedPending(med *model.Medication, now time.Time, loc *time.Location) int {
	if med.IsExpired(now) {
		return 0
	}
	n := 0
	for range FireInstants(med.Schedules, med.ExpirationDate, now, loc) {
		n++
	}
	return n
}

// ScheduleOneOff は単発のアラームを登録する。
// 指定時刻が未来でない場合は何もせずfalseを返す。単発アラームは永続化しない。
func (d *Dispatcher) ScheduleOneOff(ctx context.Context, token string, at time.Time, title, body string) (bool, error) {
	delay := at.Sub(d.clock.Now())
	if delay <= 0 {
		return false, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false, ErrDispatcherStopped
	}

	d.nextID++
	id := d.nextID
	d.oneOffs[id] = d.clock.AfterFunc(delay, func() {
		d.mu.Lock()
		if _, ok := d.oneOffs[id]; !ok || d.stopped {
			d.mu.Unlock()
			return
		}
		delete(d.oneOffs, id)
		d.wg.Add(1)
		d.mu.Unlock()
		defer d.wg.Done()

		if err := d.sink.Send(d.ctx, token, title, body); err != nil {
			d.metrics.RecordNotificationFailure()
			d.logger.Warn("アラーム通知の送信に失敗しました",
				slog.String("error", err.Error()),
			)
		}
	})
	return true, nil
}

// Stop は全てのタイマーを停止し、実行中の配信の終了を待つ。
// 永続化済みのarmedな予定は次回起動時のRecoverで扱う。
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	for key, at := range d.timers {
		at.timer.Stop()
		delete(d.timers, key)
	}
	for id, t := range d.oneOffs {
		t.Stop()
		delete(d.oneOffs, id)
	}
	d.mu.Unlock()

	d.wg.Wait()
	d.cancel()
}

// reminderText は通知のタイトルと本文を返す。
func reminderText(med *model.Medication, slot string) (string, string) {
	title := "服薬リマインダー: " + med.Name
	body := fmt.Sprintf("%s を服用する時間です（%s）", med.Dosage, slot)
	return title, body
}
