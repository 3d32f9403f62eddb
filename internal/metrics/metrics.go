// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 相互作用チェックの結果ラベル。
const (
	OutcomeMatch    = "match"
	OutcomeNone     = "none"
	OutcomeFailOpen = "fail_open"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層、リマインダーディスパッチャー、HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordInteractionCheck(source, outcome string)
	RecordRemoteFailure(source string)
	RecordRemoteLatency(duration time.Duration)
	RecordRemindersArmed(count int)
	RecordRemindersCancelled(count int)
	RecordReminderFired()
	RecordNotificationFailure()
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	interactionChecks    *prometheus.CounterVec
	remoteFailures       *prometheus.CounterVec
	remoteLatency        prometheus.Histogram
	remindersArmed       prometheus.Counter
	remindersCancelled   prometheus.Counter
	remindersFired       prometheus.Counter
	notificationFailures prometheus.Counter
	httpStatus           *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		interactionChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vitalog_interaction_checks_total",
			Help: "相互作用チェックの実行数（ソース・結果別）",
		}, []string{"source", "outcome"}),
		remoteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vitalog_interaction_remote_failures_total",
			Help: "外部相互作用APIの呼び出し失敗数",
		}, []string{"source"}),
		remoteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vitalog_interaction_remote_latency_seconds",
			Help:    "外部相互作用APIのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		remindersArmed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vitalog_reminders_armed_total",
			Help: "登録されたリマインダー発火予定の合計数",
		}),
		remindersCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vitalog_reminders_cancelled_total",
			Help: "キャンセルされたリマインダー発火予定の合計数",
		}),
		remindersFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vitalog_reminders_fired_total",
			Help: "発火したリマインダーの合計数",
		}),
		notificationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vitalog_notification_failures_total",
			Help: "プッシュ通知送信失敗の合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vitalog_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.interactionChecks,
		c.remoteFailures,
		c.remoteLatency,
		c.remindersArmed,
		c.remindersCancelled,
		c.remindersFired,
		c.notificationFailures,
		c.httpStatus,
	)

	return c
}

// RecordInteractionCheck は相互作用チェックの結果を記録する。
func (c *Collector) RecordInteractionCheck(source, outcome string) {
	c.interactionChecks.WithLabelValues(source, outcome).Inc()
}

// RecordRemoteFailure は外部APIの失敗を記録する。
func (c *Collector) RecordRemoteFailure(source string) {
	c.remoteFailures.WithLabelValues(source).Inc()
}

// RecordRemoteLatency は外部APIのレイテンシを記録する。
func (c *Collector) RecordRemoteLatency(duration time.Duration) {
	c.remoteLatency.Observe(duration.Seconds())
}

// RecordRemindersArmed は登録した発火予定数を記録する。
func (c *Collector) RecordRemindersArmed(count int) {
	c.remindersArmed.Add(float64(count))
}

// RecordRemindersCancelled はキャンセルした発火予定数を記録する。
func (c *Collector) RecordRemindersCancelled(count int) {
	c.remindersCancelled.Add(float64(count))
}

// RecordReminderFired はリマインダーの発火を記録する。
func (c *Collector) RecordReminderFired() {
	c.remindersFired.Inc()
}

// RecordNotificationFailure はプッシュ通知の送信失敗を記録する。
func (c *Collector) RecordNotificationFailure() {
	c.notificationFailures.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
// スクレイプ自体の件数（promhttp_metric_handler_requests_total）も同じレジストリに記録する。
// 一部のコレクターが失敗しても残りのメトリクスは返す。
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.InstrumentMetricHandler(reg, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		Registry:      reg,
		ErrorHandling: promhttp.ContinueOnError,
	}))
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type Nop struct{}

func (Nop) RecordInteractionCheck(string, string) {}
func (Nop) RecordRemoteFailure(string)            {}
func (Nop) RecordRemoteLatency(time.Duration)     {}
func (Nop) RecordRemindersArmed(int)              {}
func (Nop) RecordRemindersCancelled(int)          {}
func (Nop) RecordReminderFired()                  {}
func (Nop) RecordNotificationFailure()            {}
func (Nop) RecordHTTPStatus(int)                  {}
