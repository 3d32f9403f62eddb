package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/vitalog/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	HealthChecker     HealthChecker
	JWTSecret         string
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	StatusRecorder    middleware.StatusRecorder
	MetricsHandler    http.Handler
	Logger            *slog.Logger

	// 薬。ReminderLocationは日付のみの有効期限の解釈に使う（nilはUTC）
	MedicationService MedicationServiceInterface
	ReminderLocation  *time.Location

	// 相互作用・監査ログ
	InteractionService InteractionServiceInterface
	AuditService       AuditServiceInterface

	// 端末・アラーム
	DeviceService  DeviceServiceInterface
	AlarmScheduler AlarmScheduler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → SecurityHeaders → CORS → Logging → Metrics → Auth → RateLimit(General)
//
// /health と /metrics は認証チェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewLoggingMiddleware(logger))
	if deps.StatusRecorder != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.StatusRecorder))
	}

	medHandler := NewMedicationHandler(deps.MedicationService, deps.ReminderLocation)
	interactionHandler := NewInteractionHandler(deps.InteractionService, deps.AuditService)
	deviceHandler := NewDeviceHandler(deps.DeviceService, deps.AlarmScheduler)

	// --- 認証不要のルート ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Auth → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAuthMiddleware(deps.JWTSecret))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// 薬管理
		r.Route("/api/medications", func(r chi.Router) {
			r.Get("/", medHandler.ListMedications)
			r.Post("/", medHandler.CreateMedication)
			r.Get("/qr/{identifier}", medHandler.GetByQRCode)

			r.Route("/{id}", func(r chi.Router) {
				r.Put("/", medHandler.UpdateMedication)
				r.Delete("/", medHandler.DeleteMedication)
				r.Put("/doses", medHandler.AcknowledgeDose)
			})
		})

		// 相互作用チェック（チェック専用レート制限を追加）
		r.Route("/api/interactions", func(r chi.Router) {
			r.With(deps.RateLimiter.InteractionCheckMiddleware()).Post("/", interactionHandler.CheckByID)
			r.With(deps.RateLimiter.InteractionCheckMiddleware()).Post("/check", interactionHandler.CheckByName)
			r.Post("/registrar", interactionHandler.RegisterEvent)
			r.Get("/log", interactionHandler.ListLog)
			r.Post("/records", interactionHandler.AddRecord)
		})

		// 端末トークン
		r.Route("/api/devices", func(r chi.Router) {
			r.Post("/", deviceHandler.RegisterDevice)
			r.Delete("/{token}", deviceHandler.UnregisterDevice)
		})

		// 単発アラーム
		r.Post("/api/alarms", deviceHandler.ScheduleAlarm)
	})

	return r
}
