package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/vitalog/internal/audit"
	"github.com/hitoshi/vitalog/internal/config"
	"github.com/hitoshi/vitalog/internal/database"
	"github.com/hitoshi/vitalog/internal/device"
	"github.com/hitoshi/vitalog/internal/events"
	"github.com/hitoshi/vitalog/internal/handler"
	"github.com/hitoshi/vitalog/internal/interaction"
	"github.com/hitoshi/vitalog/internal/logger"
	"github.com/hitoshi/vitalog/internal/medication"
	"github.com/hitoshi/vitalog/internal/metrics"
	"github.com/hitoshi/vitalog/internal/middleware"
	"github.com/hitoshi/vitalog/internal/notify"
	"github.com/hitoshi/vitalog/internal/reminder"
	"github.com/hitoshi/vitalog/internal/repository"
	"github.com/hitoshi/vitalog/internal/security"
	"github.com/hitoshi/vitalog/internal/worker/cleanup"
	"github.com/hitoshi/vitalog/internal/worker/reconcile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// 設定読み込み後にLOG_LEVELが確定するため、ログレベルは環境変数から先に読む。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("interaction_source", cfg.InteractionSource),
		slog.String("reminder_timezone", cfg.ReminderTimezone),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、リマインダーを復元してからHTTPサーバーを起動する。
// リマインダーのタイマーはこのプロセス内で動作するため、再アームとクリーンアップも同じプロセスで実行する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. DB接続
	db, err := database.Connect(ctx, cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	medRepo := repository.NewPostgresMedicationRepo(db)
	recordRepo := repository.NewPostgresInteractionRecordRepo(db)
	logRepo := repository.NewPostgresInteractionLogRepo(db)
	reminderRepo := repository.NewPostgresReminderRepo(db)
	deviceRepo := repository.NewPostgresDeviceTokenRepo(db)

	// 3. 横断的なサービスの初期化
	egressGuard := security.NewEgressGuard()
	sanitizer := security.NewTextSanitizer()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	publisher := newPublisher(cfg)
	defer func() {
		if err := publisher.Close(); err != nil {
			slog.Error("failed to close event publisher", slog.String("error", err.Error()))
		}
	}()

	recorder := audit.NewRecorder(logRepo, publisher, sanitizer, slog.Default())

	// 4. 相互作用チェック
	source, err := newInteractionSource(cfg, egressGuard, recordRepo, collector)
	if err != nil {
		return err
	}
	resolver := interaction.NewResolver(source, collector, slog.Default())
	interactionService := interaction.NewService(medRepo, recordRepo, resolver, recorder, sanitizer, slog.Default())

	// 5. リマインダー
	sink, err := newNotificationSink(cfg, egressGuard)
	if err != nil {
		return err
	}
	dispatcher := reminder.NewDispatcher(reminder.DispatcherDeps{
		Medications: medRepo,
		Reminders:   reminderRepo,
		Devices:     deviceRepo,
		Sink:        sink,
		Recorder:    recorder,
		Publisher:   publisher,
		Metrics:     collector,
		Location:    cfg.ReminderLocation,
		Logger:      slog.Default(),
	})
	defer dispatcher.Stop()

	rearmed, err := dispatcher.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover reminders: %w", err)
	}
	slog.Info("reminders recovered", slog.Int("armed_count", rearmed))

	// 6. ドメインサービスの初期化
	medicationService := medication.NewService(medRepo, dispatcher, recorder, sanitizer, slog.Default())
	deviceService := device.NewService(deviceRepo)

	// 7. バックグラウンドジョブの起動
	reconcileScheduler := reconcile.NewScheduler(dispatcher, slog.Default())
	go reconcileScheduler.Start(ctx, cfg.ReminderReconcileInterval)

	cleanupJob := cleanup.NewCleanupJob(db, slog.Default())
	cleanupJob.RetentionDays = cfg.ReminderRetentionDays
	go cleanupJob.Start(ctx, cfg.CleanupInterval)

	// 8. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitCheck))
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		HealthChecker:     db,
		JWTSecret:         cfg.JWTSecret,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		StatusRecorder:    collector,
		MetricsHandler:    metrics.Handler(registry),
		Logger:            slog.Default(),

		MedicationService: medicationService,
		ReminderLocation:  cfg.ReminderLocation,

		InteractionService: interactionService,
		AuditService:       handler.NewAuditServiceAdapter(recorder),

		DeviceService:  deviceService,
		AlarmScheduler: dispatcher,
	}

	router := handler.NewRouter(deps)

	// 9. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serverErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	// 新しいリクエストの受付を止めてから、バックグラウンドジョブとタイマーを停止する
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	cancel()

	slog.Info("API server stopped gracefully")
	return nil
}

// newPublisher はKAFKA_BROKERSが設定されていればKafkaPublisherを、未設定ならNoopPublisherを返す。
func newPublisher(cfg *config.Config) events.Publisher {
	if !cfg.KafkaEnabled() {
		slog.Info("event publishing disabled (KAFKA_BROKERS not set)")
		return events.NoopPublisher{}
	}
	slog.Info("event publishing enabled",
		slog.String("brokers", cfg.KafkaBrokers),
		slog.String("topic", cfg.KafkaTopic),
	)
	return events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, slog.Default())
}

// newInteractionSource はINTERACTION_SOURCEに応じた相互作用ソースを生成する。
// remoteの場合はRXNAV_BASE_URLを起動時に検証し、宛先検証付きクライアントで接続する。
func newInteractionSource(
	cfg *config.Config,
	guard security.EgressGuardService,
	recordRepo repository.InteractionRecordRepository,
	collector metrics.MetricsCollector,
) (interaction.Source, error) {
	if cfg.InteractionSource != config.InteractionSourceRemote {
		return interaction.NewLocalSource(recordRepo), nil
	}

	if err := guard.ValidateEndpoint(cfg.RxNavBaseURL); err != nil {
		return nil, fmt.Errorf("invalid RXNAV_BASE_URL: %w", err)
	}
	client := interaction.NewRxNavClient(
		guard.NewClient(cfg.RxNavTimeout),
		slog.Default(),
		cfg.RxNavBaseURL,
		cfg.RxNavMinInterval,
	)
	return interaction.NewRemoteSource(client, collector, slog.Default()), nil
}

// newNotificationSink はFCM_SERVER_KEYが設定されていればFCMクライアントを、未設定ならログ出力のみのSinkを返す。
func newNotificationSink(cfg *config.Config, guard security.EgressGuardService) (reminder.NotificationSink, error) {
	if cfg.FCMServerKey == "" {
		slog.Warn("FCM_SERVER_KEY not set, notifications are only logged")
		return notify.NewLogSink(slog.Default()), nil
	}

	if err := guard.ValidateEndpoint(cfg.FCMEndpoint); err != nil {
		return nil, fmt.Errorf("invalid FCM_ENDPOINT: %w", err)
	}
	return notify.NewFCMClient(
		guard.NewClient(cfg.FCMTimeout),
		slog.Default(),
		cfg.FCMServerKey,
		cfg.FCMEndpoint,
	), nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
