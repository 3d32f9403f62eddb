package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // REMINDER_TIMEZONE をzoneinfoのないコンテナでも解決する
)

// 相互作用チェックの参照先。
const (
	InteractionSourceLocal  = "local"
	InteractionSourceRemote = "remote"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL    string
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Auth
	JWTSecret string

	// Rate Limit
	RateLimitGeneral int
	RateLimitCheck   int

	// Interaction
	InteractionSource string
	RxNavBaseURL      string
	RxNavTimeout      time.Duration
	RxNavMinInterval  time.Duration

	// Notification
	FCMEndpoint  string
	FCMServerKey string
	FCMTimeout   time.Duration

	// Reminder
	ReminderTimezone          string
	ReminderLocation          *time.Location
	ReminderReconcileInterval time.Duration
	ReminderRetentionDays     int
	CleanupInterval           time.Duration

	// Events
	KafkaBrokers string
	KafkaTopic   string

	// Logging
	LogLevel string

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.JWTSecret = os.Getenv("AUTH_JWT_SECRET")
	if cfg.JWTSecret == "" {
		missing = append(missing, "AUTH_JWT_SECRET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 20)
	cfg.DBMaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 5)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitCheck = getEnvInt("RATE_LIMIT_CHECK", 30)
	cfg.InteractionSource = strings.ToLower(getEnvString("INTERACTION_SOURCE", InteractionSourceLocal))
	cfg.RxNavBaseURL = getEnvString("RXNAV_BASE_URL", "https://rxnav.nlm.nih.gov")
	cfg.RxNavTimeout = getEnvDuration("RXNAV_TIMEOUT", 10*time.Second)
	cfg.RxNavMinInterval = getEnvDuration("RXNAV_MIN_INTERVAL", 200*time.Millisecond)
	cfg.FCMEndpoint = getEnvString("FCM_ENDPOINT", "https://fcm.googleapis.com/fcm/send")
	cfg.FCMServerKey = os.Getenv("FCM_SERVER_KEY")
	cfg.FCMTimeout = getEnvDuration("FCM_TIMEOUT", 10*time.Second)
	cfg.ReminderTimezone = getEnvString("REMINDER_TIMEZONE", "America/Sao_Paulo")
	cfg.ReminderReconcileInterval = getEnvDuration("REMINDER_RECONCILE_INTERVAL", time.Hour)
	cfg.ReminderRetentionDays = getEnvInt("REMINDER_RETENTION_DAYS", 30)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour)
	cfg.KafkaBrokers = os.Getenv("KAFKA_BROKERS")
	cfg.KafkaTopic = getEnvString("KAFKA_TOPIC", "vitalog-events")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	switch cfg.InteractionSource {
	case InteractionSourceLocal, InteractionSourceRemote:
	default:
		return nil, fmt.Errorf("INTERACTION_SOURCE must be %q or %q: %q",
			InteractionSourceLocal, InteractionSourceRemote, cfg.InteractionSource)
	}

	// 定期ジョブのtickerは正の間隔でなければ起動できない
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"REMINDER_RECONCILE_INTERVAL", cfg.ReminderReconcileInterval},
		{"CLEANUP_INTERVAL", cfg.CleanupInterval},
	} {
		if d.val <= 0 {
			return nil, fmt.Errorf("%s must be positive: %s", d.key, d.val)
		}
	}

	loc, err := time.LoadLocation(cfg.ReminderTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid REMINDER_TIMEZONE %q: %w", cfg.ReminderTimezone, err)
	}
	cfg.ReminderLocation = loc

	return cfg, nil
}

// KafkaEnabled はイベント配信先のKafkaブローカーが設定されているかを返す。
func (c *Config) KafkaEnabled() bool {
	return strings.TrimSpace(c.KafkaBrokers) != ""
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
