package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // API全般のレート（req/sec）
	GeneralBurst    int           // API全般のバーストサイズ
	CheckRate       rate.Limit    // 相互作用チェックのレート（req/sec）
	CheckBurst      int           // 相互作用チェックのバーストサイズ
	CleanupInterval time.Duration // 未使用リミッターの掃除間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// API全般 120 req/min/user、相互作用チェック 30 req/min/user
func DefaultRateLimiterConfig() RateLimiterConfig {
	return NewRateLimiterConfig(120, 30)
}

// NewRateLimiterConfig は1分あたりの許容リクエスト数からレート制限設定を生成する。
// バーストサイズは1分あたりの許容数と同じにする。0以下の値はデフォルト値を使用する。
func NewRateLimiterConfig(generalPerMin, checkPerMin int) RateLimiterConfig {
	if generalPerMin <= 0 {
		generalPerMin = 120
	}
	if checkPerMin <= 0 {
		checkPerMin = 30
	}
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(float64(generalPerMin) / 60.0),
		GeneralBurst:    generalPerMin,
		CheckRate:       rate.Limit(float64(checkPerMin) / 60.0),
		CheckBurst:      checkPerMin,
		CleanupInterval: 5 * time.Minute,
	}
}

// userLimiter はユーザーごとのリミッターと最終アクセス時刻。
type userLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterPool は1種類の制限についてユーザーごとのリミッターを保持する。
type limiterPool struct {
	kind  string
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*userLimiter
}

func newLimiterPool(kind string, limit rate.Limit, burst int) *limiterPool {
	return &limiterPool{
		kind:     kind,
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*userLimiter),
	}
}

// allow はユーザーのトークンを1つ消費できればtrueを返す。
func (p *limiterPool) allow(userID string, now time.Time) bool {
	p.mu.Lock()
	ul, ok := p.limiters[userID]
	if !ok {
		ul = &userLimiter{limiter: rate.NewLimiter(p.limit, p.burst)}
		p.limiters[userID] = ul
	}
	ul.lastAccess = now
	p.mu.Unlock()

	return ul.limiter.AllowN(now, 1)
}

// evictIdle はttl以上アクセスのないリミッターを削除する。
func (p *limiterPool) evictIdle(now time.Time, ttl time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for userID, ul := range p.limiters {
		if now.Sub(ul.lastAccess) > ttl {
			delete(p.limiters, userID)
		}
	}
}

func (p *limiterPool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.limiters)
}

// middleware は認証済みユーザー単位で制限するミドルウェアを返す。
// AuthMiddlewareの内側に配置する。
func (p *limiterPool) middleware(now func() time.Time) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := UserIDFromContext(r.Context())
			if err != nil {
				WriteUnauthorized(w)
				return
			}

			if !p.allow(userID, now()) {
				slog.Warn("rate limit exceeded",
					slog.String("user_id", userID),
					slog.String("limit_type", p.kind),
				)
				writeRateLimitResponse(w, p.limit)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter はユーザーごとのレート制限を管理する。
// API全般と相互作用チェックの2種類を独立に持つ。
// 相互作用チェックはRxNavへの問い合わせを伴うため、全般より厳しく制限する。
type RateLimiter struct {
	config  RateLimiterConfig
	general *limiterPool
	check   *limiterPool
	now     func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter はRateLimiterを生成し、未使用リミッターの掃除を開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:  config,
		general: newLimiterPool("general", config.GeneralRate, config.GeneralBurst),
		check:   newLimiterPool("interaction_check", config.CheckRate, config.CheckBurst),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop は掃除のゴルーチンを停止する。複数回呼んでもよい。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// GeneralMiddleware はAPI全般のレート制限ミドルウェアを返す。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return rl.general.middleware(func() time.Time { return rl.now() })
}

// InteractionCheckMiddleware は相互作用チェック専用のレート制限ミドルウェアを返す。
func (rl *RateLimiter) InteractionCheckMiddleware() func(next http.Handler) http.Handler {
	return rl.check.middleware(func() time.Time { return rl.now() })
}

// GeneralLimiterCount は保持しているAPI全般リミッターの数を返す。
func (rl *RateLimiter) GeneralLimiterCount() int {
	return rl.general.len()
}

// CheckLimiterCount は保持している相互作用チェックリミッターの数を返す。
func (rl *RateLimiter) CheckLimiterCount() int {
	return rl.check.len()
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセスからCleanupIntervalの2倍を超えたリミッターを削除する。
func (rl *RateLimiter) cleanup() {
	now := rl.now()
	ttl := rl.config.CleanupInterval * 2
	rl.general.evictIdle(now, ttl)
	rl.check.evictIdle(now, ttl)
}

// writeRateLimitResponse は429レスポンスを書き込む。
// Retry-Afterには1トークンが補充されるまでの秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	WriteRateLimited(w, int(math.Ceil(1.0/float64(r))))
}
