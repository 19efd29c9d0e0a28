package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/ryoa/internal/model"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	Rate            rate.Limit    // キーごとのレート（req/sec）
	Burst           int           // キーごとのバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// ログイン・登録は 10 req/min/IP。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return PerMinute(10)
}

// PerMinute は1分あたりperMinute回を上限とする設定を返す。
func PerMinute(perMinute int) RateLimiterConfig {
	return RateLimiterConfig{
		Rate:            rate.Limit(float64(perMinute) / 60.0),
		Burst:           perMinute,
		CleanupInterval: 5 * time.Minute,
	}
}

// KeyFunc はリクエストからレート制限のキーを取り出す。
type KeyFunc func(r *http.Request) string

// ClientIPKey はソケットのリモートアドレスのホスト部をキーとする。
// X-Forwarded-For等のヘッダーは参照しない。プロキシ配下ではNewClientIPKeyを使う。
func ClientIPKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// keyLimiter はキーごとのレートリミッターとアクセス時刻を保持する。
type keyLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter はキー（クライアントIPなど）ごとのレート制限を管理する。
type RateLimiter struct {
	config RateLimiterConfig
	name   string

	mu       sync.RWMutex
	limiters map[string]*keyLimiter

	stopCh chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。nameはログに出力する制限の種類。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(name string, config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:   config,
		name:     name,
		limiters: make(map[string]*keyLimiter),
		stopCh:   make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// Middleware はkeyFuncで取り出したキーごとにレート制限を行うミドルウェアを返す。
func (rl *RateLimiter) Middleware(keyFunc KeyFunc) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)

			if !rl.getOrCreate(key).Allow() {
				writeRateLimitResponse(w, rl.config.Rate)
				slog.Warn("rate limit exceeded",
					slog.String("key", key),
					slog.String("limit_type", rl.name),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// LimiterCount は現在管理されているリミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) LimiterCount() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.limiters)
}

// getOrCreate はキーのリミッターを取得または作成する。
func (rl *RateLimiter) getOrCreate(key string) *rate.Limiter {
	rl.mu.RLock()
	kl, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if exists {
		rl.mu.Lock()
		kl.lastAccess = time.Now()
		rl.mu.Unlock()
		return kl.limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// ダブルチェック
	if kl, exists := rl.limiters[key]; exists {
		kl.lastAccess = time.Now()
		return kl.limiter
	}

	limiter := rate.NewLimiter(rl.config.Rate, rl.config.Burst)
	rl.limiters[key] = &keyLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}

	return limiter
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup(now time.Time) {
	ttl := rl.config.CleanupInterval * 2

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, kl := range rl.limiters {
		if now.Sub(kl.lastAccess) > ttl {
			delete(rl.limiters, key)
		}
	}
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitedError())
}
