// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"golang.org/x/net/publicsuffix"
)

// MinJWTSecretLength はJWT署名鍵の最小バイト数。
const MinJWTSecretLength = 32

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string `env:"DATABASE_URL"`

	// Session
	JWTSecret  string        `env:"JWT_SECRET"`
	SessionTTL time.Duration `env:"SESSION_TTL" envDefault:"720h"`
	// SessionSweepGrace は期限切れセッションを削除するまでの猶予。
	SessionSweepGrace time.Duration `env:"SESSION_SWEEP_GRACE" envDefault:"0s"`

	// Users
	AdminEmails []string `env:"ADMIN_EMAILS" envSeparator:","`

	// OAuth
	GitHubClientID       string        `env:"GITHUB_CLIENT_ID"`
	GitHubClientSecret   string        `env:"GITHUB_CLIENT_SECRET"`
	GitHubRedirectURL    string        `env:"GITHUB_REDIRECT_URL"`
	LinearClientID       string        `env:"LINEAR_CLIENT_ID"`
	LinearClientSecret   string        `env:"LINEAR_CLIENT_SECRET"`
	LinearRedirectURL    string        `env:"LINEAR_REDIRECT_URL"`
	OAuthHTTPTimeout     time.Duration `env:"OAUTH_HTTP_TIMEOUT" envDefault:"5s"`
	OAuthEmailLinkPolicy string        `env:"OAUTH_EMAIL_LINK_POLICY" envDefault:"reject"`

	// Password hashing
	Argon2MemoryKiB  uint32 `env:"ARGON2_MEMORY_KIB" envDefault:"65536"`
	Argon2Iterations uint32 `env:"ARGON2_ITERATIONS" envDefault:"3"`

	// Rate Limit（req/min/IP）
	RateLimitLogin int `env:"RATE_LIMIT_LOGIN" envDefault:"10"`
	// TrustedProxies はX-Forwarded-Forを信頼するプロキシのIPまたはCIDR。
	// 空の場合はソケットの接続元のみを見る。
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Server
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`
	BaseURL    string `env:"BASE_URL"`

	// Cookie
	CookieSecure bool   `env:"-"`
	CookieDomain string `env:"COOKIE_DOMAIN"`

	// CORS
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN" envDefault:"http://localhost:3000"`
}

// GitHubEnabled はGitHubログインが設定されているかを返す。
func (c *Config) GitHubEnabled() bool {
	return c.GitHubClientID != ""
}

// LinearEnabled はLinearログインが設定されているかを返す。
func (c *Config) LinearEnabled() bool {
	return c.LinearClientID != ""
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合は、不足しているものをすべて列挙したエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	// Required fields
	var missing []string
	require := func(name, value string) {
		if value == "" {
			missing = append(missing, name)
		}
	}

	require("DATABASE_URL", cfg.DatabaseURL)
	require("JWT_SECRET", cfg.JWTSecret)
	require("BASE_URL", cfg.BaseURL)

	// プロバイダーはクライアントIDが設定されている場合のみ有効。有効なら残りも必須。
	if cfg.GitHubEnabled() {
		require("GITHUB_CLIENT_SECRET", cfg.GitHubClientSecret)
		require("GITHUB_REDIRECT_URL", cfg.GitHubRedirectURL)
	}
	if cfg.LinearEnabled() {
		require("LINEAR_CLIENT_SECRET", cfg.LinearClientSecret)
		require("LINEAR_REDIRECT_URL", cfg.LinearRedirectURL)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if len(cfg.JWTSecret) < MinJWTSecretLength {
		return nil, fmt.Errorf("JWT_SECRET must be at least %d bytes", MinJWTSecretLength)
	}
	if cfg.SessionTTL <= 0 {
		return nil, fmt.Errorf("SESSION_TTL must be positive: %v", cfg.SessionTTL)
	}
	if cfg.Argon2MemoryKiB == 0 {
		return nil, fmt.Errorf("ARGON2_MEMORY_KIB must be positive")
	}
	if cfg.Argon2Iterations == 0 {
		return nil, fmt.Errorf("ARGON2_ITERATIONS must be positive")
	}
	if cfg.RateLimitLogin <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_LOGIN must be positive: %d", cfg.RateLimitLogin)
	}
	if err := validateCookieDomain(cfg.CookieDomain); err != nil {
		return nil, err
	}

	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")

	return cfg, nil
}

// validateCookieDomain は公開サフィックスそのもの（例: "com", "github.io"）へのCookie設定を拒否する。
func validateCookieDomain(domain string) error {
	domain = strings.TrimPrefix(strings.ToLower(domain), ".")
	if domain == "" || domain == "localhost" {
		return nil
	}

	suffix, _ := publicsuffix.PublicSuffix(domain)
	if suffix == domain {
		return fmt.Errorf("COOKIE_DOMAIN must not be a public suffix: %q", domain)
	}
	return nil
}
