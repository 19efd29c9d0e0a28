// Package app はコマンドの起動と依存関係のワイヤリングを行う。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/ryoa/internal/auth"
	"github.com/hitoshi/ryoa/internal/config"
	"github.com/hitoshi/ryoa/internal/database"
	"github.com/hitoshi/ryoa/internal/handler"
	"github.com/hitoshi/ryoa/internal/logger"
	"github.com/hitoshi/ryoa/internal/metrics"
	"github.com/hitoshi/ryoa/internal/middleware"
	"github.com/hitoshi/ryoa/internal/repository"
	"github.com/hitoshi/ryoa/internal/security"
	"github.com/hitoshi/ryoa/internal/user"
	"github.com/hitoshi/ryoa/internal/worker/cleanup"
)

// tokenIssuer はセッショントークンのissクレーム。
const tokenIssuer = "ryoa"

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ったJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたレベルでログを再初期化する
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: LOG_LEVEL: %w", err)
	}
	logger.SetupDefault(w, level)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。サブコマンドが省略された場合はserveとして起動する。
func Run(w io.Writer, args []string) error {
	root := NewRootCommand(w)
	root.SetArgs(args)
	return root.Execute()
}

// Components はHTTPサーバーを構成する依存関係。
type Components struct {
	Router      http.Handler
	Sessions    *auth.SessionManager
	Linker      *auth.Linker
	Accounts    *user.Service
	Registry    *prometheus.Registry
	rateLimiter *middleware.RateLimiter
}

// Close はバックグラウンドのgoroutineを停止する。
func (c *Components) Close() {
	if c.rateLimiter != nil {
		c.rateLimiter.Stop()
	}
}

// BuildComponents はConfigとDB接続から全依存関係をワイヤリングする。
func BuildComponents(cfg *config.Config, db *sql.DB, dialect database.Dialect) (*Components, error) {
	// 1. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 2. リポジトリの初期化
	userRepo := repository.NewSQLUserRepo(db, dialect)
	sessionRepo := repository.NewSQLSessionRepo(db, dialect)
	connectionRepo := repository.NewSQLConnectionRepo(db, dialect)
	profileRepo := repository.NewSQLProfileRepo(db, dialect)

	// 3. セキュリティサービスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewProfileSanitizer()

	// 4. 認証コアの初期化
	codec, err := auth.NewTokenCodec([]byte(cfg.JWTSecret), tokenIssuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create token codec: %w", err)
	}

	cookies := auth.CookieConfig{
		Name:   auth.DefaultSessionCookieName,
		Domain: cfg.CookieDomain,
		Secure: cfg.CookieSecure,
	}
	sessions := auth.NewSessionManager(codec, sessionRepo, userRepo, collector, auth.SessionConfig{
		TTL:    cfg.SessionTTL,
		Cookie: cookies,
	})

	params := auth.DefaultArgon2Params()
	params.Memory = cfg.Argon2MemoryKiB
	params.Iterations = cfg.Argon2Iterations
	hasher := auth.NewPasswordHasher(params)

	admins := auth.NewAdminAllowList(cfg.AdminEmails)

	linkPolicy, err := auth.ParseEmailLinkPolicy(cfg.OAuthEmailLinkPolicy)
	if err != nil {
		return nil, fmt.Errorf("invalid OAUTH_EMAIL_LINK_POLICY: %w", err)
	}

	// 5. OAuthプロバイダーの初期化（外向き通信はSSRF防止クライアントを使う）
	oauthClient := ssrfGuard.NewSafeClient(cfg.OAuthHTTPTimeout)
	var providers []auth.OAuthProvider
	if cfg.GitHubEnabled() {
		providers = append(providers, auth.NewGitHubProvider(auth.ProviderConfig{
			ClientID:     cfg.GitHubClientID,
			ClientSecret: cfg.GitHubClientSecret,
			RedirectURL:  cfg.GitHubRedirectURL,
			HTTPClient:   oauthClient,
		}))
	}
	if cfg.LinearEnabled() {
		providers = append(providers, auth.NewLinearProvider(auth.ProviderConfig{
			ClientID:     cfg.LinearClientID,
			ClientSecret: cfg.LinearClientSecret,
			RedirectURL:  cfg.LinearRedirectURL,
			HTTPClient:   oauthClient,
		}))
	}
	if len(providers) == 0 {
		slog.Warn("no oauth providers configured; only email/password login is available")
	}

	linker := auth.NewLinker(providers, userRepo, connectionRepo, sessions, ssrfGuard, sanitizer, collector,
		auth.LinkerConfig{
			AdminEmails:     admins,
			EmailLinkPolicy: linkPolicy,
		})

	// 6. アカウント管理サービスの初期化
	accounts := user.NewService(userRepo, hasher, sessions, admins, collector)
	profiles := user.NewProfileService(userRepo, profileRepo, ssrfGuard, sanitizer)

	// 7. ルーターの構築
	clientIPKey, err := middleware.NewClientIPKey(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("invalid TRUSTED_PROXIES: %w", err)
	}
	limiter := middleware.NewRateLimiter("login", middleware.PerMinute(cfg.RateLimitLogin))

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:   slog.Default(),
		Sessions: sessions,
		OAuth:    linker,
		Accounts: accounts,
		Profiles: profiles,
		Policy:   middleware.DefaultPolicy(),
		Cookies:  cookies,

		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		HSTS:              cfg.CookieSecure,
		LoginLimiter:      limiter,
		ClientIPKey:       clientIPKey,

		DB:             db,
		Metrics:        collector,
		MetricsHandler: metrics.Handler(registry),
	})

	return &Components{
		Router:      router,
		Sessions:    sessions,
		Linker:      linker,
		Accounts:    accounts,
		Registry:    registry,
		rateLimiter: limiter,
	}, nil
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, database.Dialect, error) {
	db, dialect, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established", slog.String("dialect", string(dialect)))
	return db, dialect, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, dialect, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	components, err := BuildComponents(cfg, db, dialect)
	if err != nil {
		return err
	}
	defer components.Close()

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           components.Router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.String("base_url", cfg.BaseURL),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runSweep は期限切れセッションを一度だけ削除する。
// cronなど外部のスケジューラから実行することを想定している。
func runSweep(ctx context.Context, cfg *config.Config) error {
	db, dialect, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	job := cleanup.NewSessionSweepJob(repository.NewSQLSessionRepo(db, dialect), slog.Default(), nil)
	job.Grace = cfg.SessionSweepGrace

	if _, err := job.Run(ctx); err != nil {
		return fmt.Errorf("session sweep failed: %w", err)
	}
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(ctx context.Context, port string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://localhost:%s/health", port), nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
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
func maskDatabaseURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}

// serverPort はhealthcheck用にSERVER_PORTだけを読む。フル初期化は行わない。
func serverPort() string {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		return port
	}
	return "8080"
}
