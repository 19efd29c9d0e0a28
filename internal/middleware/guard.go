package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/hitoshi/ryoa/internal/auth"
	"github.com/hitoshi/ryoa/internal/metrics"
	"github.com/hitoshi/ryoa/internal/model"
)

const (
	// HeaderUserID は認証済みユーザーIDを下流ハンドラーへ伝えるリクエストヘッダー。
	HeaderUserID = "X-User-ID"
	// HeaderUserRole は認証済みユーザーのロールを下流ハンドラーへ伝えるリクエストヘッダー。
	HeaderUserRole = "X-User-Role"
)

// DecisionKind はRoute Guardの判定結果の種類。
type DecisionKind int

const (
	// Allow は未認証のまま通過させる。
	Allow DecisionKind = iota
	// Redirect は RedirectTo へリダイレクトする。
	Redirect
	// AllowWithIdentity はIdentityを付与して通過させる。
	AllowWithIdentity
)

// Decision はPolicy.Decideの結果。
type Decision struct {
	Kind       DecisionKind
	RedirectTo string
	Identity   *model.Identity
}

// Policy はパスごとのアクセス制御方針。
//
// パスのパターンは末尾が "/" なら前方一致、"*" を含めば path.Match、それ以外は完全一致で比較する。
type Policy struct {
	// PublicPaths は認証なしで通過できるパス。
	PublicPaths []string
	// PublicOnlyPaths は認証済みユーザーをダッシュボードへ戻すパス（ログイン画面など）。
	PublicOnlyPaths []string
	// ExcludedPaths はGuardを一切適用しないパス。
	ExcludedPaths []string

	AdminPrefix    string
	LoginPath      string
	UserDashboard  string
	AdminDashboard string
}

// DefaultPolicy は既定のアクセス制御方針を返す。
func DefaultPolicy() Policy {
	return Policy{
		PublicPaths: []string{
			"/",
			"/login",
			"/register",
			"/login/*",
			"/api/auth/status",
			"/api/auth/*/callback",
			"/api/auth/login",
			"/api/auth/register",
			"/api/auth/logout",
			"/api/csrf-token",
		},
		PublicOnlyPaths: []string{"/login", "/register"},
		ExcludedPaths: []string{
			"/api/auth/*/callback",
			"/static/",
			"/_next/",
			"/fonts/",
			"/favicon.ico",
			"/metrics",
			"/health",
		},
		AdminPrefix:    "/dashboard/admin",
		LoginPath:      "/login",
		UserDashboard:  "/dashboard",
		AdminDashboard: "/dashboard/admin",
	}
}

// DashboardFor はロールに応じたダッシュボードのパスを返す。
func (p Policy) DashboardFor(role model.Role) string {
	if role == model.RoleAdmin {
		return p.AdminDashboard
	}
	return p.UserDashboard
}

// Excluded はGuardの対象外のパスかどうかを返す。
func (p Policy) Excluded(urlPath string) bool {
	return matchAny(p.ExcludedPaths, urlPath)
}

// IsPublic は認証なしで通過できるパスかどうかを返す。
func (p Policy) IsPublic(urlPath string) bool {
	return matchAny(p.PublicPaths, urlPath) || matchAny(p.PublicOnlyPaths, urlPath)
}

// Decide はパスと呼び出し元のIdentity（未認証ならnil）から通過可否を判定する。I/Oは行わない。
func (p Policy) Decide(urlPath string, identity *model.Identity) Decision {
	if matchAny(p.PublicOnlyPaths, urlPath) && identity != nil {
		return Decision{Kind: Redirect, RedirectTo: p.DashboardFor(identity.Role)}
	}

	if matchAny(p.PublicPaths, urlPath) {
		if identity != nil {
			return Decision{Kind: AllowWithIdentity, Identity: identity}
		}
		return Decision{Kind: Allow}
	}

	if identity == nil {
		return Decision{Kind: Redirect, RedirectTo: p.LoginPath}
	}

	// 権限不足はエラー画面ではなく一般ユーザー用ダッシュボードへ戻す
	if p.AdminPrefix != "" && underPrefix(urlPath, p.AdminPrefix) && identity.Role != model.RoleAdmin {
		return Decision{Kind: Redirect, RedirectTo: p.UserDashboard}
	}

	return Decision{Kind: AllowWithIdentity, Identity: identity}
}

func matchAny(patterns []string, urlPath string) bool {
	for _, pattern := range patterns {
		if matchPath(pattern, urlPath) {
			return true
		}
	}
	return false
}

func matchPath(pattern, urlPath string) bool {
	switch {
	case strings.HasSuffix(pattern, "/") && pattern != "/":
		return strings.HasPrefix(urlPath, pattern)
	case strings.Contains(pattern, "*"):
		ok, err := path.Match(pattern, urlPath)
		return err == nil && ok
	default:
		return pattern == urlPath
	}
}

func underPrefix(urlPath, prefix string) bool {
	return urlPath == prefix || strings.HasPrefix(urlPath, prefix+"/")
}

// SessionAuthenticator はリクエストのCookieから呼び出し元を解決する。
// 失敗はすべて未認証（nil）として扱う。
type SessionAuthenticator interface {
	AuthenticateRequest(w http.ResponseWriter, r *http.Request) *model.Identity
	SetCookie(w http.ResponseWriter, token string, expiresAt time.Time)
}

// TokenRefresher はプロバイダーのリフレッシュトークンでログインし直す。
type TokenRefresher interface {
	RefreshLogin(ctx context.Context, providerName, refreshToken string) (*auth.LoginResult, error)
}

// GuardConfig はRoute Guardミドルウェアの設定。
type GuardConfig struct {
	Policy   Policy
	Sessions SessionAuthenticator

	// Refresher がnilの場合、リフレッシュトークンによる再ログインは行わない。
	Refresher        TokenRefresher
	RefreshProviders []string
	ProviderCookies  auth.CookieConfig

	Metrics metrics.MetricsCollector
	Now     func() time.Time
}

// NewGuardMiddleware はすべてのリクエストに対して認証状態とロールによるアクセス制御を行うミドルウェアを返す。
// 外部から送られたX-User-ID/X-User-Roleヘッダーは常に除去し、
// 認証済みの場合のみGuard自身が設定する。
func NewGuardMiddleware(config GuardConfig) func(next http.Handler) http.Handler {
	if config.Metrics == nil {
		config.Metrics = metrics.NopCollector{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Header.Del(HeaderUserID)
			r.Header.Del(HeaderUserRole)

			urlPath := r.URL.Path
			if config.Policy.Excluded(urlPath) {
				next.ServeHTTP(w, r)
				return
			}

			identity := config.Sessions.AuthenticateRequest(w, r)

			if identity == nil && !config.Policy.IsPublic(urlPath) {
				if refreshed := tryRefresh(w, r, config); refreshed {
					config.Metrics.RecordGuardDecision("refresh")
					// 新しいCookieを付けて同じURLをやり直させる
					http.Redirect(w, r, r.URL.RequestURI(), http.StatusFound)
					return
				}
			}

			decision := config.Policy.Decide(urlPath, identity)
			switch decision.Kind {
			case Redirect:
				// APIはリダイレクトではなく401を返す
				if decision.RedirectTo == config.Policy.LoginPath && strings.HasPrefix(urlPath, "/api/") {
					config.Metrics.RecordGuardDecision("unauthorized")
					WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
					return
				}
				config.Metrics.RecordGuardDecision("redirect")
				http.Redirect(w, r, decision.RedirectTo, http.StatusFound)

			case AllowWithIdentity:
				config.Metrics.RecordGuardDecision("allow_identity")
				r.Header.Set(HeaderUserID, decision.Identity.UserID)
				r.Header.Set(HeaderUserRole, string(decision.Identity.Role))
				next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), decision.Identity)))

			default:
				config.Metrics.RecordGuardDecision("allow")
				next.ServeHTTP(w, r)
			}
		})
	}
}

// tryRefresh はアクセストークンCookieがなくリフレッシュトークンCookieだけが残っているプロバイダーについて、
// リフレッシュトークンで再ログインする。成功した場合はセッションとプロバイダーのCookieを再発行してtrueを返す。
func tryRefresh(w http.ResponseWriter, r *http.Request, config GuardConfig) bool {
	if config.Refresher == nil {
		return false
	}

	for _, provider := range config.RefreshProviders {
		if c, err := r.Cookie(auth.AccessTokenCookieName(provider)); err == nil && c.Value != "" {
			continue
		}
		refresh, err := r.Cookie(auth.RefreshTokenCookieName(provider))
		if err != nil || refresh.Value == "" {
			continue
		}

		result, err := config.Refresher.RefreshLogin(r.Context(), provider, refresh.Value)
		if err != nil {
			slog.Warn("provider token refresh failed",
				slog.String("provider", provider),
				slog.String("error", err.Error()),
			)
			config.ProviderCookies.ClearProviderTokenCookies(w, provider)
			continue
		}

		config.Sessions.SetCookie(w, result.Token, result.ExpiresAt)
		config.ProviderCookies.SetProviderTokenCookies(w, provider, result.Tokens, config.Now())
		return true
	}
	return false
}
