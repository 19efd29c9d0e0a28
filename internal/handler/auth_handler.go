// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/ryoa/internal/auth"
	"github.com/hitoshi/ryoa/internal/middleware"
	"github.com/hitoshi/ryoa/internal/model"
)

const (
	oauthStateCookie = "oauth_state"
	oauthStateMaxAge = 600 // 10分
)

// ログイン画面に渡すエラー理由。
const (
	reasonUnknownProvider      = "unknown_provider"
	reasonInvalidState         = "invalid_state"
	reasonMissingCode          = "missing_code"
	reasonAccessDenied         = "access_denied"
	reasonOAuthExchangeFailed  = "oauth_exchange_failed"
	reasonEmailInUse           = "email_in_use"
	reasonAuthenticationFailed = "authentication_failed"
)

// OAuthLinker はOAuthフローを扱うサービスのインターフェース。
type OAuthLinker interface {
	BeginLogin(providerName string) (authURL, state string, err error)
	CompleteLogin(ctx context.Context, providerName, code string) (*auth.LoginResult, error)
	ProviderNames() []string
}

// SessionService はハンドラーが必要とするセッション操作のインターフェース。
type SessionService interface {
	SetCookie(w http.ResponseWriter, token string, expiresAt time.Time)
	SignOut(w http.ResponseWriter, r *http.Request) error
	Now() time.Time
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	// Cookies はoauth_stateとプロバイダートークンのCookie属性。
	Cookies auth.CookieConfig
	Policy  middleware.Policy
}

// AuthHandler はOAuthログインとセッション状態のHTTPハンドラー。
type AuthHandler struct {
	linker   OAuthLinker
	sessions SessionService
	config   AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(linker OAuthLinker, sessions SessionService, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		linker:   linker,
		sessions: sessions,
		config:   config,
	}
}

// Login はOAuthフローを開始する。
// GET /login/{provider}
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	authURL, state, err := h.linker.BeginLogin(provider)
	if err != nil {
		if errors.Is(err, auth.ErrUnknownProvider) {
			h.redirectWithError(w, r, reasonUnknownProvider)
			return
		}
		slog.Error("failed to begin oauth login", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		Domain:   h.config.Cookies.Domain,
		MaxAge:   oauthStateMaxAge,
		HttpOnly: true,
		Secure:   h.config.Cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, authURL, http.StatusFound)
}

// Callback はOAuthコールバックを処理する。
// GET /api/auth/{provider}/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	query := r.URL.Query()

	// 1. stateの検証（CSRF対策）
	state := query.Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	h.clearStateCookie(w)
	if err != nil || state == "" || subtle.ConstantTimeCompare([]byte(stateCookie.Value), []byte(state)) != 1 {
		slog.Warn("oauth state mismatch", slog.String("provider", provider))
		h.redirectWithError(w, r, reasonInvalidState)
		return
	}

	// 2. 認可コードの取得
	if e := query.Get("error"); e != "" {
		slog.Info("oauth authorization denied",
			slog.String("provider", provider),
			slog.String("error", e),
		)
		h.redirectWithError(w, r, reasonAccessDenied)
		return
	}
	code := query.Get("code")
	if code == "" {
		h.redirectWithError(w, r, reasonMissingCode)
		return
	}

	// 3. 認証処理
	result, err := h.linker.CompleteLogin(r.Context(), provider, code)
	if err != nil {
		slog.Error("oauth callback failed",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
		h.redirectWithError(w, r, callbackFailureReason(err))
		return
	}

	// 4. セッションCookieとプロバイダーのトークンCookieを設定
	h.sessions.SetCookie(w, result.Token, result.ExpiresAt)
	h.config.Cookies.SetProviderTokenCookies(w, result.Provider, result.Tokens, h.sessions.Now())

	// 5. ロールに応じたダッシュボードへ
	http.Redirect(w, r, h.config.Policy.DashboardFor(result.User.Role), http.StatusFound)
}

// Status はログイン状態を返す。セッションはRoute Guardで毎回再検証される。
// GET /api/auth/status
func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	_, ok := middleware.IdentityFromContext(r.Context())
	middleware.WriteJSON(w, http.StatusOK, map[string]bool{"isLoggedIn": ok})
}

// Logout はセッションを破棄し、ログイン画面へ戻す。
// POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.SignOut(w, r); err != nil {
		// ログアウトに失敗してもCookieはクリアされている
		slog.Error("failed to sign out", slog.String("error", err.Error()))
	}
	for _, provider := range h.linker.ProviderNames() {
		h.config.Cookies.ClearProviderTokenCookies(w, provider)
	}

	http.Redirect(w, r, h.config.Policy.LoginPath, http.StatusSeeOther)
}

func (h *AuthHandler) clearStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/",
		Domain:   h.config.Cookies.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.Cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) redirectWithError(w http.ResponseWriter, r *http.Request, reason string) {
	target := h.config.Policy.LoginPath + "?" + url.Values{"error": {reason}}.Encode()
	http.Redirect(w, r, target, http.StatusFound)
}

func callbackFailureReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrUnknownProvider):
		return reasonUnknownProvider
	case errors.Is(err, auth.ErrOAuthExchangeFailed):
		return reasonOAuthExchangeFailed
	case errors.Is(err, auth.ErrEmailLinkedToOtherAccount):
		return reasonEmailInUse
	default:
		return reasonAuthenticationFailed
	}
}

// userResponse はユーザー情報のJSON表現。
type userResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	Name        string `json:"name"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	Role        string `json:"role"`
	HasPassword bool   `json:"hasPassword"`
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:          u.ID,
		Email:       u.Email,
		Name:        u.Name,
		AvatarURL:   u.AvatarURL,
		Role:        string(u.Role),
		HasPassword: u.HasPassword(),
	}
}
