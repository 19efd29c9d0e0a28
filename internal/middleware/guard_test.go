package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/ryoa/internal/auth"
	"github.com/hitoshi/ryoa/internal/model"
)

var (
	userIdentity  = &model.Identity{UserID: "user-1", Role: model.RoleUser, SessionID: "s1"}
	adminIdentity = &model.Identity{UserID: "admin-1", Role: model.RoleAdmin, SessionID: "s2"}
)

func TestPolicy_Decide(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name     string
		path     string
		identity *model.Identity
		wantKind DecisionKind
		wantTo   string
	}{
		{"公開パス・未認証", "/", nil, Allow, ""},
		{"公開パス・認証済み", "/", userIdentity, AllowWithIdentity, ""},
		{"OAuth開始", "/login/github", nil, Allow, ""},
		{"ステータス", "/api/auth/status", nil, Allow, ""},
		{"コールバック", "/api/auth/linear/callback", nil, Allow, ""},
		{"ログイン画面・未認証", "/login", nil, Allow, ""},
		{"ログイン画面・一般ユーザー", "/login", userIdentity, Redirect, "/dashboard"},
		{"ログイン画面・管理者", "/login", adminIdentity, Redirect, "/dashboard/admin"},
		{"登録画面・認証済み", "/register", userIdentity, Redirect, "/dashboard"},
		{"保護パス・未認証", "/dashboard", nil, Redirect, "/login"},
		{"保護パス・認証済み", "/dashboard", userIdentity, AllowWithIdentity, ""},
		{"管理画面・未認証", "/dashboard/admin", nil, Redirect, "/login"},
		{"管理画面・一般ユーザー", "/dashboard/admin", userIdentity, Redirect, "/dashboard"},
		{"管理画面配下・一般ユーザー", "/dashboard/admin/users", userIdentity, Redirect, "/dashboard"},
		{"管理画面・管理者", "/dashboard/admin", adminIdentity, AllowWithIdentity, ""},
		{"前方一致しない似たパス", "/dashboard/administrator", userIdentity, AllowWithIdentity, ""},
		{"API・未認証", "/api/auth/me", nil, Redirect, "/login"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Decide(tt.path, tt.identity)
			if got.Kind != tt.wantKind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.wantKind)
			}
			if got.RedirectTo != tt.wantTo {
				t.Errorf("RedirectTo = %q, want %q", got.RedirectTo, tt.wantTo)
			}
			if got.Kind == AllowWithIdentity && got.Identity != tt.identity {
				t.Errorf("Identity = %+v, want %+v", got.Identity, tt.identity)
			}
		})
	}
}

func TestPolicy_Excluded(t *testing.T) {
	p := DefaultPolicy()

	excluded := []string{"/static/app.js", "/_next/data/x.json", "/fonts/a.woff2", "/favicon.ico", "/metrics", "/health", "/api/auth/github/callback"}
	for _, path := range excluded {
		if !p.Excluded(path) {
			t.Errorf("%s should be excluded", path)
		}
	}
	for _, path := range []string{"/", "/dashboard", "/static", "/healthz", "/api/auth/status"} {
		if p.Excluded(path) {
			t.Errorf("%s should not be excluded", path)
		}
	}
}

// mockSessionAuthenticator はCookieの値でIdentityを返すSessionAuthenticator。
type mockSessionAuthenticator struct {
	identities map[string]*model.Identity
	setTokens  []string
}

func (m *mockSessionAuthenticator) AuthenticateRequest(_ http.ResponseWriter, r *http.Request) *model.Identity {
	c, err := r.Cookie(auth.DefaultSessionCookieName)
	if err != nil {
		return nil
	}
	return m.identities[c.Value]
}

func (m *mockSessionAuthenticator) SetCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	m.setTokens = append(m.setTokens, token)
	http.SetCookie(w, &http.Cookie{Name: auth.DefaultSessionCookieName, Value: token, Expires: expiresAt})
}

type mockRefresher struct {
	refreshLoginFn func(ctx context.Context, provider, refreshToken string) (*auth.LoginResult, error)
	calls          int
}

func (m *mockRefresher) RefreshLogin(ctx context.Context, provider, refreshToken string) (*auth.LoginResult, error) {
	m.calls++
	return m.refreshLoginFn(ctx, provider, refreshToken)
}

type downstreamRecord struct {
	called   bool
	identity *model.Identity
	userID   string
	role     string
}

func newGuardHandler(sessions SessionAuthenticator, refresher TokenRefresher) (http.Handler, *downstreamRecord) {
	seen := &downstreamRecord{}
	config := GuardConfig{
		Policy:           DefaultPolicy(),
		Sessions:         sessions,
		RefreshProviders: []string{"linear"},
	}
	if refresher != nil {
		config.Refresher = refresher
	}
	handler := NewGuardMiddleware(config)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.called = true
		seen.identity, _ = IdentityFromContext(r.Context())
		seen.userID = r.Header.Get(HeaderUserID)
		seen.role = r.Header.Get(HeaderUserRole)
		w.WriteHeader(http.StatusOK)
	}))
	return handler, seen
}

func guardRequest(path, token string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.AddCookie(&http.Cookie{Name: auth.DefaultSessionCookieName, Value: token})
	}
	return req
}

func TestGuard_AllowWithIdentity_SetsHeadersAndContext(t *testing.T) {
	sessions := &mockSessionAuthenticator{identities: map[string]*model.Identity{"tok": adminIdentity}}
	handler, seen := newGuardHandler(sessions, nil)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, guardRequest("/dashboard/admin", "tok"))

	if w.Code != http.StatusOK || !seen.called {
		t.Fatalf("status = %d, called = %v", w.Code, seen.called)
	}
	if seen.userID != "admin-1" || seen.role != "admin" {
		t.Errorf("headers = %q / %q", seen.userID, seen.role)
	}
	if seen.identity != adminIdentity {
		t.Errorf("context identity = %+v", seen.identity)
	}
}

// 外部から送られたIdentityヘッダーは信用しない
func TestGuard_StripsInboundIdentityHeaders(t *testing.T) {
	handler, seen := newGuardHandler(&mockSessionAuthenticator{}, nil)

	req := guardRequest("/", "")
	req.Header.Set(HeaderUserID, "spoofed")
	req.Header.Set(HeaderUserRole, "admin")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !seen.called {
		t.Fatal("public path should be allowed")
	}
	if seen.userID != "" || seen.role != "" {
		t.Errorf("spoofed headers leaked: %q / %q", seen.userID, seen.role)
	}
}

func TestGuard_StripsHeadersOnExcludedPaths(t *testing.T) {
	handler, seen := newGuardHandler(&mockSessionAuthenticator{}, nil)

	req := guardRequest("/health", "")
	req.Header.Set(HeaderUserID, "spoofed")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !seen.called || seen.userID != "" {
		t.Errorf("called = %v, userID = %q", seen.called, seen.userID)
	}
}

func TestGuard_Redirects(t *testing.T) {
	sessions := &mockSessionAuthenticator{identities: map[string]*model.Identity{"user": userIdentity, "admin": adminIdentity}}
	handler, _ := newGuardHandler(sessions, nil)

	tests := []struct {
		name  string
		path  string
		token string
		want  string
	}{
		{"未認証の管理画面はログインへ", "/dashboard/admin", "", "/login"},
		{"一般ユーザーの管理画面はダッシュボードへ", "/dashboard/admin", "user", "/dashboard"},
		{"認証済みのログイン画面", "/login", "user", "/dashboard"},
		{"管理者のログイン画面", "/login", "admin", "/dashboard/admin"},
		{"無効なトークン", "/dashboard", "forged", "/login"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, guardRequest(tt.path, tt.token))

			if w.Code != http.StatusFound {
				t.Fatalf("status = %d, want 302", w.Code)
			}
			if got := w.Header().Get("Location"); got != tt.want {
				t.Errorf("Location = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGuard_UnauthenticatedAPI_Returns401(t *testing.T) {
	handler, seen := newGuardHandler(&mockSessionAuthenticator{}, nil)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, guardRequest("/api/auth/me", ""))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if seen.called {
		t.Error("handler should not be called")
	}
}

func TestGuard_RefreshFallback(t *testing.T) {
	sessions := &mockSessionAuthenticator{}
	refresher := &mockRefresher{
		refreshLoginFn: func(_ context.Context, provider, refreshToken string) (*auth.LoginResult, error) {
			if provider != "linear" || refreshToken != "lin-rt" {
				t.Errorf("unexpected refresh call: %s %s", provider, refreshToken)
			}
			return &auth.LoginResult{
				Token:     "new-session",
				ExpiresAt: time.Now().Add(time.Hour),
				Tokens:    &auth.TokenPair{AccessToken: "lin-at2", RefreshToken: "lin-rt2"},
			}, nil
		},
	}
	handler, seen := newGuardHandler(sessions, refresher)

	req := guardRequest("/dashboard?tab=1", "")
	req.AddCookie(&http.Cookie{Name: auth.RefreshTokenCookieName("linear"), Value: "lin-rt"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusFound || w.Header().Get("Location") != "/dashboard?tab=1" {
		t.Fatalf("status = %d, Location = %q", w.Code, w.Header().Get("Location"))
	}
	if seen.called {
		t.Error("handler should not be called before the redirect")
	}

	got := map[string]string{}
	for _, c := range w.Result().Cookies() {
		got[c.Name] = c.Value
	}
	if got[auth.DefaultSessionCookieName] != "new-session" ||
		got["linear_access_token"] != "lin-at2" ||
		got["linear_refresh_token"] != "lin-rt2" {
		t.Errorf("cookies = %v", got)
	}
}

func TestGuard_RefreshSkippedWhenAccessCookiePresent(t *testing.T) {
	refresher := &mockRefresher{}
	handler, _ := newGuardHandler(&mockSessionAuthenticator{}, refresher)

	req := guardRequest("/dashboard", "")
	req.AddCookie(&http.Cookie{Name: "linear_access_token", Value: "lin-at"})
	req.AddCookie(&http.Cookie{Name: "linear_refresh_token", Value: "lin-rt"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if refresher.calls != 0 {
		t.Errorf("refresh should not be attempted, calls = %d", refresher.calls)
	}
	if w.Header().Get("Location") != "/login" {
		t.Errorf("Location = %q, want /login", w.Header().Get("Location"))
	}
}

// リフレッシュに失敗した場合はCookieを削除してログインへ
func TestGuard_RefreshFailure_FallsThroughToLogin(t *testing.T) {
	refresher := &mockRefresher{
		refreshLoginFn: func(context.Context, string, string) (*auth.LoginResult, error) {
			return nil, auth.ErrOAuthExchangeFailed
		},
	}
	handler, _ := newGuardHandler(&mockSessionAuthenticator{}, refresher)

	req := guardRequest("/dashboard", "")
	req.AddCookie(&http.Cookie{Name: "linear_refresh_token", Value: "revoked"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Header().Get("Location") != "/login" {
		t.Fatalf("Location = %q, want /login", w.Header().Get("Location"))
	}
	cleared := false
	for _, c := range w.Result().Cookies() {
		if c.Name == "linear_refresh_token" && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Error("refresh token cookie should be cleared")
	}
}

func TestGuard_NoRefreshOnPublicPath(t *testing.T) {
	refresher := &mockRefresher{
		refreshLoginFn: func(context.Context, string, string) (*auth.LoginResult, error) {
			return nil, errors.New("should not be called")
		},
	}
	handler, seen := newGuardHandler(&mockSessionAuthenticator{}, refresher)

	req := guardRequest("/", "")
	req.AddCookie(&http.Cookie{Name: "linear_refresh_token", Value: "rt"})
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if refresher.calls != 0 || !seen.called {
		t.Errorf("calls = %d, called = %v", refresher.calls, seen.called)
	}
}
