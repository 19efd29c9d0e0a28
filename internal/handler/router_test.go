package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/ryoa/internal/auth"
	"github.com/hitoshi/ryoa/internal/metrics"
	"github.com/hitoshi/ryoa/internal/middleware"
	"github.com/hitoshi/ryoa/internal/model"
	"github.com/hitoshi/ryoa/internal/user"
)

const testCSRFToken = "csrf-token-value"

type routerFixture struct {
	router   http.Handler
	oauth    *mockOAuthService
	sessions *mockSessions
	accounts *mockAccountService
	profiles *mockProfileService
	limiter  *middleware.RateLimiter
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()

	f := &routerFixture{
		oauth: &mockOAuthService{
			providers: []string{"github", "linear"},
			beginLoginFn: func(providerName string) (string, string, error) {
				return "https://provider.example.com/authorize?p=" + providerName, "st-1", nil
			},
		},
		sessions: &mockSessions{
			identities: map[string]*model.Identity{
				"user-token":  {UserID: "user-1", Role: model.RoleUser, SessionID: "s1"},
				"admin-token": {UserID: "admin-1", Role: model.RoleAdmin, SessionID: "s2"},
			},
		},
		accounts: &mockAccountService{
			loginFn: func(context.Context, string, string) (*user.LoginResult, error) {
				return issuedResult(model.RoleUser), nil
			},
		},
		profiles: &mockProfileService{
			users: []*model.User{
				{ID: "user-1", Email: "alice@example.com", Role: model.RoleUser},
				{ID: "admin-1", Email: "admin@example.com", Role: model.RoleAdmin},
			},
		},
		limiter: middleware.NewRateLimiter("login", middleware.RateLimiterConfig{
			Rate:            0.001,
			Burst:           2,
			CleanupInterval: time.Minute,
		}),
	}
	t.Cleanup(f.limiter.Stop)

	reg := prometheus.NewRegistry()
	f.router = NewRouter(&RouterDeps{
		Sessions:       f.sessions,
		OAuth:          f.oauth,
		Accounts:       f.accounts,
		Profiles:       f.profiles,
		Policy:         middleware.DefaultPolicy(),
		Cookies:        auth.CookieConfig{Name: auth.DefaultSessionCookieName},
		LoginLimiter:   f.limiter,
		DB:             &mockPinger{},
		Metrics:        metrics.NewCollector(reg),
		MetricsHandler: metrics.Handler(reg),
	})
	return f
}

func (f *routerFixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func withSession(req *http.Request, token string) *http.Request {
	req.AddCookie(&http.Cookie{Name: auth.DefaultSessionCookieName, Value: token})
	return req
}

func withCSRF(req *http.Request) *http.Request {
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: testCSRFToken})
	req.Header.Set("X-CSRF-Token", testCSRFToken)
	return req
}

func TestNewRouter_ページのアクセス制御(t *testing.T) {
	f := newRouterFixture(t)

	tests := []struct {
		name         string
		path         string
		token        string
		wantStatus   int
		wantLocation string
	}{
		{name: "未ログインでトップ", path: "/", wantStatus: http.StatusOK},
		{name: "未ログインでログイン画面", path: "/login", wantStatus: http.StatusOK},
		{name: "未ログインでダッシュボード", path: "/dashboard", wantStatus: http.StatusFound, wantLocation: "/login"},
		{name: "ログイン済みでログイン画面", path: "/login", token: "user-token", wantStatus: http.StatusFound, wantLocation: "/dashboard"},
		{name: "管理者で登録画面", path: "/register", token: "admin-token", wantStatus: http.StatusFound, wantLocation: "/dashboard/admin"},
		{name: "一般ユーザーで管理画面", path: "/dashboard/admin", token: "user-token", wantStatus: http.StatusFound, wantLocation: "/dashboard"},
		{name: "管理者で管理画面", path: "/dashboard/admin", token: "admin-token", wantStatus: http.StatusOK},
		{name: "一般ユーザーでダッシュボード", path: "/dashboard", token: "user-token", wantStatus: http.StatusOK},
		{name: "無効なトークン", path: "/dashboard", token: "forged", wantStatus: http.StatusFound, wantLocation: "/login"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.token != "" {
				req = withSession(req, tt.token)
			}
			w := f.do(req)

			if w.Code != tt.wantStatus {
				t.Errorf("GET %s status = %d, want %d", tt.path, w.Code, tt.wantStatus)
			}
			if loc := w.Header().Get("Location"); loc != tt.wantLocation {
				t.Errorf("GET %s Location = %q, want %q", tt.path, loc, tt.wantLocation)
			}
		})
	}
}

func TestNewRouter_偽装されたIdentityヘッダーは無視される(t *testing.T) {
	f := newRouterFixture(t)

	req := withSession(httptest.NewRequest(http.MethodGet, "/dashboard/admin", nil), "user-token")
	req.Header.Set("X-User-ID", "admin-1")
	req.Header.Set("X-User-Role", "admin")
	w := f.do(req)

	if w.Code != http.StatusFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusFound)
	}

	req = withSession(httptest.NewRequest(http.MethodGet, "/dashboard", nil), "user-token")
	req.Header.Set("X-User-ID", "admin-1")
	w = f.do(req)

	var body pageResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.UserID != "user-1" {
		t.Errorf("userId = %q, want user-1", body.UserID)
	}
}

func TestNewRouter_APIの未認証は401(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(httptest.NewRequest(http.MethodGet, "/api/auth/me", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if body := decodeAPIError(t, w); body.Code != model.ErrCodeUnauthorized {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeUnauthorized)
	}
}

func TestNewRouter_Status(t *testing.T) {
	f := newRouterFixture(t)

	for _, tt := range []struct {
		token string
		want  bool
	}{
		{token: "", want: false},
		{token: "forged", want: false},
		{token: "user-token", want: true},
	} {
		req := httptest.NewRequest(http.MethodGet, "/api/auth/status", nil)
		if tt.token != "" {
			req = withSession(req, tt.token)
		}
		w := f.do(req)

		if w.Code != http.StatusOK {
			t.Errorf("token %q: status = %d, want %d", tt.token, w.Code, http.StatusOK)
		}
		var body map[string]bool
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		if body["isLoggedIn"] != tt.want {
			t.Errorf("token %q: isLoggedIn = %v, want %v", tt.token, body["isLoggedIn"], tt.want)
		}
	}
}

func TestNewRouter_OAuthログイン開始(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(httptest.NewRequest(http.MethodGet, "/login/linear", nil))

	if w.Code != http.StatusFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusFound)
	}
	if loc := w.Header().Get("Location"); loc != "https://provider.example.com/authorize?p=linear" {
		t.Errorf("Location = %q, unexpected", loc)
	}
}

func TestNewRouter_CSRFトークンなしのPOSTは拒否される(t *testing.T) {
	f := newRouterFixture(t)

	body := `{"email":"alice@example.com","password":"pw"}`
	w := f.do(httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(body)))
	if w.Code != http.StatusForbidden {
		t.Errorf("status without CSRF = %d, want %d", w.Code, http.StatusForbidden)
	}

	w = f.do(withCSRF(httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(body))))
	if w.Code != http.StatusOK {
		t.Errorf("status with CSRF = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestNewRouter_ログインはレート制限される(t *testing.T) {
	f := newRouterFixture(t)

	body := `{"email":"alice@example.com","password":"pw"}`
	var codes []int
	for i := 0; i < 3; i++ {
		req := withCSRF(httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(body)))
		req.RemoteAddr = "192.0.2.10:5555"
		codes = append(codes, f.do(req).Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("first requests = %v, want 200", codes[:2])
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want %d", codes[2], http.StatusTooManyRequests)
	}
}

func TestNewRouter_転送ヘッダーを変えてもレート制限を回避できない(t *testing.T) {
	f := newRouterFixture(t)

	body := `{"email":"alice@example.com","password":"pw"}`
	var codes []int
	for i := 0; i < 10; i++ {
		req := withCSRF(httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(body)))
		req.RemoteAddr = "192.0.2.10:5555"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i))
		req.Header.Set("X-Real-IP", fmt.Sprintf("198.51.100.%d", i))
		req.Header.Set("True-Client-IP", fmt.Sprintf("198.51.100.%d", i))
		codes = append(codes, f.do(req).Code)
	}

	for i, code := range codes[2:] {
		if code != http.StatusTooManyRequests {
			t.Errorf("request %d = %d, want %d (codes=%v)", i+2, code, http.StatusTooManyRequests, codes)
		}
	}
}

func TestNewRouter_ログアウト(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(withCSRF(withSession(httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil), "user-token")))

	if w.Code != http.StatusSeeOther {
		t.Errorf("status = %d, want %d", w.Code, http.StatusSeeOther)
	}
	if f.sessions.signedOut != 1 {
		t.Errorf("SignOut called %d times, want 1", f.sessions.signedOut)
	}
}

func TestNewRouter_運用エンドポイントはGuard対象外(t *testing.T) {
	f := newRouterFixture(t)

	for _, path := range []string{"/health", "/metrics"} {
		w := f.do(httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Errorf("GET %s status = %d, want %d", path, w.Code, http.StatusOK)
		}
	}
}

func TestNewRouter_CSRFトークン発行(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if findCookie(w.Result().Cookies(), "csrf_token") == nil {
		t.Error("csrf_token cookie not set")
	}
}

func TestNewRouter_リフレッシュトークンで再ログインする(t *testing.T) {
	f := newRouterFixture(t)
	f.oauth.refreshLoginFn = func(_ context.Context, providerName, refreshToken string) (*auth.LoginResult, error) {
		if providerName != "linear" || refreshToken != "rt-1" {
			t.Errorf("RefreshLogin(%q, %q), unexpected arguments", providerName, refreshToken)
		}
		return &auth.LoginResult{
			Token:     "new-token",
			ExpiresAt: testNow.Add(time.Hour),
			User:      testUser(model.RoleUser),
			Provider:  "linear",
			Tokens:    &auth.TokenPair{AccessToken: "at-2", RefreshToken: "rt-2"},
		}, nil
	}

	req := httptest.NewRequest(http.MethodGet, "/dashboard?tab=1", nil)
	req.AddCookie(&http.Cookie{Name: auth.RefreshTokenCookieName("linear"), Value: "rt-1"})
	w := f.do(req)

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusFound)
	}
	if loc := w.Header().Get("Location"); loc != "/dashboard?tab=1" {
		t.Errorf("Location = %q, want /dashboard?tab=1", loc)
	}
	if c := findCookie(w.Result().Cookies(), auth.DefaultSessionCookieName); c == nil || c.Value != "new-token" {
		t.Errorf("session cookie = %v, want new-token", c)
	}
}

func TestNewRouter_ユーザー一覧は管理者のみ(t *testing.T) {
	f := newRouterFixture(t)

	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{"未認証は401", "", http.StatusUnauthorized},
		{"一般ユーザーは403", "user-token", http.StatusForbidden},
		{"管理者は200", "admin-token", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
			if tt.token != "" {
				req = withSession(req, tt.token)
			}
			w := f.do(req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var users []map[string]string
			if err := json.NewDecoder(w.Body).Decode(&users); err != nil {
				t.Fatalf("failed to decode: %v", err)
			}
			if len(users) != 2 || users[1]["email"] != "admin@example.com" || users[1]["role"] != "admin" {
				t.Errorf("users = %v", users)
			}
		})
	}
}

func TestNewRouter_プロフィールの更新と取得(t *testing.T) {
	f := newRouterFixture(t)

	body := `{"fullName":"Alice Example","bio":"hello"}`
	w := f.do(withSession(httptest.NewRequest(http.MethodPut, "/api/profile", strings.NewReader(body)), "user-token"))
	if w.Code != http.StatusForbidden {
		t.Errorf("status without CSRF = %d, want %d", w.Code, http.StatusForbidden)
	}

	w = f.do(withCSRF(withSession(httptest.NewRequest(http.MethodPut, "/api/profile", strings.NewReader(body)), "user-token")))
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d, want %d", w.Code, http.StatusOK)
	}

	w = f.do(withSession(httptest.NewRequest(http.MethodGet, "/api/profile", nil), "user-token"))
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d, want %d", w.Code, http.StatusOK)
	}
	var got map[string]any
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if got["userId"] != "user-1" || got["fullName"] != "Alice Example" || got["bio"] != "hello" {
		t.Errorf("profile = %v", got)
	}

	w = f.do(httptest.NewRequest(http.MethodGet, "/api/profile", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}
