package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/ryoa/internal/auth"
	"github.com/hitoshi/ryoa/internal/model"
	"github.com/hitoshi/ryoa/internal/user"
)

var testNow = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

// --- モック定義 ---

type mockOAuthService struct {
	beginLoginFn    func(providerName string) (string, string, error)
	completeLoginFn func(ctx context.Context, providerName, code string) (*auth.LoginResult, error)
	refreshLoginFn  func(ctx context.Context, providerName, refreshToken string) (*auth.LoginResult, error)
	providers       []string
}

func (m *mockOAuthService) BeginLogin(providerName string) (string, string, error) {
	if m.beginLoginFn != nil {
		return m.beginLoginFn(providerName)
	}
	return "", "", auth.ErrUnknownProvider
}

func (m *mockOAuthService) CompleteLogin(ctx context.Context, providerName, code string) (*auth.LoginResult, error) {
	if m.completeLoginFn != nil {
		return m.completeLoginFn(ctx, providerName, code)
	}
	return nil, auth.ErrOAuthExchangeFailed
}

func (m *mockOAuthService) RefreshLogin(ctx context.Context, providerName, refreshToken string) (*auth.LoginResult, error) {
	if m.refreshLoginFn != nil {
		return m.refreshLoginFn(ctx, providerName, refreshToken)
	}
	return nil, auth.ErrOAuthExchangeFailed
}

func (m *mockOAuthService) ProviderNames() []string {
	return m.providers
}

// mockSessions はCookieの値をそのままユーザーIDとして扱うセッションモック。
type mockSessions struct {
	identities map[string]*model.Identity
	signOutFn  func(w http.ResponseWriter, r *http.Request) error
	signedOut  int
}

func (m *mockSessions) AuthenticateRequest(_ http.ResponseWriter, r *http.Request) *model.Identity {
	cookie, err := r.Cookie(auth.DefaultSessionCookieName)
	if err != nil {
		return nil
	}
	return m.identities[cookie.Value]
}

func (m *mockSessions) SetCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.DefaultSessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
	})
}

func (m *mockSessions) SignOut(w http.ResponseWriter, r *http.Request) error {
	m.signedOut++
	http.SetCookie(w, &http.Cookie{Name: auth.DefaultSessionCookieName, Value: "", Path: "/", MaxAge: -1})
	if m.signOutFn != nil {
		return m.signOutFn(w, r)
	}
	return nil
}

func (m *mockSessions) Now() time.Time {
	return testNow
}

type mockAccountService struct {
	registerFn       func(ctx context.Context, email, password string) (*user.LoginResult, error)
	loginFn          func(ctx context.Context, email, password string) (*user.LoginResult, error)
	changePasswordFn func(ctx context.Context, userID, currentPassword, newPassword string) (*user.LoginResult, error)
	meFn             func(ctx context.Context, userID string) (*model.User, error)
}

func (m *mockAccountService) Register(ctx context.Context, email, password string) (*user.LoginResult, error) {
	if m.registerFn != nil {
		return m.registerFn(ctx, email, password)
	}
	return nil, nil
}

func (m *mockAccountService) Login(ctx context.Context, email, password string) (*user.LoginResult, error) {
	if m.loginFn != nil {
		return m.loginFn(ctx, email, password)
	}
	return nil, nil
}

func (m *mockAccountService) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) (*user.LoginResult, error) {
	if m.changePasswordFn != nil {
		return m.changePasswordFn(ctx, userID, currentPassword, newPassword)
	}
	return nil, nil
}

func (m *mockAccountService) Me(ctx context.Context, userID string) (*model.User, error) {
	if m.meFn != nil {
		return m.meFn(ctx, userID)
	}
	return nil, user.ErrUserNotFound
}

// mockProfileService はメモリ上にプロフィールを保持する。
type mockProfileService struct {
	profiles    map[string]*model.UserProfile
	users       []*model.User
	listUsersFn func(ctx context.Context) ([]*model.User, error)
	updateErr   error
}

func (m *mockProfileService) GetProfile(ctx context.Context, userID string) (*model.UserProfile, error) {
	if p, ok := m.profiles[userID]; ok {
		cp := *p
		return &cp, nil
	}
	return &model.UserProfile{UserID: userID}, nil
}

func (m *mockProfileService) UpdateProfile(ctx context.Context, userID string, update user.ProfileUpdate) (*model.UserProfile, error) {
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	if m.profiles == nil {
		m.profiles = map[string]*model.UserProfile{}
	}
	p, ok := m.profiles[userID]
	if !ok {
		p = &model.UserProfile{ID: "profile-" + userID, UserID: userID, CreatedAt: testNow}
		m.profiles[userID] = p
	}
	if update.FullName != nil {
		p.FullName = *update.FullName
	}
	if update.Bio != nil {
		p.Bio = *update.Bio
	}
	if update.AvatarURL != nil {
		p.AvatarURL = *update.AvatarURL
	}
	p.UpdatedAt = testNow
	cp := *p
	return &cp, nil
}

func (m *mockProfileService) ListUsers(ctx context.Context) ([]*model.User, error) {
	if m.listUsersFn != nil {
		return m.listUsersFn(ctx)
	}
	return m.users, nil
}

type mockPinger struct {
	err error
}

func (m *mockPinger) PingContext(context.Context) error {
	return m.err
}

// --- ヘルパー ---

// withURLParam はchiのURLパラメータをリクエストに設定する。
func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func containsStr(s, substr string) bool {
	return strings.Contains(s, substr)
}

func testUser(role model.Role) *model.User {
	return &model.User{
		ID:    "user-1",
		Email: "alice@example.com",
		Name:  "Alice",
		Role:  role,
	}
}
