package auth

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/ryoa/internal/model"
	"github.com/hitoshi/ryoa/internal/repository"
)

// fakeUserRepo はメモリ上のUserRepository。errをセットすると全操作がそのエラーを返す。
type fakeUserRepo struct {
	mu    sync.Mutex
	users map[string]*model.User
	err   error
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: map[string]*model.User{}}
}

func (r *fakeUserRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	if u, ok := r.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (r *fakeUserRepo) FindByEmail(_ context.Context, email string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	for _, u := range r.users {
		if u.Email == model.NormalizeEmail(email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeUserRepo) Create(_ context.Context, user *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	for _, u := range r.users {
		if u.Email == model.NormalizeEmail(user.Email) {
			return repository.ErrDuplicate
		}
	}
	cp := *user
	cp.Email = model.NormalizeEmail(user.Email)
	r.users[user.ID] = &cp
	return nil
}

func (r *fakeUserRepo) UpdatePasswordHash(_ context.Context, id, passwordHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if u, ok := r.users[id]; ok {
		u.PasswordHash = &passwordHash
	}
	return nil
}

func (r *fakeUserRepo) List(_ context.Context) ([]*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	users := make([]*model.User, 0, len(r.users))
	for _, u := range r.users {
		cp := *u
		users = append(users, &cp)
	}
	return users, nil
}

func (r *fakeUserRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

// fakeSessionRepo はメモリ上のSessionRepository。
type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	err      error
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: map[string]*model.Session{}}
}

func (r *fakeSessionRepo) Create(_ context.Context, s *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	cp := *s
	r.sessions[s.ID] = &cp
	return nil
}

func (r *fakeSessionRepo) FindByID(_ context.Context, id string) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	if s, ok := r.sessions[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (r *fakeSessionRepo) DeleteByID(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	delete(r.sessions, id)
	return nil
}

func (r *fakeSessionRepo) DeleteByUserID(_ context.Context, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	var n int64
	for id, s := range r.sessions {
		if s.UserID == userID {
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}

func (r *fakeSessionRepo) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, s := range r.sessions {
		if !s.ExpiresAt.After(before) {
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}

func (r *fakeSessionRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// fakeConnectionRepo はメモリ上のConnectionRepository。
type fakeConnectionRepo struct {
	mu    sync.Mutex
	conns []*model.OAuthConnection
	err   error
}

func newFakeConnectionRepo() *fakeConnectionRepo {
	return &fakeConnectionRepo{}
}

func (r *fakeConnectionRepo) FindByProviderAndProviderUserID(_ context.Context, provider, providerUserID string) (*model.OAuthConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	for _, c := range r.conns {
		if c.Provider == provider && c.ProviderUserID == providerUserID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeConnectionRepo) FindByUserAndProvider(_ context.Context, userID, provider string) (*model.OAuthConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	for _, c := range r.conns {
		if c.UserID == userID && c.Provider == provider {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeConnectionRepo) ListByUserID(_ context.Context, userID string) ([]*model.OAuthConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	var out []*model.OAuthConnection
	for _, c := range r.conns {
		if c.UserID == userID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeConnectionRepo) Create(_ context.Context, conn *model.OAuthConnection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	for _, c := range r.conns {
		if (c.Provider == conn.Provider && c.ProviderUserID == conn.ProviderUserID) ||
			(c.UserID == conn.UserID && c.Provider == conn.Provider) {
			return repository.ErrDuplicate
		}
	}
	cp := *conn
	r.conns = append(r.conns, &cp)
	return nil
}

func (r *fakeConnectionRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// mockProvider は関数フィールドで振る舞いを差し替えるOAuthProvider。
type mockProvider struct {
	name           string
	exchangeCodeFn func(ctx context.Context, code string) (*TokenPair, error)
	refreshTokenFn func(ctx context.Context, refreshToken string) (*TokenPair, error)
	fetchProfileFn func(ctx context.Context, accessToken string) (*Profile, error)
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) AuthorizationURL(state string) string {
	return "https://idp.example.com/authorize?state=" + state
}

func (m *mockProvider) ExchangeCode(ctx context.Context, code string) (*TokenPair, error) {
	return m.exchangeCodeFn(ctx, code)
}

func (m *mockProvider) RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	return m.refreshTokenFn(ctx, refreshToken)
}

func (m *mockProvider) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	return m.fetchProfileFn(ctx, accessToken)
}

// recordingCollector は呼び出し回数を記録するMetricsCollector。
type recordingCollector struct {
	mu              sync.Mutex
	logins          map[string]int
	rejected        map[string]int
	oauthFailures   map[string]int
	sessionsCreated int
	revoked         int64
}

func newRecordingCollector() *recordingCollector {
	return &recordingCollector{
		logins:        map[string]int{},
		rejected:      map[string]int{},
		oauthFailures: map[string]int{},
	}
}

func (c *recordingCollector) RecordLogin(method string, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := method + ":failure"
	if success {
		key = method + ":success"
	}
	c.logins[key]++
}

func (c *recordingCollector) RecordSessionCreated() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionsCreated++
}

func (c *recordingCollector) RecordSessionsRevoked(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revoked += n
}

func (c *recordingCollector) RecordTokenRejected(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejected[reason]++
}

func (c *recordingCollector) RecordOAuthFailure(provider, stage string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.oauthFailures[provider+":"+stage]++
}

func (c *recordingCollector) RecordGuardDecision(string) {}
func (c *recordingCollector) RecordSessionsSwept(int64)  {}

// fixedClock はテスト用の進められる時計。
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock() *fixedClock {
	return &fixedClock{now: time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const testSecret = "0123456789abcdef0123456789abcdef"
