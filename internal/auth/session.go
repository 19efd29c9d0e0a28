package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hitoshi/ryoa/internal/metrics"
	"github.com/hitoshi/ryoa/internal/model"
	"github.com/hitoshi/ryoa/internal/repository"
)

// DefaultSessionTTL はセッションの既定の有効期間（30日）。
const DefaultSessionTTL = 30 * 24 * time.Hour

// SessionConfig はセッション管理の設定。
type SessionConfig struct {
	TTL    time.Duration
	Cookie CookieConfig
	// Now は現在時刻の取得関数。nilの場合はtime.Now。
	Now func() time.Time
}

// SessionManager はセッションの発行・検証・失効を担う。
// 「このリクエストは誰として認証されているか」を判定する唯一の窓口となる。
type SessionManager struct {
	codec    *TokenCodec
	sessions repository.SessionRepository
	users    repository.UserRepository
	metrics  metrics.MetricsCollector
	config   SessionConfig
}

// NewSessionManager はSessionManagerを生成する。
func NewSessionManager(
	codec *TokenCodec,
	sessions repository.SessionRepository,
	users repository.UserRepository,
	collector metrics.MetricsCollector,
	config SessionConfig,
) *SessionManager {
	if config.TTL <= 0 {
		config.TTL = DefaultSessionTTL
	}
	if config.Cookie.Name == "" {
		config.Cookie.Name = DefaultSessionCookieName
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &SessionManager{
		codec:    codec,
		sessions: sessions,
		users:    users,
		metrics:  collector,
		config:   config,
	}
}

// Cookie はCookie属性の設定を返す。
func (m *SessionManager) Cookie() CookieConfig {
	return m.config.Cookie
}

// Now はセッション管理が使用する現在時刻を返す。
func (m *SessionManager) Now() time.Time {
	return m.config.Now()
}

// CreateSession はセッション行を作成し、そのIDを埋め込んだトークンと有効期限を返す。
func (m *SessionManager) CreateSession(ctx context.Context, user *model.User) (token string, expiresAt time.Time, err error) {
	ctx, span := tracer.Start(ctx, "auth.CreateSession", trace.WithAttributes(attribute.String("user.id", user.ID)))
	defer func() { endSpan(span, err) }()

	sessionID, err := generateSessionID()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := m.config.Now()
	session := &model.Session{
		ID:        sessionID,
		UserID:    user.ID,
		ExpiresAt: now.Add(m.config.TTL),
		CreatedAt: now,
	}
	if err := m.sessions.Create(ctx, session); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to save session: %w", err)
	}

	token, err = m.codec.Mint(Claims{
		SessionID:        sessionID,
		Role:             user.Role,
		RegisteredClaims: jwt.RegisteredClaims{Subject: user.ID},
	}, m.config.TTL)
	if err != nil {
		// 発行できなかったトークンの行は残さない
		if delErr := m.sessions.DeleteByID(ctx, sessionID); delErr != nil {
			slog.Error("failed to delete orphaned session", slog.String("error", delErr.Error()))
		}
		return "", time.Time{}, fmt.Errorf("failed to mint session token: %w", err)
	}

	m.metrics.RecordSessionCreated()
	return token, session.ExpiresAt, nil
}

// Authenticate はトークンを検証し、セッション行とユーザーを再確認して呼び出し元のIDを返す。
// 偽造・期限切れトークンはErrInvalidToken、失効済みセッションはErrSessionNotFound、
// ストアの障害はラップしたエラーを返す。
func (m *SessionManager) Authenticate(ctx context.Context, token string) (identity *model.Identity, err error) {
	ctx, span := tracer.Start(ctx, "auth.Authenticate")
	defer func() { endSpan(span, err) }()

	session, user, err := m.resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	return &model.Identity{UserID: user.ID, Role: user.Role, SessionID: session.ID}, nil
}

// GetSession はリクエストのCookieから有効なセッションを取得する。
// Cookieがない場合、トークンが不正な場合、セッションが失効している場合はnilを返し、
// 後者2つではCookieも削除する。失効済みの行自体は削除しない。
func (m *SessionManager) GetSession(w http.ResponseWriter, r *http.Request) *model.Session {
	session, _ := m.fromRequest(w, r)
	return session
}

// GetCurrentUser はリクエストの呼び出し元ユーザーを返す。いずれかの段階で失敗した場合はnilを返す。
func (m *SessionManager) GetCurrentUser(w http.ResponseWriter, r *http.Request) *model.User {
	_, user := m.fromRequest(w, r)
	return user
}

// AuthenticateRequest はGetCurrentUserと同じ判定でリクエストの呼び出し元IDを返す。
func (m *SessionManager) AuthenticateRequest(w http.ResponseWriter, r *http.Request) *model.Identity {
	session, user := m.fromRequest(w, r)
	if session == nil || user == nil {
		return nil
	}
	return &model.Identity{UserID: user.ID, Role: user.Role, SessionID: session.ID}
}

// SignOut は現在のセッション行を削除し、Cookieを必ず削除する。
func (m *SessionManager) SignOut(w http.ResponseWriter, r *http.Request) error {
	defer m.ClearCookie(w)

	session := m.GetSession(w, r)
	if session == nil {
		return nil
	}

	if err := m.sessions.DeleteByID(r.Context(), session.ID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	m.metrics.RecordSessionsRevoked(1)
	slog.Info("user signed out", slog.String("user_id", session.UserID))
	return nil
}

// RevokeAllForUser は指定ユーザーの全セッションを削除し、削除件数を返す。
func (m *SessionManager) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	n, err := m.sessions.DeleteByUserID(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke user sessions: %w", err)
	}
	m.metrics.RecordSessionsRevoked(n)
	return n, nil
}

// SetCookie はセッショントークンをCookieに設定する。有効期限はセッションの有効期限と一致させる。
func (m *SessionManager) SetCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, m.config.Cookie.newCookie(m.config.Cookie.Name, token, expiresAt))
}

// ClearCookie はセッションCookieを削除する。
func (m *SessionManager) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, m.config.Cookie.newCookie(m.config.Cookie.Name, "", time.Time{}))
}

// fromRequest はCookieからセッションとユーザーを解決する。
// 認証失敗はすべて匿名として扱い、エラーは呼び出し元に返さずログとメトリクスにのみ残す。
func (m *SessionManager) fromRequest(w http.ResponseWriter, r *http.Request) (*model.Session, *model.User) {
	cookie, err := r.Cookie(m.config.Cookie.Name)
	if err != nil || cookie.Value == "" {
		return nil, nil
	}

	session, user, err := m.resolve(r.Context(), cookie.Value)
	switch {
	case err == nil:
		return session, user
	case errors.Is(err, ErrInvalidToken):
		slog.Debug("rejected session token", slog.String("path", r.URL.Path))
		m.metrics.RecordTokenRejected("invalid")
		m.ClearCookie(w)
	case errors.Is(err, ErrSessionNotFound):
		slog.Debug("stale session token", slog.String("path", r.URL.Path))
		m.metrics.RecordTokenRejected("stale")
		m.ClearCookie(w)
	default:
		// ストア障害ではCookieを残し、復旧後に再利用できるようにする
		slog.Error("failed to resolve session",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	return nil, nil
}

// resolve はトークン検証、セッション行の再確認、ユーザー取得を行う。
func (m *SessionManager) resolve(ctx context.Context, token string) (*model.Session, *model.User, error) {
	claims, err := m.codec.Parse(token)
	if err != nil {
		return nil, nil, ErrInvalidToken
	}

	session, err := m.sessions.FindByID(ctx, claims.SessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil || session.IsExpired(m.config.Now()) || session.UserID != claims.UserID() {
		return nil, nil, ErrSessionNotFound
	}

	user, err := m.users.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, nil, ErrSessionNotFound
	}

	return session, user, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
