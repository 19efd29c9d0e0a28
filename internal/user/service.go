// Package user はメールアドレスとパスワードによるアカウント管理のドメインロジックを提供する。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hitoshi/ryoa/internal/metrics"
	"github.com/hitoshi/ryoa/internal/model"
	"github.com/hitoshi/ryoa/internal/repository"
)

const (
	// MinPasswordLength はパスワードの最小文字数。
	MinPasswordLength = 8
	// MaxPasswordLength はパスワードの最大文字数。
	MaxPasswordLength = 256
)

var (
	// ErrEmailTaken はメールアドレスが登録済みであることを示す。
	ErrEmailTaken = errors.New("email already registered")
	// ErrInvalidCredentials はメールアドレスまたはパスワードの不一致を示す。どちらが誤っているかは区別しない。
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrInvalidInput は入力値の検証エラーを示す。
	ErrInvalidInput = errors.New("invalid input")
	// ErrUserNotFound はユーザーが存在しないことを示す。
	ErrUserNotFound = errors.New("user not found")
)

// PasswordHasher はパスワードのハッシュ化と検証を行う。
type PasswordHasher interface {
	HashPassword(plaintext string) (string, error)
	VerifyPassword(digest, plaintext string) (bool, error)
}

// SessionIssuer はセッションの発行と一括失効を行う。
type SessionIssuer interface {
	CreateSession(ctx context.Context, user *model.User) (token string, expiresAt time.Time, err error)
	RevokeAllForUser(ctx context.Context, userID string) (int64, error)
}

// RoleResolver は新規ユーザーに付与するロールを決める。
type RoleResolver interface {
	RoleFor(email string) model.Role
}

// LoginResult はログイン成功時に発行されたセッション。
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	User      *model.User
}

// Service はアカウント管理のサービス層。
type Service struct {
	users    repository.UserRepository
	hasher   PasswordHasher
	sessions SessionIssuer
	roles    RoleResolver
	metrics  metrics.MetricsCollector
	now      func() time.Time

	dummyOnce   sync.Once
	dummyDigest string
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	users repository.UserRepository,
	hasher PasswordHasher,
	sessions SessionIssuer,
	roles RoleResolver,
	collector metrics.MetricsCollector,
) *Service {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Service{
		users:    users,
		hasher:   hasher,
		sessions: sessions,
		roles:    roles,
		metrics:  collector,
		now:      time.Now,
	}
}

// Register はメールアドレスとパスワードでユーザーを登録し、セッションを発行する。
// 管理者許可リストに含まれるメールアドレスは作成時に管理者ロールとなる。
func (s *Service) Register(ctx context.Context, email, password string) (*LoginResult, error) {
	email, err := normalizeAddress(email)
	if err != nil {
		return nil, err
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}

	existing, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if existing != nil {
		return nil, ErrEmailTaken
	}

	digest, err := s.hasher.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("パスワードのハッシュ化に失敗しました: %w", err)
	}

	now := s.now().UTC()
	user := &model.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: &digest,
		Role:         s.roles.RoleFor(email),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("ユーザーの作成に失敗しました: %w", err)
	}

	slog.Info("ユーザーを登録しました",
		slog.String("user_id", user.ID),
		slog.String("role", string(user.Role)),
	)

	return s.issue(ctx, user)
}

// Login はメールアドレスとパスワードを検証し、セッションを発行する。
// ユーザーが存在しない場合やOAuthのみのユーザーの場合も、同じ時間をかけてErrInvalidCredentialsを返す。
func (s *Service) Login(ctx context.Context, email, password string) (result *LoginResult, err error) {
	defer func() { s.metrics.RecordLogin("password", err == nil) }()

	user, err := s.users.FindByEmail(ctx, model.NormalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}

	if user == nil || !user.HasPassword() {
		s.burnVerify(password)
		return nil, ErrInvalidCredentials
	}

	ok, err := s.hasher.VerifyPassword(*user.PasswordHash, password)
	if err != nil {
		return nil, fmt.Errorf("パスワードの検証に失敗しました: %w", err)
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}

	return s.issue(ctx, user)
}

// ChangePassword はパスワードを変更し、ユーザーの全セッションを失効させたうえで新しいセッションを発行する。
// パスワード未設定（OAuthのみ）のユーザーは currentPassword を空にして初回設定できる。
func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) (*LoginResult, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	if user.HasPassword() {
		ok, err := s.hasher.VerifyPassword(*user.PasswordHash, currentPassword)
		if err != nil {
			return nil, fmt.Errorf("パスワードの検証に失敗しました: %w", err)
		}
		if !ok {
			return nil, ErrInvalidCredentials
		}
	} else if currentPassword != "" {
		return nil, ErrInvalidCredentials
	}

	if err := validatePassword(newPassword); err != nil {
		return nil, err
	}

	digest, err := s.hasher.HashPassword(newPassword)
	if err != nil {
		return nil, fmt.Errorf("パスワードのハッシュ化に失敗しました: %w", err)
	}
	if err := s.users.UpdatePasswordHash(ctx, user.ID, digest); err != nil {
		return nil, fmt.Errorf("パスワードの更新に失敗しました: %w", err)
	}
	user.PasswordHash = &digest

	revoked, err := s.sessions.RevokeAllForUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("セッションの失効に失敗しました: %w", err)
	}

	slog.Info("パスワードを変更しました",
		slog.String("user_id", user.ID),
		slog.Int64("revoked_sessions", revoked),
	)

	return s.issue(ctx, user)
}

// Me は認証済みユーザーの情報を返す。
func (s *Service) Me(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

func (s *Service) issue(ctx context.Context, user *model.User) (*LoginResult, error) {
	token, expiresAt, err := s.sessions.CreateSession(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("セッションの作成に失敗しました: %w", err)
	}
	return &LoginResult{Token: token, ExpiresAt: expiresAt, User: user}, nil
}

// burnVerify はダミーのダイジェストに対して検証を行い、
// ユーザーの有無が応答時間から推測されないようにする。
func (s *Service) burnVerify(password string) {
	s.dummyOnce.Do(func() {
		digest, err := s.hasher.HashPassword("dummy-password-for-timing")
		if err != nil {
			slog.Error("failed to prepare dummy digest", slog.String("error", err.Error()))
			return
		}
		s.dummyDigest = digest
	})
	if s.dummyDigest != "" {
		_, _ = s.hasher.VerifyPassword(s.dummyDigest, password)
	}
}

func normalizeAddress(email string) (string, error) {
	normalized := model.NormalizeEmail(email)
	if normalized == "" {
		return "", fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	addr, err := mail.ParseAddress(normalized)
	if err != nil || addr.Address != normalized {
		return "", fmt.Errorf("%w: malformed email", ErrInvalidInput)
	}
	return normalized, nil
}

func validatePassword(password string) error {
	n := utf8.RuneCountInString(password)
	if n < MinPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, MinPasswordLength)
	}
	if n > MaxPasswordLength {
		return fmt.Errorf("%w: password must be at most %d characters", ErrInvalidInput, MaxPasswordLength)
	}
	return nil
}
