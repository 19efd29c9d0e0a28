package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hitoshi/ryoa/internal/metrics"
	"github.com/hitoshi/ryoa/internal/model"
	"github.com/hitoshi/ryoa/internal/repository"
)

// EmailLinkPolicy は既存ユーザーとメールアドレスが一致した場合の紐付け方針。
type EmailLinkPolicy string

const (
	// EmailLinkReject はパスワードまたは別プロバイダーの紐付けを持つユーザーへの自動紐付けを拒否する。
	EmailLinkReject EmailLinkPolicy = "reject"
	// EmailLinkLink はメールアドレスが一致すれば紐付ける。
	EmailLinkLink EmailLinkPolicy = "link"
)

// ParseEmailLinkPolicy は設定値をEmailLinkPolicyに変換する。空文字はrejectとなる。
func ParseEmailLinkPolicy(s string) (EmailLinkPolicy, error) {
	switch EmailLinkPolicy(s) {
	case "", EmailLinkReject:
		return EmailLinkReject, nil
	case EmailLinkLink:
		return EmailLinkLink, nil
	default:
		return "", fmt.Errorf("unknown email link policy: %q", s)
	}
}

// URLValidator は保存前に外部URLを検証する。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// NameSanitizer は外部から受け取った表示名を平文に整える。
type NameSanitizer interface {
	SanitizeName(name string) string
}

// LinkerConfig はOAuth Linkerの設定。
type LinkerConfig struct {
	AdminEmails     AdminAllowList
	EmailLinkPolicy EmailLinkPolicy
	Now             func() time.Time
}

// LoginResult はOAuthログイン完了時の結果。
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	User      *model.User
	Provider  string
	Tokens    *TokenPair
}

// Linker は外部プロバイダーのアカウントをローカルユーザーに解決し、セッションを発行する。
type Linker struct {
	providers   map[string]OAuthProvider
	users       repository.UserRepository
	connections repository.ConnectionRepository
	sessions    *SessionManager
	urls        URLValidator
	names       NameSanitizer
	metrics     metrics.MetricsCollector
	config      LinkerConfig
}

// NewLinker はLinkerを生成する。
func NewLinker(
	providers []OAuthProvider,
	users repository.UserRepository,
	connections repository.ConnectionRepository,
	sessions *SessionManager,
	urls URLValidator,
	names NameSanitizer,
	collector metrics.MetricsCollector,
	config LinkerConfig,
) *Linker {
	byName := make(map[string]OAuthProvider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	if config.EmailLinkPolicy == "" {
		config.EmailLinkPolicy = EmailLinkReject
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Linker{
		providers:   byName,
		users:       users,
		connections: connections,
		sessions:    sessions,
		urls:        urls,
		names:       names,
		metrics:     collector,
		config:      config,
	}
}

// Provider は名前に対応するプロバイダーを返す。未設定の場合はErrUnknownProviderを返す。
func (l *Linker) Provider(name string) (OAuthProvider, error) {
	p, ok := l.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

// ProviderNames は設定済みプロバイダー名を昇順で返す。
func (l *Linker) ProviderNames() []string {
	names := make([]string, 0, len(l.providers))
	for name := range l.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BeginLogin はログイン試行ごとのランダムなstateと、それを埋め込んだ認可URLを返す。
func (l *Linker) BeginLogin(providerName string) (authURL, state string, err error) {
	provider, err := l.Provider(providerName)
	if err != nil {
		return "", "", err
	}

	state, err = generateState()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate state: %w", err)
	}
	return provider.AuthorizationURL(state), state, nil
}

// CompleteLogin は認可コードの交換、プロフィール取得、ユーザー解決、セッション発行を順に行う。
// 途中で失敗しても作成済みのユーザーや紐付けは巻き戻さない。次回のログインで再利用される。
func (l *Linker) CompleteLogin(ctx context.Context, providerName, code string) (result *LoginResult, err error) {
	ctx, span := tracer.Start(ctx, "auth.CompleteLogin", trace.WithAttributes(attribute.String("oauth.provider", providerName)))
	defer func() { endSpan(span, err) }()

	provider, err := l.Provider(providerName)
	if err != nil {
		return nil, err
	}

	// 1. 認可コードをトークンに交換
	pair, err := provider.ExchangeCode(ctx, code)
	if err != nil {
		l.metrics.RecordOAuthFailure(providerName, "exchange")
		l.metrics.RecordLogin(providerName, false)
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}

	result, err = l.loginWithTokens(ctx, provider, pair)
	l.metrics.RecordLogin(providerName, err == nil)
	return result, err
}

// RefreshLogin はリフレッシュトークンでプロバイダーのトークンを更新し、
// 同じユーザーに新しいセッションを発行する。
func (l *Linker) RefreshLogin(ctx context.Context, providerName, refreshToken string) (result *LoginResult, err error) {
	ctx, span := tracer.Start(ctx, "auth.RefreshLogin", trace.WithAttributes(attribute.String("oauth.provider", providerName)))
	defer func() { endSpan(span, err) }()

	provider, err := l.Provider(providerName)
	if err != nil {
		return nil, err
	}

	pair, err := l.Refresh(ctx, providerName, refreshToken)
	if err != nil {
		return nil, err
	}
	return l.loginWithTokens(ctx, provider, pair)
}

// Refresh はリフレッシュトークンで新しいトークンペアを取得する。
// 応答にリフレッシュトークンが含まれない場合は元のリフレッシュトークンを引き継ぐ。
func (l *Linker) Refresh(ctx context.Context, providerName, refreshToken string) (*TokenPair, error) {
	provider, err := l.Provider(providerName)
	if err != nil {
		return nil, err
	}

	pair, err := provider.RefreshToken(ctx, refreshToken)
	if err != nil {
		l.metrics.RecordOAuthFailure(providerName, "refresh")
		return nil, fmt.Errorf("failed to refresh oauth token: %w", err)
	}
	if pair.RefreshToken == "" {
		pair.RefreshToken = refreshToken
	}
	return pair, nil
}

func (l *Linker) loginWithTokens(ctx context.Context, provider OAuthProvider, pair *TokenPair) (*LoginResult, error) {
	name := provider.Name()

	// 2. プロフィールを取得
	profile, err := provider.FetchProfile(ctx, pair.AccessToken)
	if err != nil {
		l.metrics.RecordOAuthFailure(name, "profile")
		return nil, fmt.Errorf("failed to fetch profile: %w", err)
	}

	// 3. ローカルユーザーに解決
	user, err := l.ResolveUser(ctx, name, profile)
	if err != nil {
		l.metrics.RecordOAuthFailure(name, "resolve")
		return nil, fmt.Errorf("failed to resolve user: %w", err)
	}

	// 4. セッションを発行
	token, expiresAt, err := l.sessions.CreateSession(ctx, user)
	if err != nil {
		l.metrics.RecordOAuthFailure(name, "session")
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	slog.Info("user logged in via oauth",
		slog.String("user_id", user.ID),
		slog.String("provider", name),
	)

	return &LoginResult{
		Token:     token,
		ExpiresAt: expiresAt,
		User:      user,
		Provider:  name,
		Tokens:    pair,
	}, nil
}

// ResolveUser はプロフィールをローカルユーザーに解決する。冪等であり、
// 同じプロフィールで何度呼んでもユーザーと紐付けはそれぞれ1件しか作られない。
//  1. (provider, provider_user_id) の紐付けがあればそのユーザーを返す
//  2. メールアドレスでユーザーを検索し、なければ作成する
//  3. 紐付け方針に従って紐付けを作成する
func (l *Linker) ResolveUser(ctx context.Context, providerName string, profile *Profile) (user *model.User, err error) {
	ctx, span := tracer.Start(ctx, "auth.ResolveUser", trace.WithAttributes(attribute.String("oauth.provider", providerName)))
	defer func() { endSpan(span, err) }()

	if profile == nil || profile.ProviderUserID == "" {
		return nil, ErrProfileIncomplete
	}

	user, err = l.userByConnection(ctx, providerName, profile.ProviderUserID)
	if err != nil || user != nil {
		return user, err
	}

	email := model.NormalizeEmail(profile.Email)
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrProfileIncomplete)
	}

	user, err = l.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}

	if user == nil {
		user, err = l.createUser(ctx, email, profile)
		if err != nil {
			return nil, err
		}
	}

	if err := l.checkLinkable(ctx, user, providerName); err != nil {
		return nil, err
	}

	conn := &model.OAuthConnection{
		ID:             uuid.New().String(),
		UserID:         user.ID,
		Provider:       providerName,
		ProviderUserID: profile.ProviderUserID,
		CreatedAt:      l.config.Now().UTC(),
	}
	err = l.connections.Create(ctx, conn)
	if errors.Is(err, repository.ErrDuplicate) {
		// 同時ログインで先に紐付けが作られた場合は、それが同じユーザーを指していれば受け入れる
		existing, findErr := l.userByConnection(ctx, providerName, profile.ProviderUserID)
		if findErr != nil {
			return nil, findErr
		}
		if existing != nil && existing.ID == user.ID {
			return existing, nil
		}
		return nil, ErrEmailLinkedToOtherAccount
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create oauth connection: %w", err)
	}

	slog.Info("oauth connection created",
		slog.String("user_id", user.ID),
		slog.String("provider", providerName),
	)
	return user, nil
}

func (l *Linker) userByConnection(ctx context.Context, providerName, providerUserID string) (*model.User, error) {
	conn, err := l.connections.FindByProviderAndProviderUserID(ctx, providerName, providerUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find oauth connection: %w", err)
	}
	if conn == nil {
		return nil, nil
	}

	user, err := l.users.FindByID(ctx, conn.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find linked user: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("oauth connection %s references missing user %s", conn.ID, conn.UserID)
	}
	return user, nil
}

// createUser はOAuthのみのユーザーを作成する。パスワードハッシュはNULLのまま保存する。
func (l *Linker) createUser(ctx context.Context, email string, profile *Profile) (*model.User, error) {
	avatarURL := profile.AvatarURL
	if avatarURL != "" && l.urls != nil {
		if err := l.urls.ValidateURL(avatarURL); err != nil {
			slog.Warn("discarding unsafe avatar url", slog.String("error", err.Error()))
			avatarURL = ""
		}
	}
	name := profile.Name
	if l.names != nil {
		name = l.names.SanitizeName(name)
	}

	now := l.config.Now().UTC()
	user := &model.User{
		ID:        uuid.New().String(),
		Email:     email,
		Name:      name,
		AvatarURL: avatarURL,
		Role:      l.config.AdminEmails.RoleFor(email),
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := l.users.Create(ctx, user)
	if errors.Is(err, repository.ErrDuplicate) {
		existing, findErr := l.users.FindByEmail(ctx, email)
		if findErr != nil {
			return nil, fmt.Errorf("failed to find user by email: %w", findErr)
		}
		if existing == nil {
			return nil, fmt.Errorf("user %s vanished after duplicate insert", email)
		}
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	slog.Info("new user created",
		slog.String("user_id", user.ID),
		slog.String("role", string(user.Role)),
	)
	return user, nil
}

// checkLinkable は既存ユーザーへの紐付け可否を判定する。
// 同じプロバイダーの別アカウントが紐付いている場合は方針によらず拒否する。
func (l *Linker) checkLinkable(ctx context.Context, user *model.User, providerName string) error {
	existing, err := l.connections.FindByUserAndProvider(ctx, user.ID, providerName)
	if err != nil {
		return fmt.Errorf("failed to find oauth connection by user: %w", err)
	}
	if existing != nil {
		return ErrEmailLinkedToOtherAccount
	}

	if l.config.EmailLinkPolicy == EmailLinkLink {
		return nil
	}

	if user.HasPassword() {
		return ErrEmailLinkedToOtherAccount
	}
	conns, err := l.connections.ListByUserID(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("failed to list oauth connections: %w", err)
	}
	if len(conns) > 0 {
		return ErrEmailLinkedToOtherAccount
	}
	return nil
}

// generateState はOAuthのstateパラメータ用に16バイトの乱数を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
