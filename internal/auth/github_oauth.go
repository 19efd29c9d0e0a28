package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

const (
	defaultGitHubAuthURL  = "https://github.com/login/oauth/authorize"
	defaultGitHubTokenURL = "https://github.com/login/oauth/access_token"
	defaultGitHubAPIURL   = "https://api.github.com"
)

// GitHubProvider はGitHub OAuth Appによる認証を提供する。
type GitHubProvider struct {
	config ProviderConfig
}

// NewGitHubProvider はGitHubProviderを生成する。
func NewGitHubProvider(config ProviderConfig) *GitHubProvider {
	config.withDefaults(defaultGitHubAuthURL, defaultGitHubTokenURL, defaultGitHubAPIURL)
	return &GitHubProvider{config: config}
}

// Name はプロバイダー名を返す。
func (p *GitHubProvider) Name() string { return "github" }

// AuthorizationURL はGitHubの認可URLを生成する。スコープはuser:email。
func (p *GitHubProvider) AuthorizationURL(state string) string {
	params := url.Values{
		"client_id":    {p.config.ClientID},
		"redirect_uri": {p.config.RedirectURL},
		"scope":        {"user:email"},
		"state":        {state},
	}
	return p.config.AuthURL + "?" + params.Encode()
}

// ExchangeCode は認可コードをアクセストークンに交換する。
// GitHubは失敗時も200でerrorフィールドを返すため、その場合も失敗として扱う。
func (p *GitHubProvider) ExchangeCode(ctx context.Context, code string) (*TokenPair, error) {
	return p.tokenRequest(ctx, map[string]string{
		"client_id":     p.config.ClientID,
		"client_secret": p.config.ClientSecret,
		"code":          code,
		"redirect_uri":  p.config.RedirectURL,
	})
}

// RefreshToken はトークン有効期限付きのGitHub Appでのみ有効。
func (p *GitHubProvider) RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	return p.tokenRequest(ctx, map[string]string{
		"client_id":     p.config.ClientID,
		"client_secret": p.config.ClientSecret,
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	})
}

func (p *GitHubProvider) tokenRequest(ctx context.Context, payload map[string]string) (*TokenPair, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.TokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return doTokenRequest(p.config.HTTPClient, req)
}

type githubUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// FetchProfile は /user からプロフィールを取得する。
// 公開メールアドレスがない場合は /user/emails から検証済みのプライマリアドレスを使う。
func (p *GitHubProvider) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.APIURL+"/user", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user request: %w", err)
	}

	var user githubUser
	if err := getJSON(p.config.HTTPClient, req, accessToken, &user); err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, fmt.Errorf("%w: missing github user id", ErrProfileIncomplete)
	}

	email := user.Email
	if email == "" {
		email, err = p.fetchPrimaryEmail(ctx, accessToken)
		if err != nil {
			return nil, err
		}
	}

	name := user.Name
	if name == "" {
		name = user.Login
	}

	return &Profile{
		ProviderUserID: strconv.FormatInt(user.ID, 10),
		Email:          email,
		Name:           name,
		AvatarURL:      user.AvatarURL,
	}, nil
}

func (p *GitHubProvider) fetchPrimaryEmail(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.APIURL+"/user/emails", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create emails request: %w", err)
	}

	var emails []githubEmail
	if err := getJSON(p.config.HTTPClient, req, accessToken, &emails); err != nil {
		return "", err
	}
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email, nil
		}
	}
	return "", nil
}

// compile-time interface check
var _ OAuthProvider = (*GitHubProvider)(nil)
