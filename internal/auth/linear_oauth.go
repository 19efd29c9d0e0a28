package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const (
	defaultLinearAuthURL  = "https://linear.app/oauth/authorize"
	defaultLinearTokenURL = "https://api.linear.app/oauth/token"
	defaultLinearAPIURL   = "https://api.linear.app/graphql"
)

const linearViewerQuery = `query Viewer { viewer { id name email avatarUrl } }`

// LinearProvider はLinear OAuthによる認証を提供する。
type LinearProvider struct {
	config ProviderConfig
}

// NewLinearProvider はLinearProviderを生成する。
func NewLinearProvider(config ProviderConfig) *LinearProvider {
	config.withDefaults(defaultLinearAuthURL, defaultLinearTokenURL, defaultLinearAPIURL)
	return &LinearProvider{config: config}
}

// Name はプロバイダー名を返す。
func (p *LinearProvider) Name() string { return "linear" }

// AuthorizationURL はLinearの認可URLを生成する。
func (p *LinearProvider) AuthorizationURL(state string) string {
	params := url.Values{
		"client_id":     {p.config.ClientID},
		"redirect_uri":  {p.config.RedirectURL},
		"response_type": {"code"},
		"scope":         {"read"},
		"state":         {state},
		"prompt":        {"consent"},
	}
	return p.config.AuthURL + "?" + params.Encode()
}

// ExchangeCode は認可コードをアクセス/リフレッシュトークンに交換する。
func (p *LinearProvider) ExchangeCode(ctx context.Context, code string) (*TokenPair, error) {
	return p.tokenRequest(ctx, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {p.config.ClientID},
		"client_secret": {p.config.ClientSecret},
		"redirect_uri":  {p.config.RedirectURL},
		"code":          {code},
	})
}

// RefreshToken はリフレッシュトークンで新しいトークンを取得する。
func (p *LinearProvider) RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	return p.tokenRequest(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {p.config.ClientID},
		"client_secret": {p.config.ClientSecret},
		"refresh_token": {refreshToken},
	})
}

func (p *LinearProvider) tokenRequest(ctx context.Context, form url.Values) (*TokenPair, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return doTokenRequest(p.config.HTTPClient, req)
}

type linearViewerResponse struct {
	Data struct {
		Viewer struct {
			ID        string `json:"id"`
			Name      string `json:"name"`
			Email     string `json:"email"`
			AvatarURL string `json:"avatarUrl"`
		} `json:"viewer"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// FetchProfile はGraphQLのviewerクエリでプロフィールを取得する。
func (p *LinearProvider) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	body, err := json.Marshal(map[string]string{"query": linearViewerQuery})
	if err != nil {
		return nil, fmt.Errorf("failed to encode viewer query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.APIURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create viewer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var resp linearViewerResponse
	if err := getJSON(p.config.HTTPClient, req, accessToken, &resp); err != nil {
		return nil, err
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("linear viewer query failed: %s", resp.Errors[0].Message)
	}

	viewer := resp.Data.Viewer
	if viewer.ID == "" {
		return nil, fmt.Errorf("%w: missing linear viewer id", ErrProfileIncomplete)
	}

	return &Profile{
		ProviderUserID: viewer.ID,
		Email:          viewer.Email,
		Name:           viewer.Name,
		AvatarURL:      viewer.AvatarURL,
	}, nil
}

// compile-time interface check
var _ OAuthProvider = (*LinearProvider)(nil)
