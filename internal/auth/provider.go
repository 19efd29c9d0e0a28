package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultOAuthHTTPTimeout はプロバイダーへの外向きHTTP通信のタイムアウト。
const DefaultOAuthHTTPTimeout = 5 * time.Second

// maxProviderResponseSize はプロバイダー応答として読み込む最大バイト数。
const maxProviderResponseSize = 1 << 20

// TokenPair はプロバイダーが発行したアクセス/リフレッシュトークン。
// サーバー側には保存しない。
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// Profile はプロバイダーから取得したユーザー情報。
type Profile struct {
	ProviderUserID string
	Email          string
	Name           string
	AvatarURL      string
}

// OAuthProvider は外部OAuthプロバイダーのインターフェース。
type OAuthProvider interface {
	// Name はプロバイダー名（"github", "linear"）を返す。
	Name() string
	// AuthorizationURL はstateを埋め込んだ認可URLを返す。
	AuthorizationURL(state string) string
	// ExchangeCode は認可コードをトークンに交換する。
	ExchangeCode(ctx context.Context, code string) (*TokenPair, error)
	// RefreshToken はリフレッシュトークンで新しいトークンを取得する。
	RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error)
	// FetchProfile はアクセストークンでプロフィールを取得する。
	FetchProfile(ctx context.Context, accessToken string) (*Profile, error)
}

// ProviderConfig はOAuthプロバイダー共通の設定。
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// HTTPClient は外向き通信に使うクライアント。nilの場合はタイムアウト付きの既定クライアント。
	HTTPClient *http.Client

	// テスト用にオーバーライド可能なURL
	AuthURL  string
	TokenURL string
	APIURL   string
}

func (c *ProviderConfig) withDefaults(authURL, tokenURL, apiURL string) {
	if c.AuthURL == "" {
		c.AuthURL = authURL
	}
	if c.TokenURL == "" {
		c.TokenURL = tokenURL
	}
	if c.APIURL == "" {
		c.APIURL = apiURL
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: DefaultOAuthHTTPTimeout}
	}
}

// tokenResponse はOAuthトークンエンドポイントの応答。
// 一部のプロバイダーは失敗時も200でerrorフィールドを返す。
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// doTokenRequest はトークンエンドポイントへのリクエストを送信し、失敗をErrOAuthExchangeFailedとして返す。
func doTokenRequest(client *http.Client, req *http.Request) (*TokenPair, error) {
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: token request failed: %v", ErrOAuthExchangeFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read token response: %v", ErrOAuthExchangeFailed, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: token endpoint returned status %d", ErrOAuthExchangeFailed, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("%w: failed to parse token response: %v", ErrOAuthExchangeFailed, err)
	}
	if tr.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrOAuthExchangeFailed, tr.Error)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access token in response", ErrOAuthExchangeFailed)
	}

	return &TokenPair{AccessToken: tr.AccessToken, RefreshToken: tr.RefreshToken}, nil
}

// getJSON はBearerトークン付きでリクエストを送信し、2xx応答をJSONとしてデコードする。
func getJSON(client *http.Client, req *http.Request, accessToken string, out any) error {
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("profile request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read profile response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("profile request failed with status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse profile response: %w", err)
	}
	return nil
}
