package auth

import (
	"net/http"
	"time"
)

const (
	// DefaultSessionCookieName はセッショントークンを格納するCookie名。
	DefaultSessionCookieName = "auth_token"

	// ProviderAccessTokenTTL はプロバイダーのアクセストークンCookieの有効期間。
	ProviderAccessTokenTTL = 7 * 24 * time.Hour
	// ProviderRefreshTokenTTL はプロバイダーのリフレッシュトークンCookieの有効期間。
	ProviderRefreshTokenTTL = 30 * 24 * time.Hour
)

// CookieConfig はCookie属性の設定。
type CookieConfig struct {
	Name   string
	Domain string
	Secure bool
}

// AccessTokenCookieName はプロバイダーのアクセストークンCookie名を返す（例: linear_access_token）。
func AccessTokenCookieName(provider string) string {
	return provider + "_access_token"
}

// RefreshTokenCookieName はプロバイダーのリフレッシュトークンCookie名を返す。
func RefreshTokenCookieName(provider string) string {
	return provider + "_refresh_token"
}

// newCookie はHttpOnly・SameSite=Lax・Path=/ のCookieを組み立てる。
func (c CookieConfig) newCookie(name, value string, expires time.Time) *http.Cookie {
	cookie := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   c.Domain,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	}
	if expires.IsZero() {
		cookie.MaxAge = -1
		cookie.Expires = time.Unix(0, 0)
	} else {
		cookie.Expires = expires
	}
	return cookie
}

// SetProviderTokenCookies はプロバイダーのアクセス/リフレッシュトークンをCookieに保存する。
// リフレッシュトークンが空の場合はアクセストークンのみ更新する。
func (c CookieConfig) SetProviderTokenCookies(w http.ResponseWriter, provider string, pair *TokenPair, now time.Time) {
	if pair == nil || pair.AccessToken == "" {
		return
	}
	http.SetCookie(w, c.newCookie(AccessTokenCookieName(provider), pair.AccessToken, now.Add(ProviderAccessTokenTTL)))
	if pair.RefreshToken != "" {
		http.SetCookie(w, c.newCookie(RefreshTokenCookieName(provider), pair.RefreshToken, now.Add(ProviderRefreshTokenTTL)))
	}
}

// ClearProviderTokenCookies はプロバイダーのトークンCookieを削除する。
func (c CookieConfig) ClearProviderTokenCookies(w http.ResponseWriter, provider string) {
	http.SetCookie(w, c.newCookie(AccessTokenCookieName(provider), "", time.Time{}))
	http.SetCookie(w, c.newCookie(RefreshTokenCookieName(provider), "", time.Time{}))
}
