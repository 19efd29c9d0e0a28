// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// Role はユーザーの権限区分を表す。
type Role string

const (
	// RoleUser は一般ユーザー。
	RoleUser Role = "user"
	// RoleAdmin は管理者。
	RoleAdmin Role = "admin"
)

// Valid は既知のロールかどうかを返す。
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// User はサービス利用ユーザーを表す。
// PasswordHashはOAuthのみで登録したユーザーではnilとなり、パスワードログインはできない。
type User struct {
	ID           string
	Email        string
	PasswordHash *string
	Name         string
	AvatarURL    string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasPassword はパスワードログインが可能なユーザーかどうかを返す。
func (u *User) HasPassword() bool {
	return u.PasswordHash != nil && *u.PasswordHash != ""
}

// IsAdmin は管理者ロールかどうかを返す。
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// OAuthConnection は外部IdPアカウントとローカルユーザーの紐付けを表す。
// (provider, provider_user_id) と (user_id, provider) はそれぞれ一意。
type OAuthConnection struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}

// Session はユーザーのログインセッションを表す。
// 行の削除がトークン失効の唯一の手段となる。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// IsExpired は指定時刻の時点でセッションが期限切れかどうかを返す。
func (s *Session) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// UserProfile はユーザーが自分で編集するプロフィール。
// ユーザーごとに高々1件で、未作成の場合は空のプロフィールとして扱う。
type UserProfile struct {
	ID        string
	UserID    string
	FullName  string
	Bio       string
	AvatarURL string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Identity は認証済みリクエストの呼び出し元を表す。
// Route Guardがリクエストごとに解決し、下流ハンドラーへ伝播する。
type Identity struct {
	UserID    string
	Role      Role
	SessionID string
}

// NormalizeEmail はメールアドレスを比較用に正規化する。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
