// Package auth はパスワードハッシュ、セッショントークン、セッション管理、
// 外部OAuthプロバイダーとのアカウント紐付けを提供する。
package auth

import "errors"

var (
	// ErrInvalidToken はトークンの署名・形式・有効期限のいずれかが不正であることを表す。
	// 失敗理由は呼び出し側に区別させない。
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrWeakSecret は署名鍵が32バイト未満であることを表す。
	ErrWeakSecret = errors.New("auth: signing secret must be at least 32 bytes")

	// ErrSessionNotFound はトークンは正当だがセッション行が存在しないか期限切れであることを表す。
	ErrSessionNotFound = errors.New("auth: session not found or expired")

	// ErrOAuthExchangeFailed はプロバイダーのトークンエンドポイントが失敗を返したことを表す。
	ErrOAuthExchangeFailed = errors.New("auth: oauth exchange failed")

	// ErrProfileIncomplete はプロバイダーのプロフィールにIDまたはメールアドレスがないことを表す。
	ErrProfileIncomplete = errors.New("auth: provider profile is incomplete")

	// ErrUnknownProvider は未設定のプロバイダー名が指定されたことを表す。
	ErrUnknownProvider = errors.New("auth: unknown oauth provider")

	// ErrEmailLinkedToOtherAccount はメールアドレスが別の認証手段を持つ既存ユーザーに属し、
	// 自動紐付けを拒否したことを表す。
	ErrEmailLinkedToOtherAccount = errors.New("auth: email already belongs to another account")
)
