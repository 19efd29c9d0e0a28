// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/ryoa/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail は正規化済みメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はユーザーを作成する。メールアドレスが重複する場合はErrDuplicateを返す。
	Create(ctx context.Context, user *model.User) error

	// UpdatePasswordHash はパスワードハッシュを更新する。
	UpdatePasswordHash(ctx context.Context, id, passwordHash string) error

	// List は全ユーザーを作成日時順に返す。
	List(ctx context.Context) ([]*model.User, error)
}

// ProfileRepository はユーザープロフィールの永続化インターフェース。
type ProfileRepository interface {
	// FindByUserID はユーザーIDでプロフィールを取得する。見つからない場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (*model.UserProfile, error)

	// Upsert はプロフィールを作成し、既に存在する場合は内容を置き換える。
	// IDとCreatedAtは初回作成時の値が保持される。
	Upsert(ctx context.Context, profile *model.UserProfile) error
}

// ConnectionRepository は外部IdP紐付け情報の永続化インターフェース。
// 紐付けは作成後に更新されない。
type ConnectionRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idで紐付けを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.OAuthConnection, error)

	// FindByUserAndProvider はユーザーIDとproviderで紐付けを検索する。見つからない場合はnilを返す。
	FindByUserAndProvider(ctx context.Context, userID, provider string) (*model.OAuthConnection, error)

	// ListByUserID はユーザーの全紐付けを作成日時順に返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.OAuthConnection, error)

	// Create は紐付けを作成する。一意制約に違反する場合はErrDuplicateを返す。
	Create(ctx context.Context, conn *model.OAuthConnection) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
	// 期限切れ判定は呼び出し側で行う。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除し、削除件数を返す。
	DeleteByUserID(ctx context.Context, userID string) (int64, error)
	// DeleteExpired はbefore時点で期限切れのセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
