// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"

	"github.com/hitoshi/ryoa/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// identityContextKey はリクエストコンテキストに呼び出し元のIdentityを格納するためのキー。
var identityContextKey = contextKey("identity")

var identitySlotContextKey = contextKey("identity_slot")

// ContextWithIdentity はコンテキストにIdentityを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
// 外側のロギングミドルウェアがあれば、そのログにもユーザーIDとロールが載る。
func ContextWithIdentity(ctx context.Context, identity *model.Identity) context.Context {
	if slot, ok := ctx.Value(identitySlotContextKey).(*identitySlot); ok && identity != nil {
		slot.userID, slot.role = identity.UserID, string(identity.Role)
	}
	return context.WithValue(ctx, identityContextKey, identity)
}

func withIdentitySlot(ctx context.Context, slot *identitySlot) context.Context {
	return context.WithValue(ctx, identitySlotContextKey, slot)
}

// IdentityFromContext はリクエストコンテキストからIdentityを取得する。
// Route Guardが認証済みと判定したリクエストでのみ値が入る。
func IdentityFromContext(ctx context.Context) (*model.Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(*model.Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	identity, ok := IdentityFromContext(ctx)
	if !ok || identity.UserID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return identity.UserID, nil
}
