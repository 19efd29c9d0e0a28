package auth

import "github.com/hitoshi/ryoa/internal/model"

// AdminAllowList は作成時に管理者ロールを付与するメールアドレスの集合。
// 比較は正規化済みのメールアドレスで行う。
type AdminAllowList map[string]struct{}

// NewAdminAllowList はメールアドレスのリストからAdminAllowListを生成する。空要素は無視する。
func NewAdminAllowList(emails []string) AdminAllowList {
	list := make(AdminAllowList, len(emails))
	for _, e := range emails {
		if n := model.NormalizeEmail(e); n != "" {
			list[n] = struct{}{}
		}
	}
	return list
}

// RoleFor は新規ユーザーに付与するロールを返す。
func (l AdminAllowList) RoleFor(email string) model.Role {
	if _, ok := l[model.NormalizeEmail(email)]; ok {
		return model.RoleAdmin
	}
	return model.RoleUser
}
