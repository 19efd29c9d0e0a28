package handler

import (
	"net/http"

	"github.com/hitoshi/ryoa/internal/middleware"
)

// pageResponse はページのプレースホルダーレスポンス。
// 画面はフロントエンドが描画し、ここではGuardを通過した結果だけを返す。
type pageResponse struct {
	Page   string `json:"page"`
	UserID string `json:"userId,omitempty"`
	Role   string `json:"role,omitempty"`
}

// PageHandler はGuardの下に置かれるページのプレースホルダーを返す。
func PageHandler(page string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := pageResponse{Page: page}
		if identity, ok := middleware.IdentityFromContext(r.Context()); ok {
			resp.UserID = identity.UserID
			resp.Role = string(identity.Role)
		}
		middleware.WriteJSON(w, http.StatusOK, resp)
	}
}
