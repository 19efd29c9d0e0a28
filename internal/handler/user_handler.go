package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/ryoa/internal/middleware"
	"github.com/hitoshi/ryoa/internal/model"
	"github.com/hitoshi/ryoa/internal/user"
)

// ProfileServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type ProfileServiceInterface interface {
	// GetProfile はプロフィールを取得する。未作成なら空のプロフィールを返す。
	GetProfile(ctx context.Context, userID string) (*model.UserProfile, error)
	// UpdateProfile はプロフィールを部分更新する。
	UpdateProfile(ctx context.Context, userID string, update user.ProfileUpdate) (*model.UserProfile, error)
	// ListUsers は全ユーザーを返す。
	ListUsers(ctx context.Context) ([]*model.User, error)
}

// UserHandler はユーザー一覧とプロフィールのHTTPハンドラー。
type UserHandler struct {
	service ProfileServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service ProfileServiceInterface) *UserHandler {
	return &UserHandler{service: service}
}

// userSummaryResponse はユーザー一覧の要素。
type userSummaryResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// profileResponse はプロフィールのレスポンス。
type profileResponse struct {
	UserID    string     `json:"userId"`
	FullName  string     `json:"fullName"`
	Bio       string     `json:"bio"`
	AvatarURL string     `json:"avatarUrl"`
	UpdatedAt *time.Time `json:"updatedAt"`
}

// updateProfileRequest はプロフィール更新リクエストのボディ。省略した項目は変更しない。
type updateProfileRequest struct {
	FullName  *string `json:"fullName"`
	Bio       *string `json:"bio"`
	AvatarURL *string `json:"avatarUrl"`
}

// ListUsers は全ユーザーのID・メールアドレス・ロールを返す。管理者のみ。
// GET /api/users
func (h *UserHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}
	if identity.Role != model.RoleAdmin {
		middleware.WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
		return
	}

	users, err := h.service.ListUsers(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]userSummaryResponse, 0, len(users))
	for _, u := range users {
		resp = append(resp, userSummaryResponse{ID: u.ID, Email: u.Email, Role: string(u.Role)})
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

// GetProfile はログイン中のユーザーのプロフィールを返す。
// GET /api/profile
func (h *UserHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	profile, err := h.service.GetProfile(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, toProfileResponse(profile))
}

// UpdateProfile はログイン中のユーザーのプロフィールを更新する。
// PUT /api/profile
func (h *UserHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	var req updateProfileRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	profile, err := h.service.UpdateProfile(r.Context(), userID, user.ProfileUpdate{
		FullName:  req.FullName,
		Bio:       req.Bio,
		AvatarURL: req.AvatarURL,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, toProfileResponse(profile))
}

func toProfileResponse(p *model.UserProfile) profileResponse {
	resp := profileResponse{
		UserID:    p.UserID,
		FullName:  p.FullName,
		Bio:       p.Bio,
		AvatarURL: p.AvatarURL,
	}
	if !p.UpdatedAt.IsZero() {
		updatedAt := p.UpdatedAt
		resp.UpdatedAt = &updatedAt
	}
	return resp
}
