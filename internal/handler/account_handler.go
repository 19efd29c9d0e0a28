package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/ryoa/internal/middleware"
	"github.com/hitoshi/ryoa/internal/model"
	"github.com/hitoshi/ryoa/internal/user"
)

// maxRequestBodySize はJSONリクエストボディの上限。
const maxRequestBodySize = 64 << 10

// AccountServiceInterface はアカウントハンドラーが必要とするサービスインターフェース。
type AccountServiceInterface interface {
	// Register はメールアドレスとパスワードでユーザーを登録し、セッションを発行する。
	Register(ctx context.Context, email, password string) (*user.LoginResult, error)
	// Login はメールアドレスとパスワードで認証し、セッションを発行する。
	Login(ctx context.Context, email, password string) (*user.LoginResult, error)
	// ChangePassword はパスワードを変更し、既存セッションをすべて失効させる。
	ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) (*user.LoginResult, error)
	// Me はユーザー情報を取得する。
	Me(ctx context.Context, userID string) (*model.User, error)
}

// SessionCookieWriter はセッションCookieを書き込む。
type SessionCookieWriter interface {
	SetCookie(w http.ResponseWriter, token string, expiresAt time.Time)
}

// AccountHandler はメールアドレス・パスワード認証のHTTPハンドラー。
type AccountHandler struct {
	service AccountServiceInterface
	cookies SessionCookieWriter
	policy  middleware.Policy
}

// NewAccountHandler はAccountHandlerを生成する。
func NewAccountHandler(service AccountServiceInterface, cookies SessionCookieWriter, policy middleware.Policy) *AccountHandler {
	return &AccountHandler{
		service: service,
		cookies: cookies,
		policy:  policy,
	}
}

// credentialsRequest は登録・ログインリクエストのボディ。
type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// changePasswordRequest はパスワード変更リクエストのボディ。
type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// sessionResponse はセッション発行時のレスポンス。
type sessionResponse struct {
	User       userResponse `json:"user"`
	RedirectTo string       `json:"redirectTo"`
}

// Register はユーザー登録を処理する。
// POST /api/auth/register
func (h *AccountHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.writeSession(w, http.StatusCreated, result)
}

// Login はメールアドレスとパスワードでのログインを処理する。
// POST /api/auth/login
func (h *AccountHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.writeSession(w, http.StatusOK, result)
}

// ChangePassword はパスワード変更を処理する。
// 他のセッションはすべて失効し、このリクエストには新しいセッションCookieを返す。
// POST /api/auth/password
func (h *AccountHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	var req changePasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.ChangePassword(r.Context(), userID, req.CurrentPassword, req.NewPassword)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.writeSession(w, http.StatusOK, result)
}

// Me はログイン中のユーザー情報を返す。
// GET /api/auth/me
func (h *AccountHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	u, err := h.service.Me(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, toUserResponse(u))
}

func (h *AccountHandler) writeSession(w http.ResponseWriter, status int, result *user.LoginResult) {
	h.cookies.SetCookie(w, result.Token, result.ExpiresAt)
	middleware.WriteJSON(w, status, sessionResponse{
		User:       toUserResponse(result.User),
		RedirectTo: h.policy.DashboardFor(result.User.Role),
	})
}

// decodeJSON はリクエストボディをデコードする。失敗時は400を書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidInputError("リクエストボディの解析に失敗しました"))
		return false
	}
	return true
}

// handleServiceError はサービス層のエラーをHTTPレスポンスに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, user.ErrEmailTaken):
		middleware.WriteErrorResponse(w, http.StatusConflict, model.NewEmailTakenError())
	case errors.Is(err, user.ErrInvalidInput):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidInputError(invalidInputReason(err)))
	case errors.Is(err, user.ErrInvalidCredentials):
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewInvalidCredentialsError())
	case errors.Is(err, user.ErrUserNotFound):
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewUserNotFoundError())
	default:
		slog.Error("unexpected service error", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
	}
}

// invalidInputReason はラップされたErrInvalidInputから理由部分を取り出す。
func invalidInputReason(err error) string {
	return strings.TrimPrefix(err.Error(), user.ErrInvalidInput.Error()+": ")
}
