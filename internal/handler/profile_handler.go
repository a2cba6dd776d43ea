package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/puppybell/internal/middleware"
)

// identityResponse はプロフィールのレスポンス型。
type identityResponse struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	Role         string    `json:"role"`
	BondedUserID string    `json:"bonded_user_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ProfileServiceInterface はプロフィールハンドラーが依存するサービスのインターフェース。
type ProfileServiceInterface interface {
	GetProfile(ctx context.Context, callerID, userID string) (*identityResponse, error)
	SetRole(ctx context.Context, callerID, role string) (*identityResponse, error)
}

// ProfileHandler はプロフィール関連のHTTPハンドラー。
type ProfileHandler struct {
	service ProfileServiceInterface
}

// NewProfileHandler はProfileHandlerを生成する。
func NewProfileHandler(service ProfileServiceInterface) *ProfileHandler {
	return &ProfileHandler{service: service}
}

// GetMe は呼び出し元自身のプロフィールを返す。
// GET /api/identities/me
func (h *ProfileHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthenticated(w)
		return
	}

	resp, err := h.service.GetProfile(r.Context(), userID, userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetProfile は指定ユーザーのプロフィールを返す。本人とペア相手以外は404。
// GET /api/identities/{id}
func (h *ProfileHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthenticated(w)
		return
	}

	resp, err := h.service.GetProfile(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// setRoleRequest は役割設定のリクエストボディ。
type setRoleRequest struct {
	Role string `json:"role"`
}

// SetRole は呼び出し元の役割を設定する。
// PUT /api/identities/me/role
func (h *ProfileHandler) SetRole(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthenticated(w)
		return
	}

	var req setRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequest(w)
		return
	}

	resp, err := h.service.SetRole(r.Context(), userID, req.Role)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
