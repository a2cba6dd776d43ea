package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/puppybell/internal/middleware"
	"github.com/hitoshi/puppybell/internal/model"
)

// interactionResponse はインタラクションのレスポンス型。
type interactionResponse struct {
	ID                  string     `json:"id"`
	PrimaryID           string     `json:"primary_id"`
	SecondaryID         string     `json:"secondary_id"`
	Type                string     `json:"type"`
	Timestamp           time.Time  `json:"timestamp"`
	ResponseType        *string    `json:"response_type"`
	ResponseTimestamp   *time.Time `json:"response_timestamp"`
	ResponseTimeSeconds *int64     `json:"response_time_seconds"`
}

// InteractionServiceInterface はインタラクションハンドラーが依存するサービスのインターフェース。
type InteractionServiceInterface interface {
	Notify(ctx context.Context, callerID, secondaryID, notificationType string) (*interactionResponse, error)
	Respond(ctx context.Context, callerID, interactionID, responseType string) (*interactionResponse, error)
	Get(ctx context.Context, callerID, interactionID string) (*interactionResponse, error)
	List(ctx context.Context, callerID string, limit int) ([]interactionResponse, error)
}

// InteractionHandler はインタラクション関連のHTTPハンドラー。
type InteractionHandler struct {
	service InteractionServiceInterface
}

// NewInteractionHandler はInteractionHandlerを生成する。
func NewInteractionHandler(service InteractionServiceInterface) *InteractionHandler {
	return &InteractionHandler{service: service}
}

// notifyRequest は通知のリクエストボディ。
// secondary_id を省略した場合は現在のペア相手、type を省略した場合は "ring" とする。
type notifyRequest struct {
	SecondaryID string `json:"secondary_id"`
	Type        string `json:"type"`
}

// Notify は呼び出し元からペア相手への通知を記録する。
// POST /api/interactions
func (h *InteractionHandler) Notify(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthenticated(w)
		return
	}

	var req notifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeInvalidRequest(w)
		return
	}

	resp, err := h.service.Notify(r.Context(), userID, req.SecondaryID, req.Type)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// respondRequest は応答のリクエストボディ。
type respondRequest struct {
	ResponseType string `json:"response_type"`
}

// Respond は通知への応答を記録し、応答時間を返す。
// POST /api/interactions/{id}/response
func (h *InteractionHandler) Respond(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthenticated(w)
		return
	}

	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequest(w)
		return
	}

	resp, err := h.service.Respond(r.Context(), userID, chi.URLParam(r, "id"), req.ResponseType)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get は当事者のみが閲覧できるインタラクションを返す。
// GET /api/interactions/{id}
func (h *InteractionHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthenticated(w)
		return
	}

	resp, err := h.service.Get(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// List はペア間のインタラクション履歴を新しい順に返す。
// GET /api/interactions?limit=N
func (h *InteractionHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthenticated(w)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			handleServiceError(w, model.NewInvalidInputError("limit は正の整数で指定してください"))
			return
		}
		limit = n
	}

	resp, err := h.service.List(r.Context(), userID, limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// presetResponsesResponse は定型応答一覧のレスポンス型。
type presetResponsesResponse struct {
	Responses []string `json:"responses"`
}

// ListPresetResponses はクライアントが提示する定型の応答を返す。
// GET /api/interactions/responses
func (h *InteractionHandler) ListPresetResponses(w http.ResponseWriter, r *http.Request) {
	responses := make([]string, len(model.PresetResponses))
	copy(responses, model.PresetResponses)
	writeJSON(w, http.StatusOK, presetResponsesResponse{Responses: responses})
}
