package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/puppybell/internal/middleware"
)

// bondRequestResponse はペアリクエストのレスポンス型。
type bondRequestResponse struct {
	ID            string     `json:"id"`
	SenderID      string     `json:"sender_id"`
	SenderRole    string     `json:"sender_role"`
	ReceiverEmail string     `json:"receiver_email"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	AcceptedAt    *time.Time `json:"accepted_at,omitempty"`
}

// pairingResponse は承認成功時のレスポンス型。
type pairingResponse struct {
	Request bondRequestResponse `json:"request"`
	Self    identityResponse    `json:"self"`
	Partner identityResponse    `json:"partner"`
}

// BondServiceInterface はペアハンドラーが依存するサービスのインターフェース。
type BondServiceInterface interface {
	SendRequest(ctx context.Context, callerID, receiverEmail string) (*bondRequestResponse, error)
	ListSent(ctx context.Context, callerID string) ([]bondRequestResponse, error)
	ListReceived(ctx context.Context, callerID string) ([]bondRequestResponse, error)
	AcceptRequest(ctx context.Context, callerID, requestID string) (*pairingResponse, error)
}

// BondHandler はペアリクエスト関連のHTTPハンドラー。
type BondHandler struct {
	service BondServiceInterface
}

// NewBondHandler はBondHandlerを生成する。
func NewBondHandler(service BondServiceInterface) *BondHandler {
	return &BondHandler{service: service}
}

// sendBondRequest はペアリクエスト送信のリクエストボディ。
type sendBondRequest struct {
	ReceiverEmail string `json:"receiver_email"`
}

// SendRequest はペアリクエストを送信する。
// POST /api/bonds/requests
func (h *BondHandler) SendRequest(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthenticated(w)
		return
	}

	var req sendBondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequest(w)
		return
	}

	resp, err := h.service.SendRequest(r.Context(), userID, req.ReceiverEmail)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ListSent は送信済みリクエストの一覧を返す。
// GET /api/bonds/requests/sent
func (h *BondHandler) ListSent(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthenticated(w)
		return
	}

	resp, err := h.service.ListSent(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListReceived は呼び出し元のメールアドレス宛てのリクエスト一覧を返す。
// GET /api/bonds/requests/received
func (h *BondHandler) ListReceived(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthenticated(w)
		return
	}

	resp, err := h.service.ListReceived(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// AcceptRequest はリクエストを承認してペアを成立させる。
// POST /api/bonds/requests/{id}/accept
func (h *BondHandler) AcceptRequest(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthenticated(w)
		return
	}

	resp, err := h.service.AcceptRequest(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
