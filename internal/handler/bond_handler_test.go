package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/puppybell/internal/model"
)

func TestBondHandler_SendRequest_Created(t *testing.T) {
	created := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	svc := &mockBondService{
		sendRequestFn: func(ctx context.Context, callerID, receiverEmail string) (*bondRequestResponse, error) {
			if callerID != "user-1" {
				t.Errorf("callerID = %q, want user-1", callerID)
			}
			if receiverEmail != "b@example.com" {
				t.Errorf("receiverEmail = %q, want b@example.com", receiverEmail)
			}
			return &bondRequestResponse{
				ID:            "req-1",
				SenderID:      callerID,
				SenderRole:    "primary",
				ReceiverEmail: receiverEmail,
				Status:        "pending",
				CreatedAt:     created,
			}, nil
		},
	}
	h := NewBondHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/bonds/requests", strings.NewReader(`{"receiver_email":"b@example.com"}`))
	req = withUserID(req, "user-1")
	w := httptest.NewRecorder()
	h.SendRequest(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	var result map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result["status"] != "pending" {
		t.Errorf("status = %v, want pending", result["status"])
	}
	if _, ok := result["accepted_at"]; ok {
		t.Error("accepted_at should be omitted while pending")
	}
}

func TestBondHandler_SendRequest_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		svcErr     error
		wantStatus int
		wantCode   string
	}{
		{name: "malformed body", body: `not-json`, wantStatus: http.StatusBadRequest, wantCode: errCodeInvalidRequest},
		{name: "role unset", body: `{"receiver_email":"b@example.com"}`, svcErr: model.NewUnauthenticatedError("役割を選択してください"), wantStatus: http.StatusUnauthorized, wantCode: model.ErrCodeUnauthenticated},
		{name: "invalid email", body: `{"receiver_email":"nope"}`, svcErr: model.NewInvalidInputError("メールアドレスの形式が不正です"), wantStatus: http.StatusBadRequest, wantCode: model.ErrCodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockBondService{
				sendRequestFn: func(ctx context.Context, callerID, receiverEmail string) (*bondRequestResponse, error) {
					return nil, tt.svcErr
				},
			}
			h := NewBondHandler(svc)

			req := withUserID(httptest.NewRequest(http.MethodPost, "/api/bonds/requests", strings.NewReader(tt.body)), "user-1")
			w := httptest.NewRecorder()
			h.SendRequest(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if body := decodeError(t, w); body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
		})
	}
}

func TestBondHandler_ListReceived_EmptyIsArray(t *testing.T) {
	h := NewBondHandler(&mockBondService{})

	req := withUserID(httptest.NewRequest(http.MethodGet, "/api/bonds/requests/received", nil), "user-1")
	w := httptest.NewRecorder()
	h.ListReceived(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("body = %s, want []", got)
	}
}

func TestBondHandler_AcceptRequest(t *testing.T) {
	tests := []struct {
		name       string
		svcErr     error
		wantStatus int
	}{
		{name: "success", wantStatus: http.StatusOK},
		{name: "unknown request", svcErr: model.NewNotFoundError("ペアリクエスト", "req-9"), wantStatus: http.StatusNotFound},
		{name: "already accepted", svcErr: model.NewInvalidStateError("承認済みです"), wantStatus: http.StatusConflict},
		{name: "receiver missing", svcErr: model.NewReceiverNotFoundError("b@example.com"), wantStatus: http.StatusNotFound},
		{name: "ambiguous receiver", svcErr: model.NewAmbiguousReceiverError("b@example.com"), wantStatus: http.StatusConflict},
		{name: "already bonded", svcErr: model.NewAlreadyBondedError("user-3"), wantStatus: http.StatusConflict},
		{name: "store down", svcErr: model.NewStoreUnavailableError(context.Canceled), wantStatus: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockBondService{
				acceptRequestFn: func(ctx context.Context, callerID, requestID string) (*pairingResponse, error) {
					if requestID != "req-9" {
						t.Errorf("requestID = %q, want req-9", requestID)
					}
					if tt.svcErr != nil {
						return nil, tt.svcErr
					}
					return &pairingResponse{
						Request: bondRequestResponse{ID: requestID, Status: "accepted"},
						Self:    identityResponse{ID: callerID, BondedUserID: "user-1"},
						Partner: identityResponse{ID: "user-1", BondedUserID: callerID},
					}, nil
				},
			}
			h := NewBondHandler(svc)

			req := httptest.NewRequest(http.MethodPost, "/api/bonds/requests/req-9/accept", nil)
			req = withURLParam(withUserID(req, "user-2"), "id", "req-9")
			w := httptest.NewRecorder()
			h.AcceptRequest(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}
