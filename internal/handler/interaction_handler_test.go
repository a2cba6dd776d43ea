package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/puppybell/internal/model"
)

func TestInteractionHandler_Notify_EmptyBodyUsesDefaults(t *testing.T) {
	svc := &mockInteractionService{
		notifyFn: func(ctx context.Context, callerID, secondaryID, notificationType string) (*interactionResponse, error) {
			if secondaryID != "" || notificationType != "" {
				t.Errorf("Notify(%q, %q), want empty values to be passed through", secondaryID, notificationType)
			}
			return &interactionResponse{ID: "i-1", PrimaryID: callerID, SecondaryID: "user-2", Type: model.DefaultNotificationType}, nil
		},
	}
	h := NewInteractionHandler(svc)

	req := withUserID(httptest.NewRequest(http.MethodPost, "/api/interactions", nil), "user-1")
	w := httptest.NewRecorder()
	h.Notify(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	var result map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	// 未応答の通知は応答フィールドをnullで返す
	if v, ok := result["response_type"]; !ok || v != nil {
		t.Errorf("response_type = %v (present=%v), want null", v, ok)
	}
}

func TestInteractionHandler_Notify_NotBonded(t *testing.T) {
	svc := &mockInteractionService{
		notifyFn: func(ctx context.Context, callerID, secondaryID, notificationType string) (*interactionResponse, error) {
			return nil, model.NewInvalidInputError("2人はペアになっていません")
		},
	}
	h := NewInteractionHandler(svc)

	req := withUserID(httptest.NewRequest(http.MethodPost, "/api/interactions", strings.NewReader(`{"secondary_id":"user-9","type":"walk"}`)), "user-1")
	w := httptest.NewRecorder()
	h.Notify(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestInteractionHandler_Respond(t *testing.T) {
	seconds := int64(7)
	label := "Coming!"
	tests := []struct {
		name       string
		body       string
		svcErr     error
		wantStatus int
	}{
		{name: "success", body: `{"response_type":"Coming!"}`, wantStatus: http.StatusOK},
		{name: "malformed body", body: `{"response_type":`, wantStatus: http.StatusBadRequest},
		{name: "already answered", body: `{"response_type":"Cuddle"}`, svcErr: model.NewInvalidStateError("既に応答済みです"), wantStatus: http.StatusConflict},
		{name: "not a participant", body: `{"response_type":"Cuddle"}`, svcErr: model.NewNotFoundError("インタラクション", "i-1"), wantStatus: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockInteractionService{
				respondFn: func(ctx context.Context, callerID, interactionID, responseType string) (*interactionResponse, error) {
					if interactionID != "i-1" {
						t.Errorf("interactionID = %q, want i-1", interactionID)
					}
					if tt.svcErr != nil {
						return nil, tt.svcErr
					}
					return &interactionResponse{ID: interactionID, ResponseType: &label, ResponseTimeSeconds: &seconds}, nil
				},
			}
			h := NewInteractionHandler(svc)

			req := httptest.NewRequest(http.MethodPost, "/api/interactions/i-1/response", strings.NewReader(tt.body))
			req = withURLParam(withUserID(req, "user-2"), "id", "i-1")
			w := httptest.NewRecorder()
			h.Respond(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK {
				var result map[string]interface{}
				if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
					t.Fatalf("failed to decode response: %v", err)
				}
				if result["response_time_seconds"] != float64(7) {
					t.Errorf("response_time_seconds = %v, want 7", result["response_time_seconds"])
				}
			}
		})
	}
}

func TestInteractionHandler_List_Limit(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantLimit  int
		wantStatus int
	}{
		{name: "default", query: "", wantLimit: 0, wantStatus: http.StatusOK},
		{name: "explicit", query: "?limit=10", wantLimit: 10, wantStatus: http.StatusOK},
		{name: "not a number", query: "?limit=ten", wantStatus: http.StatusBadRequest},
		{name: "zero", query: "?limit=0", wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			svc := &mockInteractionService{
				listFn: func(ctx context.Context, callerID string, limit int) ([]interactionResponse, error) {
					called = true
					if limit != tt.wantLimit {
						t.Errorf("limit = %d, want %d", limit, tt.wantLimit)
					}
					return []interactionResponse{}, nil
				},
			}
			h := NewInteractionHandler(svc)

			req := withUserID(httptest.NewRequest(http.MethodGet, "/api/interactions"+tt.query, nil), "user-1")
			w := httptest.NewRecorder()
			h.List(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if called != (tt.wantStatus == http.StatusOK) {
				t.Errorf("service called = %v", called)
			}
		})
	}
}

func TestInteractionHandler_ListPresetResponses(t *testing.T) {
	h := NewInteractionHandler(&mockInteractionService{})

	req := httptest.NewRequest(http.MethodGet, "/api/interactions/responses", nil)
	w := httptest.NewRecorder()
	h.ListPresetResponses(w, req)

	var result presetResponsesResponse
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	want := []string{"Coming!", "Wait a moment", "Cuddle"}
	if len(result.Responses) != len(want) {
		t.Fatalf("responses = %v, want %v", result.Responses, want)
	}
	for i := range want {
		if result.Responses[i] != want[i] {
			t.Errorf("responses[%d] = %q, want %q", i, result.Responses[i], want[i])
		}
	}
}
