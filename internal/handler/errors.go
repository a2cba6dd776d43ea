// Package handler はHTTPハンドラーとルーティングを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/puppybell/internal/middleware"
	"github.com/hitoshi/puppybell/internal/model"
)

// errCodeInvalidRequest はリクエストボディを解析できない場合のエラーコード。
const errCodeInvalidRequest = "INVALID_REQUEST"

// mapAPIErrorToHTTPStatus はAPIErrorのコードをHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(code string) int {
	switch code {
	case model.ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case model.ErrCodeInvalidInput, errCodeInvalidRequest:
		return http.StatusBadRequest
	case model.ErrCodeNotFound, model.ErrCodeReceiverNotFound:
		return http.StatusNotFound
	case model.ErrCodeInvalidState, model.ErrCodeAmbiguousReceiver, model.ErrCodeAlreadyBonded:
		return http.StatusConflict
	case model.ErrCodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleServiceError はサービス層のエラーを統一フォーマットで返す。
// APIError以外は内部エラーとしてログに記録し、詳細は返さない。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		status := mapAPIErrorToHTTPStatus(apiErr.Code)
		if status >= http.StatusInternalServerError {
			slog.Error("service error", slog.String("code", apiErr.Code), slog.String("error", err.Error()))
		}
		middleware.WriteErrorResponse(w, status, apiErr)
		return
	}

	slog.Error("unexpected error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// writeUnauthenticated はコンテキストにユーザーIDがない場合の401を返す。
func writeUnauthenticated(w http.ResponseWriter) {
	middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError("セッションがありません"))
}

// writeInvalidRequest はリクエストボディが不正な場合の400を返す。
func writeInvalidRequest(w http.ResponseWriter) {
	middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
		Code:     errCodeInvalidRequest,
		Message:  "リクエストボディが不正です。",
		Category: "validation",
		Action:   "JSON形式で正しいリクエストを送信してください。",
	})
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}
