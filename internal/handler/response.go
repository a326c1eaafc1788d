package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/connectauth/internal/middleware"
	"github.com/hitoshi/connectauth/internal/model"
	"github.com/hitoshi/connectauth/internal/store"
)

// maxRequestBodyBytes はJSONリクエストボディの上限。
const maxRequestBodyBytes = 1 << 20

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// decodeJSON はリクエストボディをJSONとして読み込む。未知のフィールドは拒否する。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// handleServiceError はサービス層のエラーをHTTPレスポンスに変換する。
// 対応のないエラーは内部エラーとして扱い、詳細はログのみに記録する。
func handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrInvalidEmail):
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("email address is malformed"))
		return
	case errors.Is(err, store.ErrInvalidRole):
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("unknown role"))
		return
	}

	statusCode, apiErr := mapAuthError(err)
	if statusCode >= http.StatusInternalServerError {
		slog.Error("request failed", slog.String("error", err.Error()))
	}
	writeAPIErrorResponse(w, statusCode, apiErr)
}

// mapAuthError は認証エラーの種別からHTTPステータスとレスポンス内容を決める。
func mapAuthError(err error) (int, *model.APIError) {
	switch model.KindOf(err) {
	case model.KindInvalidCredentials:
		return http.StatusUnauthorized, model.NewSignInFailedError()
	case model.KindSessionExpired, model.KindSessionRevoked,
		model.KindTokenMalformed, model.KindTokenBadSignature, model.KindTokenExpired:
		return http.StatusUnauthorized, model.NewUnauthenticatedError()
	case model.KindDuplicateEmail:
		return http.StatusConflict, model.NewDuplicateEmailError()
	case model.KindWeakCredential:
		return http.StatusBadRequest, model.NewWeakCredentialError()
	case model.KindUnsupportedOperation:
		return http.StatusNotImplemented, model.NewUnsupportedOperationError()
	case model.KindIdentityNotFound:
		return http.StatusNotFound, model.NewIdentityNotFoundError()
	case model.KindBackendUnavailable, model.KindSchemaAbsent:
		return http.StatusServiceUnavailable, model.NewBackendUnavailableError()
	default:
		return http.StatusInternalServerError, model.NewInternalError()
	}
}
