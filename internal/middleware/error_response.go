package middleware

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hitoshi/chatd/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// WriteDomainError はドメインエラーを対応するHTTPステータスへ対応付けて
// 書き込む。分類できないエラーは500として扱う。
//
//	Unauthorized      -> 401
//	Forbidden/NotFound-> 404（存在の有無を漏らさないため403も404に寄せる）
//	VersionConflict   -> 409
//	Validation        -> 400
//	TransientBackend  -> 503
//	Federation        -> 502
func WriteDomainError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		WriteInternalServerError(w)
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, model.ErrThreadNotFound), errors.Is(err, model.ErrUserNotFound):
		status = http.StatusNotFound
	case apiErr.Code == model.ErrCodeForbidden:
		status = http.StatusNotFound
	case errors.Is(err, model.ErrVersionConflict):
		status = http.StatusConflict
	case apiErr.Code == model.ErrCodeInvalidMessage:
		status = http.StatusBadRequest
	case apiErr.Code == model.ErrCodeDuplicateUser:
		status = http.StatusConflict
	case errors.Is(err, model.ErrTransientBackend):
		status = http.StatusServiceUnavailable
	case errors.Is(err, model.ErrFederation):
		status = http.StatusBadGateway
	}

	WriteErrorResponse(w, status, apiErr)
}
