// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/chatd/internal/middleware"
	"github.com/hitoshi/chatd/internal/model"
	"github.com/hitoshi/chatd/internal/token"
)

// AuthGatewayInterface は認証ハンドラーが必要とするゲートウェイインターフェース。
type AuthGatewayInterface interface {
	BeginFederatedLogin(ctx context.Context, provider string) (authURL, state string, err error)
	CompleteFederatedLogin(ctx context.Context, provider, code, state string) (*token.SessionToken, error)
	Register(ctx context.Context, email, name, password string) (*model.User, error)
	PasswordLogin(ctx context.Context, email, password string) (*token.SessionToken, error)
	Refresh(ctx context.Context, signed string) (*token.SessionToken, error)
	Logout(ctx context.Context, signed string) error
	CurrentUser(ctx context.Context, userID string) (*model.User, error)
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	gateway AuthGatewayInterface
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(gateway AuthGatewayInterface) *AuthHandler {
	return &AuthHandler{gateway: gateway}
}

// tokenResponse はトークン発行エンドポイントの共通レスポンス。
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func writeTokenResponse(w http.ResponseWriter, t *token.SessionToken) {
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: t.Signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(time.Until(t.ExpiresAt).Seconds()),
	})
}

// Login はOAuthフローを開始する。
// GET /auth/{provider}/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	authURL, _, err := h.gateway.BeginFederatedLogin(r.Context(), provider)
	if err != nil {
		slog.Warn("failed to begin federated login",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
		middleware.WriteDomainError(w, err)
		return
	}

	http.Redirect(w, r, authURL, http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理し、トークンを返す。
// stateはサーバー側のノンスと照合され、結果を問わず単回で消費される。
// GET /auth/{provider}/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")

	issued, err := h.gateway.CompleteFederatedLogin(r.Context(), provider, code, state)
	if err != nil {
		slog.Warn("oauth callback failed",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
		middleware.WriteDomainError(w, err)
		return
	}

	writeTokenResponse(w, issued)
}

// registerRequest はローカル登録のリクエストボディ。
type registerRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

// Register はローカルユーザーを登録する。
// POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidMessageError("invalid request body"))
		return
	}

	user, err := h.gateway.Register(r.Context(), req.Email, req.Name, req.Password)
	if err != nil {
		middleware.WriteDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"user_id": user.ID,
		"email":   user.Email,
	})
}

// passwordLoginRequest はパスワードログインのリクエストボディ。
type passwordLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Token はパスワードログインでトークンを発行する。
// POST /auth/token
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req passwordLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidMessageError("invalid request body"))
		return
	}

	issued, err := h.gateway.PasswordLogin(r.Context(), req.Email, req.Password)
	if err != nil {
		middleware.WriteDomainError(w, err)
		return
	}

	writeTokenResponse(w, issued)
}

// Refresh は有効なトークンを新しいトークンに引き換える。
// 旧トークンは失効する。
// POST /auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	signed, ok := bearerFromRequest(r)
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	issued, err := h.gateway.Refresh(r.Context(), signed)
	if err != nil {
		middleware.WriteDomainError(w, err)
		return
	}

	writeTokenResponse(w, issued)
}

// Logout はトークンを失効させる。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	signed, ok := bearerFromRequest(r)
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	if err := h.gateway.Logout(r.Context(), signed); err != nil {
		middleware.WriteDomainError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Me は認可済みユーザーの情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	user, err := h.gateway.CurrentUser(r.Context(), userID)
	if err != nil {
		middleware.WriteDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": user.ID,
		"email":   user.Email,
		"name":    user.Name,
		"local":   user.IsLocal(),
	})
}

// bearerFromRequest はAuthorizationヘッダーからベアラートークンを取り出す。
func bearerFromRequest(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) {
		return "", false
	}
	return header[len(prefix):], true
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}
