package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/chatd/internal/middleware"
	"github.com/hitoshi/chatd/internal/model"
)

// SessionManagerInterface はスレッドハンドラーが必要とするセッション層インターフェース。
type SessionManagerInterface interface {
	CreateThread(ctx context.Context, ownerUserID string) (*model.Thread, error)
	ListThreads(ctx context.Context, ownerUserID string) ([]*model.Thread, error)
	GetThread(ctx context.Context, ownerUserID, threadID string) (*model.Snapshot, error)
	DeleteThread(ctx context.Context, ownerUserID, threadID string) error
	GenerateTurn(ctx context.Context, ownerUserID, threadID, userMessage string) (*model.Snapshot, error)
	RecordFeedback(ctx context.Context, ownerUserID, threadID string, value float64) (*model.Snapshot, error)
}

// ThreadHandler は会話スレッド関連のHTTPハンドラー。
type ThreadHandler struct {
	sessions SessionManagerInterface
}

// NewThreadHandler はThreadHandlerを生成する。
func NewThreadHandler(sessions SessionManagerInterface) *ThreadHandler {
	return &ThreadHandler{sessions: sessions}
}

// threadResponse はスレッド情報のレスポンス。
type threadResponse struct {
	ThreadID       string    `json:"thread_id"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// snapshotResponse はスナップショットのレスポンス。
type snapshotResponse struct {
	ThreadID    string          `json:"thread_id"`
	Version     int64           `json:"version"`
	Messages    []model.Message `json:"messages"`
	CommittedAt time.Time       `json:"committed_at"`
}

func toThreadResponse(t *model.Thread) threadResponse {
	return threadResponse{
		ThreadID:       t.ID,
		Status:         string(t.Status),
		CreatedAt:      t.CreatedAt,
		LastActivityAt: t.LastActivityAt,
	}
}

func toSnapshotResponse(s *model.Snapshot) snapshotResponse {
	return snapshotResponse{
		ThreadID:    s.ThreadID,
		Version:     s.Version,
		Messages:    s.Messages,
		CommittedAt: s.CommittedAt,
	}
}

// CreateThread は新しいスレッドを作成する。
// POST /api/threads
func (h *ThreadHandler) CreateThread(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	thread, err := h.sessions.CreateThread(r.Context(), userID)
	if err != nil {
		middleware.WriteDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toThreadResponse(thread))
}

// ListThreads は認可済みユーザーのアクティブなスレッド一覧を返す。
// GET /api/threads
func (h *ThreadHandler) ListThreads(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	threads, err := h.sessions.ListThreads(r.Context(), userID)
	if err != nil {
		middleware.WriteDomainError(w, err)
		return
	}

	resp := make([]threadResponse, 0, len(threads))
	for _, t := range threads {
		resp = append(resp, toThreadResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"threads": resp})
}

// GetThread はスレッドの最新スナップショットを返す。
// GET /api/threads/{id}
func (h *ThreadHandler) GetThread(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}
	threadID := chi.URLParam(r, "id")

	snapshot, err := h.sessions.GetThread(r.Context(), userID, threadID)
	if err != nil {
		middleware.WriteDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toSnapshotResponse(snapshot))
}

// DeleteThread はスレッドを論理削除する。
// DELETE /api/threads/{id}
func (h *ThreadHandler) DeleteThread(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}
	threadID := chi.URLParam(r, "id")

	if err := h.sessions.DeleteThread(r.Context(), userID, threadID); err != nil {
		middleware.WriteDomainError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// generateRequest はターン生成のリクエストボディ。
type generateRequest struct {
	Message string `json:"message"`
}

// GenerateTurn は1ターンを実行し、更新後のスナップショットを返す。
// 並行するターンに先を越された場合は409を返す。クライアントは
// 最新状態を再読込してから再生成する。
// POST /api/threads/{id}/generate
func (h *ThreadHandler) GenerateTurn(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}
	threadID := chi.URLParam(r, "id")

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidMessageError("invalid request body"))
		return
	}

	snapshot, err := h.sessions.GenerateTurn(r.Context(), userID, threadID, req.Message)
	if err != nil {
		middleware.WriteDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toSnapshotResponse(snapshot))
}

// feedbackRequest はフィードバック記録のリクエストボディ。
type feedbackRequest struct {
	Feedback float64 `json:"feedback"`
}

// RecordFeedback は直近のアシスタント応答にフィードバックを記録する。
// POST /api/threads/{id}/feedback
func (h *ThreadHandler) RecordFeedback(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}
	threadID := chi.URLParam(r, "id")

	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidMessageError("invalid request body"))
		return
	}

	snapshot, err := h.sessions.RecordFeedback(r.Context(), userID, threadID, req.Feedback)
	if err != nil {
		middleware.WriteDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toSnapshotResponse(snapshot))
}
