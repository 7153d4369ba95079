package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/chatd/internal/middleware"
	"github.com/hitoshi/chatd/internal/model"
)

// mockSessionManager はSessionManagerInterfaceのモック。
type mockSessionManager struct {
	createThreadFunc   func(ctx context.Context, ownerUserID string) (*model.Thread, error)
	listThreadsFunc    func(ctx context.Context, ownerUserID string) ([]*model.Thread, error)
	getThreadFunc      func(ctx context.Context, ownerUserID, threadID string) (*model.Snapshot, error)
	deleteThreadFunc   func(ctx context.Context, ownerUserID, threadID string) error
	generateTurnFunc   func(ctx context.Context, ownerUserID, threadID, userMessage string) (*model.Snapshot, error)
	recordFeedbackFunc func(ctx context.Context, ownerUserID, threadID string, value float64) (*model.Snapshot, error)
}

func (m *mockSessionManager) CreateThread(ctx context.Context, ownerUserID string) (*model.Thread, error) {
	return m.createThreadFunc(ctx, ownerUserID)
}

func (m *mockSessionManager) ListThreads(ctx context.Context, ownerUserID string) ([]*model.Thread, error) {
	return m.listThreadsFunc(ctx, ownerUserID)
}

func (m *mockSessionManager) GetThread(ctx context.Context, ownerUserID, threadID string) (*model.Snapshot, error) {
	return m.getThreadFunc(ctx, ownerUserID, threadID)
}

func (m *mockSessionManager) DeleteThread(ctx context.Context, ownerUserID, threadID string) error {
	return m.deleteThreadFunc(ctx, ownerUserID, threadID)
}

func (m *mockSessionManager) GenerateTurn(ctx context.Context, ownerUserID, threadID, userMessage string) (*model.Snapshot, error) {
	return m.generateTurnFunc(ctx, ownerUserID, threadID, userMessage)
}

func (m *mockSessionManager) RecordFeedback(ctx context.Context, ownerUserID, threadID string, value float64) (*model.Snapshot, error) {
	return m.recordFeedbackFunc(ctx, ownerUserID, threadID, value)
}

// newThreadTestRouter はスレッドハンドラーだけをマウントしたルーターを返す。
func newThreadTestRouter(sessions SessionManagerInterface) http.Handler {
	h := NewThreadHandler(sessions)
	r := chi.NewRouter()
	r.Route("/api/threads", func(r chi.Router) {
		r.Post("/", h.CreateThread)
		r.Get("/", h.ListThreads)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetThread)
			r.Delete("/", h.DeleteThread)
			r.Post("/generate", h.GenerateTurn)
			r.Post("/feedback", h.RecordFeedback)
		})
	})
	return r
}

func authedRequest(method, target, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	return req.WithContext(middleware.ContextWithUserID(req.Context(), "user-1"))
}

func TestCreateThread(t *testing.T) {
	sessions := &mockSessionManager{
		createThreadFunc: func(ctx context.Context, ownerUserID string) (*model.Thread, error) {
			if ownerUserID != "user-1" {
				t.Errorf("ownerUserID = %q, want user-1", ownerUserID)
			}
			return &model.Thread{
				ID:             "thread-1",
				OwnerUserID:    ownerUserID,
				Status:         model.ThreadStatusActive,
				CreatedAt:      time.Now(),
				LastActivityAt: time.Now(),
			}, nil
		},
	}

	w := httptest.NewRecorder()
	newThreadTestRouter(sessions).ServeHTTP(w, authedRequest(http.MethodPost, "/api/threads", ""))

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", w.Code)
	}
	var resp threadResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.ThreadID != "thread-1" {
		t.Errorf("thread_id = %q, want thread-1", resp.ThreadID)
	}
	if resp.Status != "active" {
		t.Errorf("status = %q, want active", resp.Status)
	}
}

func TestCreateThread_Unauthenticated(t *testing.T) {
	sessions := &mockSessionManager{}
	w := httptest.NewRecorder()
	// コンテキストにユーザーIDなし
	newThreadTestRouter(sessions).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/threads", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestGetThread(t *testing.T) {
	sessions := &mockSessionManager{
		getThreadFunc: func(ctx context.Context, ownerUserID, threadID string) (*model.Snapshot, error) {
			if threadID != "thread-1" {
				t.Errorf("threadID = %q, want thread-1", threadID)
			}
			return &model.Snapshot{
				ThreadID: threadID,
				Version:  3,
				Messages: []model.Message{
					{Role: model.RoleUser, Content: "hello"},
					{Role: model.RoleAssistant, Content: "hi"},
				},
			}, nil
		},
	}

	w := httptest.NewRecorder()
	newThreadTestRouter(sessions).ServeHTTP(w, authedRequest(http.MethodGet, "/api/threads/thread-1", ""))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp snapshotResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Version != 3 {
		t.Errorf("version = %d, want 3", resp.Version)
	}
	if len(resp.Messages) != 2 {
		t.Errorf("messages = %d, want 2", len(resp.Messages))
	}
}

func TestGetThread_NotFound(t *testing.T) {
	sessions := &mockSessionManager{
		getThreadFunc: func(ctx context.Context, ownerUserID, threadID string) (*model.Snapshot, error) {
			return nil, model.NewThreadNotFoundError(threadID)
		},
	}

	w := httptest.NewRecorder()
	newThreadTestRouter(sessions).ServeHTTP(w, authedRequest(http.MethodGet, "/api/threads/missing", ""))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestGenerateTurn(t *testing.T) {
	sessions := &mockSessionManager{
		generateTurnFunc: func(ctx context.Context, ownerUserID, threadID, userMessage string) (*model.Snapshot, error) {
			if userMessage != "こんにちは" {
				t.Errorf("userMessage = %q, want こんにちは", userMessage)
			}
			return &model.Snapshot{
				ThreadID: threadID,
				Version:  1,
				Messages: []model.Message{
					{Role: model.RoleUser, Content: userMessage},
					{Role: model.RoleAssistant, Content: "やあ"},
				},
			}, nil
		},
	}

	w := httptest.NewRecorder()
	newThreadTestRouter(sessions).ServeHTTP(w,
		authedRequest(http.MethodPost, "/api/threads/thread-1/generate", `{"message":"こんにちは"}`))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp snapshotResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Messages[1].Content != "やあ" {
		t.Errorf("assistant reply = %q, want やあ", resp.Messages[1].Content)
	}
}

// バージョン競合が409で返ることを検証
func TestGenerateTurn_VersionConflict(t *testing.T) {
	sessions := &mockSessionManager{
		generateTurnFunc: func(ctx context.Context, ownerUserID, threadID, userMessage string) (*model.Snapshot, error) {
			return nil, model.NewVersionConflictError(threadID, 3)
		},
	}

	w := httptest.NewRecorder()
	newThreadTestRouter(sessions).ServeHTTP(w,
		authedRequest(http.MethodPost, "/api/threads/thread-1/generate", `{"message":"hello"}`))

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Code != model.ErrCodeVersionConflict {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeVersionConflict)
	}
}

func TestGenerateTurn_InvalidBody(t *testing.T) {
	sessions := &mockSessionManager{}

	w := httptest.NewRecorder()
	newThreadTestRouter(sessions).ServeHTTP(w,
		authedRequest(http.MethodPost, "/api/threads/thread-1/generate", "{not json"))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestDeleteThread(t *testing.T) {
	deleted := false
	sessions := &mockSessionManager{
		deleteThreadFunc: func(ctx context.Context, ownerUserID, threadID string) error {
			deleted = true
			return nil
		},
	}

	w := httptest.NewRecorder()
	newThreadTestRouter(sessions).ServeHTTP(w, authedRequest(http.MethodDelete, "/api/threads/thread-1", ""))

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if !deleted {
		t.Error("expected DeleteThread to be called")
	}
}

func TestListThreads(t *testing.T) {
	sessions := &mockSessionManager{
		listThreadsFunc: func(ctx context.Context, ownerUserID string) ([]*model.Thread, error) {
			return []*model.Thread{
				{ID: "thread-1", Status: model.ThreadStatusActive},
				{ID: "thread-2", Status: model.ThreadStatusActive},
			}, nil
		},
	}

	w := httptest.NewRecorder()
	newThreadTestRouter(sessions).ServeHTTP(w, authedRequest(http.MethodGet, "/api/threads", ""))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		Threads []threadResponse `json:"threads"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Threads) != 2 {
		t.Errorf("threads = %d, want 2", len(resp.Threads))
	}
}

func TestRecordFeedback(t *testing.T) {
	var gotValue float64
	sessions := &mockSessionManager{
		recordFeedbackFunc: func(ctx context.Context, ownerUserID, threadID string, value float64) (*model.Snapshot, error) {
			gotValue = value
			return &model.Snapshot{ThreadID: threadID, Version: 2}, nil
		},
	}

	w := httptest.NewRecorder()
	newThreadTestRouter(sessions).ServeHTTP(w,
		authedRequest(http.MethodPost, "/api/threads/thread-1/feedback", `{"feedback":-1.0}`))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if gotValue != -1.0 {
		t.Errorf("feedback = %v, want -1.0", gotValue)
	}
}
