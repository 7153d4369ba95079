package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/chatd/internal/model"
)

func TestWriteErrorResponse(t *testing.T) {
	w := httptest.NewRecorder()
	WriteErrorResponse(w, http.StatusNotFound, model.NewThreadNotFoundError("thread-1"))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Code != model.ErrCodeThreadNotFound {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeThreadNotFound)
	}
	if body.Action == "" {
		t.Error("expected non-empty action")
	}
}

// ドメインエラーとHTTPステータスの対応を検証
func TestWriteDomainError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"unauthorized", model.NewUnauthorizedError(), http.StatusUnauthorized},
		{"thread not found", model.NewThreadNotFoundError("t1"), http.StatusNotFound},
		{"user not found", model.NewUserNotFoundError(), http.StatusNotFound},
		{"forbidden maps to 404", model.NewForbiddenError("t1"), http.StatusNotFound},
		{"version conflict", model.NewVersionConflictError("t1", 3), http.StatusConflict},
		{"invalid message", model.NewInvalidMessageError("empty"), http.StatusBadRequest},
		{"duplicate user", model.NewDuplicateUserError("a@example.com"), http.StatusConflict},
		{"transient backend", model.NewTransientBackendError("store", errors.New("timeout")), http.StatusServiceUnavailable},
		{"federation", model.NewFederationError("state mismatch"), http.StatusBadGateway},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteDomainError(w, tt.err)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestWriteInternalServerError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteInternalServerError(w)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Code != "INTERNAL_ERROR" {
		t.Errorf("code = %q, want INTERNAL_ERROR", body.Code)
	}
}
