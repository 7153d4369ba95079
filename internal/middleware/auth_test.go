package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// mockAuthorizer はTokenAuthorizerのモック。
type mockAuthorizer struct {
	authorizeFunc func(ctx context.Context, signed string) (string, error)
}

func (m *mockAuthorizer) Authorize(ctx context.Context, signed string) (string, error) {
	if m.authorizeFunc != nil {
		return m.authorizeFunc(ctx, signed)
	}
	return "", errors.New("not implemented")
}

func TestAuthMiddleware(t *testing.T) {
	authorizer := &mockAuthorizer{
		authorizeFunc: func(ctx context.Context, signed string) (string, error) {
			if signed == "valid-token" {
				return "user-1", nil
			}
			return "", errors.New("invalid token")
		},
	}

	var gotUserID string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID, _ = UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	handler := NewAuthMiddleware(authorizer, nil)(next)

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantUserID string
	}{
		{"valid token", "Bearer valid-token", http.StatusOK, "user-1"},
		{"missing header", "", http.StatusUnauthorized, ""},
		{"not bearer", "Basic dXNlcjpwYXNz", http.StatusUnauthorized, ""},
		{"invalid token", "Bearer garbage", http.StatusUnauthorized, ""},
		{"bearer without token", "Bearer ", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotUserID = ""
			req := httptest.NewRequest(http.MethodGet, "/threads", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if gotUserID != tt.wantUserID {
				t.Errorf("userID = %q, want %q", gotUserID, tt.wantUserID)
			}
		})
	}
}

func TestUserIDFromContext_Missing(t *testing.T) {
	if _, err := UserIDFromContext(context.Background()); err == nil {
		t.Error("expected error for context without user ID")
	}
}

func TestContextWithUserID_RoundTrip(t *testing.T) {
	ctx := ContextWithUserID(context.Background(), "user-42")
	userID, err := UserIDFromContext(ctx)
	if err != nil {
		t.Fatalf("UserIDFromContext() error = %v", err)
	}
	if userID != "user-42" {
		t.Errorf("userID = %q, want %q", userID, "user-42")
	}
}
