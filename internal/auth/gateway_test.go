package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/chatd/internal/auth/federation"
	"github.com/hitoshi/chatd/internal/cache"
	"github.com/hitoshi/chatd/internal/model"
	"github.com/hitoshi/chatd/internal/token"
)

// mockUserRepo はUserRepositoryのモック。
type mockUserRepo struct {
	findByIDFunc           func(ctx context.Context, id string) (*model.User, error)
	findByEmailFunc        func(ctx context.Context, email string) (*model.User, error)
	createFunc             func(ctx context.Context, user *model.User) error
	createWithIdentityFunc func(ctx context.Context, user *model.User, identity *model.Identity) error
	deleteByIDFunc         func(ctx context.Context, id string) error
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFunc != nil {
		return m.findByIDFunc(ctx, id)
	}
	return nil, nil
}

func (m *mockUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	if m.findByEmailFunc != nil {
		return m.findByEmailFunc(ctx, email)
	}
	return nil, nil
}

func (m *mockUserRepo) Create(ctx context.Context, user *model.User) error {
	if m.createFunc != nil {
		return m.createFunc(ctx, user)
	}
	return nil
}

func (m *mockUserRepo) CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error {
	if m.createWithIdentityFunc != nil {
		return m.createWithIdentityFunc(ctx, user, identity)
	}
	return nil
}

func (m *mockUserRepo) DeleteByID(ctx context.Context, id string) error {
	if m.deleteByIDFunc != nil {
		return m.deleteByIDFunc(ctx, id)
	}
	return nil
}

// mockIdentityRepo はIdentityRepositoryのモック。
type mockIdentityRepo struct {
	findFunc func(ctx context.Context, provider, providerUserID string) (*model.Identity, error)
}

func (m *mockIdentityRepo) FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
	if m.findFunc != nil {
		return m.findFunc(ctx, provider, providerUserID)
	}
	return nil, nil
}

// failingCache は常にエラーを返すキャッシュ。フェイルクローズの検証に使う。
type failingCache struct{}

func (f *failingCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, errors.New("cache unreachable")
}

func (f *failingCache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errors.New("cache unreachable")
}

func (f *failingCache) Take(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, errors.New("cache unreachable")
}

func (f *failingCache) Invalidate(ctx context.Context, key string) error {
	return errors.New("cache unreachable")
}

func newTestGateway(t *testing.T, userRepo *mockUserRepo, identRepo *mockIdentityRepo, revocations cache.Cache) *Gateway {
	t.Helper()

	codec, err := token.NewCodec("test-secret-key", "primary")
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}

	if revocations == nil {
		mem := cache.NewMemoryCache()
		t.Cleanup(mem.Stop)
		revocations = mem
	}

	nonces := cache.NewMemoryCache()
	t.Cleanup(nonces.Stop)

	return NewGateway(
		codec,
		federation.NewFederator(federation.NewRegistry(), nonces, 10*time.Minute),
		userRepo,
		identRepo,
		revocations,
		GatewayConfig{TokenTTL: 30 * time.Minute},
	)
}

// newFederatedGateway はhttptestのIdPサーバーを含むゲートウェイを組み立てる。
func newFederatedGateway(t *testing.T, userRepo *mockUserRepo, identRepo *mockIdentityRepo) *Gateway {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "test-access-token",
			"token_type":   "Bearer",
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"sub":   "google-sub-1",
			"email": "user@gmail.com",
			"name":  "Test User",
		})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	provider := federation.NewGoogleProvider(federation.GoogleConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		TokenURL:     server.URL + "/token",
		UserInfoURL:  server.URL + "/userinfo",
	})

	codec, err := token.NewCodec("test-secret-key", "primary")
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}

	nonces := cache.NewMemoryCache()
	t.Cleanup(nonces.Stop)
	revocations := cache.NewMemoryCache()
	t.Cleanup(revocations.Stop)

	return NewGateway(
		codec,
		federation.NewFederator(federation.NewRegistry(provider), nonces, 10*time.Minute),
		userRepo,
		identRepo,
		revocations,
		GatewayConfig{TokenTTL: 30 * time.Minute},
	)
}

// 新規ユーザーのOAuthログインでusersとidentitiesが同時作成されることを検証
func TestCompleteFederatedLogin_NewUser(t *testing.T) {
	var createdUser *model.User
	var createdIdentity *model.Identity

	userRepo := &mockUserRepo{
		createWithIdentityFunc: func(ctx context.Context, user *model.User, identity *model.Identity) error {
			createdUser = user
			createdIdentity = identity
			return nil
		},
	}
	identRepo := &mockIdentityRepo{} // identityは見つからない

	g := newFederatedGateway(t, userRepo, identRepo)

	ctx := context.Background()
	_, state, err := g.BeginFederatedLogin(ctx, federation.ProviderGoogle)
	if err != nil {
		t.Fatalf("BeginFederatedLogin() error = %v", err)
	}

	issued, err := g.CompleteFederatedLogin(ctx, federation.ProviderGoogle, "auth-code", state)
	if err != nil {
		t.Fatalf("CompleteFederatedLogin() error = %v", err)
	}

	if createdUser == nil || createdIdentity == nil {
		t.Fatal("expected user and identity to be created")
	}
	if createdUser.Email != "user@gmail.com" {
		t.Errorf("email = %q, want %q", createdUser.Email, "user@gmail.com")
	}
	if createdIdentity.Provider != federation.ProviderGoogle {
		t.Errorf("provider = %q, want %q", createdIdentity.Provider, federation.ProviderGoogle)
	}
	if createdIdentity.ProviderUserID != "google-sub-1" {
		t.Errorf("providerUserID = %q, want %q", createdIdentity.ProviderUserID, "google-sub-1")
	}
	if issued.SubjectUserID != createdUser.ID {
		t.Errorf("token subject = %q, want created user id %q", issued.SubjectUserID, createdUser.ID)
	}

	// 発行されたトークンはそのまま認可を通る
	userID, err := g.Authorize(ctx, issued.Signed)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if userID != createdUser.ID {
		t.Errorf("authorized userID = %q, want %q", userID, createdUser.ID)
	}
}

// 既存identityのOAuthログインで既存ユーザーが特定されることを検証
func TestCompleteFederatedLogin_ExistingUser(t *testing.T) {
	created := false
	userRepo := &mockUserRepo{
		createWithIdentityFunc: func(ctx context.Context, user *model.User, identity *model.Identity) error {
			created = true
			return nil
		},
	}
	identRepo := &mockIdentityRepo{
		findFunc: func(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
			return &model.Identity{
				ID:             "identity-1",
				UserID:         "user-1",
				Provider:       provider,
				ProviderUserID: providerUserID,
			}, nil
		},
	}

	g := newFederatedGateway(t, userRepo, identRepo)

	ctx := context.Background()
	_, state, err := g.BeginFederatedLogin(ctx, federation.ProviderGoogle)
	if err != nil {
		t.Fatalf("BeginFederatedLogin() error = %v", err)
	}

	issued, err := g.CompleteFederatedLogin(ctx, federation.ProviderGoogle, "auth-code", state)
	if err != nil {
		t.Fatalf("CompleteFederatedLogin() error = %v", err)
	}

	if created {
		t.Error("expected no user creation for existing identity")
	}
	if issued.SubjectUserID != "user-1" {
		t.Errorf("token subject = %q, want %q", issued.SubjectUserID, "user-1")
	}
}

// ローカル登録の成功と入力検証を検証
func TestRegister(t *testing.T) {
	tests := []struct {
		name     string
		email    string
		password string
		wantErr  bool
	}{
		{"valid", "user@example.com", "password123", false},
		{"empty email", "", "password123", true},
		{"email without @", "not-an-email", "password123", true},
		{"short password", "user@example.com", "short", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var created *model.User
			userRepo := &mockUserRepo{
				createFunc: func(ctx context.Context, user *model.User) error {
					created = user
					return nil
				},
			}
			g := newTestGateway(t, userRepo, &mockIdentityRepo{}, nil)

			user, err := g.Register(context.Background(), tt.email, "Test User", tt.password)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Register() error = %v", err)
			}
			if created == nil {
				t.Fatal("expected user to be created")
			}
			if user.PasswordHash == "" || user.PasswordHash == tt.password {
				t.Error("password should be stored hashed")
			}
		})
	}
}

// パスワードログインの成功と各失敗パターンを検証
func TestPasswordLogin(t *testing.T) {
	hasher := NewPasswordHasher()
	hash, err := hasher.Hash("correct-password")
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}

	localUser := &model.User{ID: "user-1", Email: "user@example.com", PasswordHash: hash}
	oauthUser := &model.User{ID: "user-2", Email: "oauth@example.com"}
	disabledUser := &model.User{ID: "user-3", Email: "off@example.com", PasswordHash: hash, Disabled: true}

	tests := []struct {
		name     string
		email    string
		password string
		user     *model.User
		wantErr  bool
	}{
		{"success", "user@example.com", "correct-password", localUser, false},
		{"wrong password", "user@example.com", "wrong-password", localUser, true},
		{"unknown user", "nobody@example.com", "correct-password", nil, true},
		{"oauth-only user", "oauth@example.com", "correct-password", oauthUser, true},
		{"disabled user", "off@example.com", "correct-password", disabledUser, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			userRepo := &mockUserRepo{
				findByEmailFunc: func(ctx context.Context, email string) (*model.User, error) {
					return tt.user, nil
				},
			}
			g := newTestGateway(t, userRepo, &mockIdentityRepo{}, nil)

			issued, err := g.PasswordLogin(context.Background(), tt.email, tt.password)
			if tt.wantErr {
				if !errors.Is(err, model.ErrUnauthorized) {
					t.Errorf("PasswordLogin() error = %v, want ErrUnauthorized", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("PasswordLogin() error = %v", err)
			}
			if issued.SubjectUserID != tt.user.ID {
				t.Errorf("token subject = %q, want %q", issued.SubjectUserID, tt.user.ID)
			}
		})
	}
}

// Logout後のトークンが認可を通らないことを検証
func TestLogout_RevokesToken(t *testing.T) {
	hash, _ := NewPasswordHasher().Hash("correct-password")
	userRepo := &mockUserRepo{
		findByEmailFunc: func(ctx context.Context, email string) (*model.User, error) {
			return &model.User{ID: "user-1", Email: email, PasswordHash: hash}, nil
		},
	}
	g := newTestGateway(t, userRepo, &mockIdentityRepo{}, nil)

	ctx := context.Background()
	issued, err := g.PasswordLogin(ctx, "user@example.com", "correct-password")
	if err != nil {
		t.Fatalf("PasswordLogin() error = %v", err)
	}

	if _, err := g.Authorize(ctx, issued.Signed); err != nil {
		t.Fatalf("Authorize() before logout error = %v", err)
	}

	if err := g.Logout(ctx, issued.Signed); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}

	if _, err := g.Authorize(ctx, issued.Signed); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("Authorize() after logout error = %v, want ErrUnauthorized", err)
	}
}

// Refreshで旧トークンが失効し、新トークンが有効であることを検証
func TestRefresh_RotatesToken(t *testing.T) {
	hash, _ := NewPasswordHasher().Hash("correct-password")
	userRepo := &mockUserRepo{
		findByEmailFunc: func(ctx context.Context, email string) (*model.User, error) {
			return &model.User{ID: "user-1", Email: email, PasswordHash: hash}, nil
		},
	}
	g := newTestGateway(t, userRepo, &mockIdentityRepo{}, nil)

	ctx := context.Background()
	oldToken, err := g.PasswordLogin(ctx, "user@example.com", "correct-password")
	if err != nil {
		t.Fatalf("PasswordLogin() error = %v", err)
	}

	newToken, err := g.Refresh(ctx, oldToken.Signed)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if _, err := g.Authorize(ctx, oldToken.Signed); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("old token Authorize() error = %v, want ErrUnauthorized", err)
	}
	userID, err := g.Authorize(ctx, newToken.Signed)
	if err != nil {
		t.Fatalf("new token Authorize() error = %v", err)
	}
	if userID != "user-1" {
		t.Errorf("authorized userID = %q, want %q", userID, "user-1")
	}

	// 失効済みトークンは再度Refreshできない
	if _, err := g.Refresh(ctx, oldToken.Signed); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("Refresh() with revoked token error = %v, want ErrUnauthorized", err)
	}
}

// 失効集合を参照できない場合は有効なトークンでも認可しないことを検証
func TestAuthorize_RevocationStoreUnreachableFailsClosed(t *testing.T) {
	codec, err := token.NewCodec("test-secret-key", "primary")
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}
	issued, err := codec.Issue("user-1", 30*time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	g := newTestGateway(t, &mockUserRepo{}, &mockIdentityRepo{}, &failingCache{})

	if _, err := g.Authorize(context.Background(), issued.Signed); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("Authorize() error = %v, want ErrUnauthorized", err)
	}
}

// CurrentUserのユーザー未検出を検証
func TestCurrentUser_NotFound(t *testing.T) {
	g := newTestGateway(t, &mockUserRepo{}, &mockIdentityRepo{}, nil)

	_, err := g.CurrentUser(context.Background(), "missing-user")
	if !errors.Is(err, model.ErrUserNotFound) {
		t.Errorf("CurrentUser() error = %v, want ErrUserNotFound", err)
	}
}
