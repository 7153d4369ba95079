// Package auth は認証ゲートウェイを提供する。
//
// OAuthフェデレーションログイン、ローカル登録・パスワードログイン、
// ベアラートークンの発行・検証・失効を1箇所に集約し、ハンドラー層には
// 「リクエストがどのユーザーに属するか」だけを返す。
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/chatd/internal/auth/federation"
	"github.com/hitoshi/chatd/internal/cache"
	"github.com/hitoshi/chatd/internal/model"
	"github.com/hitoshi/chatd/internal/repository"
	"github.com/hitoshi/chatd/internal/token"
)

// GatewayConfig は認証ゲートウェイの設定。
type GatewayConfig struct {
	TokenTTL time.Duration // 発行するトークンの有効期間
}

// Gateway は認証に関するビジネスロジックを提供する。
type Gateway struct {
	codec       *token.Codec
	federator   *federation.Federator
	userRepo    repository.UserRepository
	identRepo   repository.IdentityRepository
	hasher      *PasswordHasher
	revocations cache.Cache
	config      GatewayConfig
}

// NewGateway はGatewayを生成する。
func NewGateway(
	codec *token.Codec,
	federator *federation.Federator,
	userRepo repository.UserRepository,
	identRepo repository.IdentityRepository,
	revocations cache.Cache,
	config GatewayConfig,
) *Gateway {
	return &Gateway{
		codec:       codec,
		federator:   federator,
		userRepo:    userRepo,
		identRepo:   identRepo,
		hasher:      NewPasswordHasher(),
		revocations: revocations,
		config:      config,
	}
}

// BeginFederatedLogin は指定プロバイダーの認可URLとstateノンスを生成する。
func (g *Gateway) BeginFederatedLogin(ctx context.Context, provider string) (authURL, state string, err error) {
	return g.federator.BuildAuthorizationURL(ctx, provider)
}

// CompleteFederatedLogin はOAuthコールバックを処理し、トークンを発行する。
// 未登録ユーザーの場合はusersレコードとidentitiesレコードを同時に自動作成する。
// 登録済みユーザーの場合はidentitiesテーブルで既存ユーザーを特定しログインする。
func (g *Gateway) CompleteFederatedLogin(ctx context.Context, provider, code, state string) (*token.SessionToken, error) {
	// 1. stateを照合し、認可コードをトークンに交換してユーザー情報を取得
	external, err := g.federator.ExchangeCode(ctx, provider, code, state)
	if err != nil {
		return nil, err
	}

	// 2. identitiesテーブルで既存ユーザーを検索
	identity, err := g.identRepo.FindByProviderAndProviderUserID(ctx, external.Provider, external.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}

	var userID string

	if identity != nil {
		// 3a. 既存ユーザー: identityからユーザーIDを取得
		userID = identity.UserID
		slog.Info("existing user logged in",
			slog.String("user_id", userID),
			slog.String("provider", external.Provider),
		)
	} else {
		// 3b. 新規ユーザー: usersレコードとidentitiesレコードを同時に作成
		newUserID := uuid.New().String()
		now := time.Now()

		newUser := &model.User{
			ID:        newUserID,
			Email:     external.Email,
			Name:      external.Name,
			CreatedAt: now,
			UpdatedAt: now,
		}

		newIdentity := &model.Identity{
			ID:             uuid.New().String(),
			UserID:         newUserID,
			Provider:       external.Provider,
			ProviderUserID: external.SubjectID,
			CreatedAt:      now,
		}

		if err := g.userRepo.CreateWithIdentity(ctx, newUser, newIdentity); err != nil {
			return nil, fmt.Errorf("failed to create user and identity: %w", err)
		}

		userID = newUserID
		slog.Info("new user created",
			slog.String("user_id", userID),
			slog.String("provider", external.Provider),
		)
	}

	// 4. トークンを発行
	return g.issueToken(userID)
}

// Register はローカルユーザーを登録する。
// メールアドレスが既に使われている場合はDuplicateUserErrorを返す。
func (g *Gateway) Register(ctx context.Context, email, name, password string) (*model.User, error) {
	email = strings.TrimSpace(email)
	if err := validateRegistration(email, password); err != nil {
		return nil, err
	}

	hash, err := g.hasher.Hash(password)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	user := &model.User{
		ID:           uuid.New().String(),
		Email:        email,
		Name:         name,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := g.userRepo.Create(ctx, user); err != nil {
		return nil, err
	}

	slog.Info("local user registered", slog.String("user_id", user.ID))
	return user, nil
}

// PasswordLogin はメールアドレスとパスワードでログインし、トークンを発行する。
// ユーザー不在・OAuth専用ユーザー・パスワード不一致はいずれも
// UnauthorizedErrorに正規化され、失敗理由を外部に漏らさない。
func (g *Gateway) PasswordLogin(ctx context.Context, email, password string) (*token.SessionToken, error) {
	user, err := g.userRepo.FindByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil || user.Disabled || !user.IsLocal() {
		return nil, model.NewUnauthorizedError()
	}
	if !g.hasher.Compare(user.PasswordHash, password) {
		return nil, model.NewUnauthorizedError()
	}

	return g.issueToken(user.ID)
}

// Authorize はベアラートークンを検証し、主体ユーザーIDを返す。
// 署名不一致・期限切れ・失効済み、そして失効集合を参照できない場合も
// すべてUnauthorizedErrorになる。
func (g *Gateway) Authorize(ctx context.Context, signed string) (string, error) {
	userID, _, err := g.codec.Verify(ctx, signed, g.revocationLookup)
	if err != nil {
		return "", model.NewUnauthorizedError()
	}
	return userID, nil
}

// Refresh は有効なトークンを新しいトークンに引き換える。
// 旧トークンは失効集合に登録され、以降は受理されない。
func (g *Gateway) Refresh(ctx context.Context, signed string) (*token.SessionToken, error) {
	userID, tokenID, err := g.codec.Verify(ctx, signed, g.revocationLookup)
	if err != nil {
		return nil, model.NewUnauthorizedError()
	}

	// 先に旧トークンを失効させる。失効が書けないまま新トークンを
	// 発行すると同一主体の有効トークンが2つ並走してしまう。
	if err := g.revoke(ctx, tokenID); err != nil {
		return nil, err
	}

	return g.issueToken(userID)
}

// Logout はトークンを失効させる。
// 既に無効なトークンはそのままUnauthorizedErrorになる。
func (g *Gateway) Logout(ctx context.Context, signed string) error {
	_, tokenID, err := g.codec.Verify(ctx, signed, g.revocationLookup)
	if err != nil {
		return model.NewUnauthorizedError()
	}
	return g.revoke(ctx, tokenID)
}

// CurrentUser は認可済みユーザーIDに対応するユーザーを返す。
func (g *Gateway) CurrentUser(ctx context.Context, userID string) (*model.User, error) {
	user, err := g.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	return user, nil
}

// issueToken は指定ユーザーを主体とするトークンを発行する。
func (g *Gateway) issueToken(userID string) (*token.SessionToken, error) {
	t, err := g.codec.Issue(userID, g.config.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}
	return t, nil
}

// revoke はtokenIdを失効集合に登録する。
// エントリの保持期間はトークンの最大有効期間に等しく、期限切れ後の
// トークンはTTL検証で弾かれるため失効記録を残し続ける必要はない。
func (g *Gateway) revoke(ctx context.Context, tokenID string) error {
	if err := g.revocations.Put(ctx, cache.RevocationKey(tokenID), []byte("1"), g.config.TokenTTL); err != nil {
		return model.NewTransientBackendError("cache", err)
	}
	return nil
}

// revocationLookup はtokenIdが失効集合に含まれるかを照合する。
// キャッシュのエラーはそのまま返し、検証側でフェイルクローズさせる。
func (g *Gateway) revocationLookup(ctx context.Context, tokenID string) (bool, error) {
	_, hit, err := g.revocations.Get(ctx, cache.RevocationKey(tokenID))
	if err != nil {
		return false, err
	}
	return hit, nil
}

// validateRegistration は登録入力を検証する。
func validateRegistration(email, password string) error {
	if email == "" || !strings.Contains(email, "@") {
		return fmt.Errorf("invalid email address")
	}
	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}
	return nil
}
