package federation

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/hitoshi/chatd/internal/model"
)

// userInfoParser はプロバイダー固有のユーザー情報レスポンスを解釈する。
type userInfoParser func(body []byte) (*ExternalIdentity, error)

// Provider は1つの外部IdPを表す。
// エンドポイントURLとスコープ、ユーザー情報の解釈だけがプロバイダー固有で、
// フローの駆動はFederatorが共通に行う。
type Provider struct {
	name        string
	oauth       *oauth2.Config
	userInfoURL string
	parse       userInfoParser
}

// Name はプロバイダーのキーを返す。
func (p *Provider) Name() string {
	return p.name
}

// AuthCodeURL はstate付きの認可URLを生成する。
func (p *Provider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

// Exchange は認可コードをトークンに交換し、ユーザー情報を取得する。
// 通信エラーとプロバイダーのエラー応答はいずれもFederationErrorになる。
func (p *Provider) Exchange(ctx context.Context, code string) (*ExternalIdentity, error) {
	token, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, model.NewFederationError(fmt.Sprintf("token exchange failed: %v", err))
	}

	identity, err := p.fetchUserInfo(ctx, token)
	if err != nil {
		return nil, err
	}

	return identity, nil
}

// fetchUserInfo はアクセストークンでユーザー情報エンドポイントを呼び出す。
func (p *Provider) fetchUserInfo(ctx context.Context, token *oauth2.Token) (*ExternalIdentity, error) {
	client := p.oauth.Client(ctx, token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user info request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, model.NewFederationError(fmt.Sprintf("user info request failed: %v", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, model.NewFederationError(fmt.Sprintf("failed to read user info response: %v", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, model.NewFederationError(fmt.Sprintf("user info fetch failed with status %d", resp.StatusCode))
	}

	identity, err := p.parse(body)
	if err != nil {
		return nil, model.NewFederationError(fmt.Sprintf("failed to parse user info: %v", err))
	}
	identity.Provider = p.name

	return identity, nil
}
