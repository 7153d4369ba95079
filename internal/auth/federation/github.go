package federation

import (
	"encoding/json"
	"fmt"
	"strconv"

	"golang.org/x/oauth2"
)

const (
	// ProviderGitHub はGitHubプロバイダーのキー。
	ProviderGitHub = "github"

	defaultGitHubAuthURL     = "https://github.com/login/oauth/authorize"
	defaultGitHubTokenURL    = "https://github.com/login/oauth/access_token"
	defaultGitHubUserInfoURL = "https://api.github.com/user"
)

// GitHubConfig はGitHubプロバイダーの設定。
type GitHubConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// テスト用にオーバーライド可能なURL
	AuthURL     string
	TokenURL    string
	UserInfoURL string
}

// githubUserInfo はGitHubのユーザー情報エンドポイントのレスポンス。
// emailは非公開設定の場合nullになる。
type githubUserInfo struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// NewGitHubProvider はGitHub OAuthプロバイダーを生成する。
// スコープにはuser:emailを含む。
func NewGitHubProvider(config GitHubConfig) *Provider {
	if config.AuthURL == "" {
		config.AuthURL = defaultGitHubAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultGitHubTokenURL
	}
	if config.UserInfoURL == "" {
		config.UserInfoURL = defaultGitHubUserInfoURL
	}

	return &Provider{
		name: ProviderGitHub,
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Scopes:       []string{"user:email"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  config.AuthURL,
				TokenURL: config.TokenURL,
			},
		},
		userInfoURL: config.UserInfoURL,
		parse:       parseGitHubUserInfo,
	}
}

// parseGitHubUserInfo はGitHubのユーザー情報レスポンスを解釈する。
// 表示名が未設定の場合はloginを使う。
func parseGitHubUserInfo(body []byte) (*ExternalIdentity, error) {
	var info githubUserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, err
	}
	if info.ID == 0 {
		return nil, fmt.Errorf("empty id in user info response")
	}

	name := info.Name
	if name == "" {
		name = info.Login
	}

	return &ExternalIdentity{
		SubjectID: strconv.FormatInt(info.ID, 10),
		Email:     info.Email,
		Name:      name,
	}, nil
}
