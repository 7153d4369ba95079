package federation

import (
	"encoding/json"
	"fmt"

	"golang.org/x/oauth2"
)

const (
	// ProviderGoogle はGoogleプロバイダーのキー。
	ProviderGoogle = "google"

	defaultGoogleAuthURL     = "https://accounts.google.com/o/oauth2/auth"
	defaultGoogleTokenURL    = "https://oauth2.googleapis.com/token"
	defaultGoogleUserInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"
)

// GoogleConfig はGoogleプロバイダーの設定。
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// テスト用にオーバーライド可能なURL
	AuthURL     string
	TokenURL    string
	UserInfoURL string
}

// googleUserInfo はGoogleのユーザー情報エンドポイントのレスポンス。
type googleUserInfo struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// NewGoogleProvider はGoogle OAuth 2.0プロバイダーを生成する。
// スコープにはopenid, email, profileを含む。
func NewGoogleProvider(config GoogleConfig) *Provider {
	if config.AuthURL == "" {
		config.AuthURL = defaultGoogleAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultGoogleTokenURL
	}
	if config.UserInfoURL == "" {
		config.UserInfoURL = defaultGoogleUserInfoURL
	}

	return &Provider{
		name: ProviderGoogle,
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  config.AuthURL,
				TokenURL: config.TokenURL,
			},
		},
		userInfoURL: config.UserInfoURL,
		parse:       parseGoogleUserInfo,
	}
}

// parseGoogleUserInfo はGoogleのユーザー情報レスポンスを解釈する。
func parseGoogleUserInfo(body []byte) (*ExternalIdentity, error) {
	var info googleUserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, err
	}
	if info.Sub == "" {
		return nil, fmt.Errorf("empty sub in user info response")
	}

	return &ExternalIdentity{
		SubjectID: info.Sub,
		Email:     info.Email,
		Name:      info.Name,
	}, nil
}
