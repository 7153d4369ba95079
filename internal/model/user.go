// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
// OAuthログインまたはローカル登録の初回成功時に作成される。
type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string // ローカル登録ユーザーのみ。OAuthユーザーは空。
	Disabled     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsLocal はパスワードログイン可能なローカル登録ユーザーかどうかを返す。
func (u *User) IsLocal() bool {
	return u.PasswordHash != ""
}

// Identity は外部IdPとの紐付け情報を表す。
// (provider, provider_user_id) の組は一意に1ユーザーへ対応し、作成後は不変。
type Identity struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}
