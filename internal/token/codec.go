// Package token はベアラートークンの発行と検証を提供する。
//
// トークンは共通鍵で署名されたステートレスなJWTで、サーバー側には
// 保存されない。失効確認のためのtokenIdのみがClaims内に含まれ、
// 外部から注入されるlookupで失効集合と照合される。
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken はトークンが受理できないことを示す。
// 不正なエンコード、署名不一致、期限切れ、失効済みのいずれも
// この1種類に正規化される。
var ErrInvalidToken = errors.New("invalid token")

// SessionToken は発行済みトークンとそのメタデータを表す。
type SessionToken struct {
	Signed        string // 署名済みトークン文字列
	TokenID       string // 失効照合用の一意ID
	SubjectUserID string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	Algorithm     string
}

// RevocationLookup はtokenIdが失効集合に含まれるかを照合する。
// 失効集合の所有はこのパッケージの責務ではなく、照合手段のみ注入される。
// lookupのエラーは検証失敗として扱われる（フェイルクローズ）。
type RevocationLookup func(ctx context.Context, tokenID string) (bool, error)

// Codec は共通鍵によるトークンの署名と検証を行う。
// 発行には常にkeyIDの鍵を使うが、検証はトークンのkidヘッダーで鍵を
// 選択するため、将来の鍵ローテーションで既存トークンを壊さずに済む。
type Codec struct {
	keyID string
	keys  map[string][]byte
}

// NewCodec はCodecを生成する。secretが空の場合はエラーを返す。
func NewCodec(secret, keyID string) (*Codec, error) {
	if secret == "" {
		return nil, fmt.Errorf("token: signing secret is required")
	}
	if keyID == "" {
		return nil, fmt.Errorf("token: key id is required")
	}
	return &Codec{
		keyID: keyID,
		keys:  map[string][]byte{keyID: []byte(secret)},
	}, nil
}

// AddVerificationKey は検証専用の鍵を追加する。
// ローテーション後も旧kidのトークンを受理し続けるために使う。
func (c *Codec) AddVerificationKey(keyID, secret string) {
	c.keys[keyID] = []byte(secret)
}

// Issue は指定ユーザーを主体とするトークンをTTL付きで発行する。
func (c *Codec) Issue(subjectUserID string, ttl time.Duration) (*SessionToken, error) {
	if subjectUserID == "" {
		return nil, fmt.Errorf("token: subject user id is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("token: ttl must be positive, got %v", ttl)
	}

	now := time.Now()
	tokenID := uuid.New().String()

	claims := jwt.RegisteredClaims{
		Subject:   subjectUserID,
		ID:        tokenID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	t.Header["kid"] = c.keyID

	signed, err := t.SignedString(c.keys[c.keyID])
	if err != nil {
		return nil, fmt.Errorf("token: failed to sign: %w", err)
	}

	return &SessionToken{
		Signed:        signed,
		TokenID:       tokenID,
		SubjectUserID: subjectUserID,
		IssuedAt:      now,
		ExpiresAt:     now.Add(ttl),
		Algorithm:     jwt.SigningMethodHS256.Alg(),
	}, nil
}

// Verify はトークンを検証して主体ユーザーIDとtokenIdを返す。
// 不正なエンコード・署名不一致・期限切れ・失効済みはすべて
// ErrInvalidTokenにラップされる。revokedがnilの場合は失効照合を行わない。
func (c *Codec) Verify(ctx context.Context, signed string, revoked RevocationLookup) (subjectUserID, tokenID string, err error) {
	claims := &jwt.RegisteredClaims{}

	parsed, err := jwt.ParseWithClaims(signed, claims, c.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" || claims.ID == "" {
		return "", "", fmt.Errorf("%w: missing claims", ErrInvalidToken)
	}

	if revoked != nil {
		isRevoked, err := revoked(ctx, claims.ID)
		if err != nil {
			// 失効集合を参照できない場合は受理しない
			return "", "", fmt.Errorf("%w: revocation lookup failed: %v", ErrInvalidToken, err)
		}
		if isRevoked {
			return "", "", fmt.Errorf("%w: token revoked", ErrInvalidToken)
		}
	}

	return claims.Subject, claims.ID, nil
}

// keyFunc はkidヘッダーから検証鍵を選択する。
func (c *Codec) keyFunc(t *jwt.Token) (interface{}, error) {
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("missing kid header")
	}
	key, ok := c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown kid %q", kid)
	}
	return key, nil
}
