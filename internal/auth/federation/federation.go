// Package federation は外部IdPとのOAuth2認可コードフローを提供する。
//
// stateノンスはキャッシュ層に単回消費エントリとして保存され、
// コールバックでの照合時に結果を問わず消費される。これにより
// コールバックエンドポイントへのCSRFとノンスのリプレイを防ぐ。
package federation

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/hitoshi/chatd/internal/cache"
	"github.com/hitoshi/chatd/internal/model"
)

// ExternalIdentity は外部IdPで検証済みのユーザー識別情報を表す。
type ExternalIdentity struct {
	Provider  string
	SubjectID string
	Email     string
	Name      string
}

// Registry は利用可能なプロバイダーをキーで引くための登録簿。
// プロバイダーの追加はエンドポイントURLとスコープの登録だけで済み、
// 呼び出し側のコードは変わらない。
type Registry struct {
	providers map[string]*Provider
}

// NewRegistry はRegistryを生成する。
func NewRegistry(providers ...*Provider) *Registry {
	r := &Registry{providers: make(map[string]*Provider)}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Get は指定キーのプロバイダーを返す。
func (r *Registry) Get(name string) (*Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Names は登録済みプロバイダー名の一覧を返す。
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// Federator はOAuth2認可コードフロー全体を駆動する。
type Federator struct {
	registry *Registry
	nonces   cache.Cache
	nonceTTL time.Duration
}

// NewFederator はFederatorを生成する。
// noncesにはstateノンスの保存先キャッシュを渡す。
func NewFederator(registry *Registry, nonces cache.Cache, nonceTTL time.Duration) *Federator {
	return &Federator{
		registry: registry,
		nonces:   nonces,
		nonceTTL: nonceTTL,
	}
}

// BuildAuthorizationURL は認可URLと偽造防止用のstateノンスを生成する。
// ノンスはTTL付きでキャッシュに保存され、コールバックで1回だけ照合できる。
func (f *Federator) BuildAuthorizationURL(ctx context.Context, providerName string) (authURL, state string, err error) {
	provider, ok := f.registry.Get(providerName)
	if !ok {
		return "", "", model.NewFederationError(fmt.Sprintf("unknown provider %q", providerName))
	}

	state, err = generateState()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate state: %w", err)
	}

	// ノンスの値は発行先プロバイダー名。コールバックでの取り違えも検出する。
	if err := f.nonces.Put(ctx, cache.StateNonceKey(state), []byte(providerName), f.nonceTTL); err != nil {
		return "", "", model.NewTransientBackendError("cache", err)
	}

	return provider.AuthCodeURL(state), state, nil
}

// ExchangeCode は認可コードを交換し、検証済みの外部identityを返す。
// stateノンスは結果を問わず最初に消費される。2回目以降の使用や
// 発行していないstateはFederationErrorになる。
func (f *Federator) ExchangeCode(ctx context.Context, providerName, code, state string) (*ExternalIdentity, error) {
	if state == "" {
		return nil, model.NewFederationError("missing state parameter")
	}

	// 単回消費: 照合前に取り除くことでリプレイを防ぐ
	issued, ok, err := f.nonces.Take(ctx, cache.StateNonceKey(state))
	if err != nil {
		return nil, model.NewTransientBackendError("cache", err)
	}
	if !ok {
		return nil, model.NewFederationError("state mismatch or already used")
	}
	if string(issued) != providerName {
		return nil, model.NewFederationError("state issued for a different provider")
	}

	provider, ok := f.registry.Get(providerName)
	if !ok {
		return nil, model.NewFederationError(fmt.Sprintf("unknown provider %q", providerName))
	}

	if code == "" {
		return nil, model.NewFederationError("missing authorization code")
	}

	identity, err := provider.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}

	return identity, nil
}

// generateState は暗号的に安全なstateノンスを生成する。
func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
