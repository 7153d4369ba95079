// Package cache はホットなスレッド状態や失効トークン集合を保持する
// 高速経路ストアを提供する。
//
// キャッシュはあくまで助言的な存在であり、エントリの欠落や期限切れが
// 永続結果の誤りにつながってはならない。呼び出し側はミス時に必ず
// 永続ストアへフォールバックする。
package cache

import (
	"context"
	"time"
)

// Cache はキャッシュ層の共通契約。
// 分散実装（Redis）とプロセス内実装は呼び出し側から見て同一に振る舞う。
// ただしプロセス内実装はプロセス再起動をまたいで保持されず、
// インスタンス間でも共有されない。
type Cache interface {
	// Get はキーに対応する値を返す。
	// 2番目の戻り値はヒットしたかどうかを示す。期限切れエントリはミス扱い。
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put は値をTTL付きで保存する。ttlは正の値でなければならない。
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Take は値を取得すると同時に削除する（単回消費）。
	// OAuth stateノンスのように一度しか使えない値に使う。
	Take(ctx context.Context, key string) ([]byte, bool, error)

	// Invalidate はキーを削除する。存在しないキーでもエラーにならない。
	Invalidate(ctx context.Context, key string) error
}

// キャッシュキーの名前空間。実装間で共通のキー形式を使う。
const (
	snapshotKeyPrefix   = "snapshot:"
	revocationKeyPrefix = "revoked:"
	stateNonceKeyPrefix = "oauth_state:"
)

// SnapshotKey はスレッドの最新スナップショットのキャッシュキーを返す。
func SnapshotKey(threadID string) string {
	return snapshotKeyPrefix + threadID
}

// RevocationKey は失効済みトークンIDのキャッシュキーを返す。
func RevocationKey(tokenID string) string {
	return revocationKeyPrefix + tokenID
}

// StateNonceKey はOAuth stateノンスのキャッシュキーを返す。
func StateNonceKey(state string) string {
	return stateNonceKeyPrefix + state
}
