// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/chatd/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
	// 比較は大文字小文字を区別しない。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はローカル登録ユーザーを作成する。
	Create(ctx context.Context, user *model.User) error

	// CreateWithIdentity はユーザーとidentityを同一トランザクションで作成する。
	// OAuthログインの初回コールバックで使用する。
	CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error

	// DeleteByID は指定IDのユーザーを削除する。
	// 関連するidentities、threadsはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error)
}

// SnapshotStore は会話スレッド状態の永続化インターフェース。
// スナップショットの永続的な記録を唯一所有する層であり、キャッシュ層の
// 内容と矛盾した場合は常にこちらが正となる。
type SnapshotStore interface {
	// CreateThread はスレッドを作成し、version 0の空スナップショットを
	// 同一トランザクションでコミットする。
	CreateThread(ctx context.Context, thread *model.Thread) error

	// FindThread は指定IDのスレッドを取得する。見つからない場合はnilを返す。
	// 論理削除済みスレッドも（Status付きで）返す。
	FindThread(ctx context.Context, threadID string) (*model.Thread, error)

	// ListThreadsByOwner は指定ユーザーのアクティブなスレッド一覧を
	// 最終活動時刻の降順で返す。
	ListThreadsByOwner(ctx context.Context, ownerUserID string) ([]*model.Thread, error)

	// LoadLatest はスレッドの最新コミット済みスナップショットを返す。
	// スレッドが存在しないか論理削除済みの場合はErrThreadNotFoundを返す。
	LoadLatest(ctx context.Context, threadID string) (*model.Snapshot, error)

	// Commit はexpectedPriorVersionを条件とするcompare-and-swap書き込みを行う。
	// 永続化されている最新versionがexpectedPriorVersionと一致する場合のみ
	// version+1の新スナップショットをコミットし、それ以外はErrVersionConflictを返す。
	// 書き込みはトランザクショナルで、失敗時に部分的な変更を残さない。
	Commit(ctx context.Context, threadID string, expectedPriorVersion int64, snapshot *model.Snapshot) (*model.Snapshot, error)

	// TombstoneThread はスレッドを論理削除する。
	// 以降のLoadLatest/CommitはErrThreadNotFoundになる。
	// 既に論理削除済みまたは存在しない場合はErrThreadNotFoundを返す。
	TombstoneThread(ctx context.Context, threadID string) error
}
