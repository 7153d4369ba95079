// Package session は会話スレッドのライフサイクルとターンのコミットを提供する。
//
// 読み取りはキャッシュ優先で、ミスや不調のときは永続ストアへ
// フォールバックする。書き込みは常に永続ストアのcompare-and-swapを
// 通し、成功したときだけキャッシュを追随させる。キャッシュと永続
// ストアが矛盾した場合は常に永続ストアが正となる。
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/chatd/internal/cache"
	"github.com/hitoshi/chatd/internal/engine"
	"github.com/hitoshi/chatd/internal/metrics"
	"github.com/hitoshi/chatd/internal/model"
	"github.com/hitoshi/chatd/internal/repository"
	"github.com/hitoshi/chatd/internal/security"
)

// スレッドID衝突時の再生成上限。UUID衝突は実際にはまず起きない。
const maxThreadIDAttempts = 5

// ManagerConfig はセッションマネージャーの設定。
type ManagerConfig struct {
	SnapshotTTL time.Duration // キャッシュに置くスナップショットのTTL
}

// Manager は会話スレッドの操作を1箇所に集約する。
type Manager struct {
	store     repository.SnapshotStore
	cache     cache.Cache
	engine    engine.ConversationEngine
	sanitizer security.MessageSanitizerService
	metrics   metrics.MetricsCollector
	config    ManagerConfig
}

// NewManager はManagerを生成する。collectorがnilの場合は計測しない。
func NewManager(
	store repository.SnapshotStore,
	snapshotCache cache.Cache,
	convEngine engine.ConversationEngine,
	sanitizer security.MessageSanitizerService,
	collector metrics.MetricsCollector,
	config ManagerConfig,
) *Manager {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Manager{
		store:     store,
		cache:     snapshotCache,
		engine:    convEngine,
		sanitizer: sanitizer,
		metrics:   collector,
		config:    config,
	}
}

// CreateThread は新しいスレッドを作成する。
// スレッドIDはUUIDで、万一既存IDと衝突した場合は再生成する。
// 作成時点でversion 0の空スナップショットがコミットされる。
func (m *Manager) CreateThread(ctx context.Context, ownerUserID string) (*model.Thread, error) {
	var threadID string
	for attempt := 0; attempt < maxThreadIDAttempts; attempt++ {
		candidate := uuid.New().String()
		existing, err := m.store.FindThread(ctx, candidate)
		if err != nil {
			return nil, model.NewTransientBackendError("store", err)
		}
		if existing == nil {
			threadID = candidate
			break
		}
		slog.Warn("thread id collision, regenerating", slog.String("thread_id", candidate))
	}
	if threadID == "" {
		return nil, fmt.Errorf("failed to allocate a unique thread id")
	}

	now := time.Now()
	thread := &model.Thread{
		ID:             threadID,
		OwnerUserID:    ownerUserID,
		Status:         model.ThreadStatusActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	if err := m.store.CreateThread(ctx, thread); err != nil {
		return nil, model.NewTransientBackendError("store", err)
	}

	slog.Info("thread created",
		slog.String("thread_id", threadID),
		slog.String("owner_user_id", ownerUserID),
	)
	return thread, nil
}

// ListThreads は所有者のアクティブなスレッド一覧を返す。
func (m *Manager) ListThreads(ctx context.Context, ownerUserID string) ([]*model.Thread, error) {
	threads, err := m.store.ListThreadsByOwner(ctx, ownerUserID)
	if err != nil {
		return nil, model.NewTransientBackendError("store", err)
	}
	return threads, nil
}

// GetThread は所有者のスレッドの最新スナップショットを返す。
func (m *Manager) GetThread(ctx context.Context, ownerUserID, threadID string) (*model.Snapshot, error) {
	if err := m.authorizeThread(ctx, ownerUserID, threadID); err != nil {
		return nil, err
	}
	return m.loadLatest(ctx, threadID)
}

// DeleteThread はスレッドを論理削除する。
// キャッシュの無効化に失敗した場合、古い状態が配信されないよう
// 削除自体を失敗として返す（永続側の論理削除は既に完了している）。
func (m *Manager) DeleteThread(ctx context.Context, ownerUserID, threadID string) error {
	if err := m.authorizeThread(ctx, ownerUserID, threadID); err != nil {
		return err
	}

	if err := m.store.TombstoneThread(ctx, threadID); err != nil {
		if errors.Is(err, model.ErrThreadNotFound) {
			return err
		}
		return model.NewTransientBackendError("store", err)
	}

	if err := m.cache.Invalidate(ctx, cache.SnapshotKey(threadID)); err != nil {
		return model.NewTransientBackendError("cache", err)
	}

	slog.Info("thread tombstoned", slog.String("thread_id", threadID))
	return nil
}

// GenerateTurn は1ターンを実行する。
// ユーザー発話をサニタイズして履歴に追加し、エンジンで応答を生成した上で
// compare-and-swapコミットする。並行するターンが先にコミットしていた場合は
// ErrVersionConflictを返し、部分的な書き込みは残さない。
// エンジンの障害時は定型文で応答し、ターン自体は完結させる。
func (m *Manager) GenerateTurn(ctx context.Context, ownerUserID, threadID, userMessage string) (*model.Snapshot, error) {
	start := time.Now()
	defer func() {
		m.metrics.RecordTurnLatency(time.Since(start))
	}()

	if err := m.authorizeThread(ctx, ownerUserID, threadID); err != nil {
		return nil, err
	}

	content := m.sanitizer.Sanitize(userMessage)
	if content == "" {
		return nil, model.NewInvalidMessageError("content is empty")
	}

	snapshot, err := m.loadLatest(ctx, threadID)
	if err != nil {
		return nil, err
	}

	turn, err := m.engine.Generate(ctx, snapshot.Messages, snapshot.EngineState, content)
	if err != nil {
		slog.Error("engine failed, falling back to canned response",
			slog.String("thread_id", threadID),
			slog.String("error", err.Error()),
		)
		turn = &engine.Turn{
			Reply:       engine.PickFallbackResponse(),
			EngineState: snapshot.EngineState,
		}
	}

	now := time.Now()
	next := snapshot.Clone()
	next.Messages = append(next.Messages,
		model.Message{Role: model.RoleUser, Content: content, Timestamp: now},
		model.Message{Role: model.RoleAssistant, Content: turn.Reply, Timestamp: now},
	)
	next.EngineState = turn.EngineState

	return m.commit(ctx, threadID, snapshot.Version, next)
}

// RecordFeedback は直近のアシスタント応答にフィードバック値を記録する。
// valueは-1.0〜1.0の範囲で、記録もcompare-and-swapコミットとして行われる。
func (m *Manager) RecordFeedback(ctx context.Context, ownerUserID, threadID string, value float64) (*model.Snapshot, error) {
	if value < -1.0 || value > 1.0 {
		return nil, model.NewInvalidMessageError("feedback must be between -1.0 and 1.0")
	}

	if err := m.authorizeThread(ctx, ownerUserID, threadID); err != nil {
		return nil, err
	}

	snapshot, err := m.loadLatest(ctx, threadID)
	if err != nil {
		return nil, err
	}

	idx := snapshot.LastAssistantIndex()
	if idx < 0 {
		return nil, model.NewInvalidMessageError("no assistant response to rate")
	}

	next := snapshot.Clone()
	next.Messages[idx].Feedback = &value

	return m.commit(ctx, threadID, snapshot.Version, next)
}

// authorizeThread はスレッドの存在と所有権を確認する。
// 論理削除済みスレッドは存在しないものとして扱う。
func (m *Manager) authorizeThread(ctx context.Context, ownerUserID, threadID string) error {
	thread, err := m.store.FindThread(ctx, threadID)
	if err != nil {
		return model.NewTransientBackendError("store", err)
	}
	if thread == nil || thread.Status == model.ThreadStatusTombstoned {
		return model.NewThreadNotFoundError(threadID)
	}
	if thread.OwnerUserID != ownerUserID {
		return model.NewForbiddenError(threadID)
	}
	return nil
}

// loadLatest は最新スナップショットをキャッシュ優先で取得する。
// キャッシュの不調は読み取りを失敗させず、永続ストアへフォールバックする。
// ストアから読んだ結果はTTL付きでキャッシュへ戻す（失敗しても無視）。
func (m *Manager) loadLatest(ctx context.Context, threadID string) (*model.Snapshot, error) {
	key := cache.SnapshotKey(threadID)

	if data, hit, err := m.cache.Get(ctx, key); err != nil {
		slog.Warn("snapshot cache read failed, falling back to store",
			slog.String("thread_id", threadID),
			slog.String("error", err.Error()),
		)
	} else if hit {
		var snapshot model.Snapshot
		if err := json.Unmarshal(data, &snapshot); err == nil {
			m.metrics.RecordCacheHit()
			return &snapshot, nil
		}
		// 壊れたエントリは捨ててストアから読み直す
		_ = m.cache.Invalidate(ctx, key)
	}
	m.metrics.RecordCacheMiss()

	snapshot, err := m.store.LoadLatest(ctx, threadID)
	if err != nil {
		if errors.Is(err, model.ErrThreadNotFound) {
			return nil, err
		}
		return nil, model.NewTransientBackendError("store", err)
	}

	m.populateCache(ctx, snapshot)
	return snapshot, nil
}

// commit はcompare-and-swapコミットを実行し、キャッシュを追随させる。
// バージョン競合時はキャッシュの古いエントリを無効化してから競合を返す。
func (m *Manager) commit(ctx context.Context, threadID string, expectedPriorVersion int64, snapshot *model.Snapshot) (*model.Snapshot, error) {
	committed, err := m.store.Commit(ctx, threadID, expectedPriorVersion, snapshot)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrVersionConflict):
			m.metrics.RecordCommitConflict()
			// 負けた側のキャッシュが古い可能性があるため捨てる
			_ = m.cache.Invalidate(ctx, cache.SnapshotKey(threadID))
			return nil, err
		case errors.Is(err, model.ErrThreadNotFound):
			return nil, err
		default:
			return nil, model.NewTransientBackendError("store", err)
		}
	}

	m.metrics.RecordCommitSuccess()
	m.populateCache(ctx, committed)
	return committed, nil
}

// populateCache はコミット済みスナップショットをキャッシュへ書き戻す。
// 失敗しても永続結果には影響しないため、警告ログだけ残して続行する。
func (m *Manager) populateCache(ctx context.Context, snapshot *model.Snapshot) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	if err := m.cache.Put(ctx, cache.SnapshotKey(snapshot.ThreadID), data, m.config.SnapshotTTL); err != nil {
		slog.Warn("snapshot cache write failed",
			slog.String("thread_id", snapshot.ThreadID),
			slog.String("error", err.Error()),
		)
	}
}
