package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/chatd/internal/model"
)

// PostgresSnapshotRepo はPostgreSQLを使用したスナップショットストア。
//
// 並行性制御は楽観的なcompare-and-swapのみで行う。コミットは
// スレッド行のロック下で最新versionを確認し、期待値と一致する場合のみ
// version+1の行を挿入する。(thread_id, version)の一意制約が最終防衛線と
// なり、いかなる競合でも同一versionへの二重コミットは起こらない。
type PostgresSnapshotRepo struct {
	db *sql.DB
}

// NewPostgresSnapshotRepo はPostgresSnapshotRepoを生成する。
func NewPostgresSnapshotRepo(db *sql.DB) *PostgresSnapshotRepo {
	return &PostgresSnapshotRepo{db: db}
}

// CreateThread はスレッドを作成し、version 0の空スナップショットを
// 同一トランザクションでコミットする。
func (r *PostgresSnapshotRepo) CreateThread(ctx context.Context, thread *model.Thread) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO threads (id, owner_user_id, status, created_at, last_activity_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		thread.ID, thread.OwnerUserID, string(model.ThreadStatusActive), thread.CreatedAt, thread.LastActivityAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert thread: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO snapshots (thread_id, version, messages, engine_state, committed_at)
		 VALUES ($1, 0, '[]', NULL, $2)`,
		thread.ID, thread.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert initial snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// FindThread は指定IDのスレッドを取得する。見つからない場合はnilを返す。
func (r *PostgresSnapshotRepo) FindThread(ctx context.Context, threadID string) (*model.Thread, error) {
	thread := &model.Thread{}
	var status string
	err := r.db.QueryRowContext(ctx,
		`SELECT id, owner_user_id, status, created_at, last_activity_at
		 FROM threads WHERE id = $1`,
		threadID,
	).Scan(&thread.ID, &thread.OwnerUserID, &status, &thread.CreatedAt, &thread.LastActivityAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find thread: %w", err)
	}

	thread.Status = model.ThreadStatus(status)
	return thread, nil
}

// ListThreadsByOwner は指定ユーザーのアクティブなスレッド一覧を返す。
func (r *PostgresSnapshotRepo) ListThreadsByOwner(ctx context.Context, ownerUserID string) ([]*model.Thread, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, owner_user_id, status, created_at, last_activity_at
		 FROM threads
		 WHERE owner_user_id = $1 AND status = $2
		 ORDER BY last_activity_at DESC`,
		ownerUserID, string(model.ThreadStatusActive),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	defer rows.Close()

	var threads []*model.Thread
	for rows.Next() {
		thread := &model.Thread{}
		var status string
		if err := rows.Scan(&thread.ID, &thread.OwnerUserID, &status, &thread.CreatedAt, &thread.LastActivityAt); err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		thread.Status = model.ThreadStatus(status)
		threads = append(threads, thread)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate threads: %w", err)
	}

	return threads, nil
}

// LoadLatest はスレッドの最新コミット済みスナップショットを返す。
// スレッドが存在しないか論理削除済みの場合はErrThreadNotFoundを返す。
func (r *PostgresSnapshotRepo) LoadLatest(ctx context.Context, threadID string) (*model.Snapshot, error) {
	var (
		messagesJSON []byte
		engineState  []byte
		snapshot     = &model.Snapshot{ThreadID: threadID}
	)

	err := r.db.QueryRowContext(ctx,
		`SELECT s.version, s.messages, s.engine_state, s.committed_at
		 FROM snapshots s
		 JOIN threads t ON t.id = s.thread_id
		 WHERE s.thread_id = $1 AND t.status = $2
		 ORDER BY s.version DESC
		 LIMIT 1`,
		threadID, string(model.ThreadStatusActive),
	).Scan(&snapshot.Version, &messagesJSON, &engineState, &snapshot.CommittedAt)

	if err == sql.ErrNoRows {
		return nil, model.NewThreadNotFoundError(threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest snapshot: %w", err)
	}

	if err := json.Unmarshal(messagesJSON, &snapshot.Messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal messages: %w", err)
	}
	if len(engineState) > 0 {
		snapshot.EngineState = json.RawMessage(engineState)
	}

	return snapshot, nil
}

// Commit はexpectedPriorVersionを条件とするcompare-and-swap書き込みを行う。
//
// スレッド行をFOR UPDATEでロックして同一スレッドのコミットを直列化し、
// 最新versionが期待値と一致する場合のみversion+1を挿入する。
// ロックをすり抜ける経路はないが、一意制約違反も念のため
// ErrVersionConflictへ正規化する。
func (r *PostgresSnapshotRepo) Commit(ctx context.Context, threadID string, expectedPriorVersion int64, snapshot *model.Snapshot) (*model.Snapshot, error) {
	messagesJSON, err := json.Marshal(snapshot.Messages)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal messages: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// スレッドの存在と状態を確認し、行ロックで同一スレッドのコミットを直列化
	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM threads WHERE id = $1 FOR UPDATE`,
		threadID,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return nil, model.NewThreadNotFoundError(threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock thread: %w", err)
	}
	if model.ThreadStatus(status) != model.ThreadStatusActive {
		return nil, model.NewThreadNotFoundError(threadID)
	}

	// compare-and-swap: 最新versionが期待値と一致しなければ競合
	var latest int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), -1) FROM snapshots WHERE thread_id = $1`,
		threadID,
	).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("failed to read latest version: %w", err)
	}
	if latest != expectedPriorVersion {
		return nil, model.NewVersionConflictError(threadID, expectedPriorVersion)
	}

	committed := &model.Snapshot{
		ThreadID:    threadID,
		Version:     expectedPriorVersion + 1,
		Messages:    snapshot.Messages,
		EngineState: snapshot.EngineState,
		CommittedAt: time.Now(),
	}

	var engineState interface{}
	if len(committed.EngineState) > 0 {
		engineState = []byte(committed.EngineState)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO snapshots (thread_id, version, messages, engine_state, committed_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		threadID, committed.Version, messagesJSON, engineState, committed.CommittedAt,
	)
	if isUniqueViolation(err) {
		return nil, model.NewVersionConflictError(threadID, expectedPriorVersion)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert snapshot: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE threads SET last_activity_at = $2 WHERE id = $1`,
		threadID, committed.CommittedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update thread activity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return committed, nil
}

// TombstoneThread はスレッドを論理削除する。
func (r *PostgresSnapshotRepo) TombstoneThread(ctx context.Context, threadID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE threads SET status = $2, last_activity_at = now()
		 WHERE id = $1 AND status = $3`,
		threadID, string(model.ThreadStatusTombstoned), string(model.ThreadStatusActive),
	)
	if err != nil {
		return fmt.Errorf("failed to tombstone thread: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.NewThreadNotFoundError(threadID)
	}
	return nil
}

// compile-time interface check
var _ SnapshotStore = (*PostgresSnapshotRepo)(nil)
