// Package cleanup はスナップショット履歴の自動削除ジョブを提供する。
// 各スレッドの最新版を残して古いバージョンを間引き、論理削除から
// 保持期間（デフォルト30日）を超過したスレッドを物理削除する。
// snapshotsはCASCADE削除で自動的に処理される。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CleanupJob は古いスナップショット履歴と論理削除済みスレッドの自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	db     Executor
	logger *slog.Logger

	// KeepVersions はスレッドごとに保持する直近バージョン数（デフォルト: 20）。
	// 最新版は読み取り経路の正であるため必ず残る。
	KeepVersions int

	// TombstoneRetentionDays は論理削除スレッドの保持日数（デフォルト: 30）。
	TombstoneRetentionDays int
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:                     db,
		logger:                 logger,
		KeepVersions:           20,
		TombstoneRetentionDays: 30,
	}
}

// Run は古いスナップショットと期限切れの論理削除スレッドを削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	prunedSnapshots, err := j.pruneSnapshots(ctx)
	if err != nil {
		return err
	}

	purgedThreads, err := j.purgeTombstonedThreads(ctx)
	if err != nil {
		return err
	}

	duration := time.Since(start)
	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("pruned_snapshots", prunedSnapshots),
		slog.Int64("purged_threads", purgedThreads),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// pruneSnapshots はスレッドごとに直近KeepVersions件を残して
// 古いスナップショットを削除する。
func (j *CleanupJob) pruneSnapshots(ctx context.Context) (int64, error) {
	query := `
		DELETE FROM snapshots s
		USING (
			SELECT thread_id, MAX(version) AS latest
			FROM snapshots
			GROUP BY thread_id
		) latest
		WHERE s.thread_id = latest.thread_id
		  AND s.version <= latest.latest - $1`

	result, err := j.db.ExecContext(ctx, query, j.KeepVersions)
	if err != nil {
		j.logger.Error("スナップショット履歴の削除に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("keep_versions", j.KeepVersions),
		)
		return 0, fmt.Errorf("スナップショット履歴の削除に失敗: %w", err)
	}

	pruned, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	return pruned, nil
}

// purgeTombstonedThreads は論理削除から保持期間を超過したスレッドを
// 物理削除する。snapshotsはCASCADE削除により自動的に削除される。
func (j *CleanupJob) purgeTombstonedThreads(ctx context.Context) (int64, error) {
	interval := fmt.Sprintf("%d days", j.TombstoneRetentionDays)

	query := `
		DELETE FROM threads
		WHERE status = 'tombstoned'
		  AND last_activity_at < now() - $1::interval`

	result, err := j.db.ExecContext(ctx, query, interval)
	if err != nil {
		j.logger.Error("論理削除スレッドの物理削除に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.TombstoneRetentionDays),
		)
		return 0, fmt.Errorf("論理削除スレッドの物理削除に失敗: %w", err)
	}

	purged, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	return purged, nil
}
