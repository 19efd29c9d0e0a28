// Package cleanup は期限切れセッションの削除ジョブを提供する。
// サーバーのリクエスト処理とは独立に、運用者が `ryoa sweep` で明示的に実行する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/ryoa/internal/metrics"
)

// ExpiredSessionDeleter は期限切れセッションの一括削除インターフェース。
// repository.SessionRepositoryの部分集合として定義する。
type ExpiredSessionDeleter interface {
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// SessionSweepJob は期限切れセッションの削除ジョブ。
// 冪等であり、削除対象がない場合でもエラーにならない。
type SessionSweepJob struct {
	sessions ExpiredSessionDeleter
	logger   *slog.Logger
	metrics  metrics.MetricsCollector

	// Grace は期限切れから削除までの猶予（デフォルト: 0）。
	Grace time.Duration
	Now   func() time.Time
}

// NewSessionSweepJob は新しいSessionSweepJobを生成する。
func NewSessionSweepJob(sessions ExpiredSessionDeleter, logger *slog.Logger, collector metrics.MetricsCollector) *SessionSweepJob {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &SessionSweepJob{
		sessions: sessions,
		logger:   logger,
		metrics:  collector,
		Now:      time.Now,
	}
}

// Run はexpires_atが (現在時刻 - Grace) 以前のセッションを削除し、削除件数を返す。
func (j *SessionSweepJob) Run(ctx context.Context) (int64, error) {
	start := time.Now()
	before := j.Now().UTC().Add(-j.Grace)

	deleted, err := j.sessions.DeleteExpired(ctx, before)
	if err != nil {
		j.logger.Error("セッション削除ジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Time("before", before),
		)
		return 0, fmt.Errorf("期限切れセッションの削除に失敗: %w", err)
	}

	j.metrics.RecordSessionsSwept(deleted)
	j.logger.Info("セッション削除ジョブが完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Time("before", before),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return deleted, nil
}
