// Package cleanup は古いデータの自動削除ジョブを提供する。
// 孤立したチャンネル・チャット、保持期間を超過した動画と
// プッシュ重複排除キャッシュを定期バッチで削除する。
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/chanwatch/internal/metrics"
	"github.com/hitoshi/chanwatch/internal/repository"
)

// Job は古いデータの自動削除ジョブ。
// 各ステップはベストエフォートで実行され、一部の失敗が他のステップを
// 妨げることはない。冪等: 削除対象がない場合でもエラーにならない。
type Job struct {
	channelRepo      repository.ChannelRepository
	chatRepo         repository.ChatRepository
	videoRepo        repository.VideoRepository
	pushLogRepo      repository.PushLogRepository
	collector        metrics.MetricsCollector
	logger           *slog.Logger
	videoRetention   time.Duration
	pushLogRetention time.Duration
}

// NewJob は新しいJobを生成する。
func NewJob(
	channelRepo repository.ChannelRepository,
	chatRepo repository.ChatRepository,
	videoRepo repository.VideoRepository,
	pushLogRepo repository.PushLogRepository,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	videoRetention time.Duration,
	pushLogRetention time.Duration,
) *Job {
	return &Job{
		channelRepo:      channelRepo,
		chatRepo:         chatRepo,
		videoRepo:        videoRepo,
		pushLogRepo:      pushLogRepo,
		collector:        collector,
		logger:           logger,
		videoRetention:   videoRetention,
		pushLogRetention: pushLogRetention,
	}
}

// Start は指定間隔のティッカーでジョブを起動する。
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップジョブを開始しました",
		slog.Duration("interval", interval),
	)

	if err := j.Run(ctx); err != nil {
		j.logger.Error("クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("クリーンアップジョブの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Run は全クリーンアップステップを1回実行する。
// 各ステップの失敗はログに記録して次へ進む。コンテキストの
// キャンセルのみが実行を打ち切る。
func (j *Job) Run(ctx context.Context) error {
	start := time.Now()

	j.sweep(ctx, "orphan_chats", func(ctx context.Context) (int64, error) {
		return j.chatRepo.DeleteOrphans(ctx)
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}

	j.sweep(ctx, "orphan_channels", func(ctx context.Context) (int64, error) {
		return j.channelRepo.DeleteOrphans(ctx)
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}

	j.sweep(ctx, "old_videos", func(ctx context.Context) (int64, error) {
		return j.videoRepo.DeleteOlderThan(ctx, time.Now().Add(-j.videoRetention))
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}

	j.sweep(ctx, "push_log", func(ctx context.Context) (int64, error) {
		return j.pushLogRepo.EvictOlderThan(ctx, j.pushLogRetention)
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}

	duration := time.Since(start)
	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

func (j *Job) sweep(ctx context.Context, kind string, fn func(context.Context) (int64, error)) {
	deleted, err := fn(ctx)
	if err != nil {
		j.logger.Error("クリーンアップステップの実行に失敗しました",
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
		return
	}

	j.collector.RecordSweep(kind, deleted)
	j.logger.Info("クリーンアップステップが完了しました",
		slog.String("kind", kind),
		slog.Int64("deleted_count", deleted),
	)
}
