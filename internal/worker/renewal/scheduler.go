// Package renewal はプッシュ購読リースの更新スケジューリングを提供する。
// 期限が近いチャンネルを選択して外部の通知サービスへ更新を依頼する。
// 更新失敗は致命的ではない。リースが切れたチャンネルは同期スケジューラの
// 通常の選択に自然に戻る。
package renewal

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/chanwatch/internal/metrics"
	"github.com/hitoshi/chanwatch/internal/repository"
)

// SubscriptionRenewer は外部の通知サービスに対する購読更新のインターフェース。
// 更新に成功したチャンネルIDと新しいリース期限を返す。
type SubscriptionRenewer interface {
	Renew(ctx context.Context, channelIDs []string) (renewed []string, expiresAt time.Time, err error)
}

// Scheduler はプッシュ購読更新の選択とディスパッチを行う。
type Scheduler struct {
	channelRepo     repository.ChannelRepository
	renewer         SubscriptionRenewer
	collector       metrics.MetricsCollector
	logger          *slog.Logger
	leadTime        time.Duration
	attemptCooldown time.Duration
	batchLimit      int
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// batchLimitが0以下の場合は50を使用する。
func NewScheduler(
	channelRepo repository.ChannelRepository,
	renewer SubscriptionRenewer,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	leadTime time.Duration,
	attemptCooldown time.Duration,
	batchLimit int,
) *Scheduler {
	if batchLimit <= 0 {
		batchLimit = 50
	}
	return &Scheduler{
		channelRepo:     channelRepo,
		renewer:         renewer,
		collector:       collector,
		logger:          logger,
		leadTime:        leadTime,
		attemptCooldown: attemptCooldown,
		batchLimit:      batchLimit,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("購読更新スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("batch_limit", s.batchLimit),
	)

	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("購読更新サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("購読更新スケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("購読更新サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は更新対象チャンネルを1回選択し、試行クールダウンを設定してから
// 外部サービスへ更新を依頼する。更新の失敗はログのみで伝播しない。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	cycleID := uuid.NewString()

	ids, err := s.channelRepo.ListForRenewal(ctx, s.leadTime, s.batchLimit)
	if err != nil {
		return err
	}

	if len(ids) == 0 {
		s.logger.Info("購読更新対象のチャンネルはありません",
			slog.String("cycle_id", cycleID),
		)
		return nil
	}

	// 試行クールダウンを先に設定し、進行中の更新への再発行を防ぐ
	if err := s.channelRepo.MarkRenewalAttempted(ctx, ids, s.attemptCooldown); err != nil {
		return err
	}

	renewed, expiresAt, err := s.renewer.Renew(ctx, ids)
	if err != nil {
		s.logger.Warn("購読更新の依頼に失敗しました",
			slog.String("cycle_id", cycleID),
			slog.Int("channel_count", len(ids)),
			slog.String("error", err.Error()),
		)
		return nil
	}

	if err := s.channelRepo.RecordRenewalResult(ctx, renewed, expiresAt); err != nil {
		return err
	}

	s.collector.RecordRenewalCycle(len(ids))
	s.logger.Info("購読更新サイクルが完了しました",
		slog.String("cycle_id", cycleID),
		slog.Int("selected", len(ids)),
		slog.Int("renewed", len(renewed)),
		slog.Time("expires_at", expiresAt),
	)

	return nil
}
