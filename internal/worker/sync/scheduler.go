// Package sync はチャンネル同期のスケジューリングを提供する。
// データベース自体がキューであり、クレームはクールダウン期限のタイムスタンプで表現される。
// 複数のワーカープロセスが同時に動いても、クレームの重複はクールダウンで抑えられ、
// 取り込み側の一意制約により二重取り込みは無害になる。
package sync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hitoshi/chanwatch/internal/metrics"
	"github.com/hitoshi/chanwatch/internal/model"
	"github.com/hitoshi/chanwatch/internal/repository"
)

// ChannelSyncer は外部のコンテンツフェッチャーのインターフェース。
// サービスごとの取得プロトコルは本体の範囲外であり、実装は外部から与えられる。
type ChannelSyncer interface {
	// Sync は指定チャンネルの新着を取得し、取り込み用の差分を返す。
	Sync(ctx context.Context, channelID string) (model.ChannelDelta, []model.NewVideo, error)
}

// Ingestor は取り込みパイプラインのインターフェース。
type Ingestor interface {
	Ingest(ctx context.Context, deltas []model.ChannelDelta, videos []model.NewVideo) error
}

// Scheduler は同期対象チャンネルの選択・クレーム・ディスパッチを行う。
// 選択とクレームは原子的ではない。2つのワーカーが同じチャンネルをクレームする
// 狭い競合は許容され、クールダウンと配信側の一意制約で無害化される。
type Scheduler struct {
	channelRepo    repository.ChannelRepository
	syncer         ChannelSyncer
	ingestor       Ingestor
	collector      metrics.MetricsCollector
	logger         *slog.Logger
	limiter        *rate.Limiter
	staleness      time.Duration
	claimCooldown  time.Duration
	batchLimit     int
	maxConcurrency int
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// dispatchRateは外部フェッチャーへのディスパッチレート（件/秒）。
// batchLimitが0以下の場合は50、dispatchRateが0以下の場合は10を使用する。
func NewScheduler(
	channelRepo repository.ChannelRepository,
	syncer ChannelSyncer,
	ingestor Ingestor,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	staleness time.Duration,
	claimCooldown time.Duration,
	batchLimit int,
	dispatchRate float64,
) *Scheduler {
	if batchLimit <= 0 {
		batchLimit = 50
	}
	if dispatchRate <= 0 {
		dispatchRate = 10
	}
	return &Scheduler{
		channelRepo:    channelRepo,
		syncer:         syncer,
		ingestor:       ingestor,
		collector:      collector,
		logger:         logger,
		limiter:        rate.NewLimiter(rate.Limit(dispatchRate), 1),
		staleness:      staleness,
		claimCooldown:  claimCooldown,
		batchLimit:     batchLimit,
		maxConcurrency: 10,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。進行中のバッチは
// 完了まで実行される（協調的キャンセル）。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("同期スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("batch_limit", s.batchLimit),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("同期サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("同期スケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("同期サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は同期対象チャンネルを1回選択し、クレームしてからディスパッチする。
// クレームは楽観的であり、ワーカーがクラッシュしてもクールダウン経過後に
// チャンネルは自然に再選択される。対象がないことはエラーではない。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()
	cycleID := uuid.NewString()

	ids, err := s.channelRepo.ListForSync(ctx, s.staleness, s.batchLimit)
	if err != nil {
		return err
	}

	if len(ids) == 0 {
		s.logger.Info("同期対象のチャンネルはありません",
			slog.String("cycle_id", cycleID),
		)
		return nil
	}

	// 選択直後にクレームする。選択とクレームの間の狭い競合は許容される。
	if err := s.channelRepo.MarkSyncClaimed(ctx, ids, s.claimCooldown); err != nil {
		return err
	}

	s.logger.Info("同期サイクルを開始します",
		slog.String("cycle_id", cycleID),
		slog.Int("channel_count", len(ids)),
	)

	var (
		mu     sync.Mutex
		deltas []model.ChannelDelta
		videos []model.NewVideo
	)

	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for _, id := range ids {
		if err := s.limiter.Wait(ctx); err != nil {
			// キャンセル時は新規ディスパッチのみ止め、進行中の取得は待つ
			break
		}

		wg.Add(1)
		sem <- struct{}{}

		go func(channelID string) {
			defer wg.Done()
			defer func() { <-sem }()

			delta, vids, err := s.syncer.Sync(ctx, channelID)
			if err != nil {
				s.logger.Error("チャンネル同期に失敗しました",
					slog.String("cycle_id", cycleID),
					slog.String("channel_id", channelID),
					slog.String("error", err.Error()),
				)
				return
			}

			mu.Lock()
			deltas = append(deltas, delta)
			videos = append(videos, vids...)
			mu.Unlock()
		}(id)
	}

	wg.Wait()

	if len(deltas) > 0 || len(videos) > 0 {
		if err := s.ingestor.Ingest(ctx, deltas, videos); err != nil {
			return err
		}
	}

	duration := time.Since(start)
	s.collector.RecordSyncCycle(len(ids), duration)
	s.logger.Info("同期サイクルが完了しました",
		slog.String("cycle_id", cycleID),
		slog.Int("channel_count", len(ids)),
		slog.Int("video_count", len(videos)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
