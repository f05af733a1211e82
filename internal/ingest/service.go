// Package ingest は取得済みコンテンツ差分の原子的な取り込みを提供する。
// チャンネルメタデータの更新・新規動画の挿入・購読者へのファンアウト行の作成を
// 1つのトランザクションにまとめ、一時的競合時は全体を再実行する。
package ingest

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/hitoshi/chanwatch/internal/metrics"
	"github.com/hitoshi/chanwatch/internal/model"
	"github.com/hitoshi/chanwatch/internal/repository"
)

const (
	defaultRetryLimit = 3
	defaultRetryDelay = 250 * time.Millisecond
)

// Service は取り込みパイプラインのサービス層。
// VideoとDeliveryの行を書き込むのはこのサービスのみ。
type Service struct {
	db         repository.TxBeginner
	ingestRepo repository.IngestRepository
	subRepo    repository.SubscriptionRepository
	videoRepo  repository.VideoRepository
	collector  metrics.MetricsCollector
	logger     *slog.Logger
	retryLimit int
	retryDelay time.Duration
	txTimeout  time.Duration
}

// NewService はServiceの新しいインスタンスを生成する。
// retryLimitが0以下の場合は3回、retryDelayが0以下の場合は250msを使用する。
func NewService(
	db repository.TxBeginner,
	ingestRepo repository.IngestRepository,
	subRepo repository.SubscriptionRepository,
	videoRepo repository.VideoRepository,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	retryLimit int,
	retryDelay time.Duration,
	txTimeout time.Duration,
) *Service {
	if retryLimit <= 0 {
		retryLimit = defaultRetryLimit
	}
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	return &Service{
		db:         db,
		ingestRepo: ingestRepo,
		subRepo:    subRepo,
		videoRepo:  videoRepo,
		collector:  collector,
		logger:     logger,
		retryLimit: retryLimit,
		retryDelay: retryDelay,
		txTimeout:  txTimeout,
	}
}

// Ingest は外部フェッチドライバが取得した差分を原子的にコミットする。
// 既存IDの動画は取り込み済みとして除外され、ファンアウトは取り込み時点の
// 購読グラフから新規動画に対してのみ計算される。動画行が残っている限り
// 同じ動画が同じチャットへ再配信されることはない。
func (s *Service) Ingest(ctx context.Context, deltas []model.ChannelDelta, videos []model.NewVideo) error {
	newVideos, err := s.filterNewVideos(ctx, videos)
	if err != nil {
		return err
	}

	deliveries, err := s.buildFanout(ctx, newVideos)
	if err != nil {
		return err
	}

	changed := distinctChannelIDs(newVideos)

	if len(deltas) == 0 && len(newVideos) == 0 {
		return nil
	}

	err = s.runTx(ctx, func(txCtx context.Context, tx *sql.Tx) error {
		if err := s.ingestRepo.UpsertChannelDeltas(txCtx, tx, deltas); err != nil {
			return err
		}
		if err := s.ingestRepo.InsertVideos(txCtx, tx, newVideos); err != nil {
			return err
		}
		if err := s.ingestRepo.InsertDeliveries(txCtx, tx, deliveries); err != nil {
			return err
		}
		return s.ingestRepo.MarkChannelsChanged(txCtx, tx, changed)
	})
	if err != nil {
		return err
	}

	s.collector.RecordIngestSuccess(len(newVideos), len(deliveries))
	s.logger.Info("取り込みが完了しました",
		slog.Int("channel_deltas", len(deltas)),
		slog.Int("new_videos", len(newVideos)),
		slog.Int("deliveries", len(deliveries)),
	)
	return nil
}

// ApplyFeedUpdate はプッシュ通知1件分の差分を適用する。
// 通知には配信可能なペイロードが含まれないため、チャンネル差分と
// プッシュ重複抑制記録のみをコミットし、動画本体の取り込みは次回の同期に任せる。
func (s *Service) ApplyFeedUpdate(ctx context.Context, channelID, videoID string, publishedAt *time.Time) error {
	now := time.Now()

	delta := model.ChannelDelta{
		ID:                   channelID,
		LastVideoPublishedAt: publishedAt,
	}
	entry := model.PushLogEntry{
		VideoID:     videoID,
		ChannelID:   &channelID,
		PublishedAt: publishedAt,
		LastPushAt:  now,
	}

	return s.runTx(ctx, func(txCtx context.Context, tx *sql.Tx) error {
		if err := s.ingestRepo.UpsertChannelDeltas(txCtx, tx, []model.ChannelDelta{delta}); err != nil {
			return err
		}
		if err := s.ingestRepo.UpsertPushLog(txCtx, tx, []model.PushLogEntry{entry}); err != nil {
			return err
		}
		return s.ingestRepo.MarkChannelsChanged(txCtx, tx, []string{channelID})
	})
}

// MarkVideoMerged は重複アップロード検出時のマージ連携を記録する。
// 以降の取り込みで重複側の動画はmergedIdの正規動画に畳み込まれる。
func (s *Service) MarkVideoMerged(ctx context.Context, videoID, mergedID, mergedChannelID string) error {
	if err := s.videoRepo.SetMerged(ctx, videoID, mergedID, mergedChannelID); err != nil {
		return err
	}
	s.logger.Info("動画のマージ連携を記録しました",
		slog.String("video_id", videoID),
		slog.String("merged_id", mergedID),
	)
	return nil
}

// filterNewVideos は既存IDの動画を除外する。
func (s *Service) filterNewVideos(ctx context.Context, videos []model.NewVideo) ([]model.NewVideo, error) {
	if len(videos) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(videos))
	for _, v := range videos {
		ids = append(ids, v.ID)
	}

	existing, err := s.videoRepo.FilterExistingIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	existingSet := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		existingSet[id] = struct{}{}
	}

	var fresh []model.NewVideo
	seen := make(map[string]struct{}, len(videos))
	for _, v := range videos {
		if _, ok := existingSet[v.ID]; ok {
			continue
		}
		if _, ok := seen[v.ID]; ok {
			continue
		}
		seen[v.ID] = struct{}{}
		fresh = append(fresh, v)
	}
	return fresh, nil
}

// buildFanout は取り込み時点の購読グラフから(チャット, 動画)の配信対を計算する。
// ミュート中のチャットと、ショート動画をスキップする設定のチャットは除外する。
// ディスカッションチャンネル連携があるチャットは連携先へ配信する。
func (s *Service) buildFanout(ctx context.Context, videos []model.NewVideo) ([]model.Delivery, error) {
	if len(videos) == 0 {
		return nil, nil
	}

	subsByChannel, err := s.subRepo.ListSubscribersForChannels(ctx, distinctChannelIDs(videos))
	if err != nil {
		return nil, err
	}

	var rows []model.Delivery
	seen := make(map[[2]string]struct{})
	for _, v := range videos {
		for _, sub := range subsByChannel[v.ChannelID] {
			if sub.IsMuted {
				continue
			}
			if v.IsShort && sub.IsSkipShortVideos {
				continue
			}
			target := sub.ChatID
			if sub.ChannelID != nil {
				target = *sub.ChannelID
			}
			key := [2]string{target, v.ID}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			rows = append(rows, model.Delivery{ChatID: target, VideoID: v.ID})
		}
	}
	return rows, nil
}

// runTx はREPEATABLE READのトランザクションでfnを実行する。
// 一時的競合（デッドロック・直列化失敗・タイムアウト）の場合は固定遅延の後に
// 全体を再実行する。すべての書き込みがUPSERT／一意キー挿入であるため、
// 再実行は常に安全。非一時的エラーはリトライせず即座に伝播する。
func (s *Service) runTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	var lastErr error

	for attempt := 1; attempt <= s.retryLimit; attempt++ {
		err := s.tryTx(ctx, fn)
		if err == nil {
			return nil
		}

		err = ClassifyTxError(err)
		if !model.IsTransient(err) {
			s.collector.RecordIngestFailure()
			return err
		}
		lastErr = err

		if attempt < s.retryLimit {
			s.collector.RecordIngestRetry()
			s.logger.Warn("一時的競合により取り込みを再実行します",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				s.collector.RecordIngestFailure()
				return ctx.Err()
			case <-time.After(s.retryDelay):
			}
		}
	}

	s.collector.RecordIngestFailure()
	return model.NewIngestExhaustedError(s.retryLimit, lastErr)
}

// tryTx は1回分のトランザクション試行を実行する。
func (s *Service) tryTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	txCtx := ctx
	if s.txTimeout > 0 {
		var cancel context.CancelFunc
		txCtx, cancel = context.WithTimeout(ctx, s.txTimeout)
		defer cancel()
	}

	tx, err := s.db.BeginTx(txCtx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(txCtx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

// distinctChannelIDs は動画群のチャンネルIDを重複なしで返す。
func distinctChannelIDs(videos []model.NewVideo) []string {
	seen := make(map[string]struct{}, len(videos))
	var ids []string
	for _, v := range videos {
		if _, ok := seen[v.ChannelID]; ok {
			continue
		}
		seen[v.ChannelID] = struct{}{}
		ids = append(ids, v.ChannelID)
	}
	return ids
}
