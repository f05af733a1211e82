// Package delivery は外部配信ワーカー向けの配信キュー操作を提供する。
// 配信待ち行の存在は「送信待ち」を意味し、送信の完了は行の削除で確認する。
package delivery

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/chanwatch/internal/model"
	"github.com/hitoshi/chanwatch/internal/repository"
)

// Service は配信キューのサービス層。
type Service struct {
	deliveryRepo repository.DeliveryRepository
	chatRepo     repository.ChatRepository
	videoRepo    repository.VideoRepository
	logger       *slog.Logger
	sendBackoff  time.Duration
}

// NewService はServiceの新しいインスタンスを生成する。
// sendBackoffは配信失敗後にチャットを選択から除外する期間。
func NewService(
	deliveryRepo repository.DeliveryRepository,
	chatRepo repository.ChatRepository,
	videoRepo repository.VideoRepository,
	logger *slog.Logger,
	sendBackoff time.Duration,
) *Service {
	return &Service{
		deliveryRepo: deliveryRepo,
		chatRepo:     chatRepo,
		videoRepo:    videoRepo,
		logger:       logger,
		sendBackoff:  sendBackoff,
	}
}

// ListChatsWithPending は配信待ちを持ち、送信バックオフが経過済みの
// チャットIDを返す。
func (s *Service) ListChatsWithPending(ctx context.Context) ([]string, error) {
	return s.deliveryRepo.ListChatsWithPending(ctx)
}

// ListUndelivered はチャットの配信待ち動画IDを公開日時の昇順で返す。
func (s *Service) ListUndelivered(ctx context.Context, chatID string, limit int) ([]string, error) {
	return s.deliveryRepo.ListUndelivered(ctx, chatID, limit)
}

// AckDelivered は送信済みの配信待ち行を削除する。
func (s *Service) AckDelivered(ctx context.Context, chatID string, videoIDs []string) error {
	return s.deliveryRepo.Ack(ctx, chatID, videoIDs)
}

// MarkSendFailure は配信失敗したチャットにバックオフを設定する。
// バックオフ中のチャットはListChatsWithPendingの選択から外れる。
func (s *Service) MarkSendFailure(ctx context.Context, chatIDs []string) error {
	if len(chatIDs) == 0 {
		return nil
	}
	until := time.Now().Add(s.sendBackoff)
	if err := s.chatRepo.SetSendTimeout(ctx, chatIDs, until); err != nil {
		return err
	}
	s.logger.Warn("配信失敗によりチャットをバックオフしました",
		slog.Int("chat_count", len(chatIDs)),
		slog.Time("until", until),
	)
	return nil
}

// GetVideoForDelivery は送信対象の動画と所属チャンネルを取得する。
// 動画が存在しない場合はKindNotFoundのエラーを返す。
func (s *Service) GetVideoForDelivery(ctx context.Context, videoID string) (*model.Video, *model.Channel, error) {
	return s.videoRepo.FindWithChannel(ctx, videoID)
}

// CacheVideoPreview は送信済みプレビューのキャッシュ参照を記録する。
// 次回以降の送信で同じプレビューの再アップロードを避けるために使う。
func (s *Service) CacheVideoPreview(ctx context.Context, videoID, fileID string) error {
	return s.videoRepo.UpdatePreviewFileID(ctx, videoID, fileID)
}
