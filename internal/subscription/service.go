// Package subscription は購読グラフのドメインロジックを提供する。
// 購読エッジのライフサイクルと、エッジ削除に伴う孤立エンティティの掃引を所有する。
package subscription

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/chanwatch/internal/model"
	"github.com/hitoshi/chanwatch/internal/repository"
)

// Service は購読管理のサービス層。
type Service struct {
	channelRepo repository.ChannelRepository
	chatRepo    repository.ChatRepository
	subRepo     repository.SubscriptionRepository
	denySet     map[string]struct{}
	denyList    []string
	logger      *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
// denyListには購読を拒否するチャンネルIDを指定する。
func NewService(
	channelRepo repository.ChannelRepository,
	chatRepo repository.ChatRepository,
	subRepo repository.SubscriptionRepository,
	denyList []string,
	logger *slog.Logger,
) *Service {
	denySet := make(map[string]struct{}, len(denyList))
	for _, id := range denyList {
		denySet[id] = struct{}{}
	}
	return &Service{
		channelRepo: channelRepo,
		chatRepo:    chatRepo,
		subRepo:     subRepo,
		denySet:     denySet,
		denyList:    denyList,
		logger:      logger,
	}
}

// Subscribe はチャットをチャンネルに購読させる。
// チャンネルは最初の購読リクエスト時に作成される。再購読はno-op。
// 拒否リストのチャンネルはポリシーエラーになり、行は一切作成されない。
func (s *Service) Subscribe(ctx context.Context, chatID string, ch model.NewChannel) (*model.Channel, error) {
	if _, denied := s.denySet[ch.ID]; denied {
		return nil, model.NewChannelDeniedError(ch.ID)
	}

	if _, err := s.chatRepo.Ensure(ctx, chatID); err != nil {
		return nil, err
	}

	channel, created, err := s.channelRepo.Ensure(ctx, ch)
	if err != nil {
		return nil, err
	}

	added, err := s.subRepo.Put(ctx, chatID, ch.ID)
	if err != nil {
		return nil, err
	}

	if added {
		s.logger.Info("購読を登録しました",
			slog.String("chat_id", chatID),
			slog.String("channel_id", ch.ID),
			slog.Bool("channel_created", created),
		)
	}
	return channel, nil
}

// Unsubscribe は購読エッジを削除する。エッジが存在しない場合もエラーにしない。
// チャンネルの最後のエッジを消しても即座には削除せず、次回の孤立掃引に任せる。
func (s *Service) Unsubscribe(ctx context.Context, chatID, channelID string) error {
	removed, err := s.subRepo.Delete(ctx, chatID, channelID)
	if err != nil {
		return err
	}
	if removed {
		s.logger.Info("購読を解除しました",
			slog.String("chat_id", chatID),
			slog.String("channel_id", channelID),
		)
	}
	return nil
}

// ListChannelsForChat はチャットが購読するチャンネルを購読順で返す。
func (s *Service) ListChannelsForChat(ctx context.Context, chatID string) ([]*model.Channel, error) {
	return s.subRepo.ListChannelsForChat(ctx, chatID)
}

// ListChatsForChannel はチャンネルを購読するチャットIDを返す。
func (s *Service) ListChatsForChannel(ctx context.Context, channelID string) ([]string, error) {
	return s.subRepo.ListChatsForChannel(ctx, channelID)
}

// CreateDiscussionChat はチャンネルチャットに連携するディスカッション用の
// 子チャットを作成する。親子の連携は同一トランザクションで行われる。
func (s *Service) CreateDiscussionChat(ctx context.Context, chatID, discussionID string) error {
	if err := s.chatRepo.CreateDiscussion(ctx, chatID, discussionID); err != nil {
		return err
	}
	s.logger.Info("ディスカッションチャットを連携しました",
		slog.String("chat_id", chatID),
		slog.String("discussion_id", discussionID),
	)
	return nil
}

// ChangeChatID はチャットIDを移行する。グループのスーパーグループ昇格時に
// 購読と配信待ちを新IDへ引き継ぐために使う。
func (s *Service) ChangeChatID(ctx context.Context, oldID, newID string) error {
	if err := s.chatRepo.ChangeID(ctx, oldID, newID); err != nil {
		return err
	}
	s.logger.Info("チャットIDを移行しました",
		slog.String("old_id", oldID),
		slog.String("new_id", newID),
	)
	return nil
}

// UpdateChatPreferences は配信設定（プレビュー非表示・ミュート・
// ショートスキップ）を更新する。
func (s *Service) UpdateChatPreferences(ctx context.Context, chat *model.Chat) error {
	return s.chatRepo.UpdatePreferences(ctx, chat)
}

// DeleteOrphanChannels は購読者を持たないチャンネルを掃引する。
func (s *Service) DeleteOrphanChannels(ctx context.Context) (int64, error) {
	return s.channelRepo.DeleteOrphans(ctx)
}

// DeleteOrphanChats は購読もペアレントも持たないチャットを掃引する。
func (s *Service) DeleteOrphanChats(ctx context.Context) (int64, error) {
	return s.chatRepo.DeleteOrphans(ctx)
}

// PurgeDeniedChannels は拒否リストのチャンネルを依存行ごと削除する。
// システム起動時に1回呼び出される。
func (s *Service) PurgeDeniedChannels(ctx context.Context) (int64, error) {
	if len(s.denyList) == 0 {
		return 0, nil
	}
	deleted, err := s.channelRepo.DeleteByIDs(ctx, s.denyList)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.logger.Info("拒否リストのチャンネルを削除しました",
			slog.Int64("deleted", deleted),
		)
	}
	return deleted, nil
}

// Stats は購読グラフの集計値。
type Stats struct {
	ChatCount    int
	ChannelCount int
}

// GraphStats は購読を持つチャット数と購読されているチャンネル数を返す。
func (s *Service) GraphStats(ctx context.Context) (Stats, error) {
	chats, err := s.subRepo.CountDistinctChats(ctx)
	if err != nil {
		return Stats{}, err
	}
	channels, err := s.subRepo.CountDistinctChannels(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{ChatCount: chats, ChannelCount: channels}, nil
}

// TopChannels は直近1ヶ月に動画を公開したサービス内チャンネルを
// 購読者数の降順で返す。
func (s *Service) TopChannels(ctx context.Context, service string, limit int) ([]repository.ChannelSubscriberCount, error) {
	since := time.Now().AddDate(0, -1, 0)
	return s.subRepo.TopChannels(ctx, service, since, limit)
}
