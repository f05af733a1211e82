package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/chanwatch/internal/model"
)

// PostgresSubscriptionRepo はPostgreSQLを使用した購読エッジリポジトリ。
type PostgresSubscriptionRepo struct {
	db *sql.DB
}

// NewPostgresSubscriptionRepo はPostgresSubscriptionRepoを生成する。
func NewPostgresSubscriptionRepo(db *sql.DB) *PostgresSubscriptionRepo {
	return &PostgresSubscriptionRepo{db: db}
}

// Put は購読エッジを冪等に作成する。既存エッジの再購読はno-op。
func (r *PostgresSubscriptionRepo) Put(ctx context.Context, chatID, channelID string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO subscriptions (chat_id, channel_id) VALUES ($1, $2)
		 ON CONFLICT (chat_id, channel_id) DO NOTHING`,
		chatID, channelID,
	)
	if err != nil {
		return false, fmt.Errorf("購読エッジの作成に失敗しました: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("購読エッジ作成結果の取得に失敗しました: %w", err)
	}
	return inserted > 0, nil
}

// Delete は購読エッジを削除する。
func (r *PostgresSubscriptionRepo) Delete(ctx context.Context, chatID, channelID string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE chat_id = $1 AND channel_id = $2`,
		chatID, channelID,
	)
	if err != nil {
		return false, fmt.Errorf("購読エッジの削除に失敗しました: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("購読エッジ削除結果の取得に失敗しました: %w", err)
	}
	return deleted > 0, nil
}

// ListChannelsForChat はチャットが購読するチャンネルを購読順で返す。
func (r *PostgresSubscriptionRepo) ListChannelsForChat(ctx context.Context, chatID string) ([]*model.Channel, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT c.id, c.service, c.title, c.url, c.has_changes, c.last_video_published_at,
		        c.last_sync_at, c.last_full_sync_at, c.sync_timeout_expires_at,
		        c.subscription_expires_at, c.subscription_timeout_expires_at,
		        c.created_at, c.updated_at
		 FROM subscriptions s
		 INNER JOIN channels c ON c.id = s.channel_id
		 WHERE s.chat_id = $1
		 ORDER BY s.created_at`,
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("購読チャンネル一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var channels []*model.Channel
	for rows.Next() {
		ch, err := scanChannel(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("購読チャンネルの読み取りに失敗しました: %w", err)
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("購読チャンネル一覧の走査に失敗しました: %w", err)
	}
	return channels, nil
}

// ListChatsForChannel はチャンネルを購読するチャットIDを返す。
func (r *PostgresSubscriptionRepo) ListChatsForChannel(ctx context.Context, channelID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT chat_id FROM subscriptions WHERE channel_id = $1 ORDER BY created_at`,
		channelID,
	)
	if err != nil {
		return nil, fmt.Errorf("購読チャット一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectIDs(rows, "購読チャット")
}

// ListSubscribersForChannels はファンアウト計算用に、チャンネルID群の
// 購読チャット属性をチャンネルIDごとに返す。
func (r *PostgresSubscriptionRepo) ListSubscribersForChannels(ctx context.Context, channelIDs []string) (map[string][]model.Subscriber, error) {
	if len(channelIDs) == 0 {
		return map[string][]model.Subscriber{}, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT s.channel_id, c.id, c.channel_id, c.is_muted, c.is_skip_short_videos
		 FROM subscriptions s
		 INNER JOIN chats c ON c.id = s.chat_id
		 WHERE s.channel_id = ANY($1)`,
		pq.Array(channelIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("購読者一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	result := make(map[string][]model.Subscriber)
	for rows.Next() {
		var channelID string
		var sub model.Subscriber
		var linkedChannel sql.NullString
		if err := rows.Scan(&channelID, &sub.ChatID, &linkedChannel, &sub.IsMuted, &sub.IsSkipShortVideos); err != nil {
			return nil, fmt.Errorf("購読者の読み取りに失敗しました: %w", err)
		}
		sub.ChannelID = stringPtr(linkedChannel)
		result[channelID] = append(result[channelID], sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("購読者一覧の走査に失敗しました: %w", err)
	}
	return result, nil
}

// CountByChat はチャットの購読数を返す。
func (r *PostgresSubscriptionRepo) CountByChat(ctx context.Context, chatID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscriptions WHERE chat_id = $1`, chatID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("購読数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// CountDistinctChats は購読を持つチャットの数を返す。
func (r *PostgresSubscriptionRepo) CountDistinctChats(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT chat_id) FROM subscriptions`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("購読チャット数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// CountDistinctChannels は購読されているチャンネルの数を返す。
func (r *PostgresSubscriptionRepo) CountDistinctChannels(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT channel_id) FROM subscriptions`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("購読チャンネル数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// TopChannels は直近sinceより新しい動画を持つサービス内チャンネルを
// 購読者数の降順で返す。
func (r *PostgresSubscriptionRepo) TopChannels(ctx context.Context, service string, since time.Time, limit int) ([]ChannelSubscriberCount, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT s.channel_id, c.title, COUNT(s.chat_id) AS chat_count
		 FROM subscriptions s
		 INNER JOIN channels c ON c.id = s.channel_id
		 WHERE c.service = $1 AND c.last_video_published_at > $2
		 GROUP BY s.channel_id, c.title
		 ORDER BY chat_count DESC
		 LIMIT $3`,
		service, since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("人気チャンネル集計の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var result []ChannelSubscriberCount
	for rows.Next() {
		var row ChannelSubscriberCount
		if err := rows.Scan(&row.ChannelID, &row.Title, &row.Count); err != nil {
			return nil, fmt.Errorf("人気チャンネル集計の読み取りに失敗しました: %w", err)
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("人気チャンネル集計の走査に失敗しました: %w", err)
	}
	return result, nil
}

// compile-time interface check
var _ SubscriptionRepository = (*PostgresSubscriptionRepo)(nil)
