package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/chanwatch/internal/model"
)

// PostgresVideoRepo はPostgreSQLを使用した動画リポジトリ。
// 動画行の作成は取り込みパイプライン（IngestRepository）のみが行う。
type PostgresVideoRepo struct {
	db *sql.DB
}

// NewPostgresVideoRepo はPostgresVideoRepoを生成する。
func NewPostgresVideoRepo(db *sql.DB) *PostgresVideoRepo {
	return &PostgresVideoRepo{db: db}
}

// FilterExistingIDs は指定ID群のうち既存の動画IDを返す。
func (r *PostgresVideoRepo) FilterExistingIDs(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM videos WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("既存動画IDの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectIDs(rows, "既存動画ID")
}

// FindWithChannel は動画と所属チャンネルを取得する。
func (r *PostgresVideoRepo) FindWithChannel(ctx context.Context, id string) (*model.Video, *model.Channel, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT v.id, v.url, v.title, v.previews, v.duration, v.channel_id,
		        v.published_at, v.telegram_preview_file_id, v.merged_id,
		        v.merged_channel_id, v.created_at,
		        c.id, c.service, c.title, c.url, c.has_changes, c.last_video_published_at,
		        c.last_sync_at, c.last_full_sync_at, c.sync_timeout_expires_at,
		        c.subscription_expires_at, c.subscription_timeout_expires_at,
		        c.created_at, c.updated_at
		 FROM videos v
		 INNER JOIN channels c ON c.id = v.channel_id
		 WHERE v.id = $1`,
		id,
	)

	video := &model.Video{}
	ch := &model.Channel{}
	var duration, previewFileID, mergedID, mergedChannelID sql.NullString
	var lastVideoPublishedAt sql.NullTime

	err := row.Scan(
		&video.ID, &video.URL, &video.Title, &video.Previews, &duration, &video.ChannelID,
		&video.PublishedAt, &previewFileID, &mergedID, &mergedChannelID, &video.CreatedAt,
		&ch.ID, &ch.Service, &ch.Title, &ch.URL, &ch.HasChanges, &lastVideoPublishedAt,
		&ch.LastSyncAt, &ch.LastFullSyncAt, &ch.SyncTimeoutExpiresAt,
		&ch.SubscriptionExpiresAt, &ch.SubscriptionTimeoutExpiresAt,
		&ch.CreatedAt, &ch.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil, model.NewVideoNotFoundError(id)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("動画の取得に失敗しました: %w", err)
	}

	video.Duration = stringPtr(duration)
	video.TelegramPreviewFileID = stringPtr(previewFileID)
	video.MergedID = stringPtr(mergedID)
	video.MergedChannelID = stringPtr(mergedChannelID)
	ch.LastVideoPublishedAt = timePtr(lastVideoPublishedAt)

	return video, ch, nil
}

// UpdatePreviewFileID は配信済みプレビューのキャッシュ参照を記録する。
func (r *PostgresVideoRepo) UpdatePreviewFileID(ctx context.Context, videoID, fileID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE videos SET telegram_preview_file_id = $2 WHERE id = $1`,
		videoID, fileID,
	)
	if err != nil {
		return fmt.Errorf("プレビュー参照の更新に失敗しました: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("プレビュー参照更新結果の取得に失敗しました: %w", err)
	}
	if affected == 0 {
		return model.NewVideoNotFoundError(videoID)
	}
	return nil
}

// SetMerged は重複アップロード検出時のマージ連携を記録する。
func (r *PostgresVideoRepo) SetMerged(ctx context.Context, videoID, mergedID, mergedChannelID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE videos SET merged_id = $2, merged_channel_id = $3 WHERE id = $1`,
		videoID, nullString(mergedID), nullString(mergedChannelID),
	)
	if err != nil {
		return fmt.Errorf("マージ連携の記録に失敗しました: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("マージ連携記録結果の取得に失敗しました: %w", err)
	}
	if affected == 0 {
		return model.NewVideoNotFoundError(videoID)
	}
	return nil
}

// DeleteOlderThan は公開日時がcutoffより古い動画を配信待ち行ごと削除する。
func (r *PostgresVideoRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("動画掃引トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM deliveries WHERE video_id IN
		   (SELECT id FROM videos WHERE published_at < $1)`, cutoff); err != nil {
		return 0, fmt.Errorf("配信待ち行の連鎖削除に失敗しました: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM videos WHERE published_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("動画の掃引に失敗しました: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("動画掃引のコミットに失敗しました: %w", err)
	}
	return deleted, nil
}

// compile-time interface check
var _ VideoRepository = (*PostgresVideoRepo)(nil)
