package repository

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/chanwatch/internal/model"
)

// PostgresIngestRepo は取り込みトランザクション内のバルク書き込み実装。
// すべての書き込みはUPSERTまたは一意キー挿入で構成され、トランザクション全体の
// 再実行が安全になっている。チャンク分割はステートメントサイズの資源制限であり、
// 正しさには影響しない。
type PostgresIngestRepo struct {
	chunkSize int
}

// NewPostgresIngestRepo はPostgresIngestRepoを生成する。
// chunkSizeが0以下の場合はデフォルト値100を使用する。
func NewPostgresIngestRepo(chunkSize int) *PostgresIngestRepo {
	if chunkSize <= 0 {
		chunkSize = 100
	}
	return &PostgresIngestRepo{chunkSize: chunkSize}
}

// UpsertChannelDeltas はチャンネルメタデータを指定フィールドのみ更新する。
// nilのフィールドは既存値を維持し、last_video_published_atは後退しない。
func (r *PostgresIngestRepo) UpsertChannelDeltas(ctx context.Context, ex Executor, deltas []model.ChannelDelta) error {
	for _, chunk := range chunkBy(deltas, r.chunkSize) {
		args := make([]interface{}, 0, len(chunk)*5)
		for _, d := range chunk {
			args = append(args, d.ID,
				nullStringPtr(d.Title),
				nullTimePtr(d.LastSyncAt),
				nullTimePtr(d.LastFullSyncAt),
				nullTimePtr(d.LastVideoPublishedAt),
			)
		}
		// 取り込み対象のチャンネルは購読時に作成済みのため、挿入側の分岐は
		// 実質的に到達しないが、UPSERTにしておくことで再実行が常に安全になる。
		query := `INSERT INTO channels (id, service, url, title, last_sync_at, last_full_sync_at, last_video_published_at)
		 SELECT v.id::text, '', '', COALESCE(v.title::text, ''),
		        COALESCE(v.last_sync_at::timestamptz, 'epoch'),
		        COALESCE(v.last_full_sync_at::timestamptz, 'epoch'),
		        v.last_video_published_at::timestamptz
		 FROM (VALUES ` + valuesPlaceholders(len(chunk), 5) + `)
		      AS v(id, title, last_sync_at, last_full_sync_at, last_video_published_at)
		 ON CONFLICT (id) DO UPDATE SET
		     title = COALESCE(EXCLUDED.title, channels.title),
		     last_sync_at = GREATEST(channels.last_sync_at, COALESCE(EXCLUDED.last_sync_at, channels.last_sync_at)),
		     last_full_sync_at = GREATEST(channels.last_full_sync_at, COALESCE(EXCLUDED.last_full_sync_at, channels.last_full_sync_at)),
		     last_video_published_at = GREATEST(channels.last_video_published_at, EXCLUDED.last_video_published_at),
		     updated_at = now()`
		if _, err := ex.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("チャンネル差分の適用に失敗しました: %w", err)
		}
	}
	return nil
}

// MarkChannelsChanged はhas_changesフラグを立てる。
// 配信価値のある変化（新規動画・プッシュ通知）のシグナルであり、
// スケジューラのクールダウン管理とは独立している。
func (r *PostgresIngestRepo) MarkChannelsChanged(ctx context.Context, ex Executor, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := ex.ExecContext(ctx,
		`UPDATE channels SET has_changes = true, updated_at = now() WHERE id = ANY($1)`,
		pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("変更フラグの設定に失敗しました: %w", err)
	}
	return nil
}

// InsertVideos は新規動画を挿入する。IDはサービス側で安定しているため、
// 同一動画の再取り込みはno-opになる。
func (r *PostgresIngestRepo) InsertVideos(ctx context.Context, ex Executor, videos []model.NewVideo) error {
	for _, chunk := range chunkBy(videos, r.chunkSize) {
		args := make([]interface{}, 0, len(chunk)*9)
		for _, v := range chunk {
			args = append(args, v.ID, v.URL, v.Title, v.Previews,
				nullStringPtr(v.Duration), v.ChannelID, v.PublishedAt,
				nullStringPtr(v.MergedID), nullStringPtr(v.MergedChannelID),
			)
		}
		query := `INSERT INTO videos (id, url, title, previews, duration, channel_id,
		                     published_at, merged_id, merged_channel_id)
		 VALUES ` + valuesPlaceholders(len(chunk), 9) + `
		 ON CONFLICT (id) DO NOTHING`
		if _, err := ex.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("動画の挿入に失敗しました: %w", err)
		}
	}
	return nil
}

// InsertDeliveries は配信待ち行を挿入する。(chat, video)の一意制約により、
// 再取り込みで同じチャットへ二重配信されることはない。
func (r *PostgresIngestRepo) InsertDeliveries(ctx context.Context, ex Executor, rows []model.Delivery) error {
	for _, chunk := range chunkBy(rows, r.chunkSize) {
		args := make([]interface{}, 0, len(chunk)*2)
		for _, d := range chunk {
			args = append(args, d.ChatID, d.VideoID)
		}
		query := `INSERT INTO deliveries (chat_id, video_id)
		 VALUES ` + valuesPlaceholders(len(chunk), 2) + `
		 ON CONFLICT (chat_id, video_id) DO NOTHING`
		if _, err := ex.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("配信待ち行の挿入に失敗しました: %w", err)
		}
	}
	return nil
}

// UpsertPushLog はプッシュ記録をUPSERTする。
func (r *PostgresIngestRepo) UpsertPushLog(ctx context.Context, ex Executor, entries []model.PushLogEntry) error {
	for _, chunk := range chunkBy(entries, r.chunkSize) {
		args := make([]interface{}, 0, len(chunk)*4)
		for _, e := range chunk {
			args = append(args, e.VideoID, nullStringPtr(e.ChannelID), nullTimePtr(e.PublishedAt), e.LastPushAt)
		}
		query := `INSERT INTO push_log (video_id, channel_id, published_at, last_push_at)
		 VALUES ` + valuesPlaceholders(len(chunk), 4) + `
		 ON CONFLICT (video_id) DO UPDATE SET
		     channel_id = COALESCE(EXCLUDED.channel_id, push_log.channel_id),
		     published_at = COALESCE(EXCLUDED.published_at, push_log.published_at),
		     last_push_at = EXCLUDED.last_push_at`
		if _, err := ex.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("プッシュ記録の保存に失敗しました: %w", err)
		}
	}
	return nil
}

// compile-time interface check
var _ IngestRepository = (*PostgresIngestRepo)(nil)
