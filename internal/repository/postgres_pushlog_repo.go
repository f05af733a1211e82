package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/chanwatch/internal/model"
)

// PostgresPushLogRepo はPostgreSQLを使用したプッシュ重複抑制リポジトリ。
// 外部のプッシュ通知リスナーが、通知された動画をフル同期する価値があるかの
// 判定に使う。本体が所有するのは保存と掃引の契約のみ。
type PostgresPushLogRepo struct {
	db *sql.DB
}

// NewPostgresPushLogRepo はPostgresPushLogRepoを生成する。
func NewPostgresPushLogRepo(db *sql.DB) *PostgresPushLogRepo {
	return &PostgresPushLogRepo{db: db}
}

// AlreadyPushed は指定ID群のうち記録済みの動画IDを返す。
func (r *PostgresPushLogRepo) AlreadyPushed(ctx context.Context, videoIDs []string) ([]string, error) {
	if len(videoIDs) == 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT video_id FROM push_log WHERE video_id = ANY($1)`, pq.Array(videoIDs))
	if err != nil {
		return nil, fmt.Errorf("プッシュ記録の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectIDs(rows, "プッシュ記録")
}

// RecordPush はプッシュ記録を冪等にUPSERTし、last_push_atを更新する。
func (r *PostgresPushLogRepo) RecordPush(ctx context.Context, entries []model.PushLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	for _, chunk := range chunkBy(entries, 100) {
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
		if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("プッシュ記録の保存に失敗しました: %w", err)
		}
	}
	return nil
}

// EvictOlderThan はlast_push_atがageより古い記録を削除する。
func (r *PostgresPushLogRepo) EvictOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM push_log WHERE last_push_at < now() - $1::interval`,
		intervalArg(age),
	)
	if err != nil {
		return 0, fmt.Errorf("プッシュ記録の掃引に失敗しました: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return deleted, nil
}

// compile-time interface check
var _ PushLogRepository = (*PostgresPushLogRepo)(nil)
