package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/chanwatch/internal/model"
)

// PostgresChannelRepo はPostgreSQLを使用したチャンネルリポジトリ。
type PostgresChannelRepo struct {
	db *sql.DB
}

// NewPostgresChannelRepo はPostgresChannelRepoを生成する。
func NewPostgresChannelRepo(db *sql.DB) *PostgresChannelRepo {
	return &PostgresChannelRepo{db: db}
}

const channelColumns = `id, service, title, url, has_changes, last_video_published_at,
	        last_sync_at, last_full_sync_at, sync_timeout_expires_at,
	        subscription_expires_at, subscription_timeout_expires_at,
	        created_at, updated_at`

// scanChannel は1行分のチャンネルを読み取る。
func scanChannel(scan func(dest ...interface{}) error) (*model.Channel, error) {
	ch := &model.Channel{}
	var lastVideoPublishedAt sql.NullTime

	if err := scan(
		&ch.ID, &ch.Service, &ch.Title, &ch.URL, &ch.HasChanges, &lastVideoPublishedAt,
		&ch.LastSyncAt, &ch.LastFullSyncAt, &ch.SyncTimeoutExpiresAt,
		&ch.SubscriptionExpiresAt, &ch.SubscriptionTimeoutExpiresAt,
		&ch.CreatedAt, &ch.UpdatedAt,
	); err != nil {
		return nil, err
	}

	ch.LastVideoPublishedAt = timePtr(lastVideoPublishedAt)
	return ch, nil
}

// FindByID は指定IDのチャンネルを取得する。見つからない場合はnilを返す。
func (r *PostgresChannelRepo) FindByID(ctx context.Context, id string) (*model.Channel, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE id = $1`, id)

	ch, err := scanChannel(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("チャンネルの取得に失敗しました: %w", err)
	}
	return ch, nil
}

// FindByIDs は指定ID群のチャンネルを取得する。存在しないIDは結果から除外される。
func (r *PostgresChannelRepo) FindByIDs(ctx context.Context, ids []string) ([]*model.Channel, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("チャンネル群の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var channels []*model.Channel
	for rows.Next() {
		ch, err := scanChannel(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("チャンネルの読み取りに失敗しました: %w", err)
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("チャンネル群の走査に失敗しました: %w", err)
	}
	return channels, nil
}

// Ensure はチャンネルを取得し、存在しない場合は作成する。
// 並行する作成と競合しても既存行を返す（ON CONFLICT DO NOTHING + 再取得）。
func (r *PostgresChannelRepo) Ensure(ctx context.Context, ch model.NewChannel) (*model.Channel, bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO channels (id, service, title, url)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		ch.ID, ch.Service, ch.Title, ch.URL,
	)
	if err != nil {
		return nil, false, fmt.Errorf("チャンネルの作成に失敗しました: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("チャンネル作成結果の取得に失敗しました: %w", err)
	}

	created, err := r.FindByID(ctx, ch.ID)
	if err != nil {
		return nil, false, err
	}
	if created == nil {
		return nil, false, model.NewChannelNotFoundError(ch.ID)
	}
	return created, inserted > 0, nil
}

// ListForSync は同期対象のチャンネルIDを取得する。
// 未同期（last_video_published_atがNULL）のチャンネルを先頭に、
// 以降はlast_sync_atの昇順（最も古いものから）で返す。
// この順序により新規チャンネルの初回同期が速やかに行われ、
// 更新頻度の低いチャンネルの飢餓が防がれる。
func (r *PostgresChannelRepo) ListForSync(ctx context.Context, staleness time.Duration, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM channels
		 WHERE sync_timeout_expires_at < now()
		   AND (has_changes OR last_sync_at < now() - $1::interval)
		 ORDER BY (last_video_published_at IS NULL) DESC, last_sync_at ASC
		 LIMIT $2`,
		intervalArg(staleness), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("同期対象チャンネルの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectIDs(rows, "同期対象チャンネル")
}

// MarkSyncClaimed は選択済みチャンネルを楽観的にクレームする。
// クレームはロックではなく、cooldown経過後に自然回復する。
func (r *PostgresChannelRepo) MarkSyncClaimed(ctx context.Context, ids []string, cooldown time.Duration) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE channels
		 SET sync_timeout_expires_at = now() + $2::interval,
		     has_changes = false,
		     updated_at = now()
		 WHERE id = ANY($1)`,
		pq.Array(ids), intervalArg(cooldown),
	)
	if err != nil {
		return fmt.Errorf("同期クレームの記録に失敗しました: %w", err)
	}
	return nil
}

// ListForRenewal はプッシュ購読更新の対象チャンネルIDを取得する。
func (r *PostgresChannelRepo) ListForRenewal(ctx context.Context, lead time.Duration, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM channels
		 WHERE subscription_expires_at < now() + $1::interval
		   AND subscription_timeout_expires_at < now()
		 LIMIT $2`,
		intervalArg(lead), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("購読更新対象チャンネルの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectIDs(rows, "購読更新対象チャンネル")
}

// MarkRenewalAttempted は更新試行のクールダウンを設定する。
// 進行中の更新に対する再発行を防ぐ。
func (r *PostgresChannelRepo) MarkRenewalAttempted(ctx context.Context, ids []string, cooldown time.Duration) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE channels
		 SET subscription_timeout_expires_at = now() + $2::interval,
		     updated_at = now()
		 WHERE id = ANY($1)`,
		pq.Array(ids), intervalArg(cooldown),
	)
	if err != nil {
		return fmt.Errorf("購読更新試行の記録に失敗しました: %w", err)
	}
	return nil
}

// RecordRenewalResult は更新成功時に新しい購読期限を記録する。
func (r *PostgresChannelRepo) RecordRenewalResult(ctx context.Context, ids []string, expiresAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE channels
		 SET subscription_expires_at = $2,
		     updated_at = now()
		 WHERE id = ANY($1)`,
		pq.Array(ids), expiresAt,
	)
	if err != nil {
		return fmt.Errorf("購読期限の記録に失敗しました: %w", err)
	}
	return nil
}

// DeleteByIDs はチャンネルと依存行を削除する。
// スキーマは宣言的カスケードを持たないため、購読エッジ・配信待ち行・動画を
// 同一トランザクションで明示的に連鎖削除する。
func (r *PostgresChannelRepo) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("チャンネル削除トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	deleted, err := deleteChannelsCascade(ctx, tx, `id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("チャンネル削除のコミットに失敗しました: %w", err)
	}
	return deleted, nil
}

// DeleteOrphans は購読者を持たないチャンネルを依存行ごと削除する。
func (r *PostgresChannelRepo) DeleteOrphans(ctx context.Context) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("孤立チャンネル削除トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	deleted, err := deleteChannelsCascade(ctx, tx,
		`id NOT IN (SELECT DISTINCT channel_id FROM subscriptions)`)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("孤立チャンネル削除のコミットに失敗しました: %w", err)
	}
	return deleted, nil
}

// deleteChannelsCascade は条件に合致するチャンネルの依存行を先に消してから
// チャンネル本体を削除する。
func deleteChannelsCascade(ctx context.Context, tx *sql.Tx, where string, args ...interface{}) (int64, error) {
	target := `SELECT id FROM channels WHERE ` + where

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM deliveries WHERE video_id IN
		   (SELECT id FROM videos WHERE channel_id IN (`+target+`))`, args...); err != nil {
		return 0, fmt.Errorf("配信待ち行の連鎖削除に失敗しました: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM videos WHERE channel_id IN (`+target+`)`, args...); err != nil {
		return 0, fmt.Errorf("動画の連鎖削除に失敗しました: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE channel_id IN (`+target+`)`, args...); err != nil {
		return 0, fmt.Errorf("購読エッジの連鎖削除に失敗しました: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM channels WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("チャンネルの削除に失敗しました: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return deleted, nil
}

// collectIDs はID列のみの結果セットを読み取る。
func collectIDs(rows *sql.Rows, label string) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%sの読み取りに失敗しました: %w", label, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%sの走査に失敗しました: %w", label, err)
	}
	return ids, nil
}

// intervalArg はtime.DurationをPostgreSQLのinterval引数へ変換する。
func intervalArg(d time.Duration) string {
	return fmt.Sprintf("%d milliseconds", d.Milliseconds())
}

// compile-time interface check
var _ ChannelRepository = (*PostgresChannelRepo)(nil)
