package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// PostgresDeliveryRepo はPostgreSQLを使用した配信待ちレコードリポジトリ。
// 行の作成は取り込みパイプライン（IngestRepository）のみが行う。
type PostgresDeliveryRepo struct {
	db *sql.DB
}

// NewPostgresDeliveryRepo はPostgresDeliveryRepoを生成する。
func NewPostgresDeliveryRepo(db *sql.DB) *PostgresDeliveryRepo {
	return &PostgresDeliveryRepo{db: db}
}

// ListUndelivered はチャットの配信待ち動画IDを公開日時の昇順で返す。
// 外部配信ワーカーはこの順序で送信することで公開順の通知を保証する。
func (r *PostgresDeliveryRepo) ListUndelivered(ctx context.Context, chatID string, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT d.video_id
		 FROM deliveries d
		 INNER JOIN videos v ON v.id = d.video_id
		 WHERE d.chat_id = $1
		 ORDER BY v.published_at ASC
		 LIMIT $2`,
		chatID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("配信待ち一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectIDs(rows, "配信待ち動画")
}

// Ack は配信済みレコードを削除する。
// 行の存在は「送信待ち」を意味するため、確認応答は削除で表現する。
func (r *PostgresDeliveryRepo) Ack(ctx context.Context, chatID string, videoIDs []string) error {
	if len(videoIDs) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM deliveries WHERE chat_id = $1 AND video_id = ANY($2)`,
		chatID, pq.Array(videoIDs),
	)
	if err != nil {
		return fmt.Errorf("配信確認応答の記録に失敗しました: %w", err)
	}
	return nil
}

// ListChatsWithPending は配信待ち行を持ち、送信バックオフが経過済みの
// チャットIDを返す。
func (r *PostgresDeliveryRepo) ListChatsWithPending(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT c.id
		 FROM chats c
		 INNER JOIN deliveries d ON d.chat_id = c.id
		 WHERE c.send_timeout_expires_at < now()`,
	)
	if err != nil {
		return nil, fmt.Errorf("配信待ちチャット一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectIDs(rows, "配信待ちチャット")
}

// compile-time interface check
var _ DeliveryRepository = (*PostgresDeliveryRepo)(nil)
