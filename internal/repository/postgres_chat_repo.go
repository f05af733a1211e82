package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/chanwatch/internal/model"
)

// PostgresChatRepo はPostgreSQLを使用したチャットリポジトリ。
type PostgresChatRepo struct {
	db *sql.DB
}

// NewPostgresChatRepo はPostgresChatRepoを生成する。
func NewPostgresChatRepo(db *sql.DB) *PostgresChatRepo {
	return &PostgresChatRepo{db: db}
}

const chatColumns = `id, channel_id, is_hide_preview, is_muted, is_skip_short_videos,
	        send_timeout_expires_at, parent_chat_id, created_at, updated_at`

// scanChat は1行分のチャットを読み取る。
func scanChat(scan func(dest ...interface{}) error) (*model.Chat, error) {
	chat := &model.Chat{}
	var channelID, parentChatID sql.NullString

	if err := scan(
		&chat.ID, &channelID, &chat.IsHidePreview, &chat.IsMuted, &chat.IsSkipShortVideos,
		&chat.SendTimeoutExpiresAt, &parentChatID, &chat.CreatedAt, &chat.UpdatedAt,
	); err != nil {
		return nil, err
	}

	chat.ChannelID = stringPtr(channelID)
	chat.ParentChatID = stringPtr(parentChatID)
	return chat, nil
}

// FindByID は指定IDのチャットを取得する。見つからない場合はnilを返す。
func (r *PostgresChatRepo) FindByID(ctx context.Context, id string) (*model.Chat, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+chatColumns+` FROM chats WHERE id = $1`, id)

	chat, err := scanChat(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("チャットの取得に失敗しました: %w", err)
	}
	return chat, nil
}

// Ensure はチャットを取得し、存在しない場合は作成する。
func (r *PostgresChatRepo) Ensure(ctx context.Context, id string) (*model.Chat, error) {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO chats (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, id)
	if err != nil {
		return nil, fmt.Errorf("チャットの作成に失敗しました: %w", err)
	}

	chat, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if chat == nil {
		return nil, model.NewChatNotFoundError(id)
	}
	return chat, nil
}

// CreateDiscussion はディスカッション用の子チャットを作成し、
// 親チャットのchannel_idを同一トランザクションで設定する。
func (r *PostgresChatRepo) CreateDiscussion(ctx context.Context, chatID, discussionID string) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return fmt.Errorf("ディスカッション作成トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chats (id, parent_chat_id) VALUES ($1, $2)`,
		discussionID, chatID); err != nil {
		return fmt.Errorf("ディスカッションチャットの作成に失敗しました: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chats (id, channel_id) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET channel_id = EXCLUDED.channel_id, updated_at = now()`,
		chatID, discussionID); err != nil {
		return fmt.Errorf("親チャットの連携更新に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ディスカッション作成のコミットに失敗しました: %w", err)
	}
	return nil
}

// ChangeID はチャットIDを移行する。購読エッジと配信待ち行も追従させる。
func (r *PostgresChatRepo) ChangeID(ctx context.Context, oldID, newID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("チャットID移行トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE chats SET id = $2, updated_at = now() WHERE id = $1`, oldID, newID)
	if err != nil {
		return fmt.Errorf("チャットIDの移行に失敗しました: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("チャットID移行結果の取得に失敗しました: %w", err)
	}
	if affected == 0 {
		return model.NewChatNotFoundError(oldID)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE subscriptions SET chat_id = $2 WHERE chat_id = $1`, oldID, newID); err != nil {
		return fmt.Errorf("購読エッジのチャットID移行に失敗しました: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE deliveries SET chat_id = $2 WHERE chat_id = $1`, oldID, newID); err != nil {
		return fmt.Errorf("配信待ち行のチャットID移行に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("チャットID移行のコミットに失敗しました: %w", err)
	}
	return nil
}

// UpdatePreferences は配信設定を更新する。
func (r *PostgresChatRepo) UpdatePreferences(ctx context.Context, chat *model.Chat) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE chats
		 SET is_hide_preview = $2, is_muted = $3, is_skip_short_videos = $4,
		     updated_at = now()
		 WHERE id = $1`,
		chat.ID, chat.IsHidePreview, chat.IsMuted, chat.IsSkipShortVideos,
	)
	if err != nil {
		return fmt.Errorf("配信設定の更新に失敗しました: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("配信設定更新結果の取得に失敗しました: %w", err)
	}
	if affected == 0 {
		return model.NewChatNotFoundError(chat.ID)
	}
	return nil
}

// SetSendTimeout は配信失敗後のバックオフ期限を設定する。
func (r *PostgresChatRepo) SetSendTimeout(ctx context.Context, ids []string, until time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE chats SET send_timeout_expires_at = $2, updated_at = now()
		 WHERE id = ANY($1)`,
		pq.Array(ids), until,
	)
	if err != nil {
		return fmt.Errorf("送信バックオフの設定に失敗しました: %w", err)
	}
	return nil
}

// DeleteByID はチャットと依存行を削除する。
func (r *PostgresChatRepo) DeleteByID(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("チャット削除トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if _, err := deleteChatsCascade(ctx, tx, `id = $1`, id); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("チャット削除のコミットに失敗しました: %w", err)
	}
	return nil
}

// DeleteOrphans は購読もペアレントも持たないチャットを依存行ごと削除する。
func (r *PostgresChatRepo) DeleteOrphans(ctx context.Context) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("孤立チャット削除トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	deleted, err := deleteChatsCascade(ctx, tx,
		`id NOT IN (SELECT DISTINCT chat_id FROM subscriptions) AND parent_chat_id IS NULL`)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("孤立チャット削除のコミットに失敗しました: %w", err)
	}
	return deleted, nil
}

// deleteChatsCascade は条件に合致するチャットの依存行を先に消してから
// チャット本体を削除する。ディスカッション用の子チャットも連鎖する。
func deleteChatsCascade(ctx context.Context, tx *sql.Tx, where string, args ...interface{}) (int64, error) {
	// 親子2段を対象にする（子チャットは購読を持たないため依存行は購読・配信のみ）
	target := `SELECT id FROM chats WHERE ` + where + `
	           UNION SELECT id FROM chats WHERE parent_chat_id IN (SELECT id FROM chats WHERE ` + where + `)`

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM deliveries WHERE chat_id IN (`+target+`)`, args...); err != nil {
		return 0, fmt.Errorf("配信待ち行の連鎖削除に失敗しました: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE chat_id IN (`+target+`)`, args...); err != nil {
		return 0, fmt.Errorf("購読エッジの連鎖削除に失敗しました: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id IN (`+target+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("チャットの削除に失敗しました: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return deleted, nil
}

// compile-time interface check
var _ ChatRepository = (*PostgresChatRepo)(nil)
