// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/chanwatch/internal/model"
)

// ChannelRepository はチャンネルデータの永続化インターフェース。
// 同期・更新スケジューラの選択クエリとクレーム更新もここに属する。
type ChannelRepository interface {
	// FindByID は指定IDのチャンネルを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Channel, error)

	// FindByIDs は指定ID群のチャンネルを取得する。存在しないIDは結果から除外される。
	FindByIDs(ctx context.Context, ids []string) ([]*model.Channel, error)

	// Ensure はチャンネルを取得し、存在しない場合は作成する。
	// 戻り値の2番目は新規作成されたかどうか。
	Ensure(ctx context.Context, ch model.NewChannel) (*model.Channel, bool, error)

	// ListForSync は同期対象のチャンネルIDを取得する。
	// sync_timeout_expires_atが経過済み、かつhas_changesまたはlast_sync_atが
	// staleness以上古いチャンネルが対象。未同期（last_video_published_atがNULL）の
	// チャンネルを先頭に、以降はlast_sync_atの昇順で返す。
	// 対象がない場合は空スライスを返す（エラーではない）。
	ListForSync(ctx context.Context, staleness time.Duration, limit int) ([]string, error)

	// MarkSyncClaimed は選択済みチャンネルを楽観的にクレームする。
	// sync_timeout_expires_atをnow+cooldownに設定し、has_changesをクリアする。
	// ロックではないため、クラッシュしたワーカーのクレームはcooldown経過後に自然回復する。
	MarkSyncClaimed(ctx context.Context, ids []string, cooldown time.Duration) error

	// ListForRenewal はプッシュ購読更新の対象チャンネルIDを取得する。
	// subscription_expires_atがnow+lead以内、かつsubscription_timeout_expires_atが
	// 経過済みのチャンネルが対象。
	ListForRenewal(ctx context.Context, lead time.Duration, limit int) ([]string, error)

	// MarkRenewalAttempted は更新試行のクールダウンを設定する。
	MarkRenewalAttempted(ctx context.Context, ids []string, cooldown time.Duration) error

	// RecordRenewalResult は更新成功時に新しい購読期限を記録する。
	RecordRenewalResult(ctx context.Context, ids []string, expiresAt time.Time) error

	// DeleteByIDs はチャンネルと依存行（購読・動画・配信待ち）を削除する。
	// カスケードはアプリケーション側で明示的に行う。
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)

	// DeleteOrphans は購読者を持たないチャンネルを依存行ごと削除する。
	DeleteOrphans(ctx context.Context) (int64, error)
}

// ChatRepository はチャットデータの永続化インターフェース。
type ChatRepository interface {
	// FindByID は指定IDのチャットを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Chat, error)

	// Ensure はチャットを取得し、存在しない場合は作成する。
	Ensure(ctx context.Context, id string) (*model.Chat, error)

	// CreateDiscussion はディスカッション用の子チャットを作成し、
	// 親チャットと同一トランザクションで連携する。
	CreateDiscussion(ctx context.Context, chatID, discussionID string) error

	// ChangeID はチャットIDを移行する（グループのスーパーグループ昇格等）。
	ChangeID(ctx context.Context, oldID, newID string) error

	// UpdatePreferences は配信設定（プレビュー非表示・ミュート・ショートスキップ）を更新する。
	UpdatePreferences(ctx context.Context, chat *model.Chat) error

	// SetSendTimeout は配信失敗後のバックオフ期限を設定する。
	SetSendTimeout(ctx context.Context, ids []string, until time.Time) error

	// DeleteByID はチャットと依存行（購読・配信待ち・子チャット）を削除する。
	DeleteByID(ctx context.Context, id string) error

	// DeleteOrphans は購読もペアレントも持たないチャットを依存行ごと削除する。
	DeleteOrphans(ctx context.Context) (int64, error)
}

// SubscriptionRepository は購読エッジの永続化インターフェース。
type SubscriptionRepository interface {
	// Put は購読エッジを冪等に作成する。既存エッジの場合はfalseを返す（エラーではない）。
	Put(ctx context.Context, chatID, channelID string) (bool, error)

	// Delete は購読エッジを削除する。エッジが存在した場合はtrueを返す。
	Delete(ctx context.Context, chatID, channelID string) (bool, error)

	// ListChannelsForChat はチャットが購読するチャンネルを購読順で返す。
	ListChannelsForChat(ctx context.Context, chatID string) ([]*model.Channel, error)

	// ListChatsForChannel はチャンネルを購読するチャットIDを返す。
	ListChatsForChannel(ctx context.Context, channelID string) ([]string, error)

	// ListSubscribersForChannels はファンアウト計算用に、チャンネルID群の
	// 購読チャット属性をチャンネルIDごとに返す。
	ListSubscribersForChannels(ctx context.Context, channelIDs []string) (map[string][]model.Subscriber, error)

	// CountByChat はチャットの購読数を返す。
	CountByChat(ctx context.Context, chatID string) (int, error)

	// CountDistinctChats は購読を持つチャットの数を返す。
	CountDistinctChats(ctx context.Context) (int, error)

	// CountDistinctChannels は購読されているチャンネルの数を返す。
	CountDistinctChannels(ctx context.Context) (int, error)

	// TopChannels は直近sinceより新しい動画を持つサービス内チャンネルを
	// 購読者数の降順で返す。
	TopChannels(ctx context.Context, service string, since time.Time, limit int) ([]ChannelSubscriberCount, error)
}

// VideoRepository は動画データの永続化インターフェース。
// 動画行の作成は取り込みパイプラインのみが行うため、ここには含まれない。
type VideoRepository interface {
	// FilterExistingIDs は指定ID群のうち既存の動画IDを返す。
	FilterExistingIDs(ctx context.Context, ids []string) ([]string, error)

	// FindWithChannel は動画と所属チャンネルを取得する。
	// 見つからない場合はKindNotFoundのエラーを返す。
	FindWithChannel(ctx context.Context, id string) (*model.Video, *model.Channel, error)

	// UpdatePreviewFileID は配信済みプレビューのキャッシュ参照を記録する。
	UpdatePreviewFileID(ctx context.Context, videoID, fileID string) error

	// SetMerged は重複アップロード検出時のマージ連携を記録する。
	SetMerged(ctx context.Context, videoID, mergedID, mergedChannelID string) error

	// DeleteOlderThan は公開日時がcutoffより古い動画を配信待ち行ごと削除する。
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// DeliveryRepository は配信待ちレコードの永続化インターフェース。
// 行の作成は取り込みパイプラインのみが行う。
type DeliveryRepository interface {
	// ListUndelivered はチャットの配信待ち動画IDを公開日時の昇順で返す。
	ListUndelivered(ctx context.Context, chatID string, limit int) ([]string, error)

	// Ack は配信済みレコードを削除する。論理的には「送信完了」の確認応答。
	Ack(ctx context.Context, chatID string, videoIDs []string) error

	// ListChatsWithPending は配信待ち行を持ち、送信バックオフが経過済みの
	// チャットIDを返す。
	ListChatsWithPending(ctx context.Context) ([]string, error)
}

// PushLogRepository はプッシュ通知の重複抑制記録の永続化インターフェース。
type PushLogRepository interface {
	// AlreadyPushed は指定ID群のうち記録済みの動画IDを返す。
	AlreadyPushed(ctx context.Context, videoIDs []string) ([]string, error)

	// RecordPush はプッシュ記録を冪等にUPSERTし、last_push_atを更新する。
	RecordPush(ctx context.Context, entries []model.PushLogEntry) error

	// EvictOlderThan はlast_push_atがageより古い記録を削除する。
	EvictOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// ChannelSubscriberCount はチャンネルと購読者数の集計結果。
type ChannelSubscriberCount struct {
	ChannelID string
	Title     string
	Count     int
}

// Executor はSQLの実行を抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// IngestRepository は取り込みトランザクション内で使うバルク書き込みインターフェース。
// すべてのメソッドは呼び出し元のトランザクション（Executor）上で実行され、
// UPSERT／一意キー挿入のみで構成されるため全体の再実行が安全。
type IngestRepository interface {
	// UpsertChannelDeltas はチャンネルメタデータを指定フィールドのみ更新する。
	// last_video_published_atは後退しない（GREATEST）。
	UpsertChannelDeltas(ctx context.Context, ex Executor, deltas []model.ChannelDelta) error

	// MarkChannelsChanged はhas_changesフラグを立てる。
	MarkChannelsChanged(ctx context.Context, ex Executor, ids []string) error

	// InsertVideos は新規動画を挿入する。既存IDはno-op。
	InsertVideos(ctx context.Context, ex Executor, videos []model.NewVideo) error

	// InsertDeliveries は配信待ち行を挿入する。既存の(chat, video)組はno-op。
	InsertDeliveries(ctx context.Context, ex Executor, rows []model.Delivery) error

	// UpsertPushLog はプッシュ記録をUPSERTする。
	UpsertPushLog(ctx context.Context, ex Executor, entries []model.PushLogEntry) error
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
