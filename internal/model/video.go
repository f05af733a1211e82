package model

import "time"

// Video はチャンネルが公開した個々のコンテンツを表す。
// 作成後は不変であり、例外はマージ連携とプレビュー参照のキャッシュのみ。
// 削除は保持期間超過による掃引でのみ行われる。
type Video struct {
	ID                    string
	URL                   string
	Title                 string
	Previews              string  // プレビュー画像URLのJSON配列
	Duration              *string // ISO 8601表記。取得できない場合はnil
	ChannelID             string
	PublishedAt           time.Time
	TelegramPreviewFileID *string // 配信済みプレビューのキャッシュ参照
	MergedID              *string // 重複アップロードの正規動画ID
	MergedChannelID       *string
	CreatedAt             time.Time
}

// NewVideo は取り込み時の新規動画入力を表す。
// IDはサービス側で安定しており、同一動画の再取り込みはno-opになる。
type NewVideo struct {
	ID              string
	URL             string
	Title           string
	Previews        string
	Duration        *string
	ChannelID       string
	PublishedAt     time.Time
	MergedID        *string
	MergedChannelID *string
	IsShort         bool // ショート動画はスキップ設定のチャットへ配信しない
}

// Delivery は(チャット, 動画)の配信待ちレコードを表す。
// 行の存在は「送信待ち」を意味し、送信完了時に削除される。
type Delivery struct {
	ChatID    string
	VideoID   string
	CreatedAt time.Time
}

// PushLogEntry はプッシュ通知の重複抑制レコードを表す。
// 保持期間を過ぎたエントリは掃引で削除される。
type PushLogEntry struct {
	VideoID     string
	ChannelID   *string
	PublishedAt *time.Time
	LastPushAt  time.Time
}
