package model

import "time"

// Chat は配信先となる購読者グループを表す。
// チャンネル連携（ディスカッション用チャット）を持つ場合、子チャットは
// ParentChatIDで親チャットを参照する。購読もペアレントも持たないチャットは
// 孤立掃引の削除対象になる。
type Chat struct {
	ID                   string
	ChannelID            *string // 連携先ディスカッションチャットのID
	IsHidePreview        bool
	IsMuted              bool
	IsSkipShortVideos    bool
	SendTimeoutExpiresAt time.Time // 配信失敗後のバックオフ期限
	ParentChatID         *string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Subscription はチャットとチャンネルの購読エッジを表す。
// (ChatID, ChannelID)の組は一意。
type Subscription struct {
	ChatID    string
	ChannelID string
	CreatedAt time.Time
}

// Subscriber はファンアウト計算に必要なチャット属性の射影。
type Subscriber struct {
	ChatID            string
	ChannelID         *string
	IsMuted           bool
	IsSkipShortVideos bool
}
