// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"time"
)

// Channel は購読者に代わって追跡する外部コンテンツチャンネルを表す。
// 最初の購読リクエスト時に作成され、購読者がいなくなると孤立掃引の削除対象になる。
type Channel struct {
	ID                            string     // service接頭辞付きの一意ID
	Service                       string     // 配信元サービスの識別子
	Title                         string
	URL                           string
	HasChanges                    bool       // 配信価値のある変化があったことを示すフラグ
	LastVideoPublishedAt          *time.Time // 未同期のチャンネルではnil
	LastSyncAt                    time.Time
	LastFullSyncAt                time.Time
	SyncTimeoutExpiresAt          time.Time // 同期クレームのクールダウン期限
	SubscriptionExpiresAt         time.Time // プッシュ購読リースの期限
	SubscriptionTimeoutExpiresAt  time.Time // 更新試行のクールダウン期限
	CreatedAt                     time.Time
	UpdatedAt                     time.Time
}

// ClaimState は同期クレームの状態を表す。
// タイムスタンプ比較のみから導出され、メモリ上のフラグは持たない。
type ClaimState int

const (
	// ClaimIdle はクレームされていない状態。
	ClaimIdle ClaimState = iota
	// ClaimHeld はクールダウン期限内でクレーム中の状態。
	ClaimHeld
)

// SyncClaimState はnow時点の同期クレーム状態を返す。
func (c *Channel) SyncClaimState(now time.Time) ClaimState {
	if now.Before(c.SyncTimeoutExpiresAt) {
		return ClaimHeld
	}
	return ClaimIdle
}

// NewChannel はチャンネル作成時の入力を表す。
type NewChannel struct {
	ID      string
	Service string
	Title   string
	URL     string
}

// ChannelDelta は取り込み時に適用するチャンネルメタデータの差分を表す。
// nilのフィールドは更新しない。LastVideoPublishedAtは後退しない。
type ChannelDelta struct {
	ID                   string
	Title                *string
	LastSyncAt           *time.Time
	LastFullSyncAt       *time.Time
	LastVideoPublishedAt *time.Time
}

// WrapServiceID はサービス固有のIDをグローバル一意なチャンネルIDへ変換する。
func WrapServiceID(service, rawID string) string {
	return fmt.Sprintf("%s:%s", service, rawID)
}
