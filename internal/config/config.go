// Package config は環境変数ベースの設定読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
// スケジューリングの閾値類はポリシーの形のみ仕様で固定されており、
// 具体的な値はデプロイごとにここで調整する。
type Config struct {
	// Database
	DatabaseURL string

	// Sync Scheduler
	SyncStaleness     time.Duration // last_sync_atがこれより古いチャンネルを同期対象にする
	SyncClaimCooldown time.Duration // クレーム後の再選択除外期間
	SyncBatchLimit    int           // 1サイクルで選択するチャンネル数の上限
	SyncInterval      time.Duration // スケジューラのティック間隔
	SyncDispatchRate  float64       // 外部シンカーへのディスパッチレート（件/秒）

	// Renewal Scheduler
	RenewalLeadTime        time.Duration // 期限のこれだけ前から更新対象にする
	RenewalAttemptCooldown time.Duration // 更新試行後の再選択除外期間
	RenewalBatchLimit      int
	RenewalInterval        time.Duration

	// Ingest
	IngestChunkSize    int           // バルク書き込みのチャンク行数
	IngestRetryLimit   int           // 一時的競合時のリトライ上限
	IngestRetryDelay   time.Duration // リトライ間の固定遅延
	IngestQueryTimeout time.Duration // 取り込みトランザクション全体のタイムアウト

	// Delivery
	SendTimeoutAfterError time.Duration // 配信失敗後のチャット単位バックオフ

	// Cleanup
	CleanupInterval  time.Duration
	VideoRetention   time.Duration // これより古い動画を掃引する
	PushLogRetention time.Duration // これより古いプッシュ記録を掃引する

	// Policy
	ChannelDenyList []string

	// Ops
	OpsPort string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.SyncStaleness = getEnvDuration("SYNC_STALENESS", 6*time.Hour)
	cfg.SyncClaimCooldown = getEnvDuration("SYNC_CLAIM_COOLDOWN", 5*time.Minute)
	cfg.SyncBatchLimit = getEnvInt("SYNC_BATCH_LIMIT", 50)
	cfg.SyncInterval = getEnvDuration("SYNC_INTERVAL", time.Minute)
	cfg.SyncDispatchRate = getEnvFloat("SYNC_DISPATCH_RATE", 10)

	cfg.RenewalLeadTime = getEnvDuration("RENEWAL_LEAD_TIME", time.Hour)
	cfg.RenewalAttemptCooldown = getEnvDuration("RENEWAL_ATTEMPT_COOLDOWN", 5*time.Minute)
	cfg.RenewalBatchLimit = getEnvInt("RENEWAL_BATCH_LIMIT", 50)
	cfg.RenewalInterval = getEnvDuration("RENEWAL_INTERVAL", 5*time.Minute)

	cfg.IngestChunkSize = getEnvInt("INGEST_CHUNK_SIZE", 100)
	cfg.IngestRetryLimit = getEnvInt("INGEST_RETRY_LIMIT", 3)
	cfg.IngestRetryDelay = getEnvDuration("INGEST_RETRY_DELAY", 250*time.Millisecond)
	cfg.IngestQueryTimeout = getEnvDuration("INGEST_QUERY_TIMEOUT", 30*time.Second)

	cfg.SendTimeoutAfterError = getEnvDuration("SEND_TIMEOUT_AFTER_ERROR", 5*time.Minute)

	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.VideoRetention = getEnvDuration("VIDEO_RETENTION", 14*24*time.Hour)
	cfg.PushLogRetention = getEnvDuration("PUSH_LOG_RETENTION", 14*24*time.Hour)

	cfg.ChannelDenyList = getEnvList("CHANNEL_DENY_LIST")

	cfg.OpsPort = getEnvString("OPS_PORT", "8080")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	var list []string
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			list = append(list, s)
		}
	}
	return list
}
