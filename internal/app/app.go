// Package app はアプリケーションの起動とワイヤリングを提供する。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/chanwatch/internal/config"
	"github.com/hitoshi/chanwatch/internal/database"
	"github.com/hitoshi/chanwatch/internal/delivery"
	"github.com/hitoshi/chanwatch/internal/handler"
	"github.com/hitoshi/chanwatch/internal/ingest"
	"github.com/hitoshi/chanwatch/internal/logger"
	"github.com/hitoshi/chanwatch/internal/metrics"
	"github.com/hitoshi/chanwatch/internal/model"
	"github.com/hitoshi/chanwatch/internal/repository"
	"github.com/hitoshi/chanwatch/internal/subscription"
	"github.com/hitoshi/chanwatch/internal/worker/cleanup"
	"github.com/hitoshi/chanwatch/internal/worker/renewal"
	syncpkg "github.com/hitoshi/chanwatch/internal/worker/sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("OPS_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("ops_port", cfg.OpsPort),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runWorker(cfg)
	}
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、同期・購読更新・クリーンアップの各スケジューラと
// 運用HTTPサーバーを起動する。SIGINTまたはSIGTERMシグナルを受信すると
// グレースフルシャットダウンを行う。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	channelRepo := repository.NewPostgresChannelRepo(db)
	chatRepo := repository.NewPostgresChatRepo(db)
	subRepo := repository.NewPostgresSubscriptionRepo(db)
	videoRepo := repository.NewPostgresVideoRepo(db)
	deliveryRepo := repository.NewPostgresDeliveryRepo(db)
	pushLogRepo := repository.NewPostgresPushLogRepo(db)
	ingestRepo := repository.NewPostgresIngestRepo(cfg.IngestChunkSize)

	// 3. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 4. ドメインサービスの初期化
	ingestService := ingest.NewService(
		db, ingestRepo, subRepo, videoRepo, collector, slog.Default(),
		cfg.IngestRetryLimit, cfg.IngestRetryDelay, cfg.IngestQueryTimeout,
	)
	subService := subscription.NewService(
		channelRepo, chatRepo, subRepo, cfg.ChannelDenyList, slog.Default(),
	)
	deliveryService := delivery.NewService(
		deliveryRepo, chatRepo, videoRepo, slog.Default(), cfg.SendTimeoutAfterError,
	)

	// 5. 起動時に拒否リストのチャンネルを削除する
	if _, err := subService.PurgeDeniedChannels(context.Background()); err != nil {
		return fmt.Errorf("failed to purge denied channels: %w", err)
	}

	// 6. スケジューラの初期化
	// フェッチプロトコルは本体の範囲外。組み込み先が差し替えるまでの
	// 既定実装として、同期時刻のみを進めるシンカーを使用する。
	syncScheduler := syncpkg.NewScheduler(
		channelRepo, &passthroughSyncer{}, ingestService, collector, slog.Default(),
		cfg.SyncStaleness, cfg.SyncClaimCooldown, cfg.SyncBatchLimit, cfg.SyncDispatchRate,
	)
	renewalScheduler := renewal.NewScheduler(
		channelRepo, &localLeaseRenewer{lease: defaultRenewalLease}, collector, slog.Default(),
		cfg.RenewalLeadTime, cfg.RenewalAttemptCooldown, cfg.RenewalBatchLimit,
	)
	cleanupJob := cleanup.NewJob(
		channelRepo, chatRepo, videoRepo, pushLogRepo, collector, slog.Default(),
		cfg.VideoRetention, cfg.PushLogRetention,
	)

	// 7. 運用HTTPサーバーの構築
	router := handler.NewRouter(&handler.RouterDeps{
		Pinger:          db,
		StatsService:    subService,
		DeliveryService: deliveryService,
		Gatherer:        registry,
	})
	server := &http.Server{
		Addr:         ":" + cfg.OpsPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("ops server shutdown failed", slog.String("error", err.Error()))
		}
	}()

	go func() {
		slog.Info("ops server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("ops server listen error", slog.String("error", err.Error()))
		}
	}()

	slog.Info("worker starting",
		slog.Duration("sync_interval", cfg.SyncInterval),
		slog.Duration("renewal_interval", cfg.RenewalInterval),
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
	)

	// 購読更新とクリーンアップをバックグラウンドで起動
	go renewalScheduler.Start(ctx, cfg.RenewalInterval)
	go cleanupJob.Start(ctx, cfg.CleanupInterval)

	// 同期スケジューラをメインgoroutineで実行（ブロッキング）
	syncScheduler.Start(ctx, cfg.SyncInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("schema_version", uint64(version)),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /healthz エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/healthz", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}

// defaultRenewalLease は既定リニューアラーが付与するリース期間。
const defaultRenewalLease = 24 * time.Hour

// passthroughSyncer はフェッチャー未接続時の既定シンカー。
// 新着の取得は行わず、同期時刻のみを進めてチャンネルを再選択から外す。
type passthroughSyncer struct{}

func (p *passthroughSyncer) Sync(ctx context.Context, channelID string) (model.ChannelDelta, []model.NewVideo, error) {
	now := time.Now()
	return model.ChannelDelta{ID: channelID, LastSyncAt: &now}, nil, nil
}

// localLeaseRenewer は外部ハブ未接続時の既定リニューアラー。
// 全チャンネルの購読期限をローカルで延長する。
type localLeaseRenewer struct {
	lease time.Duration
}

func (l *localLeaseRenewer) Renew(ctx context.Context, channelIDs []string) ([]string, time.Time, error) {
	return channelIDs, time.Now().Add(l.lease), nil
}
