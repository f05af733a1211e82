// Package handler は運用向けHTTPエンドポイントを提供する。
// ヘルスチェック・Prometheusメトリクス・統計情報の読み取り専用APIのみで、
// 購読や配信の変更操作は持たない。
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/chanwatch/internal/metrics"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ヘルスチェック
	Pinger Pinger

	// 統計
	StatsService StatsServiceInterface

	// 配信
	DeliveryService DeliveryServiceInterface

	// メトリクス
	Gatherer prometheus.Gatherer
}

// NewRouter は運用エンドポイントのルーティングを構成したchi.Routerを返す。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	healthHandler := NewHealthHandler(deps.Pinger)
	statsHandler := NewStatsHandler(deps.StatsService)
	deliveryHandler := NewDeliveryHandler(deps.DeliveryService)

	r.Get("/healthz", healthHandler.Healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))

	r.Route("/api/stats", func(r chi.Router) {
		r.Get("/", statsHandler.GetStats)
		r.Get("/channels/top", statsHandler.GetTopChannels)
	})

	r.Get("/api/deliveries/pending", deliveryHandler.GetPendingChats)

	return r
}
