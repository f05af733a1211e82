package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/hitoshi/chanwatch/internal/repository"
	"github.com/hitoshi/chanwatch/internal/subscription"
)

// defaultTopChannelLimit は人気チャンネル一覧の取得件数（デフォルト）。
const defaultTopChannelLimit = 10

// StatsServiceInterface は統計ハンドラーが必要とするサービスインターフェース。
type StatsServiceInterface interface {
	// GraphStats は購読を持つチャット数と購読されているチャンネル数を返す。
	GraphStats(ctx context.Context) (subscription.Stats, error)
	// TopChannels は直近1ヶ月に動画を公開したサービス内チャンネルを
	// 購読者数の降順で返す。
	TopChannels(ctx context.Context, service string, limit int) ([]repository.ChannelSubscriberCount, error)
}

// StatsHandler は統計情報のHTTPハンドラー。
type StatsHandler struct {
	service StatsServiceInterface
}

// NewStatsHandler はStatsHandlerを生成する。
func NewStatsHandler(service StatsServiceInterface) *StatsHandler {
	return &StatsHandler{service: service}
}

// --- レスポンス型 ---

// statsResponse は購読グラフ統計のレスポンス。
type statsResponse struct {
	ChatCount    int `json:"chat_count"`
	ChannelCount int `json:"channel_count"`
}

// topChannelResponse は人気チャンネルのレスポンス。
type topChannelResponse struct {
	ChannelID       string `json:"channel_id"`
	Title           string `json:"title"`
	SubscriberCount int    `json:"subscriber_count"`
}

// errorResponse はエラーレスポンス。
type errorResponse struct {
	Error string `json:"error"`
}

// GetStats は購読グラフの統計を取得する。
// GET /api/stats
func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GraphStats(r.Context())
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "統計の取得に失敗しました。")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statsResponse{
		ChatCount:    stats.ChatCount,
		ChannelCount: stats.ChannelCount,
	})
}

// GetTopChannels は購読者数の多いチャンネル一覧を取得する。
// GET /api/stats/channels/top?service=youtube&limit=10
func (h *StatsHandler) GetTopChannels(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("service")
	if service == "" {
		service = "youtube"
	}

	limit := defaultTopChannelLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeErrorResponse(w, http.StatusBadRequest, "limitには正の整数を指定してください。")
			return
		}
		limit = n
	}

	counts, err := h.service.TopChannels(r.Context(), service, limit)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "人気チャンネルの取得に失敗しました。")
		return
	}

	result := make([]topChannelResponse, 0, len(counts))
	for _, c := range counts {
		result = append(result, topChannelResponse{
			ChannelID:       c.ChannelID,
			Title:           c.Title,
			SubscriberCount: c.Count,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// writeErrorResponse はJSON形式のエラーレスポンスを書き込む。
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: message})
}
