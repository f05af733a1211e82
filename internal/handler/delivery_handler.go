package handler

import (
	"context"
	"encoding/json"
	"net/http"
)

// DeliveryServiceInterface は配信ハンドラーが必要とするサービスインターフェース。
type DeliveryServiceInterface interface {
	// ListChatsWithPending は配信待ちを持ち、送信バックオフが経過済みの
	// チャットIDを返す。
	ListChatsWithPending(ctx context.Context) ([]string, error)
}

// DeliveryHandler は配信状態のHTTPハンドラー。
type DeliveryHandler struct {
	service DeliveryServiceInterface
}

// NewDeliveryHandler はDeliveryHandlerを生成する。
func NewDeliveryHandler(service DeliveryServiceInterface) *DeliveryHandler {
	return &DeliveryHandler{service: service}
}

// pendingChatsResponse は配信待ちチャット一覧のレスポンス。
type pendingChatsResponse struct {
	ChatIDs []string `json:"chat_ids"`
}

// GetPendingChats は配信待ちを持つチャット一覧を取得する。
// GET /api/deliveries/pending
func (h *DeliveryHandler) GetPendingChats(w http.ResponseWriter, r *http.Request) {
	chatIDs, err := h.service.ListChatsWithPending(r.Context())
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "配信待ちチャットの取得に失敗しました。")
		return
	}

	if chatIDs == nil {
		chatIDs = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pendingChatsResponse{ChatIDs: chatIDs})
}
