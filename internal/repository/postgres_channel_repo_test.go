package repository

import (
	"testing"
	"time"

	"github.com/hitoshi/chanwatch/internal/model"
)

// PostgresChannelRepoはChannelRepositoryインターフェースを満たすことを検証
func TestPostgresChannelRepo_ImplementsInterface(t *testing.T) {
	var _ ChannelRepository = (*PostgresChannelRepo)(nil)
}

func TestNewPostgresChannelRepo_Initializes(t *testing.T) {
	repo := NewPostgresChannelRepo(nil)
	if repo == nil {
		t.Fatal("expected non-nil repo")
	}
}

// Channelモデルのフィールドが正しく構築されることを検証
func TestPostgresChannelRepo_ChannelModel_Fields(t *testing.T) {
	now := time.Now()
	published := now.Add(-time.Hour)
	ch := &model.Channel{
		ID:                   "youtube:UCaaa",
		Service:              "youtube",
		Title:                "テストチャンネル",
		URL:                  "https://youtube.com/channel/UCaaa",
		HasChanges:           true,
		LastVideoPublishedAt: &published,
		LastSyncAt:           now,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if ch.ID != "youtube:UCaaa" {
		t.Errorf("ch.ID = %q, want %q", ch.ID, "youtube:UCaaa")
	}
	if ch.Service != "youtube" {
		t.Errorf("ch.Service = %q, want %q", ch.Service, "youtube")
	}
	if !ch.HasChanges {
		t.Error("ch.HasChanges = false, want true")
	}
	if ch.LastVideoPublishedAt == nil || !ch.LastVideoPublishedAt.Equal(published) {
		t.Errorf("ch.LastVideoPublishedAt = %v, want %v", ch.LastVideoPublishedAt, published)
	}
}

// ChannelDeltaのゼロ値は何も更新しないことを表すことを検証
func TestPostgresChannelRepo_ChannelDelta_ZeroValue(t *testing.T) {
	delta := model.ChannelDelta{ID: "youtube:UCaaa"}

	if delta.Title != nil {
		t.Error("delta.Title は nil であるべき")
	}
	if delta.LastSyncAt != nil {
		t.Error("delta.LastSyncAt は nil であるべき")
	}
}
