package subscription

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/chanwatch/internal/model"
	"github.com/hitoshi/chanwatch/internal/repository"
)

// --- リポジトリモック ---

type mockChannelRepo struct {
	repository.ChannelRepository
	ensureCalled   bool
	ensureInput    model.NewChannel
	ensureCreated  bool
	deleteByIDs    []string
	deleted        int64
	orphansDeleted int64
}

func (m *mockChannelRepo) Ensure(ctx context.Context, ch model.NewChannel) (*model.Channel, bool, error) {
	m.ensureCalled = true
	m.ensureInput = ch
	return &model.Channel{ID: ch.ID, Service: ch.Service, Title: ch.Title, URL: ch.URL}, m.ensureCreated, nil
}

func (m *mockChannelRepo) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	m.deleteByIDs = ids
	return m.deleted, nil
}

func (m *mockChannelRepo) DeleteOrphans(ctx context.Context) (int64, error) {
	return m.orphansDeleted, nil
}

type mockChatRepo struct {
	repository.ChatRepository
	ensureCalled  bool
	ensureErr     error
	discussionFor [2]string
	changedFrom   string
	changedTo     string
	updatedPrefs  *model.Chat
}

func (m *mockChatRepo) Ensure(ctx context.Context, id string) (*model.Chat, error) {
	m.ensureCalled = true
	if m.ensureErr != nil {
		return nil, m.ensureErr
	}
	return &model.Chat{ID: id}, nil
}

func (m *mockChatRepo) CreateDiscussion(ctx context.Context, chatID, discussionID string) error {
	m.discussionFor = [2]string{chatID, discussionID}
	return nil
}

func (m *mockChatRepo) ChangeID(ctx context.Context, oldID, newID string) error {
	m.changedFrom = oldID
	m.changedTo = newID
	return nil
}

func (m *mockChatRepo) UpdatePreferences(ctx context.Context, chat *model.Chat) error {
	m.updatedPrefs = chat
	return nil
}

func (m *mockChatRepo) DeleteOrphans(ctx context.Context) (int64, error) {
	return 0, nil
}

type mockSubRepo struct {
	repository.SubscriptionRepository
	putCalled    bool
	putChatID    string
	putChannelID string
	putAdded     bool
	deleteCalled bool
	deleteFound  bool
}

func (m *mockSubRepo) Put(ctx context.Context, chatID, channelID string) (bool, error) {
	m.putCalled = true
	m.putChatID = chatID
	m.putChannelID = channelID
	return m.putAdded, nil
}

func (m *mockSubRepo) Delete(ctx context.Context, chatID, channelID string) (bool, error) {
	m.deleteCalled = true
	return m.deleteFound, nil
}

func newTestLogger() *slog.Logger {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// --- Subscribe ---

func TestSubscribe_CreatesChannelOnFirstSubscription(t *testing.T) {
	channelRepo := &mockChannelRepo{ensureCreated: true}
	chatRepo := &mockChatRepo{}
	subRepo := &mockSubRepo{putAdded: true}
	svc := NewService(channelRepo, chatRepo, subRepo, nil, newTestLogger())

	ch := model.NewChannel{
		ID:      model.WrapServiceID("youtube", "UCaaa"),
		Service: "youtube",
		Title:   "テストチャンネル",
		URL:     "https://youtube.com/channel/UCaaa",
	}

	channel, err := svc.Subscribe(context.Background(), "chat-1", ch)
	if err != nil {
		t.Fatalf("Subscribe() がエラーを返した: %v", err)
	}

	if channel == nil || channel.ID != "youtube:UCaaa" {
		t.Errorf("チャンネルが返されるべき: %+v", channel)
	}
	if !chatRepo.ensureCalled {
		t.Error("チャットが作成されるべき")
	}
	if !channelRepo.ensureCalled {
		t.Error("チャンネルが作成されるべき")
	}
	if !subRepo.putCalled || subRepo.putChatID != "chat-1" || subRepo.putChannelID != "youtube:UCaaa" {
		t.Errorf("購読エッジが作成されるべき: %+v", subRepo)
	}
}

// 再購読はno-opであり、エラーにならないことを検証
func TestSubscribe_Resubscribe_NoError(t *testing.T) {
	channelRepo := &mockChannelRepo{}
	chatRepo := &mockChatRepo{}
	subRepo := &mockSubRepo{putAdded: false} // 既存エッジ
	svc := NewService(channelRepo, chatRepo, subRepo, nil, newTestLogger())

	ch := model.NewChannel{ID: "youtube:UCaaa", Service: "youtube"}

	if _, err := svc.Subscribe(context.Background(), "chat-1", ch); err != nil {
		t.Fatalf("再購読はエラーにならないべき: %v", err)
	}
}

// 拒否リストのチャンネルはポリシーエラーになり、行が一切作成されないことを検証
func TestSubscribe_DeniedChannel_PolicyErrorAndNoRows(t *testing.T) {
	channelRepo := &mockChannelRepo{}
	chatRepo := &mockChatRepo{}
	subRepo := &mockSubRepo{}
	denyList := []string{"youtube:UCdenied"}
	svc := NewService(channelRepo, chatRepo, subRepo, denyList, newTestLogger())

	ch := model.NewChannel{ID: "youtube:UCdenied", Service: "youtube"}

	_, err := svc.Subscribe(context.Background(), "chat-1", ch)
	if err == nil {
		t.Fatal("拒否リストのチャンネルはエラーを返すべき")
	}
	if !model.IsPolicy(err) {
		t.Errorf("ポリシーエラーに分類されるべき: %v", err)
	}

	if chatRepo.ensureCalled || channelRepo.ensureCalled || subRepo.putCalled {
		t.Error("拒否時はチャット・チャンネル・エッジのいずれも作成されないべき")
	}
}

func TestSubscribe_ChatEnsureError_Propagates(t *testing.T) {
	channelRepo := &mockChannelRepo{}
	chatRepo := &mockChatRepo{ensureErr: errors.New("db error")}
	subRepo := &mockSubRepo{}
	svc := NewService(channelRepo, chatRepo, subRepo, nil, newTestLogger())

	ch := model.NewChannel{ID: "youtube:UCaaa", Service: "youtube"}

	if _, err := svc.Subscribe(context.Background(), "chat-1", ch); err == nil {
		t.Fatal("チャット作成エラーは伝播すべき")
	}
	if subRepo.putCalled {
		t.Error("チャット作成失敗時はエッジを作成しないべき")
	}
}

// --- Unsubscribe ---

func TestUnsubscribe_Idempotent(t *testing.T) {
	channelRepo := &mockChannelRepo{}
	chatRepo := &mockChatRepo{}
	subRepo := &mockSubRepo{deleteFound: false} // エッジが存在しない
	svc := NewService(channelRepo, chatRepo, subRepo, nil, newTestLogger())

	if err := svc.Unsubscribe(context.Background(), "chat-1", "youtube:UCaaa"); err != nil {
		t.Fatalf("存在しないエッジの解除はエラーにならないべき: %v", err)
	}
	if !subRepo.deleteCalled {
		t.Error("Delete が呼び出されるべき")
	}
}

// 最後の購読を解除してもチャンネルは即座に削除されないことを検証
func TestUnsubscribe_DoesNotDeleteChannel(t *testing.T) {
	channelRepo := &mockChannelRepo{}
	chatRepo := &mockChatRepo{}
	subRepo := &mockSubRepo{deleteFound: true}
	svc := NewService(channelRepo, chatRepo, subRepo, nil, newTestLogger())

	if err := svc.Unsubscribe(context.Background(), "chat-1", "youtube:UCaaa"); err != nil {
		t.Fatalf("Unsubscribe() がエラーを返した: %v", err)
	}

	if channelRepo.deleteByIDs != nil {
		t.Error("孤立チャンネルは掃引まで残るべき")
	}
}

// --- チャット操作 ---

func TestCreateDiscussionChat(t *testing.T) {
	chatRepo := &mockChatRepo{}
	svc := NewService(&mockChannelRepo{}, chatRepo, &mockSubRepo{}, nil, newTestLogger())

	if err := svc.CreateDiscussionChat(context.Background(), "chat-1", "discussion-1"); err != nil {
		t.Fatalf("CreateDiscussionChat() がエラーを返した: %v", err)
	}

	if chatRepo.discussionFor != [2]string{"chat-1", "discussion-1"} {
		t.Errorf("親子の連携がそのまま渡されるべき: %v", chatRepo.discussionFor)
	}
}

func TestChangeChatID(t *testing.T) {
	chatRepo := &mockChatRepo{}
	svc := NewService(&mockChannelRepo{}, chatRepo, &mockSubRepo{}, nil, newTestLogger())

	if err := svc.ChangeChatID(context.Background(), "chat-old", "chat-new"); err != nil {
		t.Fatalf("ChangeChatID() がエラーを返した: %v", err)
	}

	if chatRepo.changedFrom != "chat-old" || chatRepo.changedTo != "chat-new" {
		t.Errorf("移行元と移行先がそのまま渡されるべき: %q -> %q", chatRepo.changedFrom, chatRepo.changedTo)
	}
}

func TestUpdateChatPreferences(t *testing.T) {
	chatRepo := &mockChatRepo{}
	svc := NewService(&mockChannelRepo{}, chatRepo, &mockSubRepo{}, nil, newTestLogger())

	chat := &model.Chat{ID: "chat-1", IsMuted: true, IsSkipShortVideos: true}
	if err := svc.UpdateChatPreferences(context.Background(), chat); err != nil {
		t.Fatalf("UpdateChatPreferences() がエラーを返した: %v", err)
	}

	if chatRepo.updatedPrefs != chat {
		t.Error("設定の更新対象がそのまま渡されるべき")
	}
}

// --- PurgeDeniedChannels ---

func TestPurgeDeniedChannels_DeletesListedChannels(t *testing.T) {
	channelRepo := &mockChannelRepo{deleted: 2}
	chatRepo := &mockChatRepo{}
	subRepo := &mockSubRepo{}
	denyList := []string{"youtube:UCaaa", "youtube:UCbbb"}
	svc := NewService(channelRepo, chatRepo, subRepo, denyList, newTestLogger())

	deleted, err := svc.PurgeDeniedChannels(context.Background())
	if err != nil {
		t.Fatalf("PurgeDeniedChannels() がエラーを返した: %v", err)
	}

	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}
	if len(channelRepo.deleteByIDs) != 2 {
		t.Errorf("拒否リストの全チャンネルが削除対象になるべき: %v", channelRepo.deleteByIDs)
	}
}

func TestPurgeDeniedChannels_EmptyDenyList_NoOp(t *testing.T) {
	channelRepo := &mockChannelRepo{}
	chatRepo := &mockChatRepo{}
	subRepo := &mockSubRepo{}
	svc := NewService(channelRepo, chatRepo, subRepo, nil, newTestLogger())

	deleted, err := svc.PurgeDeniedChannels(context.Background())
	if err != nil {
		t.Fatalf("PurgeDeniedChannels() がエラーを返した: %v", err)
	}
	if deleted != 0 {
		t.Errorf("deleted = %d, want 0", deleted)
	}
	if channelRepo.deleteByIDs != nil {
		t.Error("空の拒否リストでは削除を実行しないべき")
	}
}

// --- GraphStats ---

type countingSubRepo struct {
	repository.SubscriptionRepository
	chats    int
	channels int
}

func (m *countingSubRepo) CountDistinctChats(ctx context.Context) (int, error)    { return m.chats, nil }
func (m *countingSubRepo) CountDistinctChannels(ctx context.Context) (int, error) { return m.channels, nil }

func TestGraphStats(t *testing.T) {
	subRepo := &countingSubRepo{chats: 10, channels: 25}
	svc := NewService(&mockChannelRepo{}, &mockChatRepo{}, subRepo, nil, newTestLogger())

	stats, err := svc.GraphStats(context.Background())
	if err != nil {
		t.Fatalf("GraphStats() がエラーを返した: %v", err)
	}

	if stats.ChatCount != 10 || stats.ChannelCount != 25 {
		t.Errorf("stats = %+v, want {10 25}", stats)
	}
}

// --- TopChannels ---

type topSubRepo struct {
	repository.SubscriptionRepository
	service string
	since   time.Time
	limit   int
}

func (m *topSubRepo) TopChannels(ctx context.Context, service string, since time.Time, limit int) ([]repository.ChannelSubscriberCount, error) {
	m.service = service
	m.since = since
	m.limit = limit
	return []repository.ChannelSubscriberCount{{ChannelID: "youtube:UCaaa", Count: 5}}, nil
}

func TestTopChannels_PassesOneMonthWindow(t *testing.T) {
	subRepo := &topSubRepo{}
	svc := NewService(&mockChannelRepo{}, &mockChatRepo{}, subRepo, nil, newTestLogger())

	counts, err := svc.TopChannels(context.Background(), "youtube", 10)
	if err != nil {
		t.Fatalf("TopChannels() がエラーを返した: %v", err)
	}

	if len(counts) != 1 {
		t.Fatalf("counts = %d, want 1", len(counts))
	}
	if subRepo.service != "youtube" || subRepo.limit != 10 {
		t.Errorf("引数がそのまま渡されるべき: service=%q limit=%d", subRepo.service, subRepo.limit)
	}

	// おおよそ1ヶ月前のウィンドウであること
	monthAgo := time.Now().AddDate(0, -1, 0)
	if subRepo.since.Before(monthAgo.Add(-time.Hour)) || subRepo.since.After(monthAgo.Add(time.Hour)) {
		t.Errorf("since = %v, want ~%v", subRepo.since, monthAgo)
	}
}
