package cleanup

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/chanwatch/internal/repository"
)

type mockChannelRepo struct {
	repository.ChannelRepository
	deleted int64
	err     error
	called  bool
}

func (m *mockChannelRepo) DeleteOrphans(ctx context.Context) (int64, error) {
	m.called = true
	return m.deleted, m.err
}

type mockChatRepo struct {
	repository.ChatRepository
	deleted int64
	err     error
	called  bool
}

func (m *mockChatRepo) DeleteOrphans(ctx context.Context) (int64, error) {
	m.called = true
	return m.deleted, m.err
}

type mockVideoRepo struct {
	repository.VideoRepository
	deleted int64
	err     error
	cutoff  time.Time
	called  bool
}

func (m *mockVideoRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.called = true
	m.cutoff = cutoff
	return m.deleted, m.err
}

type mockPushLogRepo struct {
	repository.PushLogRepository
	deleted int64
	err     error
	age     time.Duration
	called  bool
}

func (m *mockPushLogRepo) EvictOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	m.called = true
	m.age = age
	return m.deleted, m.err
}

type mockCollector struct {
	sweeps map[string]int64
}

func (m *mockCollector) RecordIngestSuccess(videoCount, deliveryCount int) {}
func (m *mockCollector) RecordIngestRetry()                               {}
func (m *mockCollector) RecordIngestFailure()                             {}
func (m *mockCollector) RecordSyncCycle(selected int, d time.Duration)    {}
func (m *mockCollector) RecordRenewalCycle(selected int)                  {}
func (m *mockCollector) RecordSweep(kind string, deleted int64) {
	if m.sweeps == nil {
		m.sweeps = make(map[string]int64)
	}
	m.sweeps[kind] = deleted
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func newTestJob(
	channelRepo *mockChannelRepo,
	chatRepo *mockChatRepo,
	videoRepo *mockVideoRepo,
	pushLogRepo *mockPushLogRepo,
	collector *mockCollector,
	buf *bytes.Buffer,
) *Job {
	return NewJob(
		channelRepo, chatRepo, videoRepo, pushLogRepo, collector,
		newTestLogger(buf), 14*24*time.Hour, 7*24*time.Hour,
	)
}

func TestRun_ExecutesAllSweeps(t *testing.T) {
	var buf bytes.Buffer
	channelRepo := &mockChannelRepo{deleted: 2}
	chatRepo := &mockChatRepo{deleted: 1}
	videoRepo := &mockVideoRepo{deleted: 30}
	pushLogRepo := &mockPushLogRepo{deleted: 12}
	collector := &mockCollector{}
	job := newTestJob(channelRepo, chatRepo, videoRepo, pushLogRepo, collector, &buf)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}

	if !channelRepo.called || !chatRepo.called || !videoRepo.called || !pushLogRepo.called {
		t.Error("すべての掃引ステップが実行されるべき")
	}

	want := map[string]int64{
		"orphan_chats":    1,
		"orphan_channels": 2,
		"old_videos":      30,
		"push_log":        12,
	}
	for kind, count := range want {
		if collector.sweeps[kind] != count {
			t.Errorf("sweeps[%s] = %d, want %d", kind, collector.sweeps[kind], count)
		}
	}
}

func TestRun_UsesRetentionCutoffs(t *testing.T) {
	var buf bytes.Buffer
	videoRepo := &mockVideoRepo{}
	pushLogRepo := &mockPushLogRepo{}
	job := newTestJob(&mockChannelRepo{}, &mockChatRepo{}, videoRepo, pushLogRepo, &mockCollector{}, &buf)

	before := time.Now()
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}

	wantCutoff := before.Add(-14 * 24 * time.Hour)
	if videoRepo.cutoff.Before(wantCutoff.Add(-time.Minute)) || videoRepo.cutoff.After(wantCutoff.Add(time.Minute)) {
		t.Errorf("動画の掃引基準 = %v, want ~%v", videoRepo.cutoff, wantCutoff)
	}
	if pushLogRepo.age != 7*24*time.Hour {
		t.Errorf("プッシュ記録の保持期間 = %v, want 168h", pushLogRepo.age)
	}
}

// 1ステップの失敗が他のステップを妨げないことを検証
func TestRun_StepFailure_BestEffort(t *testing.T) {
	var buf bytes.Buffer
	channelRepo := &mockChannelRepo{err: errors.New("db error")}
	chatRepo := &mockChatRepo{deleted: 1}
	videoRepo := &mockVideoRepo{deleted: 5}
	pushLogRepo := &mockPushLogRepo{}
	collector := &mockCollector{}
	job := newTestJob(channelRepo, chatRepo, videoRepo, pushLogRepo, collector, &buf)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("ステップ失敗でRun()は失敗しないべき: %v", err)
	}

	if !videoRepo.called || !pushLogRepo.called {
		t.Error("失敗ステップの後続も実行されるべき")
	}
	if _, ok := collector.sweeps["orphan_channels"]; ok {
		t.Error("失敗したステップはメトリクスに記録しないべき")
	}
	if !strings.Contains(buf.String(), "ERROR") {
		t.Error("失敗ステップはERRORレベルでログされるべき")
	}
}

func TestRun_Idempotent_ZeroRows(t *testing.T) {
	var buf bytes.Buffer
	job := newTestJob(&mockChannelRepo{}, &mockChatRepo{}, &mockVideoRepo{}, &mockPushLogRepo{}, &mockCollector{}, &buf)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("1回目の Run() がエラーを返した: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("2回目の Run() がエラーを返した: %v", err)
	}
}

func TestRun_CancelledContext_Aborts(t *testing.T) {
	var buf bytes.Buffer
	channelRepo := &mockChannelRepo{}
	job := newTestJob(channelRepo, &mockChatRepo{}, &mockVideoRepo{}, &mockPushLogRepo{}, &mockCollector{}, &buf)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := job.Run(ctx); err == nil {
		t.Fatal("キャンセル済みコンテキストではエラーを返すべき")
	}
}

func TestStart_StopsOnContextCancel(t *testing.T) {
	var buf bytes.Buffer
	job := newTestJob(&mockChannelRepo{}, &mockChatRepo{}, &mockVideoRepo{}, &mockPushLogRepo{}, &mockCollector{}, &buf)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		job.Start(ctx, time.Hour)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("キャンセル後1秒以内に停止すべき")
	}
}
