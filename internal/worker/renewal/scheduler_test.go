package renewal

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/hitoshi/chanwatch/internal/repository"
)

type mockChannelRepo struct {
	repository.ChannelRepository

	renewalIDs []string
	listErr    error

	attemptedIDs  []string
	attemptedCool time.Duration
	attemptErr    error
	attemptedAt   int

	recordedIDs []string
	recordedExp time.Time
	recordErr   error

	counter *int
}

func (m *mockChannelRepo) ListForRenewal(ctx context.Context, lead time.Duration, limit int) ([]string, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.renewalIDs, nil
}

func (m *mockChannelRepo) MarkRenewalAttempted(ctx context.Context, ids []string, cooldown time.Duration) error {
	if m.counter != nil {
		*m.counter++
		m.attemptedAt = *m.counter
	}
	m.attemptedIDs = ids
	m.attemptedCool = cooldown
	return m.attemptErr
}

func (m *mockChannelRepo) RecordRenewalResult(ctx context.Context, ids []string, expiresAt time.Time) error {
	m.recordedIDs = ids
	m.recordedExp = expiresAt
	return m.recordErr
}

type mockRenewer struct {
	renewed   []string
	expiresAt time.Time
	err       error

	calledWith []string
	calledAt   int
	counter    *int
}

func (m *mockRenewer) Renew(ctx context.Context, channelIDs []string) ([]string, time.Time, error) {
	if m.counter != nil {
		*m.counter++
		m.calledAt = *m.counter
	}
	m.calledWith = channelIDs
	if m.err != nil {
		return nil, time.Time{}, m.err
	}
	return m.renewed, m.expiresAt, nil
}

type mockCollector struct {
	renewalCycles   int
	renewalSelected int
}

func (m *mockCollector) RecordIngestSuccess(videoCount, deliveryCount int) {}
func (m *mockCollector) RecordIngestRetry()                               {}
func (m *mockCollector) RecordIngestFailure()                             {}
func (m *mockCollector) RecordSyncCycle(selected int, d time.Duration)    {}
func (m *mockCollector) RecordRenewalCycle(selected int) {
	m.renewalCycles++
	m.renewalSelected = selected
}
func (m *mockCollector) RecordSweep(kind string, deleted int64) {}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func newTestScheduler(repo *mockChannelRepo, renewer *mockRenewer, collector *mockCollector, buf *bytes.Buffer) *Scheduler {
	return NewScheduler(repo, renewer, collector, newTestLogger(buf), time.Hour, 5*time.Minute, 50)
}

func TestRunOnce_EmptySelection_NoError(t *testing.T) {
	var buf bytes.Buffer
	repo := &mockChannelRepo{}
	renewer := &mockRenewer{}
	collector := &mockCollector{}
	s := newTestScheduler(repo, renewer, collector, &buf)

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("対象なしはエラーではない: %v", err)
	}

	if renewer.calledWith != nil {
		t.Error("対象がないのに更新が依頼された")
	}
	if collector.renewalCycles != 0 {
		t.Error("対象がないサイクルはメトリクスに記録しない")
	}
}

// 試行クールダウンは更新依頼より先に設定されることを検証
func TestRunOnce_MarksAttemptBeforeRenew(t *testing.T) {
	var buf bytes.Buffer
	counter := 0
	exp := time.Now().Add(24 * time.Hour)
	repo := &mockChannelRepo{renewalIDs: []string{"youtube:UCaaa"}, counter: &counter}
	renewer := &mockRenewer{renewed: []string{"youtube:UCaaa"}, expiresAt: exp, counter: &counter}
	collector := &mockCollector{}
	s := newTestScheduler(repo, renewer, collector, &buf)

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() がエラーを返した: %v", err)
	}

	if repo.attemptedAt == 0 || renewer.calledAt == 0 {
		t.Fatal("クールダウン設定と更新依頼の両方が行われるべき")
	}
	if repo.attemptedAt > renewer.calledAt {
		t.Error("クールダウンは更新依頼より先に設定されるべき")
	}
	if repo.attemptedCool != 5*time.Minute {
		t.Errorf("attemptedCool = %v, want 5m", repo.attemptedCool)
	}
}

func TestRunOnce_RecordsRenewalResult(t *testing.T) {
	var buf bytes.Buffer
	exp := time.Now().Add(24 * time.Hour)
	repo := &mockChannelRepo{renewalIDs: []string{"youtube:UCaaa", "youtube:UCbbb"}}
	renewer := &mockRenewer{renewed: []string{"youtube:UCaaa"}, expiresAt: exp}
	collector := &mockCollector{}
	s := newTestScheduler(repo, renewer, collector, &buf)

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() がエラーを返した: %v", err)
	}

	// 成功したチャンネルのみ期限が記録される
	if !reflect.DeepEqual(repo.recordedIDs, []string{"youtube:UCaaa"}) {
		t.Errorf("recordedIDs = %v, want [youtube:UCaaa]", repo.recordedIDs)
	}
	if !repo.recordedExp.Equal(exp) {
		t.Errorf("recordedExp = %v, want %v", repo.recordedExp, exp)
	}
	if collector.renewalCycles != 1 || collector.renewalSelected != 2 {
		t.Errorf("サイクルメトリクスが記録されていない: %+v", collector)
	}
}

// 更新の失敗は致命的ではなく、リースは掃引されずに期限切れへ向かうことを検証
func TestRunOnce_RenewFailure_NotFatal(t *testing.T) {
	var buf bytes.Buffer
	repo := &mockChannelRepo{renewalIDs: []string{"youtube:UCaaa"}}
	renewer := &mockRenewer{err: errors.New("hub unreachable")}
	collector := &mockCollector{}
	s := newTestScheduler(repo, renewer, collector, &buf)

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("更新失敗はエラーとして伝播しないべき: %v", err)
	}

	if repo.recordedIDs != nil {
		t.Error("失敗時は期限を記録しないべき")
	}
	// クールダウンは設定済みなので、次サイクルで即座に再選択されない
	if repo.attemptedIDs == nil {
		t.Error("失敗時もクールダウンは設定されるべき")
	}
}

func TestRunOnce_ListError_Propagates(t *testing.T) {
	var buf bytes.Buffer
	repo := &mockChannelRepo{listErr: errors.New("db down")}
	s := newTestScheduler(repo, &mockRenewer{}, &mockCollector{}, &buf)

	if err := s.RunOnce(context.Background()); err == nil {
		t.Fatal("選択クエリのエラーは伝播すべき")
	}
}

func TestRunOnce_MarkAttemptError_NoRenew(t *testing.T) {
	var buf bytes.Buffer
	repo := &mockChannelRepo{
		renewalIDs: []string{"youtube:UCaaa"},
		attemptErr: errors.New("db down"),
	}
	renewer := &mockRenewer{}
	s := newTestScheduler(repo, renewer, &mockCollector{}, &buf)

	if err := s.RunOnce(context.Background()); err == nil {
		t.Fatal("クールダウン設定エラーは伝播すべき")
	}
	if renewer.calledWith != nil {
		t.Error("クールダウン設定失敗時は更新を依頼しないべき")
	}
}

func TestStart_StopsOnContextCancel(t *testing.T) {
	var buf bytes.Buffer
	repo := &mockChannelRepo{}
	s := newTestScheduler(repo, &mockRenewer{}, &mockCollector{}, &buf)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.Start(ctx, time.Hour)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("キャンセル後1秒以内に停止すべき")
	}
}
