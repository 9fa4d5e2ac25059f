package run

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "OpenBrief/internal/errors"
	"OpenBrief/internal/notify"
)

type fakeExecutor struct {
	processed atomic.Int32
	latency   time.Duration
	failures  atomic.Int32
	failWith  error
	failCount int32
}

func (f *fakeExecutor) Execute(ctx context.Context, req ExecuteRequest) (*Outcome, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.failWith != nil && f.failures.Load() < f.failCount {
		f.failures.Add(1)
		return nil, f.failWith
	}
	f.processed.Add(1)
	return &Outcome{
		Report:     fmt.Sprintf("briefing for %s", req.BriefingDate),
		MailTotal:  3,
		EventTotal: 2,
		Delivered:  true,
	}, nil
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []notify.Message
}

func (a *recordingAlerter) Notify(_ context.Context, msg notify.Message) error {
	a.mu.Lock()
	a.alerts = append(a.alerts, msg)
	a.mu.Unlock()
	return nil
}

func (a *recordingAlerter) stages() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	stages := make([]string, 0, len(a.alerts))
	for _, alert := range a.alerts {
		stages = append(stages, alert.Metadata["stage"])
	}
	return stages
}

func TestProcessorHandlesConcurrentRuns(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	exec := &fakeExecutor{latency: 10 * time.Millisecond}

	service := NewService(store, queue, 3)
	processor := NewProcessor(exec, store, queue, queue, WithWorkerCount(8))

	go func() {
		if err := processor.Start(ctx); err != nil && !stdErrors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 200
	for i := 0; i < total; i++ {
		id := fmt.Sprintf("run-%d", i)
		if _, err := service.Submit(ctx, SubmitRequest{ID: id, BriefingDate: "2026-03-02"}); err != nil {
			t.Fatalf("提交运行失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		if int(exec.processed.Load()) >= total {
			cancel()
			break
		}
		select {
		case <-deadline:
			t.Fatalf("运行未能及时处理，已完成 %d", exec.processed.Load())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestProcessorRequeuesRetryableFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	exec := &fakeExecutor{
		failWith:  xerrors.New(xerrors.CodeRateLimited, "source throttled"),
		failCount: 1,
	}
	alerter := &recordingAlerter{}

	service := NewService(store, queue, 3)
	processor := NewProcessor(exec, store, queue, queue, WithAlertDispatcher(alerter))

	go func() { _ = processor.Start(ctx) }()

	submitted, err := service.Submit(ctx, SubmitRequest{BriefingDate: "2026-03-02"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		r, err := store.Get(ctx, submitted.ID)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if r.Status == StatusSucceeded {
			if r.Attempts != 2 {
				t.Fatalf("attempts = %d, want 2", r.Attempts)
			}
			if r.Outcome == nil || r.Outcome.Report == "" {
				t.Fatalf("succeeded run missing outcome: %+v", r)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("run stuck in status %s after retryable failure", r.Status)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestProcessorDegradesNonRetryableFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	exec := &fakeExecutor{
		failWith:  xerrors.New(xerrors.CodeAuthFailure, "token revoked"),
		failCount: 10,
	}
	alerter := &recordingAlerter{}
	recovery := recoveryFunc(func(_ context.Context, r *Run, cause error) (*Outcome, error) {
		return &Outcome{Report: "briefing unavailable, see alert"}, nil
	})

	service := NewService(store, queue, 3)
	processor := NewProcessor(exec, store, queue, queue,
		WithAlertDispatcher(alerter),
		WithRecoveryHandler(recovery),
	)

	go func() { _ = processor.Start(ctx) }()

	submitted, err := service.Submit(ctx, SubmitRequest{BriefingDate: "2026-03-02"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	r, err := service.WaitUntilCompleted(ctx, submitted.ID, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if r.Status != StatusSucceeded {
		t.Fatalf("status = %s, want succeeded via recovery", r.Status)
	}
	if r.Outcome == nil || r.Outcome.Report != "briefing unavailable, see alert" {
		t.Fatalf("outcome = %+v, want recovery fallback", r.Outcome)
	}

	stages := alerter.stages()
	found := false
	for _, stage := range stages {
		if stage == "degraded" {
			found = true
		}
	}
	if !found {
		t.Fatalf("alert stages %v missing degraded", stages)
	}
}

func TestProcessorMarksTerminalFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	exec := &fakeExecutor{
		failWith:  xerrors.New(xerrors.CodeAuthFailure, "token revoked"),
		failCount: 10,
	}
	alerter := &recordingAlerter{}

	service := NewService(store, queue, 3)
	processor := NewProcessor(exec, store, queue, queue, WithAlertDispatcher(alerter))

	go func() { _ = processor.Start(ctx) }()

	submitted, err := service.Submit(ctx, SubmitRequest{BriefingDate: "2026-03-02"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	r, err := service.WaitUntilCompleted(ctx, submitted.ID, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if r.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", r.Status)
	}
	if r.ErrorCode != string(xerrors.CodeAuthFailure) {
		t.Fatalf("error code = %q, want %q", r.ErrorCode, xerrors.CodeAuthFailure)
	}
	// 不可重试的失败只执行一次。
	if exec.failures.Load() != 1 {
		t.Fatalf("executions = %d, want 1", exec.failures.Load())
	}

	stages := alerter.stages()
	if len(stages) == 0 || stages[len(stages)-1] != "terminal" {
		t.Fatalf("alert stages %v missing terminal", stages)
	}
}

type recoveryFunc func(ctx context.Context, r *Run, cause error) (*Outcome, error)

func (f recoveryFunc) Recover(ctx context.Context, r *Run, cause error) (*Outcome, error) {
	return f(ctx, r, cause)
}
