package task

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"

	xerrors "OpenProof-Chain/internal/errors"
	"OpenProof-Chain/internal/observability/alerting"
)

type fakeExecutor struct {
	processed atomic.Int32
	latency   time.Duration
}

func (f *fakeExecutor) Execute(ctx context.Context, task *Task) (*ExecutionResult, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.processed.Add(1)
	return &ExecutionResult{PolymerJobID: "1", ValidationTx: task.TxSignature, Valid: true}, nil
}

type recordingAlerter struct {
	events atomic.Int32
}

func (r *recordingAlerter) Notify(context.Context, alerting.Event) error {
	r.events.Add(1)
	return nil
}

var relayProgram = solana.MustPublicKeyFromBase58("J8T7Dg51zWifVfd4H4G61AaVtmW7GqegHx3h7a59hKSa").String()

func signature(i int) string {
	var sig solana.Signature
	copy(sig[:], fmt.Sprintf("sig-%d", i))
	return sig.String()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not met in time")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	executor := &fakeExecutor{latency: 5 * time.Millisecond}

	service := NewService(store, queue, 3)
	processor := NewProcessor(executor, store, queue, queue, WithWorkerCount(8))

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 100
	for i := 0; i < total; i++ {
		if _, err := service.Submit(ctx, Request{TxSignature: signature(i), ProgramID: relayProgram}); err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
	}

	waitFor(t, 5*time.Second, func() bool { return int(executor.processed.Load()) >= total })
	waitFor(t, 2*time.Second, func() bool {
		stats, _ := store.Stats(ctx, ListOptions{})
		return stats.Succeeded == total
	})
}

func TestServiceSubmitValidates(t *testing.T) {
	service := NewService(NewMemoryStore(), NewMemoryQueue(4), 3)
	ctx := context.Background()

	if _, err := service.Submit(ctx, Request{ProgramID: relayProgram}); !errors.Is(err, xerrors.New(CodeTaskValidation, "")) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := service.Submit(ctx, Request{TxSignature: "not-base58!", ProgramID: relayProgram}); err == nil {
		t.Fatal("expected malformed signature to be rejected")
	}
	if _, err := service.Submit(ctx, Request{TxSignature: signature(1)}); err == nil {
		t.Fatal("expected missing program id to be rejected")
	}

	service.SetDefaultProgramID(relayProgram)
	task, err := service.Submit(ctx, Request{ID: "fixed", TxSignature: signature(1)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if task.ProgramID != relayProgram || task.SrcChainID != DefaultSrcChainID {
		t.Fatalf("defaults not applied: %+v", task)
	}
	again, err := service.Submit(ctx, Request{ID: "fixed", TxSignature: signature(2)})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if again.TxSignature != task.TxSignature {
		t.Fatal("resubmitting an existing id must return the stored task")
	}

	service.SetDefaultSrcChainID(7)
	other, err := service.Submit(ctx, Request{TxSignature: signature(3)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if other.SrcChainID != 7 {
		t.Fatalf("expected src chain 7, got %d", other.SrcChainID)
	}
}

func TestServiceStatsReportsQueueDepth(t *testing.T) {
	service := NewService(NewMemoryStore(), NewMemoryQueue(4), 3)
	service.SetDefaultProgramID(relayProgram)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		if _, err := service.Submit(ctx, Request{TxSignature: signature(i)}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	stats, err := service.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Pending != 2 || stats.Queued == nil || *stats.Queued != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestProcessorRetriesThenGivesUp(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	var calls atomic.Int32
	executor := ExecutorFunc(func(context.Context, *Task) (*ExecutionResult, error) {
		calls.Add(1)
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, "proof service unavailable")
	})
	alerter := &recordingAlerter{}

	service := NewService(store, queue, 3)
	processor := NewProcessor(executor, store, queue, queue, WithAlertDispatcher(alerter))
	go func() { _ = processor.Start(ctx) }()

	task, err := service.Submit(ctx, Request{TxSignature: signature(7), ProgramID: relayProgram})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		current, _ := store.Get(ctx, task.ID)
		return current != nil && current.Status == StatusFailed && current.Attempts == 3
	})
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
	current, _ := store.Get(ctx, task.ID)
	if current.ErrorCode != string(xerrors.CodeUpstreamFailure) {
		t.Fatalf("unexpected error code %s", current.ErrorCode)
	}
	if alerter.events.Load() == 0 {
		t.Fatal("expected an alert for the failing job")
	}
}

func TestProcessorStopsOnNonRetryableError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	var calls atomic.Int32
	executor := ExecutorFunc(func(context.Context, *Task) (*ExecutionResult, error) {
		calls.Add(1)
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "proof rejected by relay")
	})

	service := NewService(store, queue, 3)
	go func() { _ = NewProcessor(executor, store, queue, queue).Start(ctx) }()

	task, err := service.Submit(ctx, Request{TxSignature: signature(9), ProgramID: relayProgram})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool {
		current, _ := store.Get(ctx, task.ID)
		return current != nil && current.Status == StatusFailed
	})
	time.Sleep(100 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("non-retryable failure must not be retried, got %d calls", calls.Load())
	}
}
