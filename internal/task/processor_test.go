package task

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	apperrors "ARGOS/internal/errors"
	"ARGOS/internal/observability/alerting"
)

type fakeExecutor struct {
	mu        sync.Mutex
	processed atomic.Int32
	latency   time.Duration
	failures  map[int64][]error
}

func (f *fakeExecutor) Execute(ctx context.Context, task *Task) (*ExecutionResult, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	queue := f.failures[task.TICID]
	if len(queue) > 0 {
		err := queue[0]
		f.failures[task.TICID] = queue[1:]
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()
	f.processed.Add(1)
	return &ExecutionResult{RunID: "run", Confidence: "LOW", Summary: "ok"}, nil
}

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingAlerts) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func startProcessor(t *testing.T, p *Processor) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()
	return cancel, done
}

func stopProcessor(t *testing.T, cancel context.CancelFunc, done <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("processor did not stop")
	}
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := NewMemoryStore()
	queue := NewMemoryQueue(512)
	exec := &fakeExecutor{latency: 5 * time.Millisecond}

	var completed atomic.Int32
	service := NewService(store, queue, 3)
	processor := NewProcessor(exec, store, queue, queue,
		WithWorkerCount(8),
		WithCompletionHook(func(*Task) { completed.Add(1) }),
	)
	cancel, done := startProcessor(t, processor)
	defer stopProcessor(t, cancel, done)

	ctx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()

	const total = 200
	ids := make([]string, 0, total)
	for i := int64(1); i <= total; i++ {
		task, err := service.Submit(ctx, i)
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		ids = append(ids, task.ID)
	}

	tasks, err := service.WaitAll(ctx, ids, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait all: %v", err)
	}
	for _, task := range tasks {
		if task.Status != StatusSucceeded {
			t.Fatalf("task %s not succeeded: %+v", task.ID, task)
		}
	}
	if got := exec.processed.Load(); got != total {
		t.Fatalf("expected %d executions, got %d", total, got)
	}
	deadline := time.Now().Add(time.Second)
	for completed.Load() != total && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if completed.Load() != total {
		t.Fatalf("completion hook called %d times", completed.Load())
	}
}

func TestProcessorRetriesRetryableErrors(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	exec := &fakeExecutor{failures: map[int64][]error{
		7: {apperrors.New(apperrors.CodeUpstreamUnavailable, "MAST 503")},
	}}
	alerts := &recordingAlerts{}
	service := NewService(store, queue, 3)
	processor := NewProcessor(exec, store, queue, queue, WithAlertDispatcher(alerts))
	cancel, done := startProcessor(t, processor)
	defer stopProcessor(t, cancel, done)

	ctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if _, err := service.Submit(ctx, 7); err != nil {
		t.Fatalf("submit: %v", err)
	}
	task, err := service.WaitUntilCompleted(ctx, IDForTIC(7), 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if task.Status != StatusSucceeded || task.Attempts != 2 {
		t.Fatalf("expected success on second attempt, got %+v", task)
	}
	if alerts.len() != 0 {
		t.Fatalf("transient retry should not alert")
	}
}

func TestProcessorTerminalFailure(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	boom := apperrors.New(apperrors.CodeTimeout, "target timed out")
	exec := &fakeExecutor{failures: map[int64][]error{9: {boom, boom}}}
	alerts := &recordingAlerts{}
	service := NewService(store, queue, 2)
	processor := NewProcessor(exec, store, queue, queue, WithAlertDispatcher(alerts))
	cancel, done := startProcessor(t, processor)
	defer stopProcessor(t, cancel, done)

	ctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if _, err := service.Submit(ctx, 9); err != nil {
		t.Fatalf("submit: %v", err)
	}
	task, err := service.WaitUntilCompleted(ctx, IDForTIC(9), 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if task.Status != StatusFailed || task.Attempts != 2 || task.ErrorCode != string(apperrors.CodeTimeout) {
		t.Fatalf("unexpected terminal task: %+v", task)
	}
	if alerts.len() == 0 {
		t.Fatalf("expected failure alert")
	}
	alerts.mu.Lock()
	last := alerts.events[len(alerts.events)-1]
	alerts.mu.Unlock()
	if last.Kind != alerting.KindFailure || last.TICID != 9 || last.Metadata["stage"] != "terminal" {
		t.Fatalf("unexpected alert: %+v", last)
	}
}

func TestProcessorSkipRecovery(t *testing.T) {
	const codeNoData apperrors.Code = "TEST_NO_DATA"
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	exec := &fakeExecutor{failures: map[int64][]error{
		11: {apperrors.New(codeNoData, "no light curve")},
	}}
	service := NewService(store, queue, 3)
	processor := NewProcessor(exec, store, queue, queue,
		WithRecoveryHandler(SkipRecovery{Codes: []apperrors.Code{codeNoData}}))
	cancel, done := startProcessor(t, processor)
	defer stopProcessor(t, cancel, done)

	ctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if _, err := service.Submit(ctx, 11); err != nil {
		t.Fatalf("submit: %v", err)
	}
	task, err := service.WaitUntilCompleted(ctx, IDForTIC(11), 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if task.Status != StatusSucceeded || task.Result == nil || !task.Result.Skipped || task.Attempts != 1 {
		t.Fatalf("expected skipped success, got %+v", task)
	}
}

func TestServiceSubmitIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	service := NewService(store, queue, 3)
	ctx := context.Background()

	first, err := service.Submit(ctx, 42)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := service.Submit(ctx, 42)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if first.ID != second.ID || queue.Len() != 1 {
		t.Fatalf("pending task should not be queued twice (queue=%d)", queue.Len())
	}

	if _, err := store.Claim(ctx, first.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkSucceeded(ctx, first.ID, ExecutionResult{Summary: "done"}); err != nil {
		t.Fatalf("mark: %v", err)
	}
	again, err := service.Submit(ctx, 42)
	if err != nil {
		t.Fatalf("submit after completion: %v", err)
	}
	if again.Status != StatusPending || again.Attempts != 0 || queue.Len() != 2 {
		t.Fatalf("finished task should be requeued: %+v queue=%d", again, queue.Len())
	}

	if _, err := service.Submit(ctx, 0); apperrors.CodeOf(err) != CodeTaskValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error { return errors.New("broker down") }
func (failingProducer) Close() error                          { return nil }

func TestServiceSubmitPublishFailure(t *testing.T) {
	store := NewMemoryStore()
	service := NewService(store, failingProducer{}, 3)
	_, err := service.Submit(context.Background(), 5)
	if apperrors.CodeOf(err) != CodeTaskPublish {
		t.Fatalf("expected publish error, got %v", err)
	}
	task, getErr := store.Get(context.Background(), IDForTIC(5))
	if getErr != nil {
		t.Fatalf("get: %v", getErr)
	}
	if task.Status != StatusFailed || task.ErrorCode != string(CodeTaskPublish) {
		t.Fatalf("unexpected task after publish failure: %+v", task)
	}
}

func TestWaitUntilCompletedHonoursContext(t *testing.T) {
	store := NewMemoryStore()
	service := NewService(store, NewMemoryQueue(4), 3)
	if _, err := service.Submit(context.Background(), 3); err != nil {
		t.Fatalf("submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := service.WaitUntilCompleted(ctx, IDForTIC(3), 5*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestAbandonStaleAllowsResubmission(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	service := NewService(store, queue, 3)
	ctx := context.Background()

	if _, err := service.Submit(ctx, 1); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := store.Claim(ctx, IDForTIC(1)); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := service.Submit(ctx, 2); err != nil {
		t.Fatalf("submit: %v", err)
	}

	n, err := service.AbandonStale(ctx)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 abandoned tasks, got %d (%v)", n, err)
	}
	task, err := service.Submit(ctx, 1)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if task.Status != StatusPending || task.Attempts != 0 {
		t.Fatalf("abandoned task should be requeued: %+v", task)
	}
}

type alwaysFailing struct{ calls atomic.Int32 }

func (a *alwaysFailing) Execute(context.Context, *Task) (*ExecutionResult, error) {
	a.calls.Add(1)
	return nil, apperrors.New(apperrors.CodeUpstreamUnavailable, "MAST 503")
}

// 缓冲区只有 2 个槽位、单个消费者时，重试投递不能反过来卡住消费者。
func TestProcessorRetriesDoNotDeadlockFullQueue(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := NewMemoryStore()
	queue := NewMemoryQueue(2)
	exec := &alwaysFailing{}
	service := NewService(store, queue, 3)
	processor := NewProcessor(exec, store, queue, queue, WithWorkerCount(1))
	cancel, done := startProcessor(t, processor)
	defer stopProcessor(t, cancel, done)

	ctx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()

	tics := []int64{1, 2, 3, 4, 5, 6}
	tasks, err := service.SubmitAll(ctx, tics)
	if err != nil {
		t.Fatalf("submit all: %v", err)
	}
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	finished, err := service.WaitAll(ctx, ids, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("batch did not finish: %v", err)
	}
	for _, task := range finished {
		if task.Status != StatusFailed || task.Attempts != 3 || task.ErrorCode != string(apperrors.CodeUpstreamUnavailable) {
			t.Fatalf("expected exhausted failure, got %+v", task)
		}
	}
	if got := exec.calls.Load(); got != int32(3*len(tics)) {
		t.Fatalf("expected %d executions, got %d", 3*len(tics), got)
	}
}

func TestProcessorRecoversExecutorPanic(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	exec := ExecutorFunc(func(_ context.Context, task *Task) (*ExecutionResult, error) {
		if task.TICID == 13 {
			var lc []float64
			_ = lc[task.TICID]
		}
		return &ExecutionResult{Summary: "ok"}, nil
	})
	service := NewService(store, queue, 3)
	processor := NewProcessor(exec, store, queue, queue)
	cancel, done := startProcessor(t, processor)
	defer stopProcessor(t, cancel, done)

	ctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if _, err := service.SubmitAll(ctx, []int64{13, 14}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	tasks, err := service.WaitAll(ctx, []string{IDForTIC(13), IDForTIC(14)}, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if tasks[0].Status != StatusFailed || tasks[0].Attempts != 1 || tasks[0].ErrorCode != string(CodeTaskProcessing) {
		t.Fatalf("panicking task should fail without retry: %+v", tasks[0])
	}
	if tasks[1].Status != StatusSucceeded {
		t.Fatalf("worker should survive the panic: %+v", tasks[1])
	}
}
