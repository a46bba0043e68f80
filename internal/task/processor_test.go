package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	xerrors "VaultOps/internal/errors"
	"VaultOps/internal/observability/alerting"
	"VaultOps/internal/ops"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeExecutor 按操作名返回预设的错误序列，序列耗尽后成功。
type fakeExecutor struct {
	mu        sync.Mutex
	failures  map[string][]error
	processed atomic.Int32
	latency   time.Duration
	known     map[string]bool
}

func (f *fakeExecutor) Execute(ctx context.Context, name string, params ops.Params) (ops.Result, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return ops.Result{}, ctx.Err()
		}
	}
	f.mu.Lock()
	if queue := f.failures[name]; len(queue) > 0 {
		err := queue[0]
		if len(queue) > 1 {
			f.failures[name] = queue[1:]
		}
		if err != nil {
			f.mu.Unlock()
			return ops.Result{}, err
		}
	}
	f.mu.Unlock()
	f.processed.Add(1)
	return ops.Result{Operation: name, Output: map[string]any{"params": len(params)}}, nil
}

func (f *fakeExecutor) Has(name string) bool {
	if f.known == nil {
		return true
	}
	return f.known[name]
}

func (f *fakeExecutor) Network() string { return "localhost" }

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func (d *recordingDispatcher) snapshot() []alerting.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]alerting.Event(nil), d.events...)
}

type jobObserver struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *jobObserver) ObserveJob(operation, status string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = make(map[string]int)
	}
	o.counts[operation+":"+status]++
}

func (o *jobObserver) count(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[key]
}

// startProcessor 运行处理器并在测试结束时等待其退出。
func startProcessor(t *testing.T, p *Processor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := p.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitTerminal(t *testing.T, svc *Service, id string) *Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := svc.WaitUntilCompleted(ctx, id, 10*time.Millisecond)
	require.NoError(t, err)
	return task
}

func TestProcessorHandlesConcurrentJobs(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	exec := &fakeExecutor{latency: 5 * time.Millisecond}
	observer := &jobObserver{}

	service := NewService(store, queue, exec, 3)
	startProcessor(t, NewProcessor(exec, store, queue, queue, WithWorkerCount(8), WithObserver(observer)))

	ctx := context.Background()
	total := 200
	for i := 0; i < total; i++ {
		_, err := service.Submit(ctx, Request{Operation: "rebase", Params: map[string]any{"n": i}})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		stats, err := service.Stats(ctx)
		return err == nil && stats.Succeeded == total
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(total), exec.processed.Load())
	assert.Equal(t, total, observer.count("rebase:succeeded"))
}

func TestProcessorRetriesRetryableFailures(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	timeout := xerrors.New(xerrors.CodeTimeout, "rpc timeout")
	exec := &fakeExecutor{failures: map[string][]error{"allocate": {timeout, timeout, nil}}}
	alerts := &recordingDispatcher{}

	service := NewService(store, queue, exec, 3)
	startProcessor(t, NewProcessor(exec, store, queue, queue, WithAlertDispatcher(alerts)))

	job, err := service.Submit(context.Background(), Request{Operation: "allocate"})
	require.NoError(t, err)
	assert.Equal(t, "localhost", job.Network)

	final := waitTerminal(t, service, job.ID)
	assert.Equal(t, StatusSucceeded, final.Status)
	assert.Equal(t, 3, final.Attempts)
	require.NotNil(t, final.Result)
	assert.Equal(t, "allocate", final.Result.Operation)

	// 超时可重试且需要告警，每次重试都会派发。
	events := alerts.snapshot()
	require.Len(t, events, 2)
	for _, event := range events {
		assert.Equal(t, "retry", event.Metadata["stage"])
		assert.Equal(t, job.ID, event.JobID)
		assert.Equal(t, "allocate", event.Operation)
	}
}

func TestProcessorAlertsWhenRetriesExhausted(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	chainErr := xerrors.New(xerrors.CodeChainFailure, "rpc down")
	exec := &fakeExecutor{failures: map[string][]error{"harvest": {chainErr}}}
	alerts := &recordingDispatcher{}

	service := NewService(store, queue, exec, 2)
	startProcessor(t, NewProcessor(exec, store, queue, queue, WithAlertDispatcher(alerts)))

	job, err := service.Submit(context.Background(), Request{Operation: "harvest"})
	require.NoError(t, err)

	final := waitTerminal(t, service, job.ID)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, 2, final.Attempts)
	assert.Equal(t, string(xerrors.CodeChainFailure), final.ErrorCode)
	assert.Contains(t, final.LastError, "rpc down")

	require.Eventually(t, func() bool {
		events := alerts.snapshot()
		return len(events) == 2 && events[1].Metadata["stage"] == "exhausted"
	}, time.Second, 10*time.Millisecond)
	assert.Zero(t, exec.processed.Load())
}

func TestProcessorStopsOnNonRetryableFailure(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	exec := &fakeExecutor{failures: map[string][]error{
		"rebase": {xerrors.New(xerrors.CodeTransactionReverted, "execution reverted")},
	}}
	alerts := &recordingDispatcher{}

	service := NewService(store, queue, exec, 5)
	startProcessor(t, NewProcessor(exec, store, queue, queue, WithAlertDispatcher(alerts)))

	job, err := service.Submit(context.Background(), Request{Operation: "rebase"})
	require.NoError(t, err)

	final := waitTerminal(t, service, job.ID)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, 1, final.Attempts)
	assert.Equal(t, 1, final.MaxRetries)

	require.Eventually(t, func() bool { return len(alerts.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	event := alerts.snapshot()[0]
	assert.Equal(t, "terminal", event.Metadata["stage"])
	assert.Equal(t, xerrors.SeverityCritical, event.Severity)
}

func TestServiceSubmitValidation(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	t.Cleanup(func() { _ = queue.Close() })
	exec := &fakeExecutor{known: map[string]bool{"rebase": true}}
	service := NewService(store, queue, exec, 3)
	ctx := context.Background()

	_, err := service.Submit(ctx, Request{Operation: " "})
	assert.True(t, xerrors.HasCode(err, CodeTaskValidation))

	_, err = service.Submit(ctx, Request{Operation: "mint"})
	assert.True(t, xerrors.HasCode(err, CodeTaskValidation))

	first, err := service.Submit(ctx, Request{ID: "job-1", Operation: "rebase", MaxRetries: 7})
	require.NoError(t, err)
	assert.Equal(t, 7, first.MaxRetries)
	assert.Equal(t, StatusPending, first.Status)

	again, err := service.Submit(ctx, Request{ID: "job-1", Operation: "rebase"})
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, again.CreatedAt)
	assert.Equal(t, 7, again.MaxRetries)

	jobs, err := service.List(ctx, WithOperations("rebase"))
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	_, err = service.Get(ctx, "job-2")
	assert.True(t, errors.Is(err, ErrTaskNotFound))
}

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error { return fmt.Errorf("broker down") }
func (failingProducer) Close() error                          { return nil }

func TestServiceSubmitPublishFailureMarksJobFailed(t *testing.T) {
	store := NewMemoryStore()
	service := NewService(store, failingProducer{}, nil, 3)
	ctx := context.Background()

	_, err := service.Submit(ctx, Request{ID: "job-x", Operation: "rebase"})
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, CodeTaskPublish))

	job, err := store.Get(ctx, "job-x")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.True(t, job.Terminal())
	assert.Equal(t, string(CodeTaskPublish), job.ErrorCode)
}
