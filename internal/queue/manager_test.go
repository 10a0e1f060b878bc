package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.Transport == nil {
		cfg.Transport = NewMemoryTransport()
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = 5 * time.Millisecond
	}
	manager, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})
	return manager
}

func waitForEvent(t *testing.T, sub Subscription, want EventType) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				t.Fatalf("event stream closed while waiting for %s", want)
			}
			if event.Type == want {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestManagerCompletesJob(t *testing.T) {
	manager := newTestManager(t, Config{})
	sub := manager.Subscribe()
	defer sub.Close()

	var payloads []string
	var mu sync.Mutex
	handler := func(ctx context.Context, job *ActiveJob) error {
		mu.Lock()
		payloads = append(payloads, string(job.Payload))
		mu.Unlock()
		return nil
	}
	if err := manager.RegisterWorkers("transcoding", handler, WorkerOptions{Concurrency: 1}); err != nil {
		t.Fatalf("RegisterWorkers: %v", err)
	}
	if err := manager.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	job, err := manager.Enqueue(context.Background(), "transcoding", "transcode-video", map[string]string{"videoId": "vid-1"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	event := waitForEvent(t, sub, EventCompleted)
	if event.JobID != job.ID {
		t.Fatalf("expected completion for %s, got %s", job.ID, event.JobID)
	}
	if event.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", event.Attempt)
	}

	stored, ok := manager.Job(job.ID)
	if !ok {
		t.Fatalf("job missing from ledger")
	}
	if stored.State != JobStateCompleted {
		t.Fatalf("expected completed state, got %s", stored.State)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(payloads) != 1 || !strings.Contains(payloads[0], "vid-1") {
		t.Fatalf("unexpected payloads %v", payloads)
	}
}

func TestManagerRetriesUntilSuccess(t *testing.T) {
	manager := newTestManager(t, Config{})
	sub := manager.Subscribe()
	defer sub.Close()

	var calls atomic.Int64
	handler := func(ctx context.Context, job *ActiveJob) error {
		if calls.Add(1) == 1 {
			return errors.New("transient failure")
		}
		return nil
	}
	if err := manager.RegisterWorkers("transcoding", handler, WorkerOptions{Concurrency: 1}); err != nil {
		t.Fatalf("RegisterWorkers: %v", err)
	}
	if err := manager.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	job, err := manager.Enqueue(context.Background(), "transcoding", "transcode-video", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	event := waitForEvent(t, sub, EventCompleted)
	if event.Attempt != 2 {
		t.Fatalf("expected success on attempt 2, got %d", event.Attempt)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 handler calls, got %d", got)
	}
	stored, _ := manager.Job(job.ID)
	if stored.Attempt != 2 {
		t.Fatalf("expected ledger attempt 2, got %d", stored.Attempt)
	}
}

func TestManagerFailsJobAfterMaxAttempts(t *testing.T) {
	manager := newTestManager(t, Config{})
	sub := manager.Subscribe()
	defer sub.Close()

	var calls atomic.Int64
	handler := func(ctx context.Context, job *ActiveJob) error {
		calls.Add(1)
		return errors.New("codec unsupported")
	}
	if err := manager.RegisterWorkers("transcoding", handler, WorkerOptions{Concurrency: 1}); err != nil {
		t.Fatalf("RegisterWorkers: %v", err)
	}
	if err := manager.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	job, err := manager.Enqueue(context.Background(), "transcoding", "transcode-video", nil, WithMaxAttempts(2))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	event := waitForEvent(t, sub, EventFailed)
	if event.JobID != job.ID {
		t.Fatalf("expected failure for %s, got %s", job.ID, event.JobID)
	}
	if event.Attempt != 2 {
		t.Fatalf("expected failure on attempt 2, got %d", event.Attempt)
	}
	if event.Reason != "codec unsupported" {
		t.Fatalf("unexpected failure reason %q", event.Reason)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 handler calls, got %d", got)
	}
	stored, _ := manager.Job(job.ID)
	if stored.State != JobStateFailed || stored.LastError != "codec unsupported" {
		t.Fatalf("unexpected ledger entry %+v", stored)
	}
}

func TestManagerRecoversFromHandlerPanic(t *testing.T) {
	manager := newTestManager(t, Config{})
	sub := manager.Subscribe()
	defer sub.Close()

	handler := func(ctx context.Context, job *ActiveJob) error {
		panic("corrupt input")
	}
	if err := manager.RegisterWorkers("transcoding", handler, WorkerOptions{Concurrency: 1}); err != nil {
		t.Fatalf("RegisterWorkers: %v", err)
	}
	if err := manager.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := manager.Enqueue(context.Background(), "transcoding", "transcode-video", nil, WithMaxAttempts(1)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	event := waitForEvent(t, sub, EventFailed)
	if !strings.Contains(event.Reason, "corrupt input") {
		t.Fatalf("expected panic reason, got %q", event.Reason)
	}
}

func TestManagerRunsHigherPriorityFirst(t *testing.T) {
	manager := newTestManager(t, Config{})
	sub := manager.Subscribe()
	defer sub.Close()

	var order []string
	var mu sync.Mutex
	handler := func(ctx context.Context, job *ActiveJob) error {
		mu.Lock()
		order = append(order, job.Name)
		mu.Unlock()
		return nil
	}
	if err := manager.RegisterWorkers("transcoding", handler, WorkerOptions{Concurrency: 1}); err != nil {
		t.Fatalf("RegisterWorkers: %v", err)
	}

	// Enqueue before starting workers so every bucket has backlog when
	// consumption begins.
	ctx := context.Background()
	if _, err := manager.Enqueue(ctx, "transcoding", "low", nil, WithPriority(1)); err != nil {
		t.Fatalf("Enqueue low: %v", err)
	}
	if _, err := manager.Enqueue(ctx, "transcoding", "high", nil, WithPriority(9)); err != nil {
		t.Fatalf("Enqueue high: %v", err)
	}
	if _, err := manager.Enqueue(ctx, "transcoding", "mid", nil, WithPriority(5)); err != nil {
		t.Fatalf("Enqueue mid: %v", err)
	}

	if err := manager.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 3; i++ {
		waitForEvent(t, sub, EventCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"high", "mid", "low"}
	if len(order) != len(want) {
		t.Fatalf("expected %d jobs, got %v", len(want), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestManagerEmitsProgress(t *testing.T) {
	manager := newTestManager(t, Config{})
	sub := manager.Subscribe()
	defer sub.Close()

	handler := func(ctx context.Context, job *ActiveJob) error {
		job.Progress(42)
		return nil
	}
	if err := manager.RegisterWorkers("transcoding", handler, WorkerOptions{Concurrency: 1}); err != nil {
		t.Fatalf("RegisterWorkers: %v", err)
	}
	if err := manager.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := manager.Enqueue(context.Background(), "transcoding", "transcode-video", nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	event := waitForEvent(t, sub, EventProgress)
	if event.Percent != 42 {
		t.Fatalf("expected 42%%, got %v", event.Percent)
	}
}

func TestManagerDelaysJob(t *testing.T) {
	manager := newTestManager(t, Config{})
	sub := manager.Subscribe()
	defer sub.Close()

	handler := func(ctx context.Context, job *ActiveJob) error { return nil }
	if err := manager.RegisterWorkers("transcoding", handler, WorkerOptions{Concurrency: 1}); err != nil {
		t.Fatalf("RegisterWorkers: %v", err)
	}
	if err := manager.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	job, err := manager.Enqueue(context.Background(), "transcoding", "transcode-video", nil, WithDelay(30*time.Millisecond))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	stored, _ := manager.Job(job.ID)
	if stored.State != JobStateDelayed {
		t.Fatalf("expected delayed state, got %s", stored.State)
	}

	waitForEvent(t, sub, EventCompleted)
}

func TestPruneLedgerEnforcesRetention(t *testing.T) {
	clock := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	manager := newTestManager(t, Config{
		Retention: RetentionPolicy{CompletedCount: 2, CompletedAge: time.Hour, FailedCount: 1, FailedAge: time.Hour},
		Clock:     func() time.Time { return clock },
	})

	add := func(id string, state JobState, age time.Duration) {
		manager.jobs[id] = &Job{ID: id, Queue: "transcoding", State: state, UpdatedAt: clock.Add(-age)}
	}
	add("done-old", JobStateCompleted, 2*time.Hour)
	add("done-1", JobStateCompleted, 10*time.Minute)
	add("done-2", JobStateCompleted, 20*time.Minute)
	add("done-3", JobStateCompleted, 30*time.Minute)
	add("failed-1", JobStateFailed, 10*time.Minute)
	add("failed-2", JobStateFailed, 20*time.Minute)
	add("running", JobStateActive, 3*time.Hour)

	manager.pruneLedger()

	for _, id := range []string{"done-old", "done-3", "failed-2"} {
		if _, ok := manager.Job(id); ok {
			t.Fatalf("expected %s to be pruned", id)
		}
	}
	for _, id := range []string{"done-1", "done-2", "failed-1", "running"} {
		if _, ok := manager.Job(id); !ok {
			t.Fatalf("expected %s to survive", id)
		}
	}
}

func TestManagerFailureHookFiresWithSaturatedSubscriber(t *testing.T) {
	manager := newTestManager(t, Config{EventBuffer: 1, DefaultMaxAttempts: 1})

	// This subscriber never drains, so its one-slot buffer fills with the
	// first lifecycle event and everything after it is dropped.
	stalled := manager.Subscribe()
	defer stalled.Close()

	hooked := make(chan Event, 1)
	manager.OnFailure(func(event Event) {
		hooked <- event
	})

	handler := func(ctx context.Context, job *ActiveJob) error {
		return errors.New("bad source")
	}
	if err := manager.RegisterWorkers("transcoding", handler, WorkerOptions{Concurrency: 1}); err != nil {
		t.Fatalf("RegisterWorkers: %v", err)
	}
	if err := manager.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	job, err := manager.Enqueue(context.Background(), "transcoding", "transcode-video", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case event := <-hooked:
		if event.JobID != job.ID {
			t.Fatalf("expected failure for %s, got %s", job.ID, event.JobID)
		}
		if event.Reason != "bad source" {
			t.Fatalf("unexpected reason %q", event.Reason)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("failure hook never fired")
	}
	stored, _ := manager.Job(job.ID)
	if stored.State != JobStateFailed {
		t.Fatalf("expected failed state, got %s", stored.State)
	}
}

func TestManagerShutdownWaitsForInFlightJob(t *testing.T) {
	manager := newTestManager(t, Config{})

	started := make(chan struct{})
	release := make(chan struct{})
	var interrupted atomic.Bool
	handler := func(ctx context.Context, job *ActiveJob) error {
		close(started)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			interrupted.Store(true)
			return ctx.Err()
		}
	}
	if err := manager.RegisterWorkers("transcoding", handler, WorkerOptions{Concurrency: 1}); err != nil {
		t.Fatalf("RegisterWorkers: %v", err)
	}
	if err := manager.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	job, err := manager.Enqueue(context.Background(), "transcoding", "transcode-video", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never started")
	}

	shutdownErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		shutdownErr <- manager.Shutdown(ctx)
	}()
	// Let shutdown stop intake before the handler is released.
	time.Sleep(50 * time.Millisecond)
	close(release)

	select {
	case err := <-shutdownErr:
		if err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown never returned")
	}
	if interrupted.Load() {
		t.Fatal("in-flight job was cancelled during the drain")
	}
	stored, _ := manager.Job(job.ID)
	if stored.State != JobStateCompleted {
		t.Fatalf("expected completed state after drain, got %s", stored.State)
	}
}

func TestManagerShutdownFlushesDelayedRetry(t *testing.T) {
	manager := newTestManager(t, Config{BackoffBase: time.Hour})

	handler := func(ctx context.Context, job *ActiveJob) error {
		return errors.New("transient failure")
	}
	if err := manager.RegisterWorkers("transcoding", handler, WorkerOptions{Concurrency: 1}); err != nil {
		t.Fatalf("RegisterWorkers: %v", err)
	}
	if err := manager.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	job, err := manager.Enqueue(context.Background(), "transcoding", "transcode-video", nil, WithMaxAttempts(2))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		stored, _ := manager.Job(job.ID)
		if stored.State == JobStateDelayed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never entered delayed state, got %s", stored.State)
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := manager.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	stored, _ := manager.Job(job.ID)
	if stored.State != JobStateWaiting {
		t.Fatalf("expected the retry envelope to be republished, got %s", stored.State)
	}
}

func TestEnqueueValidation(t *testing.T) {
	manager := newTestManager(t, Config{})
	if _, err := manager.Enqueue(context.Background(), "", "name", nil); err == nil {
		t.Fatalf("expected queue name requirement")
	}
	if _, err := manager.Enqueue(context.Background(), "transcoding", "", nil); err == nil {
		t.Fatalf("expected job name requirement")
	}
}
