package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	defaultBackoffBase = 2 * time.Second
	defaultMaxAttempts = 3
	defaultEventBuffer = 64
	defaultConcurrency = 5
	janitorInterval    = time.Minute
)

// Handler processes one job attempt. Returning an error schedules a retry
// until the job exhausts its attempts.
type Handler func(ctx context.Context, job *ActiveJob) error

// ActiveJob is the view of a job handed to a handler while it runs.
type ActiveJob struct {
	Job
	manager *Manager
}

// Progress reports completion percentage to subscribers. Values are clamped
// to [0, 100].
func (j *ActiveJob) Progress(percent float64) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	j.manager.emit(Event{
		Type:    EventProgress,
		JobID:   j.ID,
		Queue:   j.Queue,
		Name:    j.Name,
		Attempt: j.Attempt,
		Percent: percent,
	})
}

// WorkerOptions tunes a registered worker pool.
type WorkerOptions struct {
	// Concurrency is the number of goroutines pulling from the queue.
	Concurrency int
	// RatePerSecond throttles job starts across the pool. Zero disables
	// throttling.
	RatePerSecond float64
	// Burst allows short spikes above RatePerSecond.
	Burst int
}

// RetentionPolicy bounds how long terminal jobs stay in the ledger.
type RetentionPolicy struct {
	CompletedCount int
	CompletedAge   time.Duration
	FailedCount    int
	FailedAge      time.Duration
}

// DefaultRetentionPolicy keeps recent history for dashboards without letting
// the ledger grow without bound.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		CompletedCount: 100,
		CompletedAge:   24 * time.Hour,
		FailedCount:    500,
		FailedAge:      7 * 24 * time.Hour,
	}
}

// Config assembles a Manager.
type Config struct {
	Transport          Transport
	Logger             *slog.Logger
	BackoffBase        time.Duration
	DefaultMaxAttempts int
	EventBuffer        int
	Retention          RetentionPolicy
	Clock              func() time.Time
}

type registration struct {
	queue   string
	handler Handler
	opts    WorkerOptions
}

// Manager owns the job ledger, the worker pools, and the event fan-out. It
// publishes through a Transport so the same code path serves both in-process
// and Redis-backed deployments.
type Manager struct {
	transport   Transport
	logger      *slog.Logger
	backoffBase time.Duration
	maxAttempts int
	retention   RetentionPolicy
	eventBuffer int
	now         func() time.Time

	mu   sync.RWMutex
	jobs map[string]*Job

	subsMu sync.RWMutex
	subs   map[*managerSubscription]struct{}

	failureMu  sync.RWMutex
	failureFns []FailureHandler

	regMu         sync.Mutex
	registrations []registration
	started       bool

	// consumeCtx gates transport intake; runCtx gates running handlers and
	// timers. Shutdown cancels them in that order so in-flight attempts
	// finish instead of being aborted.
	runCtx      context.Context
	cancel      context.CancelFunc
	consumeCtx  context.Context
	stopConsume context.CancelFunc
	group       *errgroup.Group
	timers      sync.WaitGroup
}

// NewManager validates the config and prepares an idle manager. Call
// RegisterWorkers then Start to begin consuming.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Transport == nil {
		return nil, errors.New("queue transport is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	backoff := cfg.BackoffBase
	if backoff <= 0 {
		backoff = defaultBackoffBase
	}
	attempts := cfg.DefaultMaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	retention := cfg.Retention
	if retention == (RetentionPolicy{}) {
		retention = DefaultRetentionPolicy()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	consumeCtx, stopConsume := context.WithCancel(ctx)
	return &Manager{
		transport:   cfg.Transport,
		logger:      logger,
		backoffBase: backoff,
		maxAttempts: attempts,
		retention:   retention,
		eventBuffer: buffer,
		now:         clock,
		jobs:        make(map[string]*Job),
		subs:        make(map[*managerSubscription]struct{}),
		runCtx:      ctx,
		cancel:      cancel,
		consumeCtx:  consumeCtx,
		stopConsume: stopConsume,
	}, nil
}

// Enqueue records a job in the ledger and publishes it to the transport.
// The returned snapshot reflects the job at enqueue time.
func (m *Manager) Enqueue(ctx context.Context, queueName, name string, payload interface{}, opts ...Option) (Job, error) {
	if queueName == "" {
		return Job{}, errors.New("queue name is required")
	}
	if name == "" {
		return Job{}, errors.New("job name is required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("encode job payload: %w", err)
	}
	now := m.now()
	job := Job{
		ID:          uuid.NewString(),
		Queue:       queueName,
		Name:        name,
		Payload:     raw,
		MaxAttempts: m.maxAttempts,
		State:       JobStateWaiting,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, opt := range opts {
		opt(&job)
	}
	if job.Delay > 0 {
		job.State = JobStateDelayed
	}

	m.mu.Lock()
	stored := job
	m.jobs[job.ID] = &stored
	m.mu.Unlock()

	m.emit(Event{Type: EventEnqueued, JobID: job.ID, Queue: job.Queue, Name: job.Name})

	if job.Delay > 0 {
		m.publishAfter(job, job.Delay)
		return job, nil
	}
	if err := m.publish(ctx, job); err != nil {
		m.mu.Lock()
		delete(m.jobs, job.ID)
		m.mu.Unlock()
		return Job{}, err
	}
	return job, nil
}

func (m *Manager) publish(ctx context.Context, job Job) error {
	body, err := json.Marshal(envelope{
		ID:          job.ID,
		Queue:       job.Queue,
		Name:        job.Name,
		Payload:     job.Payload,
		Priority:    job.Priority,
		Attempt:     job.Attempt,
		MaxAttempts: job.MaxAttempts,
		EnqueuedAt:  m.now(),
	})
	if err != nil {
		return fmt.Errorf("encode job envelope: %w", err)
	}
	return m.transport.Publish(ctx, job.Queue, job.Priority, body)
}

// publishAfter holds the envelope back on a timer. The delay lives in this
// process; a crash before the timer fires loses the delayed copy, which is
// acceptable for the retry and scheduling cases it serves.
func (m *Manager) publishAfter(job Job, delay time.Duration) {
	m.timers.Add(1)
	go func() {
		defer m.timers.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-m.runCtx.Done():
			// Shutting down. Hand the envelope straight back to the
			// transport so a durable backend redelivers it instead of the
			// copy dying with this process.
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			m.updateJob(job.ID, func(j *Job) {
				if !j.State.Terminal() {
					j.State = JobStateWaiting
				}
			})
			if err := m.publish(flushCtx, job); err != nil {
				m.logger.Error("flush delayed job at shutdown", "job_id", job.ID, "queue", job.Queue, "error", err)
			}
			return
		case <-timer.C:
		}
		m.updateJob(job.ID, func(j *Job) {
			if !j.State.Terminal() {
				j.State = JobStateWaiting
			}
		})
		if err := m.publish(m.runCtx, job); err != nil {
			m.logger.Error("delayed publish failed", "job_id", job.ID, "queue", job.Queue, "error", err)
		}
	}()
}

// RegisterWorkers binds a handler and pool options to a queue. It must be
// called before Start.
func (m *Manager) RegisterWorkers(queueName string, handler Handler, opts WorkerOptions) error {
	if queueName == "" {
		return errors.New("queue name is required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	m.regMu.Lock()
	defer m.regMu.Unlock()
	if m.started {
		return errors.New("workers cannot be registered after start")
	}
	m.registrations = append(m.registrations, registration{queue: queueName, handler: handler, opts: opts})
	return nil
}

// Start spins up the registered worker pools and the retention janitor.
func (m *Manager) Start() error {
	m.regMu.Lock()
	if m.started {
		m.regMu.Unlock()
		return errors.New("manager already started")
	}
	m.started = true
	registrations := make([]registration, len(m.registrations))
	copy(registrations, m.registrations)
	m.regMu.Unlock()

	m.group, _ = errgroup.WithContext(m.runCtx)
	for _, reg := range registrations {
		reg := reg
		deliveries, err := m.transport.Consume(m.consumeCtx, reg.queue)
		if err != nil {
			return fmt.Errorf("consume queue %s: %w", reg.queue, err)
		}
		var limiter *rate.Limiter
		if reg.opts.RatePerSecond > 0 {
			burst := reg.opts.Burst
			if burst <= 0 {
				burst = 1
			}
			limiter = rate.NewLimiter(rate.Limit(reg.opts.RatePerSecond), burst)
		}
		for i := 0; i < reg.opts.Concurrency; i++ {
			limiter := limiter
			m.group.Go(func() error {
				for delivery := range deliveries {
					if limiter != nil {
						if err := limiter.Wait(m.consumeCtx); err != nil {
							// Draining; the delivery is already in hand,
							// so process it without throttling.
							limiter = nil
						}
					}
					m.handleDelivery(reg, delivery)
				}
				return nil
			})
		}
	}
	m.group.Go(func() error {
		m.runJanitor()
		return nil
	})
	return nil
}

func (m *Manager) handleDelivery(reg registration, delivery Delivery) {
	defer func() {
		if delivery.Ack != nil {
			delivery.Ack()
		}
	}()
	var env envelope
	if err := json.Unmarshal(delivery.Body, &env); err != nil {
		m.logger.Error("discarding undecodable job envelope", "queue", reg.queue, "error", err)
		return
	}
	attempt := env.Attempt + 1
	maxAttempts := env.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = m.maxAttempts
	}

	job := m.updateJob(env.ID, func(j *Job) {
		j.State = JobStateActive
		j.Attempt = attempt
	})
	if job == nil {
		// Envelope produced by another process; adopt it into the ledger.
		now := m.now()
		adopted := Job{
			ID:          env.ID,
			Queue:       env.Queue,
			Name:        env.Name,
			Payload:     env.Payload,
			Priority:    env.Priority,
			Attempt:     attempt,
			MaxAttempts: maxAttempts,
			State:       JobStateActive,
			CreatedAt:   env.EnqueuedAt,
			UpdatedAt:   now,
		}
		m.mu.Lock()
		stored := adopted
		m.jobs[env.ID] = &stored
		m.mu.Unlock()
		job = &adopted
	}
	m.emit(Event{Type: EventActive, JobID: env.ID, Queue: env.Queue, Name: env.Name, Attempt: attempt})

	active := &ActiveJob{Job: *job, manager: m}
	err := m.runHandler(reg.handler, active)
	if err == nil {
		m.updateJob(env.ID, func(j *Job) {
			j.State = JobStateCompleted
			j.LastError = ""
		})
		m.emit(Event{Type: EventCompleted, JobID: env.ID, Queue: env.Queue, Name: env.Name, Attempt: attempt})
		return
	}

	if attempt < maxAttempts {
		backoff := m.backoffBase << (attempt - 1)
		m.logger.Warn("job attempt failed, retrying",
			"job_id", env.ID,
			"queue", env.Queue,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"backoff", backoff,
			"error", err,
		)
		m.updateJob(env.ID, func(j *Job) {
			j.State = JobStateDelayed
			j.LastError = err.Error()
		})
		retry := *job
		retry.Attempt = attempt
		m.publishAfter(retry, backoff)
		return
	}

	m.logger.Error("job failed permanently",
		"job_id", env.ID,
		"queue", env.Queue,
		"attempt", attempt,
		"error", err,
	)
	m.updateJob(env.ID, func(j *Job) {
		j.State = JobStateFailed
		j.LastError = err.Error()
	})
	failure := Event{
		Type:    EventFailed,
		JobID:   env.ID,
		Queue:   env.Queue,
		Name:    env.Name,
		Attempt: attempt,
		Reason:  err.Error(),
		Time:    m.now(),
	}
	m.notifyFailure(failure)
	m.emit(failure)
}

// runHandler converts handler panics into errors so a bad job cannot take
// down the worker pool.
func (m *Manager) runHandler(handler Handler, job *ActiveJob) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("job handler panicked: %v", recovered)
		}
	}()
	return handler(m.runCtx, job)
}

// updateJob mutates a ledger entry under lock and returns a snapshot, or nil
// when the job is unknown.
func (m *Manager) updateJob(id string, mutate func(*Job)) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil
	}
	mutate(job)
	job.UpdatedAt = m.now()
	snapshot := *job
	return &snapshot
}

// Job returns a snapshot of one ledger entry.
func (m *Manager) Job(id string) (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// ListJobs returns ledger snapshots, newest first, optionally filtered by
// queue and state.
func (m *Manager) ListJobs(queueName string, states ...JobState) []Job {
	stateSet := make(map[JobState]bool, len(states))
	for _, state := range states {
		stateSet[state] = true
	}
	m.mu.RLock()
	jobs := make([]Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if queueName != "" && job.Queue != queueName {
			continue
		}
		if len(stateSet) > 0 && !stateSet[job.State] {
			continue
		}
		jobs = append(jobs, *job)
	}
	m.mu.RUnlock()
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs
}

func (m *Manager) runJanitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.consumeCtx.Done():
			return
		case <-ticker.C:
			m.pruneLedger()
		}
	}
}

func (m *Manager) pruneLedger() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneState(JobStateCompleted, m.retention.CompletedCount, m.retention.CompletedAge, now)
	m.pruneState(JobStateFailed, m.retention.FailedCount, m.retention.FailedAge, now)
}

// pruneState must be called with m.mu held.
func (m *Manager) pruneState(state JobState, keep int, maxAge time.Duration, now time.Time) {
	var matched []*Job
	for _, job := range m.jobs {
		if job.State != state {
			continue
		}
		if maxAge > 0 && now.Sub(job.UpdatedAt) > maxAge {
			delete(m.jobs, job.ID)
			continue
		}
		matched = append(matched, job)
	}
	if keep <= 0 || len(matched) <= keep {
		return
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})
	for _, job := range matched[keep:] {
		delete(m.jobs, job.ID)
	}
}

// Shutdown stops intake, lets in-flight handlers run to completion, flushes
// pending retry timers back to the transport, and closes it. The context
// bounds how long the drain may take; once it expires, remaining handlers are
// cancelled.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopConsume()
	done := make(chan struct{})
	go func() {
		if m.group != nil {
			_ = m.group.Wait()
		}
		m.cancel()
		m.timers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.cancel()
		return ctx.Err()
	}
	return m.transport.Close()
}
