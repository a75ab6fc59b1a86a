package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/platinummonkey/zenith/pkg/faults"
	"github.com/platinummonkey/zenith/pkg/observability"
)

// ErrRunning is returned by Run while another Run is active.
var ErrRunning = errors.New("scheduler already running")

// Handler executes a task. A nil error completes the task; a timeout fault
// marks it TimedOut and any other error Failed.
type Handler func(ctx context.Context, t *Task) error

// CompletionHook receives every task once, after it reaches a terminal state.
type CompletionHook func(t *Task)

// Config sizes the scheduler.
type Config struct {
	// Depth is the capacity of each priority queue.
	Depth        int
	Slots        int
	Backpressure Backpressure
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithCompletionHook sets the hook called for each terminal task.
func WithCompletionHook(h CompletionHook) Option {
	return func(s *Scheduler) { s.onComplete = h }
}

// WithLogger sets the scheduler logger.
func WithLogger(l *observability.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithMetrics records queue depth, admission and task outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// Scheduler is a strict priority dispatcher over a fixed set of slots.
type Scheduler struct {
	cfg        Config
	handler    Handler
	onComplete CompletionHook
	logger     *observability.Logger
	metrics    *observability.Metrics

	sem *semaphore.Weighted

	mu     sync.Mutex
	queues [numPriorities]fifo
	closed bool
	// ready has room for one signal and wakes the dispatcher.
	ready chan struct{}
	// space is closed and replaced whenever a queue shrinks.
	space chan struct{}

	running  atomic.Bool
	inFlight atomic.Int64
	wg       sync.WaitGroup
}

// New creates a scheduler. Depth and Slots below one are raised to one.
func New(cfg Config, handler Handler, opts ...Option) *Scheduler {
	if cfg.Depth < 1 {
		cfg.Depth = 1
	}
	if cfg.Slots < 1 {
		cfg.Slots = 1
	}
	s := &Scheduler{
		cfg:     cfg,
		handler: handler,
		sem:     semaphore.NewWeighted(int64(cfg.Slots)),
		ready:   make(chan struct{}, 1),
		space:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = observability.NewNopLogger()
	}
	return s
}

func checkTask(t *Task) error {
	if t == nil {
		return fmt.Errorf("nil task")
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("task %s: invalid priority %d", t.ID, int(t.Priority))
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

// Submit enqueues t at the tail of its priority level.
func (s *Scheduler) Submit(ctx context.Context, t *Task) error {
	if err := checkTask(t); err != nil {
		return err
	}

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return faults.New(faults.KindClosed, "", "scheduler closed")
		}
		q := &s.queues[t.Priority]
		if q.len() < s.cfg.Depth {
			t.EnqueuedAt = time.Now()
			t.setState(StateEnqueued)
			q.push(t)
			depth := q.len()
			s.mu.Unlock()

			s.signal()
			if s.metrics != nil {
				s.metrics.TasksSubmittedTotal.WithLabelValues(t.Priority.String()).Inc()
				s.metrics.QueueDepth.WithLabelValues(t.Priority.String()).Set(float64(depth))
			}
			return nil
		}

		if s.cfg.Backpressure != BackpressureBlock {
			s.mu.Unlock()
			if s.metrics != nil {
				s.metrics.TasksRejectedTotal.WithLabelValues(t.Priority.String()).Inc()
			}
			return faults.SchedulerFull(t.Priority.String(), s.cfg.Depth)
		}

		space := s.space
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-space:
		}
	}
}

// SubmitAll enqueues tasks in order. With BackpressureReject the batch is
// all or nothing: if any level lacks room for its share no task is enqueued.
// With BackpressureBlock each task waits for room in turn.
func (s *Scheduler) SubmitAll(ctx context.Context, tasks []*Task) error {
	for _, t := range tasks {
		if err := checkTask(t); err != nil {
			return err
		}
	}
	if s.cfg.Backpressure == BackpressureBlock {
		for _, t := range tasks {
			if err := s.Submit(ctx, t); err != nil {
				return err
			}
		}
		return nil
	}

	var need [numPriorities]int
	for _, t := range tasks {
		need[t.Priority]++
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return faults.New(faults.KindClosed, "", "scheduler closed")
	}
	for p, n := range need {
		if n > 0 && s.queues[p].len()+n > s.cfg.Depth {
			s.mu.Unlock()
			if s.metrics != nil {
				s.metrics.TasksRejectedTotal.WithLabelValues(Priority(p).String()).Add(float64(n))
			}
			return faults.SchedulerFull(Priority(p).String(), s.cfg.Depth)
		}
	}
	now := time.Now()
	for _, t := range tasks {
		t.EnqueuedAt = now
		t.setState(StateEnqueued)
		s.queues[t.Priority].push(t)
	}
	var depths [numPriorities]int
	for p := range depths {
		depths[p] = s.queues[p].len()
	}
	s.mu.Unlock()

	if len(tasks) > 0 {
		s.signal()
	}
	if s.metrics != nil {
		for p, n := range need {
			if n == 0 {
				continue
			}
			s.metrics.TasksSubmittedTotal.WithLabelValues(Priority(p).String()).Add(float64(n))
			s.metrics.QueueDepth.WithLabelValues(Priority(p).String()).Set(float64(depths[p]))
		}
	}
	return nil
}

func (s *Scheduler) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Run dispatches tasks until ctx is cancelled or the scheduler is closed and
// drained. In-flight tasks always finish before Run returns; they do not see
// the cancellation of ctx.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer s.running.Store(false)

	taskCtx := context.WithoutCancel(ctx)
	var runErr error
	for {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			runErr = err
			break
		}
		t, err := s.next(ctx)
		if err != nil {
			s.sem.Release(1)
			if !errors.Is(err, errDrained) {
				runErr = err
			}
			break
		}

		t.setState(StateAdmitted)
		s.inFlight.Add(1)
		s.wg.Add(1)
		go s.execute(taskCtx, t)
	}

	s.wg.Wait()
	return runErr
}

var errDrained = errors.New("scheduler drained")

// next pops the head of the highest non-empty queue, waiting for one if needed.
func (s *Scheduler) next(ctx context.Context) (*Task, error) {
	for {
		s.mu.Lock()
		for _, p := range DispatchOrder {
			q := &s.queues[p]
			if q.len() == 0 {
				continue
			}
			t := q.pop()
			depth := q.len()
			close(s.space)
			s.space = make(chan struct{})
			s.mu.Unlock()

			if s.metrics != nil {
				s.metrics.QueueDepth.WithLabelValues(p.String()).Set(float64(depth))
			}
			return t, nil
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return nil, errDrained
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.ready:
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, t *Task) {
	defer s.wg.Done()
	defer s.sem.Release(1)
	defer s.inFlight.Add(-1)

	if s.metrics != nil {
		s.metrics.TasksInFlight.Inc()
		defer s.metrics.TasksInFlight.Dec()
	}

	t.StartedAt = time.Now()
	t.setState(StateRunning)
	if s.metrics != nil {
		s.metrics.TaskQueueWait.WithLabelValues(t.Priority.String()).Observe(t.QueueWait().Seconds())
	}

	err := s.invoke(ctx, t)
	t.FinishedAt = time.Now()
	t.Err = err

	switch {
	case err == nil:
		t.setState(StateCompleted)
	case faults.IsTimeout(err):
		t.setState(StateTimedOut)
	default:
		t.setState(StateFailed)
	}

	if s.metrics != nil {
		s.metrics.TasksCompletedTotal.WithLabelValues(t.Plugin, t.Priority.String(), t.State().String()).Inc()
		s.metrics.TaskDuration.WithLabelValues(t.Plugin).Observe(t.Duration().Seconds())
	}
	if s.onComplete != nil {
		s.onComplete(t)
	}
}

// invoke runs the handler and turns a panic into a task failure.
func (s *Scheduler) invoke(ctx context.Context, t *Task) (err error) {
	defer func() {
		if perr := observability.MustRecover(recover()); perr != nil {
			s.logger.WithFields(map[string]interface{}{
				"task_id": t.ID,
				"plugin":  t.Plugin,
			}).WithError(perr).Error("Task handler panicked")
			err = perr
		}
	}()
	return s.handler(ctx, t)
}

// Close stops intake. Run keeps dispatching until the queues are empty.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.space)
	s.space = make(chan struct{})
	s.mu.Unlock()
	s.signal()
}

// Closed reports whether Close has been called.
func (s *Scheduler) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Len returns the number of enqueued tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.queues {
		n += s.queues[i].len()
	}
	return n
}

// LenByPriority returns the number of enqueued tasks per level.
func (s *Scheduler) LenByPriority() map[Priority]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Priority]int, numPriorities)
	for _, p := range DispatchOrder {
		out[p] = s.queues[p].len()
	}
	return out
}

// InFlight returns the number of tasks holding a slot.
func (s *Scheduler) InFlight() int {
	return int(s.inFlight.Load())
}

// Slots returns the configured slot count.
func (s *Scheduler) Slots() int {
	return s.cfg.Slots
}

// fifo is a slice-backed queue that reuses its backing array once drained.
type fifo struct {
	items []*Task
	head  int
}

func (q *fifo) len() int { return len(q.items) - q.head }

func (q *fifo) push(t *Task) { q.items = append(q.items, t) }

func (q *fifo) pop() *Task {
	t := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}
	return t
}
