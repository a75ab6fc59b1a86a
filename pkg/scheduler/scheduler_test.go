package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/zenith/pkg/faults"
	"github.com/platinummonkey/zenith/pkg/observability"
)

// recorder collects completed tasks in completion order.
type recorder struct {
	mu    sync.Mutex
	tasks []*Task
}

func (r *recorder) hook(t *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, t)
}

func (r *recorder) snapshot() []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Task(nil), r.tasks...)
}

func noop(context.Context, *Task) error { return nil }

func runAsync(t *testing.T, s *Scheduler, ctx context.Context) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return done
}

func TestScheduler_StrictPriorityFIFO(t *testing.T) {
	rec := &recorder{}
	s := New(Config{Depth: 64, Slots: 1}, noop, WithCompletionHook(rec.hook))
	ctx := context.Background()

	var submitted []*Task
	for i := 0; i < 5; i++ {
		for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical} {
			task := NewTask("p", p, nil)
			require.NoError(t, s.Submit(ctx, task))
			submitted = append(submitted, task)
		}
	}
	assert.Equal(t, 20, s.Len())
	assert.Equal(t, 5, s.LenByPriority()[PriorityHigh])

	s.Close()
	require.NoError(t, s.Run(ctx))

	got := rec.snapshot()
	require.Len(t, got, 20)

	var want []*Task
	for _, p := range DispatchOrder {
		for _, task := range submitted {
			if task.Priority == p {
				want = append(want, task)
			}
		}
	}
	for i := range want {
		assert.Same(t, want[i], got[i], "position %d", i)
	}
}

func TestScheduler_HigherPriorityOvertakesWaitingTasks(t *testing.T) {
	rec := &recorder{}
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	handler := func(_ context.Context, task *Task) error {
		if task.Plugin == "blocker" {
			once.Do(func() { close(started) })
			<-release
		}
		return nil
	}
	s := New(Config{Depth: 64, Slots: 1}, handler, WithCompletionHook(rec.hook))
	ctx := context.Background()
	done := runAsync(t, s, ctx)

	require.NoError(t, s.Submit(ctx, NewTask("blocker", PriorityLow, nil)))
	<-started
	assert.Equal(t, 1, s.InFlight())

	low := NewTask("low", PriorityLow, nil)
	critical := NewTask("critical", PriorityCritical, nil)
	require.NoError(t, s.Submit(ctx, low))
	require.NoError(t, s.Submit(ctx, critical))

	close(release)
	s.Close()
	require.NoError(t, <-done)

	got := rec.snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, "blocker", got[0].Plugin)
	assert.Same(t, critical, got[1])
	assert.Same(t, low, got[2])
	assert.Equal(t, 0, s.InFlight())
}

func TestScheduler_SlotsBoundConcurrency(t *testing.T) {
	var (
		mu      sync.Mutex
		current int
		peak    int
	)
	handler := func(context.Context, *Task) error {
		mu.Lock()
		current++
		if current > peak {
			peak = current
		}
		mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		current--
		mu.Unlock()
		return nil
	}
	s := New(Config{Depth: 100, Slots: 3}, handler)
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		require.NoError(t, s.Submit(ctx, NewTask("p", PriorityNormal, nil)))
	}
	s.Close()
	require.NoError(t, s.Run(ctx))
	assert.LessOrEqual(t, peak, 3)
	assert.Equal(t, 3, s.Slots())
}

func TestScheduler_RejectWhenFull(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	s := New(Config{Depth: 2, Slots: 1}, noop, WithMetrics(metrics))
	ctx := context.Background()

	require.NoError(t, s.Submit(ctx, NewTask("p", PriorityHigh, nil)))
	require.NoError(t, s.Submit(ctx, NewTask("p", PriorityHigh, nil)))

	err := s.Submit(ctx, NewTask("p", PriorityHigh, nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrSchedulerFull)
	assert.Equal(t, faults.StatusBufferFull, faults.StatusOf(err))

	// other levels have their own capacity
	require.NoError(t, s.Submit(ctx, NewTask("p", PriorityLow, nil)))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TasksRejectedTotal.WithLabelValues("high")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.QueueDepth.WithLabelValues("high")))
}

func TestScheduler_SubmitAllIsAtomicUnderReject(t *testing.T) {
	s := New(Config{Depth: 3, Slots: 1}, noop)
	ctx := context.Background()
	require.NoError(t, s.Submit(ctx, NewTask("p", PriorityNormal, nil)))

	batch := []*Task{
		NewTask("a", PriorityHigh, nil),
		NewTask("b", PriorityNormal, nil),
		NewTask("c", PriorityNormal, nil),
		NewTask("d", PriorityNormal, nil),
	}
	err := s.SubmitAll(ctx, batch)
	assert.ErrorIs(t, err, faults.ErrSchedulerFull)
	assert.Equal(t, 1, s.Len())
	for _, task := range batch {
		assert.Equal(t, StateEnqueued, task.State())
		assert.True(t, task.EnqueuedAt.IsZero())
	}

	require.NoError(t, s.SubmitAll(ctx, batch[:3]))
	assert.Equal(t, 4, s.Len())
	assert.Equal(t, 3, s.LenByPriority()[PriorityNormal])
	assert.Equal(t, 1, s.LenByPriority()[PriorityHigh])

	s.Close()
	assert.ErrorIs(t, s.SubmitAll(ctx, batch[3:]), faults.ErrClosed)
}

func TestScheduler_BlockWaitsForSpace(t *testing.T) {
	s := New(Config{Depth: 1, Slots: 1, Backpressure: BackpressureBlock}, noop)
	ctx := context.Background()
	require.NoError(t, s.Submit(ctx, NewTask("p", PriorityNormal, nil)))

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := s.Submit(short, NewTask("p", PriorityNormal, nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	submitted := make(chan error, 1)
	go func() { submitted <- s.Submit(ctx, NewTask("p", PriorityNormal, nil)) }()

	runCtx, stop := context.WithCancel(ctx)
	done := runAsync(t, s, runCtx)

	select {
	case err := <-submitted:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked submit was never admitted")
	}
	s.Close()
	stop()
	<-done
}

func TestScheduler_CloseStopsIntakeAndDrains(t *testing.T) {
	rec := &recorder{}
	s := New(Config{Depth: 10, Slots: 2}, noop, WithCompletionHook(rec.hook))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Submit(ctx, NewTask("p", PriorityNormal, nil)))
	}
	s.Close()
	s.Close()
	assert.True(t, s.Closed())

	err := s.Submit(ctx, NewTask("p", PriorityNormal, nil))
	assert.ErrorIs(t, err, faults.ErrClosed)

	require.NoError(t, s.Run(ctx))
	assert.Len(t, rec.snapshot(), 5)
	assert.Equal(t, 0, s.Len())
}

func TestScheduler_CancelWaitsForInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var finished bool
	handler := func(ctx context.Context, _ *Task) error {
		close(started)
		<-release
		finished = ctx.Err() == nil
		return nil
	}
	s := New(Config{Depth: 10, Slots: 1}, handler)
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(t, s, ctx)

	require.NoError(t, s.Submit(context.Background(), NewTask("p", PriorityNormal, nil)))
	require.NoError(t, s.Submit(context.Background(), NewTask("p", PriorityNormal, nil)))
	<-started
	cancel()

	select {
	case <-done:
		t.Fatal("Run returned before the in-flight task finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, finished, "in-flight task context is not cancelled")
	assert.Equal(t, 1, s.Len(), "queued task stays queued")
}

func TestScheduler_TerminalStates(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("boom")
	handler := func(_ context.Context, task *Task) error {
		switch task.Plugin {
		case "fail":
			return boom
		case "timeout":
			return faults.Execution(task.Plugin, faults.CodeCPUBudget, "budget", nil)
		case "panic":
			panic("kaboom")
		}
		return nil
	}
	s := New(Config{Depth: 10, Slots: 2}, handler, WithCompletionHook(rec.hook))
	ctx := context.Background()
	for _, name := range []string{"ok", "fail", "timeout", "panic"} {
		require.NoError(t, s.Submit(ctx, NewTask(name, PriorityNormal, nil)))
	}
	s.Close()
	require.NoError(t, s.Run(ctx))

	states := map[string]State{}
	for _, task := range rec.snapshot() {
		states[task.Plugin] = task.State()
		assert.False(t, task.StartedAt.IsZero())
		assert.GreaterOrEqual(t, task.Duration(), time.Duration(0))
	}
	assert.Equal(t, map[string]State{
		"ok":      StateCompleted,
		"fail":    StateFailed,
		"timeout": StateTimedOut,
		"panic":   StateFailed,
	}, states)
}

func TestScheduler_SubmitValidation(t *testing.T) {
	s := New(Config{}, noop)
	assert.Error(t, s.Submit(context.Background(), nil))
	assert.Error(t, s.Submit(context.Background(), &Task{Priority: Priority(7)}))

	task := &Task{Plugin: "p", Priority: PriorityLow}
	require.NoError(t, s.Submit(context.Background(), task))
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, StateEnqueued, task.State())
}

func TestScheduler_SingleRun(t *testing.T) {
	s := New(Config{Depth: 1, Slots: 1}, noop)
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(t, s, ctx)

	require.Eventually(t, func() bool { return s.running.Load() }, time.Second, time.Millisecond)
	assert.ErrorIs(t, s.Run(ctx), ErrRunning)

	cancel()
	<-done
}
