package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/zenith/pkg/events"
	"github.com/platinummonkey/zenith/pkg/faults"
	"github.com/platinummonkey/zenith/pkg/observability"
	"github.com/platinummonkey/zenith/pkg/plugins"
	"github.com/platinummonkey/zenith/pkg/sandbox"
	"github.com/platinummonkey/zenith/pkg/scheduler"
	"github.com/platinummonkey/zenith/pkg/vm"
)

// Outcome describes one finished task.
type Outcome struct {
	TaskID   string
	Plugin   string
	Version  string
	Priority scheduler.Priority
	Event    *events.Event
	State    scheduler.State
	// Verdict is meaningful only for completed tasks.
	Verdict   vm.Verdict
	Value     int32
	Usage     sandbox.Usage
	Err       error
	QueueWait time.Duration
	Duration  time.Duration
}

// ResultSink receives every finished task, in completion order, on the
// goroutine that ran it. It must not block for long; the slot stays held.
type ResultSink func(o Outcome)

// callResult is what the handler leaves on a task for the completion hook.
type callResult struct {
	version string
	result  vm.Result
}

// TaskPriority is the priority a task for event priority p gets on a plugin
// whose declared priority is floor.
func TaskPriority(p, floor scheduler.Priority) scheduler.Priority {
	if floor > p {
		return floor
	}
	return p
}

// SubmitEvent enqueues one task per target plugin: the event's Target, or
// every active plugin that is not disabled when Target is empty. With reject
// backpressure either all tasks are enqueued or none is.
func (e *Engine) SubmitEvent(ctx context.Context, ev *events.Event) ([]*scheduler.Task, error) {
	if ev == nil {
		return nil, errors.New("nil event")
	}
	if !ev.Priority.Valid() {
		return nil, fmt.Errorf("event %d/%d: invalid priority %d", ev.SourceID, ev.SeqNo, int(ev.Priority))
	}

	var targets []*plugins.Metadata
	if ev.Target != "" {
		meta, ok := e.registry.Get(ev.Target)
		if !ok {
			return nil, &faults.Fault{Kind: faults.KindNotFound, Plugin: ev.Target, Message: "target plugin not loaded"}
		}
		if e.breaker.Disabled(ev.Target) {
			return nil, disabled(ev.Target)
		}
		targets = append(targets, meta)
	} else {
		for _, meta := range e.registry.List() {
			if !e.breaker.Disabled(meta.Name) {
				targets = append(targets, meta)
			}
		}
	}

	tasks := make([]*scheduler.Task, 0, len(targets))
	for _, meta := range targets {
		tasks = append(tasks, scheduler.NewTask(meta.Name, TaskPriority(ev.Priority, meta.Priority), ev))
	}
	if err := e.scheduler.SubmitAll(ctx, tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (e *Engine) submitFromSource(ctx context.Context, ev *events.Event) error {
	_, err := e.SubmitEvent(ctx, ev)
	return err
}

func disabled(plugin string) error {
	return faults.Execution(plugin, faults.CodeDisabled, "plugin disabled after consecutive traps", nil)
}

// handle runs one task on the active version of its plugin.
func (e *Engine) handle(ctx context.Context, t *scheduler.Task) error {
	ctx, span, logger := observability.StartSpan(ctx, e.logger, "zenith.task",
		trace.WithAttributes(
			attribute.String("zenith.task_id", t.ID),
			attribute.String("zenith.plugin", t.Plugin),
			attribute.String("zenith.priority", t.Priority.String()),
		))
	defer span.End()

	err := e.invoke(ctx, t)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.WithError(err).WithFields(map[string]interface{}{
			"task_id": t.ID,
			"plugin":  t.Plugin,
		}).Debug("Task failed")
	}
	return err
}

func (e *Engine) invoke(ctx context.Context, t *scheduler.Task) error {
	if e.breaker.Disabled(t.Plugin) {
		return disabled(t.Plugin)
	}
	v, err := e.registry.Acquire(t.Plugin)
	if err != nil {
		return err
	}
	defer v.Release()

	meta := v.Metadata()
	ctx = observability.WithTaskID(observability.WithPlugin(ctx, meta.Name), t.ID)
	ec := sandbox.NewExecutionContext(meta.Name, meta.Version, t.Event)

	var sourceID, seqNo uint64
	if ev, ok := t.Event.(*events.Event); ok {
		sourceID, seqNo = uint64(uint32(ev.SourceID)), uint64(ev.SeqNo)
	}
	res, err := v.Call(ctx, ec, sourceID, seqNo)
	t.Result = &callResult{version: meta.Version, result: res}

	if e.breaker.Record(meta.Name, err) {
		e.logger.WithFields(map[string]interface{}{
			"plugin":    meta.Name,
			"version":   meta.Version,
			"threshold": e.breaker.threshold,
		}).Warn("Plugin disabled after consecutive traps")
	}
	if code := abortReason(err); code != "" {
		if e.metrics != nil {
			e.metrics.GuardAbortsTotal.WithLabelValues(meta.Name, code).Inc()
		}
		e.otel.RecordGuardAbort(ctx, meta.Name, code)
	}
	return err
}

// abortReason names the limit that ended a call, or "" if none did.
func abortReason(err error) string {
	switch {
	case err == nil:
		return ""
	case faults.IsTimeout(err), errors.Is(err, faults.ErrHostCallQuota):
		return string(faults.CodeOf(err))
	default:
		return ""
	}
}

// complete runs once per terminal task.
func (e *Engine) complete(t *scheduler.Task) {
	e.counters.processed.Add(1)

	o := Outcome{
		TaskID:    t.ID,
		Plugin:    t.Plugin,
		Priority:  t.Priority,
		State:     t.State(),
		Err:       t.Err,
		QueueWait: t.QueueWait(),
		Duration:  t.Duration(),
	}
	o.Event, _ = t.Event.(*events.Event)
	if cr, ok := t.Result.(*callResult); ok {
		o.Version = cr.version
		o.Verdict = cr.result.Verdict
		o.Value = cr.result.Value
		o.Usage = cr.result.Usage
	}

	label := o.State.String()
	switch o.State {
	case scheduler.StateCompleted:
		label = o.Verdict.String()
		if o.Verdict == vm.VerdictAllow {
			e.counters.allowed.Add(1)
		} else {
			e.counters.dropped.Add(1)
		}
	case scheduler.StateTimedOut:
		e.counters.timedOut.Add(1)
	default:
		e.counters.failed.Add(1)
	}

	if e.metrics != nil {
		e.metrics.EventsProcessedTotal.WithLabelValues(label).Inc()
	}
	e.otel.RecordTask(context.Background(), o.Plugin, o.Priority.String(), o.State.String(), o.Duration)

	if e.sink != nil {
		defer observability.RecoverPanic(e.logger, "result sink")
		e.sink(o)
	}
}
