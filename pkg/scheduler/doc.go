// Package scheduler admits plugin tasks onto a fixed number of execution slots.
//
// Tasks wait in one FIFO queue per priority level. Whenever a slot frees up the
// head of the highest non-empty queue is dispatched, so a Critical task never
// waits behind a lower priority one that has not started yet.
//
// Basic usage:
//
//	s := scheduler.New(scheduler.Config{Depth: 1024, Slots: 4}, handler,
//		scheduler.WithCompletionHook(func(t *scheduler.Task) { ... }))
//	go s.Run(ctx)
//	err := s.Submit(ctx, scheduler.NewTask("filter", scheduler.PriorityHigh, event))
//
// Submit fails with a SchedulerFull fault when a level is at capacity, unless
// the scheduler was configured with BackpressureBlock.
package scheduler
