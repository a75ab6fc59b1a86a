package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/platinummonkey/zenith/pkg/faults"
)

// Sink accepts one event.
type Sink func(ctx context.Context, e *Event) error

// Source delivers events to a sink until its context ends.
type Source interface {
	Name() string
	Run(ctx context.Context, sink Sink) error
	Close() error
}

// ErrSourceClosed is returned when sending to a closed ChannelSource.
var ErrSourceClosed = errors.New("event source closed")

// retryDelay is the pause before offering a refused event again.
const retryDelay = 10 * time.Millisecond

// retryable reports whether the sink refused the event only for lack of room.
func retryable(err error) bool {
	return errors.Is(err, faults.ErrSchedulerFull)
}

// ChannelSource is an in-process source fed by Send.
type ChannelSource struct {
	ch        chan *Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewChannelSource creates a source buffering up to size events.
func NewChannelSource(size int) *ChannelSource {
	return &ChannelSource{
		ch:   make(chan *Event, size),
		done: make(chan struct{}),
	}
}

func (s *ChannelSource) Name() string { return "channel" }

// Send queues e, waiting for buffer space or ctx.
func (s *ChannelSource) Send(ctx context.Context, e *Event) error {
	select {
	case <-s.done:
		return ErrSourceClosed
	default:
	}
	select {
	case s.ch <- e:
		return nil
	case <-s.done:
		return ErrSourceClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run forwards events to sink. Sink errors other than a full scheduler are
// dropped; a full scheduler is retried after the next event arrives or ctx ends.
func (s *ChannelSource) Run(ctx context.Context, sink Sink) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case e := <-s.ch:
			for {
				err := sink(ctx, e)
				if err == nil || !retryable(err) {
					break
				}
				if werr := sleepCtx(ctx, retryDelay); werr != nil {
					return werr
				}
			}
		}
	}
}

// Close stops Run. Events still buffered are discarded.
func (s *ChannelSource) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
