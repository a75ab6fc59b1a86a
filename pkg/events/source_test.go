package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/zenith/pkg/faults"
)

// collector is a sink that records events and can refuse the first n with a
// full scheduler.
type collector struct {
	mu     sync.Mutex
	events []*Event
	refuse int
	err    error
}

func (c *collector) sink(_ context.Context, e *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refuse > 0 {
		c.refuse--
		return faults.SchedulerFull("normal", 1)
	}
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, e)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *collector) seqs() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int64, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.SeqNo)
	}
	return out
}

func TestChannelSource(t *testing.T) {
	src := NewChannelSource(4)
	c := &collector{refuse: 2}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, c.sink) }()

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, src.Send(ctx, &Event{SeqNo: i}))
	}
	require.Eventually(t, func() bool { return c.count() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{1, 2, 3}, c.seqs())

	require.NoError(t, src.Close())
	require.NoError(t, src.Close())
	assert.NoError(t, <-done)
	assert.ErrorIs(t, src.Send(ctx, &Event{}), ErrSourceClosed)
	assert.Equal(t, "channel", src.Name())
}

func TestChannelSource_DropsNonRetryableErrors(t *testing.T) {
	src := NewChannelSource(1)
	c := &collector{err: errors.New("no plugins")}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, c.sink) }()

	require.NoError(t, src.Send(ctx, &Event{SeqNo: 1}))
	require.NoError(t, src.Send(ctx, &Event{SeqNo: 2}))
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, c.count())
}
