package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/zenith/pkg/faults"
)

func quotaLimits(quota, ceiling int, policy QuotaPolicy) Limits {
	l := DefaultLimits()
	l.CPUBudget = time.Minute
	l.WallTimeout = time.Minute
	l.MaxHostCalls = quota
	l.HostCallCeiling = ceiling
	l.QuotaPolicy = policy
	return l
}

func TestGuard_ExactQuotaSucceeds(t *testing.T) {
	ec := NewExecutionContext("p", "1", nil)
	g, _ := Enforce(context.Background(), ec, quotaLimits(5, 0, QuotaRecoverable))
	defer g.Release()

	for i := 1; i <= 5; i++ {
		n, err := g.HostCall()
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	assert.False(t, g.Aborted())
	assert.Equal(t, 5, ec.HostCalls())
}

func TestGuard_RecoverableThenCeiling(t *testing.T) {
	ec := NewExecutionContext("p", "1", nil)
	g, ctx := Enforce(context.Background(), ec, quotaLimits(2, 4, QuotaRecoverable))
	defer g.Release()

	for i := 0; i < 2; i++ {
		_, err := g.HostCall()
		require.NoError(t, err)
	}

	for i := 0; i < 2; i++ {
		_, err := g.HostCall()
		require.Error(t, err)
		assert.True(t, errors.Is(err, faults.ErrHostCallQuota))
		assert.Equal(t, faults.CodeQuotaExceeded, faults.CodeOf(err))
		assert.False(t, g.Aborted(), "calls up to the ceiling are recoverable")
	}

	_, err := g.HostCall()
	require.Error(t, err)
	assert.Equal(t, faults.CodeQuotaCeiling, faults.CodeOf(err))
	assert.True(t, g.Aborted())
	assert.Error(t, ctx.Err(), "abort cancels the call context")
}

func TestGuard_FatalPolicy(t *testing.T) {
	ec := NewExecutionContext("p", "1", nil)
	g, ctx := Enforce(context.Background(), ec, quotaLimits(1, 0, QuotaFatal))
	defer g.Release()

	_, err := g.HostCall()
	require.NoError(t, err)

	_, err = g.HostCall()
	require.Error(t, err)
	assert.True(t, g.Aborted())
	assert.Equal(t, faults.CodeQuotaCeiling, faults.CodeOf(err))
	assert.Error(t, ctx.Err())
}

func TestGuard_CPUBudgetAborts(t *testing.T) {
	l := DefaultLimits()
	l.CPUBudget = 20 * time.Millisecond
	ec := NewExecutionContext("spin", "1", nil)

	g, ctx := Enforce(context.Background(), ec, l)
	defer g.Release()

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("guard did not abort after cpu budget")
	}

	require.NotNil(t, g.Fault())
	assert.True(t, faults.IsTimeout(g.Fault()))
	assert.True(t, errors.Is(g.Fault(), faults.ErrCPUBudget))
	assert.True(t, errors.Is(context.Cause(ctx), faults.ErrCPUBudget))
}

func TestGuard_WallTimeout(t *testing.T) {
	l := DefaultLimits()
	l.CPUBudget = time.Minute
	l.WallTimeout = 10 * time.Millisecond

	g, ctx := Enforce(context.Background(), NewExecutionContext("p", "1", nil), l)
	defer g.Release()

	<-ctx.Done()
	assert.True(t, errors.Is(g.Fault(), faults.ErrTimeout))
}

func TestGuard_CheckpointAfterBudget(t *testing.T) {
	l := DefaultLimits()
	l.CPUBudget = time.Nanosecond

	g, _ := Enforce(context.Background(), NewExecutionContext("p", "1", nil), l)
	defer g.Release()

	time.Sleep(time.Millisecond)
	_, err := g.HostCall()
	require.Error(t, err)
	assert.True(t, faults.IsTimeout(err))
	assert.True(t, g.Aborted())
}

func TestGuard_ReleaseIdempotent(t *testing.T) {
	ec := NewExecutionContext("p", "1", nil)
	g, ctx := Enforce(context.Background(), ec, quotaLimits(10, 0, QuotaRecoverable))

	_, _ = g.HostCall()
	first := g.Release()
	second := g.Release()

	assert.Equal(t, first, second)
	assert.Equal(t, 1, first.HostCalls)
	assert.Error(t, ctx.Err())
	assert.Nil(t, g.Fault(), "release is not an abort")
}

func TestExecutionContextRoundTrip(t *testing.T) {
	ec := NewExecutionContext("p", "1", nil)
	g, ctx := Enforce(context.Background(), ec, DefaultLimits())
	defer g.Release()

	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Same(t, ec, got)
	assert.Same(t, g, got.Guard())

	_, ok = FromContext(context.Background())
	assert.False(t, ok)
}
