package engine

import (
	"errors"
	"sort"
	"sync"

	"github.com/platinummonkey/zenith/pkg/faults"
	"github.com/platinummonkey/zenith/pkg/observability"
)

// breaker disables a plugin after threshold consecutive traps. A disabled
// plugin stays disabled until it is loaded again.
type breaker struct {
	threshold int
	metrics   *observability.Metrics

	mu       sync.Mutex
	failures map[string]int
	open     map[string]struct{}
}

func newBreaker(threshold int, metrics *observability.Metrics) *breaker {
	return &breaker{
		threshold: threshold,
		metrics:   metrics,
		failures:  make(map[string]int),
		open:      make(map[string]struct{}),
	}
}

// Record counts the outcome of one call and reports whether it tripped the breaker.
func (b *breaker) Record(plugin string, err error) bool {
	if b.threshold <= 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if !errors.Is(err, faults.ErrTrap) {
		delete(b.failures, plugin)
		return false
	}
	b.failures[plugin]++
	if _, ok := b.open[plugin]; ok || b.failures[plugin] < b.threshold {
		return false
	}
	b.open[plugin] = struct{}{}
	b.updateGauge()
	return true
}

// Disabled reports whether plugin is disabled.
func (b *breaker) Disabled(plugin string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.open[plugin]
	return ok
}

// Reset re-enables plugin and clears its failure count.
func (b *breaker) Reset(plugin string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.failures, plugin)
	if _, ok := b.open[plugin]; ok {
		delete(b.open, plugin)
		b.updateGauge()
	}
}

// List returns the disabled plugins sorted by name.
func (b *breaker) List() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.open))
	for name := range b.open {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (b *breaker) updateGauge() {
	if b.metrics != nil {
		b.metrics.PluginsDisabled.Set(float64(len(b.open)))
	}
}
