package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownFunc is a function to call during shutdown
type ShutdownFunc func(context.Context) error

type namedShutdown struct {
	name string
	fn   ShutdownFunc
}

// ShutdownManager runs registered shutdown steps when the process is asked to stop.
// Steps run in reverse registration order so that components started last stop first.
type ShutdownManager struct {
	logger          *Logger
	shutdownTimeout time.Duration

	mu    sync.Mutex
	steps []namedShutdown
	once  sync.Once
	err   error
}

// NewShutdownManager creates a new shutdown manager
func NewShutdownManager(logger *Logger, timeout time.Duration) *ShutdownManager {
	if logger == nil {
		logger = NewLogger(InfoLevel, nil)
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{
		logger:          logger,
		shutdownTimeout: timeout,
	}
}

// Register adds a named shutdown step. Nil functions are ignored.
func (sm *ShutdownManager) Register(name string, fn ShutdownFunc) {
	if fn == nil {
		return
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.steps = append(sm.steps, namedShutdown{name: name, fn: fn})
}

// RegisterServer adds an HTTP server as a shutdown step
func (sm *ShutdownManager) RegisterServer(name string, server *http.Server) {
	if server == nil {
		return
	}
	sm.Register(name, server.Shutdown)
}

// WaitForSignal blocks until SIGINT/SIGTERM arrives or ctx is done, then shuts down
func (sm *ShutdownManager) WaitForSignal(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		sm.logger.Infof("Received signal %s, starting graceful shutdown", sig)
	case <-ctx.Done():
		sm.logger.Info("Context done, starting graceful shutdown")
	}

	return sm.Shutdown()
}

// Shutdown runs every step once within the shutdown timeout. Later calls
// return the result of the first.
func (sm *ShutdownManager) Shutdown() error {
	sm.once.Do(func() {
		sm.err = sm.run()
	})
	return sm.err
}

func (sm *ShutdownManager) run() error {
	ctx, cancel := context.WithTimeout(context.Background(), sm.shutdownTimeout)
	defer cancel()

	sm.mu.Lock()
	steps := append([]namedShutdown(nil), sm.steps...)
	sm.mu.Unlock()

	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if ctx.Err() != nil {
			sm.logger.Warnf("Shutdown timeout reached, skipping %s", step.name)
			errs = append(errs, fmt.Errorf("%s: shutdown timeout reached", step.name))
			continue
		}

		sm.logger.Infof("Stopping %s", step.name)
		if err := step.fn(ctx); err != nil {
			sm.logger.WithError(err).Errorf("Stopping %s failed", step.name)
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
			continue
		}
		sm.logger.Infof("Stopped %s", step.name)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown completed with %d errors: %w", len(errs), errors.Join(errs...))
	}

	sm.logger.Info("Graceful shutdown complete")
	return nil
}
