// Package lifecycle owns the engine's background goroutines: the tick
// loop, socket readers and delayed work.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Manager coordinates the lifecycle of background goroutines.
// It provides a context that is cancelled on Stop, and tracks
// goroutines via a WaitGroup for graceful shutdown.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	clock  clock.Clock
	logger *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock substitutes the time source used for tickers and timers.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger used to report recovered panics.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New creates a new lifecycle Manager with a cancellable context
// derived from the provided parent context.
func New(parent context.Context, opts ...Option) *Manager {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	m := &Manager{
		ctx:    ctx,
		cancel: cancel,
		clock:  clock.New(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Context returns the manager's context, which is cancelled when Stop is called.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Clock returns the manager's time source.
func (m *Manager) Clock() clock.Clock {
	return m.clock
}

// Go starts a goroutine that is tracked by the manager.
// The function receives the manager's context and should exit when ctx.Done() is signaled.
// A panic in fn is logged and swallowed.
func (m *Manager) Go(fn func(ctx context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.recoverPanic("goroutine")
		fn(m.ctx)
	}()
}

// RunTicker executes fn on each tick until the manager's context is
// cancelled. A panicking tick is logged and the ticker keeps running.
// The ticker is created before RunTicker returns.
func (m *Manager) RunTicker(interval time.Duration, fn func()) {
	ticker := m.clock.Ticker(interval)
	m.Go(func(ctx context.Context) {
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.runTick(fn)
			}
		}
	})
}

func (m *Manager) runTick(fn func()) {
	defer m.recoverPanic("tick")
	fn()
}

// AfterFunc runs fn once after d unless the manager has been stopped by
// then. The returned timer may be stopped to abandon the call.
func (m *Manager) AfterFunc(d time.Duration, fn func()) *clock.Timer {
	return m.clock.AfterFunc(d, func() {
		if m.ctx.Err() != nil {
			return
		}
		defer m.recoverPanic("delayed call")
		fn()
	})
}

func (m *Manager) recoverPanic(what string) {
	if r := recover(); r != nil {
		m.logger.Error("Recovered panic", zap.String("in", what), zap.Any("panic", r))
	}
}

// Stop cancels the context and waits for all tracked goroutines to finish.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// StopWithTimeout cancels the context and waits for goroutines to finish
// up to the specified timeout. Returns context.DeadlineExceeded if timeout is reached.
func (m *Manager) StopWithTimeout(timeout time.Duration) error {
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return context.DeadlineExceeded
	}
}

// Done returns a channel that is closed when the manager's context is cancelled.
func (m *Manager) Done() <-chan struct{} {
	return m.ctx.Done()
}

// Err returns the context's error after it has been cancelled.
func (m *Manager) Err() error {
	return m.ctx.Err()
}
