package lifecycle

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

func TestNew_WithNilParent(t *testing.T) {
	//nolint:staticcheck // nil parent is handled
	m := New(nil)
	if m.Context() == nil {
		t.Fatal("expected non-nil context")
	}
	m.Stop()
}

func TestGo_TracksGoroutine(t *testing.T) {
	m := New(context.Background())

	var stopped int32
	started := make(chan struct{})
	m.Go(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		atomic.StoreInt32(&stopped, 1)
	})

	<-started
	if atomic.LoadInt32(&stopped) != 0 {
		t.Error("goroutine should not have stopped yet")
	}

	m.Stop()

	if atomic.LoadInt32(&stopped) != 1 {
		t.Error("goroutine should have stopped after Stop()")
	}
}

func TestRunTicker_MockClock(t *testing.T) {
	mock := clock.NewMock()
	m := New(context.Background(), WithClock(mock))
	defer m.Stop()

	ticks := make(chan struct{}, 10)
	m.RunTicker(time.Second, func() {
		ticks <- struct{}{}
	})

	for i := 0; i < 3; i++ {
		mock.Add(time.Second)
		select {
		case <-ticks:
		case <-time.After(time.Second):
			t.Fatalf("tick %d not delivered", i)
		}
	}
}

func TestRunTicker_SurvivesPanic(t *testing.T) {
	mock := clock.NewMock()
	m := New(context.Background(), WithClock(mock), WithLogger(zap.NewNop()))
	defer m.Stop()

	var calls int32
	ticks := make(chan struct{}, 10)
	m.RunTicker(time.Second, func() {
		defer func() { ticks <- struct{}{} }()
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("tick failure")
		}
	})

	for i := 0; i < 2; i++ {
		mock.Add(time.Second)
		select {
		case <-ticks:
		case <-time.After(time.Second):
			t.Fatalf("tick %d not delivered", i)
		}
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestAfterFunc_SkippedAfterStop(t *testing.T) {
	mock := clock.NewMock()
	m := New(context.Background(), WithClock(mock))

	var ran int32
	m.AfterFunc(5*time.Second, func() { atomic.StoreInt32(&ran, 1) })
	m.Stop()
	mock.Add(10 * time.Second)

	if atomic.LoadInt32(&ran) != 0 {
		t.Error("delayed call ran after Stop")
	}
}

func TestAfterFunc_Runs(t *testing.T) {
	mock := clock.NewMock()
	m := New(context.Background(), WithClock(mock))
	defer m.Stop()

	done := make(chan struct{})
	m.AfterFunc(5*time.Second, func() { close(done) })
	mock.Add(5 * time.Second)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("delayed call did not run")
	}
}

func TestGo_PanicRecovery(t *testing.T) {
	m := New(context.Background())
	m.Go(func(ctx context.Context) {
		panic("test panic")
	})
	// Stop returns only if the panicking goroutine released the WaitGroup.
	if err := m.StopWithTimeout(time.Second); err != nil {
		t.Fatalf("StopWithTimeout() = %v", err)
	}
}

func TestStopWithTimeout_Timeout(t *testing.T) {
	m := New(context.Background())

	release := make(chan struct{})
	defer close(release)
	m.Go(func(ctx context.Context) {
		<-ctx.Done()
		<-release
	})

	if err := m.StopWithTimeout(50 * time.Millisecond); err != context.DeadlineExceeded {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestParentContextCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	m := New(parent)

	cancel()
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("manager context not cancelled with parent")
	}
	if m.Err() != context.Canceled {
		t.Errorf("Err() = %v", m.Err())
	}
	m.Stop()
}
