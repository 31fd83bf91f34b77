package sagaflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// mockWorker tracks lifecycle calls and behaves like a real blocking worker.
type mockWorker struct {
	name        string
	startCalled chan bool
	stopCalled  chan bool
	stopChan    chan struct{}
	wg          sync.WaitGroup
}

func newMockWorker(name string) *mockWorker {
	return &mockWorker{
		name:        name,
		startCalled: make(chan bool, 1),
		stopCalled:  make(chan bool, 1),
		stopChan:    make(chan struct{}),
	}
}

func (m *mockWorker) Name() string {
	return m.name
}

func (m *mockWorker) Start(ctx context.Context) {
	m.wg.Add(1)
	defer m.wg.Done()
	m.startCalled <- true

	select {
	case <-ctx.Done():
	case <-m.stopChan:
	}
}

func (m *mockWorker) Stop() {
	m.stopCalled <- true
	close(m.stopChan)
	m.wg.Wait()
}

func TestDispatcher_StartAndStop(t *testing.T) {
	worker1 := newMockWorker("worker1")
	worker2 := newMockWorker("worker2")

	dispatcher := NewDispatcher(zap.NewNop(), worker1, worker2)

	assert.False(t, dispatcher.IsStarted(), "Dispatcher should not be started initially")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Start(ctx)
	}()

	select {
	case <-worker1.startCalled:
		// success
	case <-time.After(1 * time.Second):
		t.Fatal("worker1.Start was not called")
	}
	select {
	case <-worker2.startCalled:
		// success
	case <-time.After(1 * time.Second):
		t.Fatal("worker2.Start was not called")
	}

	assert.True(t, dispatcher.IsStarted(), "Dispatcher should be in started state")

	dispatcher.Stop()

	select {
	case <-worker1.stopCalled:
		// success
	case <-time.After(1 * time.Second):
		t.Fatal("worker1.Stop was not called")
	}
	select {
	case <-worker2.stopCalled:
		// success
	case <-time.After(1 * time.Second):
		t.Fatal("worker2.Stop was not called")
	}

	wg.Wait()

	assert.False(t, dispatcher.IsStarted(), "Dispatcher should be in stopped state after Stop()")
}

func TestDispatcher_ContextCancellation(t *testing.T) {
	worker := newMockWorker("test-worker")
	dispatcher := NewDispatcher(zap.NewNop(), worker)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	dispatcher.Start(ctx)

	select {
	case <-worker.stopCalled:
		// success
	case <-time.After(1 * time.Second):
		t.Fatal("worker.Stop was not called after context cancellation")
	}
}

func TestDispatcher_MultipleStartAndStop(t *testing.T) {
	worker := newMockWorker("test-worker")
	dispatcher := NewDispatcher(zap.NewNop(), worker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go dispatcher.Start(ctx)
	<-worker.startCalled
	assert.True(t, dispatcher.IsStarted())

	// Starting again is a no-op
	dispatcher.Start(ctx)
	assert.True(t, dispatcher.IsStarted())

	dispatcher.Stop()
	<-worker.stopCalled
	// Wait for the Start goroutine to finish
	assert.Eventually(t, func() bool {
		return !dispatcher.IsStarted()
	}, time.Second, 5*time.Millisecond)

	// Stopping again is a no-op
	dispatcher.Stop()
	assert.False(t, dispatcher.IsStarted())
}
