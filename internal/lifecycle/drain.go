package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var errDrainTimeout = errors.New("timeout waiting for in-flight work to drain")

// DrainManager tracks draining state, active progress-stream websockets and
// in-flight execution batches so shutdown can wait for both.
type DrainManager struct {
	draining atomic.Bool
	active   atomic.Int64
	wg       sync.WaitGroup
}

func NewDrainManager() *DrainManager {
	return &DrainManager{}
}

func (m *DrainManager) StartDraining() {
	m.draining.Store(true)
}

func (m *DrainManager) IsDraining() bool {
	return m.draining.Load()
}

func (m *DrainManager) Active() int64 {
	return m.active.Load()
}

// Track registers one unit of in-flight work (a websocket session or a batch
// run) and returns an idempotent release callback.
func (m *DrainManager) Track() func() {
	m.wg.Add(1)
	m.active.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.active.Add(-1)
			m.wg.Done()
		})
	}
}

// Wait blocks until all tracked work releases or ctx expires.
func (m *DrainManager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return errDrainTimeout
	case <-done:
		return nil
	}
}
