package lifecycle

import (
	"context"
	"testing"
	"time"
)

func TestDrainManagerTrackAndWait(t *testing.T) {
	m := NewDrainManager()

	if m.IsDraining() {
		t.Fatalf("new manager reports draining")
	}

	release := m.Track()
	if m.Active() != 1 {
		t.Fatalf("Active() = %d, want 1", m.Active())
	}

	m.StartDraining()
	if !m.IsDraining() {
		t.Fatalf("IsDraining() = false after StartDraining")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := m.Wait(ctx); err == nil {
		t.Fatalf("Wait() succeeded with work still in flight")
	}

	release()
	// Release is idempotent.
	release()
	if m.Active() != 0 {
		t.Fatalf("Active() = %d after release, want 0", m.Active())
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if err := m.Wait(ctx2); err != nil {
		t.Fatalf("Wait() error = %v after all work released", err)
	}
}
