package batch

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu      sync.Mutex
	batches [][]int
}

func (r *recorder) flush(ctx context.Context, items []int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch := make([]int, len(items))
	copy(batch, items)
	r.batches = append(r.batches, batch)
	return nil
}

func (r *recorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches {
		n += len(b)
	}
	return n
}

func TestAdd_FlushesWhenFull(t *testing.T) {
	rec := &recorder{}
	b := New(3, time.Hour, rec.flush)
	defer b.Stop()

	for i := 0; i < 3; i++ {
		b.Add(i)
	}

	deadline := time.After(time.Second)
	for rec.total() < 3 {
		select {
		case <-deadline:
			t.Fatalf("batch never flushed, got %d items", rec.total())
		case <-time.After(5 * time.Millisecond):
		}
	}

	if b.PendingCount() != 0 {
		t.Errorf("expected empty queue after flush, got %d", b.PendingCount())
	}
}

func TestRun_FlushesOnInterval(t *testing.T) {
	rec := &recorder{}
	b := New(100, 20*time.Millisecond, rec.flush)
	defer b.Stop()

	b.Add(1)
	b.Add(2)

	deadline := time.After(time.Second)
	for rec.total() < 2 {
		select {
		case <-deadline:
			t.Fatalf("interval flush never happened, got %d items", rec.total())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestFlush_Manual(t *testing.T) {
	rec := &recorder{}
	b := New(100, time.Hour, rec.flush)
	defer b.Stop()

	b.Add(1)
	b.Add(2)

	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.total() != 2 {
		t.Errorf("expected 2 flushed items, got %d", rec.total())
	}

	// flushing an empty queue is a no-op
	if err := b.Flush(context.Background()); err != nil {
		t.Errorf("unexpected error on empty flush: %v", err)
	}
	if len(rec.batches) != 1 {
		t.Errorf("expected 1 batch, got %d", len(rec.batches))
	}
}

func TestStop_FlushesRemaining(t *testing.T) {
	rec := &recorder{}
	b := New(100, time.Hour, rec.flush)

	b.Add(1)
	b.Stop()

	deadline := time.After(time.Second)
	for rec.total() < 1 {
		select {
		case <-deadline:
			t.Fatalf("final flush never happened, got %d items", rec.total())
		case <-time.After(5 * time.Millisecond):
		}
	}
}
