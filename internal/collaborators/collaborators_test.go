package collaborators

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestTaskStore(t *testing.T) *BoltTaskStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.db")
	s, err := OpenTaskStore(path)
	if err != nil {
		t.Fatalf("OpenTaskStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTaskStoreSaveFindRoundTrip(t *testing.T) {
	s := newTestTaskStore(t)
	rec := TaskRecord{ID: "t1", Type: "http", Status: "queued", CreatedAt: time.Now()}
	if err := s.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, ok, err := s.FindByID("t1")
	if err != nil || !ok {
		t.Fatalf("FindByID: ok=%v err=%v", ok, err)
	}
	if got.Status != "queued" {
		t.Fatalf("expected queued, got %s", got.Status)
	}
}

func TestTaskStoreLifecycleTransitions(t *testing.T) {
	s := newTestTaskStore(t)
	if err := s.Save(TaskRecord{ID: "t1", Status: "queued", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.MarkStarted("t1"); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}
	if err := s.MarkCompleted("t1", map[string]any{"ok": true}); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	got, _, _ := s.FindByID("t1")
	if got.Status != "completed" || got.Progress != 1.0 {
		t.Fatalf("expected completed/1.0, got %s/%v", got.Status, got.Progress)
	}

	stats, err := s.GetStats()
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats["completed"] != 1 {
		t.Fatalf("expected 1 completed task, got %v", stats)
	}
}

func TestTaskStoreSaveIsIdempotentOnUnchangedStatus(t *testing.T) {
	s := newTestTaskStore(t)
	rec := TaskRecord{ID: "t1", Status: "queued", CreatedAt: time.Now()}
	if err := s.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	rec.Payload = map[string]any{"ignored": true}
	if err := s.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, _, _ := s.FindByID("t1")
	if got.Payload != nil {
		t.Fatalf("expected no-op save to leave record unchanged, got payload %v", got.Payload)
	}
}

func TestInProcessBrokerEnqueueDequeueOrdersByPriority(t *testing.T) {
	b := NewInProcessBroker()
	b.Enqueue(WorkItem{ID: "low", Priority: 1})
	b.Enqueue(WorkItem{ID: "high", Priority: 9})

	ctx := context.Background()
	first, err := b.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if first.ID != "high" {
		t.Fatalf("expected high priority item first, got %s", first.ID)
	}
}

func TestInProcessBrokerNackRequeues(t *testing.T) {
	b := NewInProcessBroker()
	b.Enqueue(WorkItem{ID: "a", Priority: 1})

	item, _ := b.Dequeue(context.Background())
	if err := b.Nack(item.ID, true); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	again, err := b.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue after nack: %v", err)
	}
	if again.ID != "a" {
		t.Fatalf("expected requeued item, got %s", again.ID)
	}
}

func TestInProcessBrokerDequeueBlocksUntilContextCancel(t *testing.T) {
	b := NewInProcessBroker()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := b.Dequeue(ctx); err == nil {
		t.Fatal("expected context deadline error on empty broker")
	}
}

func TestChannelObserverFansOutToSubscribers(t *testing.T) {
	o := NewChannelObserver()
	sub := o.Subscribe(1)
	o.Publish(Event{Name: "task:completed"})

	select {
	case ev := <-sub:
		if ev.Name != "task:completed" {
			t.Fatalf("unexpected event %v", ev)
		}
	default:
		t.Fatal("expected event to be delivered")
	}
}
