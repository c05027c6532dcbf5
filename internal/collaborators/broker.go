package collaborators

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
)

// WorkItem is one unit handed through the Broker.
type WorkItem struct {
	ID       string
	Priority int
	Payload  map[string]any
}

// Broker is the priority enqueue/dequeue collaborator interface of spec
// §6.3: Dequeue blocks for work, and callers must Ack or Nack the item they
// received before requesting the next one.
type Broker interface {
	Enqueue(item WorkItem) error
	Dequeue(ctx context.Context) (WorkItem, error)
	Ack(id string) error
	Nack(id string, requeue bool) error
}

type brokerHeapItem struct {
	item  WorkItem
	index int
}

type brokerHeap []*brokerHeapItem

func (h brokerHeap) Len() int            { return len(h) }
func (h brokerHeap) Less(i, j int) bool  { return h[i].item.Priority > h[j].item.Priority }
func (h brokerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *brokerHeap) Push(x any) {
	it := x.(*brokerHeapItem)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *brokerHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// InProcessBroker is a channel-backed priority broker for the single-process
// deployment of spec §5: no external message queue, just a mutex-guarded
// heap with condition-variable-style blocking via a signal channel.
type InProcessBroker struct {
	mu      sync.Mutex
	heap    brokerHeap
	signal  chan struct{}
	inFlight map[string]WorkItem
}

// NewInProcessBroker constructs an empty broker.
func NewInProcessBroker() *InProcessBroker {
	return &InProcessBroker{
		signal:   make(chan struct{}, 1),
		inFlight: make(map[string]WorkItem),
	}
}

func (b *InProcessBroker) Enqueue(item WorkItem) error {
	b.mu.Lock()
	heap.Push(&b.heap, &brokerHeapItem{item: item})
	b.mu.Unlock()
	select {
	case b.signal <- struct{}{}:
	default:
	}
	return nil
}

func (b *InProcessBroker) Dequeue(ctx context.Context) (WorkItem, error) {
	for {
		b.mu.Lock()
		if b.heap.Len() > 0 {
			it := heap.Pop(&b.heap).(*brokerHeapItem).item
			b.inFlight[it.ID] = it
			b.mu.Unlock()
			return it, nil
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return WorkItem{}, ctx.Err()
		case <-b.signal:
		}
	}
}

func (b *InProcessBroker) Ack(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.inFlight[id]; !ok {
		return fmt.Errorf("collaborators: ack unknown item %s", id)
	}
	delete(b.inFlight, id)
	return nil
}

func (b *InProcessBroker) Nack(id string, requeue bool) error {
	b.mu.Lock()
	item, ok := b.inFlight[id]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("collaborators: nack unknown item %s", id)
	}
	delete(b.inFlight, id)
	if requeue {
		heap.Push(&b.heap, &brokerHeapItem{item: item})
	}
	b.mu.Unlock()
	if requeue {
		select {
		case b.signal <- struct{}{}:
		default:
		}
	}
	return nil
}
