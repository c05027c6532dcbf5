package router

import "container/heap"

// queueItem wraps a Task with heap-ordering fields, ported from the pack's
// OptimizedPriorityQueue pattern: descending priority, submission-order
// tiebreak, O(log n) push/pop via container/heap.
type queueItem struct {
	task      *Task
	heapIndex int
}

// priorityQueue is a max-heap on priority, earliest submission first among equals,
// keyed by task id for O(log n) arbitrary removal.
type priorityQueue struct {
	items []*queueItem
	index map[string]*queueItem
}

func newPriorityQueue() *priorityQueue {
	pq := &priorityQueue{index: make(map[string]*queueItem)}
	heap.Init(pq)
	return pq
}

func (pq *priorityQueue) Len() int { return len(pq.items) }

func (pq *priorityQueue) Less(i, j int) bool {
	a, b := pq.items[i].task, pq.items[j].task
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.SubmissionSeq < b.SubmissionSeq
}

func (pq *priorityQueue) Swap(i, j int) {
	pq.items[i], pq.items[j] = pq.items[j], pq.items[i]
	pq.items[i].heapIndex = i
	pq.items[j].heapIndex = j
}

func (pq *priorityQueue) Push(x any) {
	item := x.(*queueItem)
	item.heapIndex = len(pq.items)
	pq.items = append(pq.items, item)
	pq.index[item.task.ID] = item
}

func (pq *priorityQueue) Pop() any {
	old := pq.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	pq.items = old[:n-1]
	delete(pq.index, item.task.ID)
	return item
}

// enqueue adds t to the queue.
func (pq *priorityQueue) enqueue(t *Task) {
	heap.Push(pq, &queueItem{task: t})
}

// dequeueAll drains every queued item in priority order, highest first.
func (pq *priorityQueue) dequeueAll() []*Task {
	out := make([]*Task, 0, pq.Len())
	for pq.Len() > 0 {
		item := heap.Pop(pq).(*queueItem)
		out = append(out, item.task)
	}
	return out
}

// remove drops a specific task id from the queue, if present.
func (pq *priorityQueue) remove(taskID string) bool {
	item, ok := pq.index[taskID]
	if !ok {
		return false
	}
	heap.Remove(pq, item.heapIndex)
	delete(pq.index, taskID)
	return true
}

func (pq *priorityQueue) peekIDs() []string {
	ids := make([]string, 0, len(pq.items))
	for _, item := range pq.items {
		ids = append(ids, item.task.ID)
	}
	return ids
}
