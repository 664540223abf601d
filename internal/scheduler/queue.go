package scheduler

import "sync"

// PriorityQueue is the ordered backlog of task IDs awaiting dispatch.
// Five tiers, one per Priority; insertion order is preserved within a
// tier so equal-priority tasks dispatch first-come-first-served.
type PriorityQueue struct {
	mu      sync.Mutex
	maxSize int // <= 0 means unbounded
	tiers   [len(priorityTiers)][]string
	index   map[string]Priority
}

// NewPriorityQueue creates a queue holding at most maxSize tasks across
// all tiers. A non-positive maxSize means no limit.
func NewPriorityQueue(maxSize int) *PriorityQueue {
	return &PriorityQueue{
		maxSize: maxSize,
		index:   make(map[string]Priority),
	}
}

// Push appends id to the back of its priority tier. Unknown priorities
// land in the normal tier. Pushing an id already in the queue is a no-op.
func (q *PriorityQueue) Push(id string, p Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.index[id]; ok {
		return nil
	}
	if q.maxSize > 0 && len(q.index) >= q.maxSize {
		return ErrQueueFull
	}
	p = normalizePriority(p)
	q.tiers[p.rank()] = append(q.tiers[p.rank()], id)
	q.index[id] = p
	return nil
}

// PushFront inserts id at the head of its priority tier. Used to requeue
// a task that lost its dispatch slot (lock conflict rollback, retry) so
// it does not fall behind tasks that arrived later.
func (q *PriorityQueue) PushFront(id string, p Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.index[id]; ok {
		return nil
	}
	if q.maxSize > 0 && len(q.index) >= q.maxSize {
		return ErrQueueFull
	}
	p = normalizePriority(p)
	q.tiers[p.rank()] = append([]string{id}, q.tiers[p.rank()]...)
	q.index[id] = p
	return nil
}

// Remove deletes id from the queue. It returns false if id was not queued.
func (q *PriorityQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	p, ok := q.index[id]
	if !ok {
		return false
	}
	rank := p.rank()
	q.tiers[rank] = removeString(q.tiers[rank], id)
	delete(q.index, id)
	return true
}

// Contains reports whether id is queued.
func (q *PriorityQueue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[id]
	return ok
}

// Len returns the number of queued tasks across all tiers.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index)
}

// IDs returns every queued task in dispatch order: critical first,
// background last, insertion order within each tier.
func (q *PriorityQueue) IDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]string, 0, len(q.index))
	for rank := range q.tiers {
		out = append(out, q.tiers[rank]...)
	}
	return out
}

func normalizePriority(p Priority) Priority {
	if p.rank() < 0 {
		return PriorityNormal
	}
	return p
}
