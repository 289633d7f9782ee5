package queue

// pendingQueue is the FIFO of jobs awaiting dispatch. The Manager's mutex guards it.
type pendingQueue struct {
	items []*Job
}

func (q *pendingQueue) Push(job *Job) {
	q.items = append(q.items, job)
}

// PopFront removes and returns the oldest job, or nil
func (q *pendingQueue) PopFront() *Job {
	if len(q.items) == 0 {
		return nil
	}
	job := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return job
}

// Remove removes a specific job by ID
func (q *pendingQueue) Remove(id string) bool {
	idx := q.findIndex(id)
	if idx < 0 {
		return false
	}
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	return true
}

// MoveToFirst puts a pending job at the head of the queue
func (q *pendingQueue) MoveToFirst(id string) bool {
	idx := q.findIndex(id)
	if idx <= 0 {
		return idx == 0
	}
	job := q.items[idx]
	copy(q.items[1:idx+1], q.items[:idx])
	q.items[0] = job
	return true
}

// Drain empties the queue, returning its jobs in order
func (q *pendingQueue) Drain() []*Job {
	items := q.items
	q.items = nil
	return items
}

func (q *pendingQueue) Len() int {
	return len(q.items)
}

func (q *pendingQueue) findIndex(id string) int {
	for i, item := range q.items {
		if item.id == id {
			return i
		}
	}
	return -1
}
