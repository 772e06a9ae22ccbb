package jobqueue

// jobHeap implements container/heap.Interface, ordering by
// (priority, scheduled_time, created_at) per spec.md's §4.F sort key.
type jobHeap []*QueuedJob

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	aStart, bStart := a.Schedule.StartTime, b.Schedule.StartTime
	switch {
	case aStart == nil && bStart == nil:
		// fall through to created_at
	case aStart == nil:
		return false
	case bStart == nil:
		return true
	case !aStart.Equal(*bStart):
		return aStart.Before(*bStart)
	}
	return a.QueuedAt.Before(b.QueuedAt)
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	job := x.(*QueuedJob)
	job.index = len(*h)
	*h = append(*h, job)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	job.index = -1
	*h = old[:n-1]
	return job
}
