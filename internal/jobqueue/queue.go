// Package jobqueue is a priority-ordered queue of due schedules with
// execution-window conflict detection, grounded on
// original_source/job_queue.py's JobQueueManager (§4.F).
package jobqueue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/MxBlackSheep/labscheduler/internal/model"
)

// Priority mirrors job_queue.py's JobPriority ordinals: lower value
// runs first.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

// QueuedJob is one entry awaiting dispatch.
type QueuedJob struct {
	Schedule  *model.Schedule
	Execution *model.JobExecution
	Priority  Priority
	QueuedAt  time.Time
	index     int
}

// Queue is a priority heap ordered by (priority, scheduled_time,
// created_at) — spec.md's fuller 3-key order, chosen over the
// original's priority-only __lt__ (documented discrepancy resolution,
// spec wins).
type Queue struct {
	mu              sync.Mutex
	heap            jobHeap
	maxParallelJobs int
	running         map[string]*QueuedJob
	windows         []model.ExecutionWindow
	conflictBuffer  time.Duration
}

// New builds an empty Queue allowing maxParallelJobs concurrent runs.
func New(maxParallelJobs int) *Queue {
	if maxParallelJobs < 1 {
		maxParallelJobs = 1
	}
	q := &Queue{
		maxParallelJobs: maxParallelJobs,
		running:         make(map[string]*QueuedJob),
		conflictBuffer:  15 * time.Minute,
	}
	heap.Init(&q.heap)
	return q
}

// SetMaxParallelJobs updates the concurrency ceiling.
func (q *Queue) SetMaxParallelJobs(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n < 1 {
		n = 1
	}
	q.maxParallelJobs = n
}

// Enqueue adds a job, returning false if a high/critical-severity
// conflict blocks queuing (unless the job itself is critical
// priority).
func (q *Queue) Enqueue(schedule *model.Schedule, execution *model.JobExecution, priority Priority) ([]Conflict, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	conflicts := q.detectConflicts(schedule, nil)
	blocking := hasBlockingConflict(conflicts)
	if blocking && priority != PriorityCritical {
		return conflicts, false
	}

	job := &QueuedJob{Schedule: schedule, Execution: execution, Priority: priority, QueuedAt: time.Now()}
	heap.Push(&q.heap, job)
	return conflicts, true
}

// Next pops the highest-priority job ready to run, requeuing and
// returning nil if capacity is full or the instrument is busy.
func (q *Queue) Next(vendorBusy bool) *QueuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.heap.Len() == 0 {
		return nil
	}
	if len(q.running) >= q.maxParallelJobs {
		return nil
	}
	job := heap.Pop(&q.heap).(*QueuedJob)

	if vendorBusy {
		heap.Push(&q.heap, job)
		return nil
	}
	return job
}

// StartExecution marks a job running and records its execution window.
func (q *Queue) StartExecution(job *QueuedJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.running[job.Schedule.ScheduleID] = job
	start := time.Now()
	end := start.Add(time.Duration(job.Schedule.EstimatedDurationMinutes) * time.Minute)
	q.windows = append(q.windows, model.ExecutionWindow{
		ScheduleID: job.Schedule.ScheduleID,
		Start:      start,
		End:        end,
		IsRunning:  true,
	})
}

// CompleteExecution clears tracking for scheduleID.
func (q *Queue) CompleteExecution(scheduleID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.running, scheduleID)
	kept := q.windows[:0]
	for _, w := range q.windows {
		if w.ScheduleID != scheduleID {
			kept = append(kept, w)
		}
	}
	q.windows = kept
}

// QueueSize returns the number of jobs waiting (not yet started).
func (q *Queue) QueueSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// RunningCount returns the number of jobs currently executing.
func (q *Queue) RunningCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running)
}

// Reset clears all queued and running jobs.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heap = jobHeap{}
	heap.Init(&q.heap)
	q.running = make(map[string]*QueuedJob)
	q.windows = nil
}
