package procmgr

import (
	"container/heap"
	"sync"
	"time"
)

// restartJob is one pending re-spawn: the logical process, the worker
// index that exited (0 in fork mode, the cluster worker index otherwise),
// and the runID stamped on the process at the moment of exit, so a job for
// a process that has since been stopped or restarted out from under it can
// be discarded rather than acted on.
type restartJob struct {
	id          ProcessID
	workerIndex int
	runID       string
	cfg         Config
}

// restartQueue schedules restartJobs for execution once their backoff
// delay has elapsed. Jobs are kept in a ready-time-ordered min-heap so the
// scheduler loop never scans the full pending set to find what, if
// anything, is due.
type restartQueue interface {
	// Schedule enqueues job to become ready after delay.
	Schedule(job restartJob, delay time.Duration)

	// Ready drains and returns every job whose delay has elapsed.
	Ready() []restartJob

	// Len returns the number of pending (not-yet-ready or ready-but-
	// undrained) jobs.
	Len() int

	// Wait returns a channel that signals whenever the pending set
	// changes, so a scheduler loop can wake without polling.
	Wait() <-chan struct{}
}

// restartHeap implements restartQueue using a priority queue (min-heap)
// keyed by ready time, adapted from the teacher's generic work-queue
// shape to carry the process-manager's own restart-job fields directly
// in each heap entry instead of a bare item id.
type restartHeap struct {
	mu       sync.Mutex
	items    *restartItemHeap
	notifyCh chan struct{}
}

// restartItem is one heap entry.
type restartItem struct {
	job     restartJob
	readyAt time.Time
	index   int // position in the heap, maintained by heap.Interface
}

type restartItemHeap []*restartItem

func (h restartItemHeap) Len() int { return len(h) }

func (h restartItemHeap) Less(i, j int) bool {
	return h[i].readyAt.Before(h[j].readyAt)
}

func (h restartItemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *restartItemHeap) Push(x interface{}) {
	item := x.(*restartItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *restartItemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// newRestartQueue creates an empty restartQueue.
func newRestartQueue() restartQueue {
	items := &restartItemHeap{}
	heap.Init(items)
	return &restartHeap{
		items:    items,
		notifyCh: make(chan struct{}, 1),
	}
}

// Schedule enqueues job to become ready after delay. Scheduling the same
// process/worker pair twice before the first job fires is not
// deduplicated: the executing side discards anything whose runID has
// gone stale, so a duplicate harmlessly no-ops.
func (q *restartHeap) Schedule(job restartJob, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(q.items, &restartItem{job: job, readyAt: time.Now().Add(delay)})
	q.notify()
}

// Ready pops every job whose readyAt has passed.
func (q *restartHeap) Ready() []restartJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ready []restartJob
	now := time.Now()
	for q.items.Len() > 0 && !(*q.items)[0].readyAt.After(now) {
		item := heap.Pop(q.items).(*restartItem)
		ready = append(ready, item.job)
	}
	return ready
}

// Len returns the number of pending jobs.
func (q *restartHeap) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Wait returns a channel that signals when the pending set changed.
func (q *restartHeap) Wait() <-chan struct{} {
	return q.notifyCh
}

func (q *restartHeap) notify() {
	select {
	case q.notifyCh <- struct{}{}:
	default:
		// already has a pending wake-up
	}
}
