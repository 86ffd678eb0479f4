// Package threads provides a single-goroutine event loop used by the
// storage layer to run maintenance work (idle pings, pool cleanup) off
// the caller's goroutine without spawning one goroutine per timer.
package threads

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"

	"github.com/nvstorage/nvstorage/internal/metrics"
)

// Task is a unit of work submitted to an EventLoopExecutor. Panics inside
// a Task are recovered and logged; they never bring down the loop.
type Task func()

// taskItem is one scheduled entry in the executor's time-ordered queue.
type taskItem struct {
	due      time.Time
	seq      uint64
	task     Task
	interval time.Duration // 0 for one-shot tasks
}

// taskQueue is a min-heap ordered by due time, breaking ties in
// submission order (FIFO for equal wake times).
type taskQueue []*taskItem

func (q taskQueue) Len() int { return len(q) }
func (q taskQueue) Less(i, j int) bool {
	if q[i].due.Equal(q[j].due) {
		return q[i].seq < q[j].seq
	}
	return q[i].due.Before(q[j].due)
}
func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *taskQueue) Push(x any)   { *q = append(*q, x.(*taskItem)) }
func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// EventLoopExecutor runs submitted tasks on a single background
// goroutine, in time order, without letting one slow or panicking task
// take the loop down.
type EventLoopExecutor struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    taskQueue
	nextSeq  uint64
	stopped  bool
	stopOnce sync.Once
	done     chan struct{}
	logger   *slog.Logger

	metrics *metrics.Collector
	name    string
}

// NewEventLoopExecutor starts the loop's background goroutine and
// returns immediately. logger may be nil, in which case slog.Default()
// is used. collector may be nil, in which case the loop runs without
// reporting task lag or recovered panics; name labels whatever it does
// report.
func NewEventLoopExecutor(collector *metrics.Collector, name string, logger *slog.Logger) *EventLoopExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &EventLoopExecutor{
		done:    make(chan struct{}),
		logger:  logger,
		metrics: collector,
		name:    name,
	}
	e.cond = sync.NewCond(&e.mu)
	go e.run()
	return e
}

// RunOnce schedules task to run once, after delay elapses.
func (e *EventLoopExecutor) RunOnce(delay time.Duration, task Task) {
	e.submit(delay, 0, task)
}

// RunAtInterval schedules task to run every interval, starting after the
// first interval elapses. It reschedules itself as long as the executor
// is running.
func (e *EventLoopExecutor) RunAtInterval(interval time.Duration, task Task) {
	e.submit(interval, interval, task)
}

func (e *EventLoopExecutor) submit(delay, interval time.Duration, task Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.nextSeq++
	item := &taskItem{
		due:      time.Now().Add(delay),
		seq:      e.nextSeq,
		task:     task,
		interval: interval,
	}
	heap.Push(&e.queue, item)
	e.cond.Signal()
}

func (e *EventLoopExecutor) run() {
	defer close(e.done)

	e.mu.Lock()
	defer e.mu.Unlock()

	for {
		if e.stopped {
			e.queue = nil // tasks still queued at Stop are discarded
			return
		}

		if len(e.queue) == 0 {
			e.cond.Wait()
			continue
		}

		next := e.queue[0]
		now := time.Now()
		if next.due.After(now) {
			e.waitUntil(next.due)
			continue
		}

		due := make([]*taskItem, 0, len(e.queue))
		for len(e.queue) > 0 && !e.queue[0].due.After(now) {
			due = append(due, heap.Pop(&e.queue).(*taskItem))
		}

		dueAt := make([]time.Time, len(due))
		for i, item := range due {
			dueAt[i] = item.due
			if item.interval > 0 {
				item.due = now.Add(item.interval)
				heap.Push(&e.queue, item)
			}
		}

		e.mu.Unlock()
		for i, item := range due {
			e.runTask(item.task, dueAt[i])
		}
		e.mu.Lock()
	}
}

// waitUntil blocks on the condition variable until either a new task is
// submitted or deadline passes, whichever is first. Must be called with
// e.mu held; re-acquires it before returning.
func (e *EventLoopExecutor) waitUntil(deadline time.Time) {
	timer := time.AfterFunc(time.Until(deadline), func() {
		e.mu.Lock()
		e.cond.Signal()
		e.mu.Unlock()
	})
	e.cond.Wait()
	timer.Stop()
}

// runTask executes task, observing its scheduling lag (due to actual
// run time) and recovering any panic so one bad task never takes the
// loop down.
func (e *EventLoopExecutor) runTask(task Task, due time.Time) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event loop task panicked", "recovered", r)
			if e.metrics != nil {
				e.metrics.ExecutorTaskPanics.WithLabelValues(e.name).Inc()
			}
		}
	}()
	if e.metrics != nil {
		e.metrics.ExecutorTaskLag.WithLabelValues(e.name).Observe(time.Since(due).Seconds())
	}
	task()
}

// Stop signals the loop to exit after any in-flight task completes and
// waits for its goroutine to return. Tasks still queued are discarded.
// Safe to call more than once.
func (e *EventLoopExecutor) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.stopped = true
		e.cond.Signal()
		e.mu.Unlock()
		<-e.done
	})
}

// Pending reports the number of tasks currently queued (including
// recurring tasks awaiting their next run). Intended for tests and
// diagnostics.
func (e *EventLoopExecutor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}
