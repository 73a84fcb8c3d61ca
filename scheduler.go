package main

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"
)

// ===========================
// Worker Scheduler
// ===========================

const (
	MsgWorkerFailed      = "Worker %q failed: %v (retrying in %v)"
	MsgWorkerStopped     = "Worker %q finished and will not be rescheduled"
	MsgSchedulerStarted  = "Scheduler loop started (tick: %v)"
	MsgSchedulerStopping = "Scheduler loop stopping..."

	DefaultSchedulerTick  = 100 * time.Millisecond
	DefaultWorkerRetry    = 30 * time.Second
	DefaultWorkerInterval = 60 * time.Second
)

// WorkerFunc is the uniform contract for all scheduled work. The returned
// duration is the requested wait before the next run; returning a duration
// <= 0 with a nil error removes the worker from the schedule.
type WorkerFunc func(ctx context.Context, args map[string]any) (time.Duration, error)

// WorkerItem pairs a callback with its name, next-run timestamp and arguments.
// Items are owned exclusively by the scheduler's queue and are re-created on
// every reschedule.
type WorkerItem struct {
	nextRun time.Time
	run     WorkerFunc
	name    string
	args    map[string]any
	seq     uint64
	index   int
}

// workerQueue is a min-heap ordered by nextRun, FIFO among ties.
type workerQueue []*WorkerItem

func (q workerQueue) Len() int { return len(q) }

func (q workerQueue) Less(i, j int) bool {
	if q[i].nextRun.Equal(q[j].nextRun) {
		return q[i].seq < q[j].seq
	}
	return q[i].nextRun.Before(q[j].nextRun)
}

func (q workerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *workerQueue) Push(x any) {
	item := x.(*WorkerItem)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *workerQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[0 : n-1]
	return item
}

// WorkerScheduler multiplexes periodic and self-scheduling workers onto a
// single loop. Due items are dispatched concurrently each tick and re-enter
// the queue through Register once their callback completes.
type WorkerScheduler struct {
	mu    sync.Mutex
	queue workerQueue
	seq   uint64

	frequencies  map[string]time.Duration
	retryDelays  map[string]time.Duration
	defaultRetry time.Duration
	tick         time.Duration
}

// Scheduler is the process-wide worker scheduler. Subsystems register their
// workers against it at ready time; the loop itself runs as a daemon.
var Scheduler = NewWorkerScheduler()

func init() {
	RegisterDaemon(LogScheduler, func(ctx context.Context) (bool, func(), func()) {
		return true, func() { Scheduler.Run(ctx) }, nil
	})
}

func NewWorkerScheduler() *WorkerScheduler {
	s := &WorkerScheduler{
		frequencies:  make(map[string]time.Duration),
		retryDelays:  make(map[string]time.Duration),
		defaultRetry: DefaultWorkerRetry,
		tick:         DefaultSchedulerTick,
	}
	heap.Init(&s.queue)
	return s
}

// Register schedules run to first fire at now + initialDelay. This is the
// single integration point for all subsystems, and the path every reschedule
// (including failure retries) goes through.
func (s *WorkerScheduler) Register(run WorkerFunc, name string, initialDelay time.Duration, args map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	heap.Push(&s.queue, &WorkerItem{
		nextRun: time.Now().Add(initialDelay),
		run:     run,
		name:    name,
		args:    args,
		seq:     s.seq,
	})
}

// RegisterPeriodic schedules a fixed-interval worker. The interval overrides
// whatever wait the callback returns; the return value only decides whether
// the worker keeps participating at all.
func (s *WorkerScheduler) RegisterPeriodic(name string, interval time.Duration, run WorkerFunc) {
	if interval <= 0 {
		interval = DefaultWorkerInterval
	}
	s.mu.Lock()
	s.frequencies[name] = interval
	s.mu.Unlock()
	s.Register(run, name, interval, nil)
}

// RegisterSelfScheduling schedules a worker whose return value determines its
// own next-run delay.
func (s *WorkerScheduler) RegisterSelfScheduling(name string, initialDelay time.Duration, run WorkerFunc) {
	s.Register(run, name, initialDelay, nil)
}

// SetRetryDelay overrides the failure retry delay for a worker name.
func (s *WorkerScheduler) SetRetryDelay(name string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryDelays[name] = delay
}

// SetDefaultRetryDelay overrides the fallback retry delay used by workers
// without a per-name override.
func (s *WorkerScheduler) SetDefaultRetryDelay(delay time.Duration) {
	if delay <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultRetry = delay
}

func (s *WorkerScheduler) retryDelay(name string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.retryDelays[name]; ok {
		return d
	}
	return s.defaultRetry
}

func (s *WorkerScheduler) frequency(name string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.frequencies[name]
	return d, ok
}

// Pending returns the number of queued worker items.
func (s *WorkerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

func (s *WorkerScheduler) popDue(now time.Time) []*WorkerItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*WorkerItem
	for s.queue.Len() > 0 && !s.queue[0].nextRun.After(now) {
		due = append(due, heap.Pop(&s.queue).(*WorkerItem))
	}
	return due
}

// Run drives the scheduler until ctx is cancelled. Every tick it drains all
// due items and dispatches each as an independent goroutine so a slow worker
// cannot block the tick or its peers.
func (s *WorkerScheduler) Run(ctx context.Context) {
	LogScheduler(MsgSchedulerStarted, s.tick)
	for {
		for _, item := range s.popDue(time.Now()) {
			safeGo(func() { s.execute(ctx, item) })
		}

		select {
		case <-ctx.Done():
			LogScheduler(MsgSchedulerStopping)
			return
		case <-time.After(s.tick):
		}
	}
}

func (s *WorkerScheduler) invoke(ctx context.Context, item *WorkerItem) (next time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return item.run(ctx, item.args)
}

// execute runs one item and reschedules it. A failing or panicking callback
// is retried after its configured delay; it never terminates the loop or
// other workers.
func (s *WorkerScheduler) execute(ctx context.Context, item *WorkerItem) {
	next, err := s.invoke(ctx, item)
	if err != nil {
		delay := s.retryDelay(item.name)
		LogScheduler(MsgWorkerFailed, item.name, err, delay)
		s.Register(item.run, item.name, delay, item.args)
		return
	}

	if next <= 0 {
		LogScheduler(MsgWorkerStopped, item.name)
		return
	}

	if freq, ok := s.frequency(item.name); ok {
		next = freq
	}
	s.Register(item.run, item.name, next, item.args)
}
