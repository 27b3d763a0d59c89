package ledgersync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// TaskHandler runs one dequeued task. Panics are recovered by the supervisor.
type TaskHandler func(ctx context.Context, task Task)

type SupervisorOptions struct {
	Queue   TaskQueue
	Workers int
	Clock   Clock
	Logger  *slog.Logger
}

// Supervisor owns the bounded work queue, the fixed worker pool draining it
// and every delayed submission, so shutdown can stop all of them.
type Supervisor struct {
	queue    TaskQueue
	workers  int
	clock    Clock
	logger   *slog.Logger
	handlers map[TaskKind]TaskHandler

	queueMu sync.Mutex
	queued  map[string]struct{}
	timers  map[Timer]struct{}

	startOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewSupervisor(opts SupervisorOptions) *Supervisor {
	queue := opts.Queue
	if queue == nil {
		queue = NewInMemoryTaskQueue(1024)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	clock := opts.Clock
	if clock == nil {
		clock = RealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		queue:    queue,
		workers:  workers,
		clock:    clock,
		logger:   logger,
		handlers: map[TaskKind]TaskHandler{},
		queued:   map[string]struct{}{},
		timers:   map[Timer]struct{}{},
		closed:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	if snapshotter, ok := queue.(taskQueueSnapshotter); ok {
		for _, task := range snapshotter.SnapshotTasks() {
			s.queued[task.ID()] = struct{}{}
		}
	}
	return s
}

// Handle registers the handler for a task kind. Call before Start.
func (s *Supervisor) Handle(kind TaskKind, handler TaskHandler) {
	s.handlers[kind] = handler
}

func (s *Supervisor) Start() {
	s.startOnce.Do(func() {
		for i := 0; i < s.workers; i++ {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.worker()
			}()
		}
	})
}

// Submit enqueues a task without blocking. A task already waiting in the
// queue is not added twice. Returns false when the queue is full or closed.
func (s *Supervisor) Submit(task Task) bool {
	if !task.valid() || s.isClosed() {
		return false
	}
	id := task.ID()
	s.queueMu.Lock()
	if _, exists := s.queued[id]; exists {
		s.queueMu.Unlock()
		return true
	}
	s.queued[id] = struct{}{}
	s.queueMu.Unlock()
	if s.queue.TryEnqueue(task) {
		return true
	}
	s.queueMu.Lock()
	delete(s.queued, id)
	s.queueMu.Unlock()
	return false
}

// SubmitAfter schedules the task on the clock. When the delay elapses the
// task is enqueued, waiting for space if the queue is full.
func (s *Supervisor) SubmitAfter(task Task, delay time.Duration) {
	if !task.valid() || s.isClosed() {
		return
	}
	if delay <= 0 {
		s.submitBlocking(task)
		return
	}
	var timer Timer
	s.queueMu.Lock()
	timer = s.clock.AfterFunc(delay, func() {
		s.queueMu.Lock()
		delete(s.timers, timer)
		s.queueMu.Unlock()
		s.submitBlocking(task)
	})
	s.timers[timer] = struct{}{}
	s.queueMu.Unlock()
}

func (s *Supervisor) submitBlocking(task Task) {
	if s.Submit(task) || s.isClosed() {
		return
	}
	id := task.ID()
	s.queueMu.Lock()
	s.queued[id] = struct{}{}
	s.queueMu.Unlock()
	if !s.queue.Enqueue(s.ctx, task) {
		s.queueMu.Lock()
		delete(s.queued, id)
		s.queueMu.Unlock()
	}
}

func (s *Supervisor) Depth() int {
	return s.queue.Depth()
}

func (s *Supervisor) Capacity() int {
	return s.queue.Capacity()
}

// Close stops delayed submissions, cancels in-progress dequeues and waits
// for running tasks to return.
func (s *Supervisor) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.queueMu.Lock()
		for timer := range s.timers {
			timer.Stop()
		}
		s.timers = map[Timer]struct{}{}
		s.queueMu.Unlock()
		s.cancel()
		s.wg.Wait()
		_ = s.queue.Close()
	})
}

func (s *Supervisor) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Supervisor) worker() {
	for {
		task, ok := s.queue.Dequeue(s.ctx)
		if !ok {
			return
		}
		s.queueMu.Lock()
		delete(s.queued, task.ID())
		s.queueMu.Unlock()
		s.run(task)
	}
}

func (s *Supervisor) run(task Task) {
	handler, ok := s.handlers[task.Kind]
	if !ok {
		s.logger.Warn("no handler for task", "kind", task.Kind, "key", task.Key)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panicked", "kind", task.Kind, "key", task.Key, "panic", fmt.Sprint(r))
		}
	}()
	handler(s.ctx, task)
}
