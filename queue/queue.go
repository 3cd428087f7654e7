// Package queue holds the bounded, priority-aware scheduler that drains
// routing computations.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	conductor "github.com/modelgrid/conductor"
	"github.com/modelgrid/conductor/utils/heap"
)

// Task is one queued routing computation.
type Task func(ctx context.Context) (*conductor.RoutingDecision, error)

type outcome struct {
	decision *conductor.RoutingDecision
	err      error
}

type item struct {
	id       string
	priority int

	// Enqueue sequence number; breaks priority ties FIFO.
	seq uint64

	deadline time.Time
	run      Task
	result   chan outcome

	// Exactly one of the worker or the waiting caller delivers the outcome.
	claimed atomic.Bool
}

// Scheduler is a bounded priority queue drained by a fixed worker pool.
// Enqueue on a full queue fails fast instead of buffering without bound.
type Scheduler struct {
	mutex   sync.Mutex
	pending *heap.MinHeap[*item]

	capacity int
	deadline time.Duration
	seq      atomic.Uint64

	// Signals workers that an item may be available.
	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup

	clock  clock.Clock
	logger *zap.SugaredLogger
}

type Config struct {
	Capacity int
	Workers  int
	Deadline time.Duration
	Clock    clock.Clock
}

func NewScheduler(config Config, logger *zap.SugaredLogger) *Scheduler {
	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}
	workers := config.Workers
	if workers <= 0 {
		workers = 1
	}
	s := &Scheduler{
		capacity: config.Capacity,
		deadline: config.Deadline,
		wake:     make(chan struct{}, config.Capacity+workers),
		stop:     make(chan struct{}),
		clock:    clk,
		logger:   logger,
	}
	// Drain order: higher priority first, FIFO within a priority.
	s.pending = heap.NewMinHeap(func(a, b *item) bool {
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		return a.seq < b.seq
	})

	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.worker()
	}
	return s
}

// Size returns the number of pending items.
func (s *Scheduler) Size() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.pending.Len()
}

// Enqueue submits a task and waits for its outcome. It fails fast with
// QueueFull when the queue is at capacity and with Timeout when the item's
// deadline expires before a worker finishes it.
func (s *Scheduler) Enqueue(ctx context.Context, priority int, task Task) (*conductor.RoutingDecision, error) {
	it := &item{
		id:       uuid.NewString(),
		priority: priority,
		seq:      s.seq.Add(1),
		deadline: s.clock.Now().Add(s.deadline),
		run:      task,
		result:   make(chan outcome, 1),
	}

	s.mutex.Lock()
	if s.pending.Len() >= s.capacity {
		s.mutex.Unlock()
		return nil, &conductor.RoutingError{Kind: conductor.ErrKindQueueFull}
	}
	s.pending.Push(it)
	s.mutex.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	timer := s.clock.Timer(s.deadline)
	defer timer.Stop()

	select {
	case out := <-it.result:
		return out.decision, out.err
	case <-timer.C:
		// The worker may still pick the item up; claiming it first makes the
		// drop authoritative.
		if it.claimed.CompareAndSwap(false, true) {
			s.logger.Warnw("Routing request timed out in queue", "id", it.id, "priority", priority)
			return nil, &conductor.RoutingError{Kind: conductor.ErrKindTimeout}
		}
		out := <-it.result
		return out.decision, out.err
	case <-ctx.Done():
		if it.claimed.CompareAndSwap(false, true) {
			return nil, &conductor.RoutingError{Kind: conductor.ErrKindTimeout}
		}
		out := <-it.result
		return out.decision, out.err
	}
}

// Close stops the workers. Pending items are abandoned; their callers have
// deadlines and surface Timeout.
func (s *Scheduler) Close() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
			for {
				it := s.next()
				if it == nil {
					break
				}
				s.process(it)
			}
		}
	}
}

func (s *Scheduler) next() *item {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	it, ok := s.pending.Pop()
	if !ok {
		return nil
	}
	return it
}

func (s *Scheduler) process(it *item) {
	// Expired or abandoned items are dropped, not retried.
	if !it.claimed.CompareAndSwap(false, true) {
		return
	}
	remaining := it.deadline.Sub(s.clock.Now())
	if remaining <= 0 {
		it.result <- outcome{err: &conductor.RoutingError{Kind: conductor.ErrKindTimeout}}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), remaining)
	defer cancel()

	decision, err := it.run(ctx)
	it.result <- outcome{decision: decision, err: err}
}
