package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"exchsim/internal/metrics"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

var (
	ErrPoolClosed   = errors.New("worker pool is not accepting tasks")
	ErrForcedCancel = errors.New("worker pool force cancelled after grace period")
)

// Task is one unit of work. The context is cancelled only when the pool is
// force cancelled at shutdown.
type Task = func(ctx context.Context)

// WorkerPool runs tasks on a fixed number of goroutines. Excess work waits in
// an unbounded FIFO queue; Submit never blocks and never sheds load.
type WorkerPool struct {
	n       int            // number of workers
	t       tomb.Tomb      // tracks dispatcher and workers
	tasks   chan Task      // hand off between dispatcher and workers
	wake    chan struct{}  // queue has new work or was closed
	metrics *metrics.Metrics

	queue     []Task
	closed    bool
	queueLock sync.Mutex

	inFlight atomic.Int64
}

func NewWorkerPool(size int, m *metrics.Metrics) (*WorkerPool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("worker pool size must be positive, got %d", size)
	}
	pool := &WorkerPool{
		n:       size,
		tasks:   make(chan Task),
		wake:    make(chan struct{}, 1),
		metrics: m,
	}

	pool.t.Go(func() error {
		// Maintain a full pool of workers.
		for id := 0; id < pool.n; id++ {
			id := id
			pool.t.Go(func() error {
				return pool.worker(id)
			})
		}
		return pool.dispatch()
	})
	return pool, nil
}

// Size is the number of workers.
func (pool *WorkerPool) Size() int {
	return pool.n
}

// Submit queues a task. It only fails once the pool is shutting down.
func (pool *WorkerPool) Submit(task Task) error {
	pool.queueLock.Lock()
	if pool.closed {
		pool.queueLock.Unlock()
		return ErrPoolClosed
	}
	pool.queue = append(pool.queue, task)
	queued := len(pool.queue)
	pool.queueLock.Unlock()

	pool.metrics.PoolDepth(queued, int(pool.inFlight.Load()))
	pool.notify()
	return nil
}

// Shutdown stops accepting tasks and waits up to grace for queued and running
// tasks to finish. After that the task contexts are cancelled, anything still
// queued is dropped and Shutdown returns ErrForcedCancel once the workers exit.
func (pool *WorkerPool) Shutdown(grace time.Duration) error {
	pool.queueLock.Lock()
	pool.closed = true
	pool.queueLock.Unlock()
	pool.notify()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-pool.t.Dead():
		return pool.t.Err()
	case <-timer.C:
	}

	pool.queueLock.Lock()
	dropped := len(pool.queue)
	pool.queue = nil
	pool.queueLock.Unlock()

	log.Warn().
		Dur("grace", grace).
		Int64("in_flight", pool.inFlight.Load()).
		Int("dropped", dropped).
		Msg("worker pool did not drain, cancelling tasks")
	pool.t.Kill(ErrForcedCancel)
	return pool.t.Wait()
}

func (pool *WorkerPool) notify() {
	select {
	case pool.wake <- struct{}{}:
	default:
	}
}

// dispatch feeds queued tasks to idle workers in submission order. Once the
// pool is closed and the queue is empty the workers are released.
func (pool *WorkerPool) dispatch() error {
	defer close(pool.tasks)
	for {
		pool.queueLock.Lock()
		if len(pool.queue) == 0 {
			closed := pool.closed
			pool.queueLock.Unlock()
			if closed {
				return nil
			}
			select {
			case <-pool.wake:
				continue
			case <-pool.t.Dying():
				return nil
			}
		}
		task := pool.queue[0]
		pool.queue[0] = nil
		pool.queue = pool.queue[1:]
		pool.queueLock.Unlock()

		select {
		case pool.tasks <- task:
		case <-pool.t.Dying():
			return nil
		}
	}
}

// Workers wait on tasks handed over by the dispatcher and action them.
func (pool *WorkerPool) worker(id int) error {
	ctx := pool.t.Context(nil)
	for task := range pool.tasks {
		if ctx.Err() != nil {
			// Force cancelled, drop whatever is left.
			continue
		}
		pool.run(ctx, id, task)
	}
	return nil
}

func (pool *WorkerPool) run(ctx context.Context, id int, task Task) {
	inFlight := pool.inFlight.Add(1)
	pool.queueLock.Lock()
	queued := len(pool.queue)
	pool.queueLock.Unlock()
	pool.metrics.PoolDepth(queued, int(inFlight))

	defer func() {
		pool.inFlight.Add(-1)
		if r := recover(); r != nil {
			log.Error().Int("worker", id).Interface("panic", r).Msg("task panicked")
		}
	}()
	task(ctx)
}
