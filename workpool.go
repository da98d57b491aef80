package imscore

import (
	"sync"
)

// workQueue is a bounded FIFO used by the worker pool. Push blocks when the
// queue is full; Pop blocks when it is empty. Terminate purges queued items
// and wakes every blocked caller with ok=false.
type workQueue[T any] struct {
	mu         sync.Mutex
	notEmpty   *sync.Cond
	notFull    *sync.Cond
	items      []T
	maxSize    int // 0 means unbounded
	terminated bool
}

func newWorkQueue[T any](maxSize int) *workQueue[T] {
	q := &workQueue[T]{maxSize: maxSize}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

func (q *workQueue[T]) push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.maxSize > 0 && len(q.items) >= q.maxSize && !q.terminated {
		q.notFull.Wait()
	}
	if q.terminated {
		return false
	}
	q.items = append(q.items, item)
	q.notEmpty.Signal()
	return true
}

func (q *workQueue[T]) pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.terminated {
		q.notEmpty.Wait()
	}
	var zero T
	if q.terminated {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	q.notFull.Signal()
	return item, true
}

func (q *workQueue[T]) terminate() {
	q.mu.Lock()
	q.terminated = true
	q.items = nil
	q.mu.Unlock()
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// WorkPool runs N workers over a bounded FIFO of work items. A panic while
// processing one item is caught by the recovery trampoline so it does not
// take down the pool; the item is abandoned and the worker continues.
type WorkPool[T any] struct {
	opt     WorkPoolOptions
	process func(T)
	queue   *workQueue[T]
	wg      sync.WaitGroup
}

type WorkPoolOptions struct {
	// Number of worker goroutines. Defaults to 1.
	Workers int

	// Maximum queued items; AddWork blocks when the queue is full. Zero
	// means unbounded.
	MaxQueue int

	// Panics in work items are reported here. Optional.
	ExceptionHandler *ExceptionHandler
}

// NewWorkPool returns a pool that calls process for every item. Start must be
// called before AddWork.
func NewWorkPool[T any](process func(T), opt WorkPoolOptions) *WorkPool[T] {
	if opt.Workers == 0 {
		opt.Workers = 1
	}
	return &WorkPool[T]{
		opt:     opt,
		process: process,
		queue:   newWorkQueue[T](opt.MaxQueue),
	}
}

// Start launches the workers.
func (p *WorkPool[T]) Start() {
	for i := 0; i < p.opt.Workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
}

// AddWork queues one item, blocking while the queue is full. Returns false
// after Stop.
func (p *WorkPool[T]) AddWork(item T) bool {
	return p.queue.push(item)
}

// Stop purges the queue and terminates. Idle workers unblock and exit; a
// worker in the middle of an item finishes that item.
func (p *WorkPool[T]) Stop() {
	p.queue.terminate()
}

// Join waits for all workers to exit.
func (p *WorkPool[T]) Join() {
	p.wg.Wait()
}

func (p *WorkPool[T]) work() {
	defer p.wg.Done()
	for {
		item, ok := p.queue.pop()
		if !ok {
			return
		}
		p.runItem(item)
	}
}

// runItem is the recovery trampoline around one work item.
func (p *WorkPool[T]) runItem(item T) {
	defer func() {
		if v := recover(); v != nil {
			if p.opt.ExceptionHandler != nil {
				p.opt.ExceptionHandler.HandlePanic(v)
			} else {
				Log.WithField("panic", v).Error("work item panicked")
			}
		}
	}()
	p.process(item)
}

// FunctorPool is a WorkPool whose items are argument-less callables.
type FunctorPool struct {
	*WorkPool[func()]
}

// NewFunctorPool returns a pool that executes queued functions.
func NewFunctorPool(opt WorkPoolOptions) *FunctorPool {
	return &FunctorPool{NewWorkPool(func(f func()) { f() }, opt)}
}
