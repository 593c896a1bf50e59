// Package workerpool implements the CPU-bound worker model of spec
// §4.E: a priority multi-queue of callback classes drained by one
// worker per logical CPU, plus the two singleton IO and REQUEST
// goroutines.
package workerpool

import (
	"container/list"
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"nexus/internal/logging"
)

// Class is a callback class FIFO. Classes are drained in ascending
// numeric order, matching §4.E's fixed priority: COMPLETE_IO before
// UPDATE_CHUNK before CRYPTO, so in-flight chunks drain promptly and
// free their reservations. This ordering is retained as literal
// declaration order per the design note in §9 — it is not re-derived
// or reordered here.
type Class int

const (
	ClassCompleteIO Class = iota
	ClassUpdateChunk
	ClassCrypto

	classCount = int(ClassCrypto) + 1
)

func (c Class) String() string {
	switch c {
	case ClassCompleteIO:
		return "COMPLETE_IO"
	case ClassUpdateChunk:
		return "UPDATE_CHUNK"
	case ClassCrypto:
		return "CRYPTO"
	default:
		return "unknown"
	}
}

// Job is one unit of work enqueued to a callback class. TransformState
// is the calling worker's private per-goroutine cipher/hash/compressor
// context, so crypto jobs need no locking around it (§4.E).
type Job func(ctx context.Context, ts *TransformState)

// TransformState is private, per-worker scratch state for the
// transform layer. It holds no data across jobs; it exists purely so
// each worker goroutine avoids reallocating transform buffers per job.
// Component A's Suite is stateless, so this is presently just a reuse
// buffer placeholder for future streaming-codec state.
type TransformState struct {
	Scratch []byte
}

// ioJob is a backing-store I/O submission, drained by the singleton IO
// goroutine so a full crypto worker queue never stalls I/O submission.
type ioJob func(ctx context.Context)

// requestJob is a block-request submission to the coalescer, drained
// by the singleton REQUEST goroutine to preserve per-device submission
// order across retries under memory pressure.
type requestJob func(ctx context.Context)

// Pool is the worker pool: classQueues drained by GOMAXPROCS workers
// in priority order, plus the IO and REQUEST singleton goroutines.
type Pool struct {
	log *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queues  [classCount]*list.List
	closed  bool
	workers int

	ioMu    sync.Mutex
	ioCond  *sync.Cond
	ioQueue *list.List

	reqMu    sync.Mutex
	reqCond  *sync.Cond
	reqQueue *list.List

	resizeInterval time.Duration
	fixedWorkers   int // 0 means "follow runtime.GOMAXPROCS(0)"
}

// Option configures a Pool at construction.
type Option func(*Pool)

// WithResizeInterval sets how often the pool polls runtime.GOMAXPROCS
// to react to a changed logical CPU count — the Go analogue of the
// original driver's CPU hotplug notification, since goroutines cannot
// be pinned to CPUs or be woken by hotplug events. Default 5s.
func WithResizeInterval(d time.Duration) Option {
	return func(p *Pool) { p.resizeInterval = d }
}

// WithFixedWorkers pins the pool to exactly n workers, disabling the
// GOMAXPROCS resize watcher. Intended for tests that assert on
// single-worker drain ordering.
func WithFixedWorkers(n int) Option {
	return func(p *Pool) { p.fixedWorkers = n }
}

// New constructs a Pool sized to runtime.GOMAXPROCS(0) at the current
// moment; call Run to start workers and the resize watcher.
func New(logger *slog.Logger, opts ...Option) *Pool {
	p := &Pool{
		log:            logging.Default(logger).With("component", "workerpool"),
		resizeInterval: 5 * time.Second,
		ioQueue:        list.New(),
		reqQueue:       list.New(),
	}
	for i := range p.queues {
		p.queues[i] = list.New()
	}
	p.cond = sync.NewCond(&p.mu)
	p.ioCond = sync.NewCond(&p.ioMu)
	p.reqCond = sync.NewCond(&p.reqMu)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit enqueues job on class's FIFO, waking one idle worker.
func (p *Pool) Submit(class Class, job Job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.queues[class].PushBack(job)
	p.cond.Signal()
}

// SubmitIO enqueues a backing-store I/O submission for the singleton
// IO goroutine.
func (p *Pool) SubmitIO(job func(ctx context.Context)) {
	p.ioMu.Lock()
	defer p.ioMu.Unlock()
	p.ioQueue.PushBack(ioJob(job))
	p.ioCond.Signal()
}

// SubmitRequest enqueues a block request for the singleton REQUEST
// goroutine, preserving per-device submission order.
func (p *Pool) SubmitRequest(job func(ctx context.Context)) {
	p.reqMu.Lock()
	defer p.reqMu.Unlock()
	p.reqQueue.PushBack(requestJob(job))
	p.reqCond.Signal()
}

// Run starts the worker goroutines, the IO and REQUEST singletons, and
// the GOMAXPROCS resize watcher, blocking until ctx is cancelled or a
// worker returns a non-nil error (workers never do today, but the
// signature mirrors errgroup's convention for future extension).
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	target := p.fixedWorkers
	if target == 0 {
		target = runtime.GOMAXPROCS(0)
	}
	p.mu.Lock()
	p.workers = target
	p.mu.Unlock()
	for i := 0; i < target; i++ {
		g.Go(func() error {
			p.workerLoop(gctx)
			return nil
		})
	}

	g.Go(func() error {
		p.ioLoop(gctx)
		return nil
	})
	g.Go(func() error {
		p.requestLoop(gctx)
		return nil
	})
	g.Go(func() error {
		p.resizeLoop(gctx)
		return nil
	})

	err := g.Wait()

	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.ioMu.Lock()
	p.ioCond.Broadcast()
	p.ioMu.Unlock()
	p.reqMu.Lock()
	p.reqCond.Broadcast()
	p.reqMu.Unlock()

	return err
}

// workerLoop drains the three class FIFOs in fixed priority order,
// blocking when all are empty, until ctx is cancelled.
func (p *Pool) workerLoop(ctx context.Context) {
	ts := &TransformState{}
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-stop:
		}
	}()
	defer close(stop)

	for {
		p.mu.Lock()
		for {
			if ctx.Err() != nil || p.closed {
				p.mu.Unlock()
				return
			}
			if job, class, ok := p.popLocked(); ok {
				p.mu.Unlock()
				job(ctx, ts)
				p.log.Debug("job completed", "class", class)
				break
			}
			p.cond.Wait()
		}
	}
}

// popLocked returns the next job in priority order. Caller must hold p.mu.
func (p *Pool) popLocked() (Job, Class, bool) {
	for class := 0; class < classCount; class++ {
		q := p.queues[class]
		if elem := q.Front(); elem != nil {
			q.Remove(elem)
			return elem.Value.(Job), Class(class), true
		}
	}
	return nil, 0, false
}

func (p *Pool) ioLoop(ctx context.Context) {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.ioMu.Lock()
			p.ioCond.Broadcast()
			p.ioMu.Unlock()
		case <-stop:
		}
	}()
	defer close(stop)

	for {
		p.ioMu.Lock()
		var job ioJob
		for {
			if ctx.Err() != nil {
				p.ioMu.Unlock()
				return
			}
			if elem := p.ioQueue.Front(); elem != nil {
				p.ioQueue.Remove(elem)
				job = elem.Value.(ioJob)
				break
			}
			p.ioCond.Wait()
		}
		p.ioMu.Unlock()
		job(ctx)
	}
}

func (p *Pool) requestLoop(ctx context.Context) {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.reqMu.Lock()
			p.reqCond.Broadcast()
			p.reqMu.Unlock()
		case <-stop:
		}
	}()
	defer close(stop)

	for {
		p.reqMu.Lock()
		var job requestJob
		for {
			if ctx.Err() != nil {
				p.reqMu.Unlock()
				return
			}
			if elem := p.reqQueue.Front(); elem != nil {
				p.reqQueue.Remove(elem)
				job = elem.Value.(requestJob)
				break
			}
			p.reqCond.Wait()
		}
		p.reqMu.Unlock()
		job(ctx)
	}
}

// resizeLoop polls runtime.GOMAXPROCS(0) and spawns additional workers
// when it increases. Go gives no signal equivalent to CPU hotplug and
// no way to stop a specific goroutine from outside, so a decrease only
// updates the bookkeeping count: surplus workers keep running rather
// than being torn down, which satisfies §4.E's "never drop below one
// worker" requirement trivially and safely over-provisions instead of
// risking work starvation.
func (p *Pool) resizeLoop(ctx context.Context) {
	ticker := time.NewTicker(p.resizeInterval)
	defer ticker.Stop()

	if p.fixedWorkers != 0 {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			want := runtime.GOMAXPROCS(0)
			p.mu.Lock()
			have := p.workers
			p.mu.Unlock()
			if want <= have {
				continue
			}
			grow := want - have
			p.log.Info("growing worker pool to match GOMAXPROCS", "from", have, "to", want)
			p.mu.Lock()
			p.workers = want
			p.mu.Unlock()
			for i := 0; i < grow; i++ {
				go p.workerLoop(ctx)
			}
		}
	}
}
