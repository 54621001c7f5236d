package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrBusy is returned by Submit when the queue length is over the soft
	// threshold. Routes reject it with 503; reads are unaffected.
	ErrBusy = errors.New("store: write queue at capacity")
	// ErrQueueClosed is returned for submissions after Shutdown began.
	ErrQueueClosed = errors.New("store: write queue closed")
)

const (
	maxAttempts        = 3
	checkpointEveryTx  = 1000
	defaultSoftLimit   = 1024
	defaultBackoffBase = 100 * time.Millisecond
)

type job struct {
	ops  []Op
	err  error
	done chan struct{}
}

// Queue serializes every mutation onto a single worker, retries transient
// conflicts with exponential backoff and triggers periodic checkpoints.
type Queue struct {
	st *Store

	mu     sync.Mutex
	cond   *sync.Cond
	jobs   []*job
	closed bool

	softLimit   int
	backoffBase time.Duration
	ckptEvery   time.Duration

	txSinceCkpt int
	lastCkpt    time.Time

	workerDone chan struct{}
	tickerStop chan struct{}
}

// NewQueue starts the write worker. checkpointInterval bounds the wall-clock
// time between WAL checkpoints.
func NewQueue(st *Store, checkpointInterval time.Duration) *Queue {
	q := &Queue{
		st:          st,
		softLimit:   defaultSoftLimit,
		backoffBase: defaultBackoffBase,
		ckptEvery:   checkpointInterval,
		lastCkpt:    time.Now(),
		workerDone:  make(chan struct{}),
		tickerStop:  make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.worker()
	go q.ticker()
	return q
}

// Len reports the number of queued jobs. Monitoring only.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Submit enqueues a single mutation and waits for its outcome. If ctx
// expires first the job still runs to completion; only the wait is
// abandoned.
func (q *Queue) Submit(ctx context.Context, op Op) error {
	return q.SubmitBatch(ctx, []Op{op})
}

// SubmitBatch enqueues ops as one atomic transaction and waits for the
// outcome.
func (q *Queue) SubmitBatch(ctx context.Context, ops []Op) error {
	j := &job{ops: ops, done: make(chan struct{})}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if len(q.jobs) >= q.softLimit {
		q.mu.Unlock()
		return ErrBusy
	}
	q.jobs = append(q.jobs, j)
	q.cond.Signal()
	q.mu.Unlock()

	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		// The write must not be left half-applied; the worker finishes it.
		return ctx.Err()
	}
}

// Shutdown stops intake, drains in-flight work, issues a final checkpoint
// and returns. The Store itself is closed by the caller.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	close(q.tickerStop)

	select {
	case <-q.workerDone:
		return q.st.Checkpoint(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) worker() {
	defer close(q.workerDone)
	for {
		q.mu.Lock()
		for len(q.jobs) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.jobs) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		j := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.mu.Unlock()

		j.err = q.apply(j.ops)
		close(j.done)

		if j.err == nil {
			q.mu.Lock()
			q.txSinceCkpt++
			q.mu.Unlock()
		}
		q.maybeCheckpoint()
	}
}

// apply runs the batch with up to maxAttempts tries, backing off
// 100/200/400 ms on conflicts. Non-transient errors surface immediately.
func (q *Queue) apply(ops []Op) error {
	ctx := context.Background()
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(q.backoffBase << (attempt - 1))
		}
		if len(ops) == 1 {
			err = q.st.ApplyWrite(ctx, ops[0].SQL, ops[0].Args...)
		} else {
			err = q.st.ApplyBatch(ctx, ops)
		}
		if err == nil || !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return err
}

// ticker wakes the worker once a second so interval checkpoints fire even
// when the queue is idle.
func (q *Queue) ticker() {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			q.maybeCheckpoint()
		case <-q.tickerStop:
			return
		}
	}
}

func (q *Queue) maybeCheckpoint() {
	q.mu.Lock()
	due := q.txSinceCkpt >= checkpointEveryTx || time.Since(q.lastCkpt) >= q.ckptEvery
	if !due {
		q.mu.Unlock()
		return
	}
	q.txSinceCkpt = 0
	q.lastCkpt = time.Now()
	q.mu.Unlock()

	if err := q.st.Checkpoint(context.Background()); err != nil {
		slog.Error("checkpoint failed", "error", err)
	} else {
		slog.Debug("database checkpoint completed")
	}
}
