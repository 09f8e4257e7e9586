// Use of this software is governed by an Apache 2.0
// licence which can be found in the license file

package objectcache

import (
	"context"
	"sync"
	"time"

	"objectcache/common"

	"github.com/golang/glog"
	"go.uber.org/multierr"
)

// flushJob -- snapshot of a dirty object queued for persistence.
// 'evictAfter' removes the record once the snapshot is stored.
type flushJob struct {
	obj        *ManagedObject
	evictAfter bool
}

// flushResult -- completion value of one batch, applied by the cache.
type flushResult struct {
	jobs []flushJob
	err  error
}

// flushEngine batches snapshots into DBMgr.SaveBatch calls of at most
// maxBatch objects. A batch is written when it is full or maxWait after the
// first snapshot was queued. Snapshots of the same id coalesce to the latest.
type flushEngine struct {
	db       DBMgr
	ctx      context.Context
	maxBatch int
	maxWait  time.Duration
	results  chan<- flushResult

	mu      sync.Mutex
	queue   []common.ObjectID
	jobs    map[common.ObjectID]flushJob
	timer   *time.Timer
	stopped bool

	// execMu is held while a batch is taken and written; cancel takes it
	// to wait for the batch in flight.
	execMu sync.Mutex
	kick   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	batches  int64
	drainErr error
}

func newFlushEngine(ctx context.Context, db DBMgr, maxBatch int, maxWait time.Duration,
	results chan<- flushResult) *flushEngine {
	e := &flushEngine{
		db:       db,
		ctx:      ctx,
		maxBatch: maxBatch,
		maxWait:  maxWait,
		results:  results,
		jobs:     make(map[common.ObjectID]flushJob),
		kick:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	e.wg.Add(1)
	go e.loop()
	return e
}

// enqueue -- queues a snapshot. Never blocks. Returns false if the snapshot
// replaced one still queued, or was dropped because the engine stopped.
func (e *flushEngine) enqueue(job flushJob) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		glog.Errorf("flush of %v after the flush engine stopped", job.obj.ID)
		return false
	}
	old, coalesced := e.jobs[job.obj.ID]
	if coalesced {
		job.evictAfter = job.evictAfter || old.evictAfter
	} else {
		e.queue = append(e.queue, job.obj.ID)
	}
	e.jobs[job.obj.ID] = job
	if len(e.queue) >= e.maxBatch {
		e.signal()
	} else if e.timer == nil {
		e.timer = time.AfterFunc(e.maxWait, e.signal)
	}
	return !coalesced
}

func (e *flushEngine) signal() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// cancel -- drops queued snapshots of ids and waits for the batch in flight.
// Returns the ids that were queued.
func (e *flushEngine) cancel(ids []common.ObjectID) []common.ObjectID {
	e.execMu.Lock()
	defer e.execMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	var dropped []common.ObjectID
	for _, id := range ids {
		if _, ok := e.jobs[id]; ok {
			delete(e.jobs, id)
			dropped = append(dropped, id)
		}
	}
	if len(dropped) > 0 {
		q := e.queue[:0]
		for _, id := range e.queue {
			if _, ok := e.jobs[id]; ok {
				q = append(q, id)
			}
		}
		e.queue = q
	}
	return dropped
}

// pending -- number of queued snapshots.
func (e *flushEngine) pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// take -- removes up to maxBatch jobs from the queue.
func (e *flushEngine) take() []flushJob {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	n := len(e.queue)
	if n > e.maxBatch {
		n = e.maxBatch
	}
	batch := make([]flushJob, 0, n)
	for _, id := range e.queue[:n] {
		batch = append(batch, e.jobs[id])
		delete(e.jobs, id)
	}
	e.queue = e.queue[n:]
	if len(e.queue) > 0 {
		e.signal()
	}
	return batch
}

// written -- number of batches written so far.
func (e *flushEngine) written() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.batches
}

// flushOne -- writes one batch. Returns false when the queue was empty.
func (e *flushEngine) flushOne() (bool, error) {
	e.execMu.Lock()
	defer e.execMu.Unlock()
	batch := e.take()
	if len(batch) == 0 {
		return false, nil
	}
	objs := make([]*ManagedObject, len(batch))
	for i := range batch {
		objs[i] = batch[i].obj
	}
	err := e.db.SaveBatch(e.ctx, objs)
	if err != nil {
		glog.Errorf("failed to flush batch of %d objects (err: %v)", len(objs), err)
	} else {
		glog.V(1).Infof("flushed batch of %d objects", len(objs))
	}
	e.mu.Lock()
	e.batches++
	e.mu.Unlock()
	e.results <- flushResult{jobs: batch, err: err}
	return true, err
}

func (e *flushEngine) loop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.kick:
			e.flushOne()
		case <-e.stopCh:
			for {
				ok, err := e.flushOne()
				if !ok {
					return
				}
				e.drainErr = multierr.Append(e.drainErr, err)
			}
		}
	}
}

// stop -- writes everything still queued and stops the engine. Returns the
// errors of the batches written while draining.
func (e *flushEngine) stop() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()
	close(e.stopCh)
	e.wg.Wait()
	return e.drainErr
}
