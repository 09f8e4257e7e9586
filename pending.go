// Use of this software is governed by an Apache 2.0
// licence which can be found in the license file

package objectcache

import (
	"context"
	"sync"

	"objectcache/common"

	"github.com/golang/glog"
)

// PendingLookup -- completion future of a deferred lookup. The result is
// delivered once the blocking objects clear and the replay succeeds, or the
// lookup fails (missing object, load failure, shutdown).
type PendingLookup struct {
	done   chan struct{}
	once   sync.Once
	result *LookupResult
	err    error
}

func newPendingLookup() *PendingLookup {
	return &PendingLookup{done: make(chan struct{})}
}

// Done is closed when the lookup completes.
func (p *PendingLookup) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the lookup completes or ctx is done.
func (p *PendingLookup) Wait(ctx context.Context) (*LookupResult, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *PendingLookup) complete(result *LookupResult, err error) {
	p.once.Do(func() {
		p.result = result
		p.err = err
		close(p.done)
	})
}

// pendingRequest -- a lookup that could not be satisfied when it was issued.
// 'created' are the objects materialized for NewIDs, held by the request.
// 'missing' are ids that faulted as not found and were tolerated.
// 'blocker' is the id the request currently waits on.
// 'faulted' are ids whose fault was issued by this request.
// 'deferrals' counts how many times the request was blocked.
type pendingRequest struct {
	req       LookupRequest
	created   map[common.ObjectID]*reference
	missing   map[common.ObjectID]bool
	faulted   map[common.ObjectID]bool
	blocker   common.ObjectID
	deferrals int
	future    *PendingLookup
}

func newPendingRequest(req LookupRequest) *pendingRequest {
	return &pendingRequest{
		req:     req,
		created: make(map[common.ObjectID]*reference),
		missing: make(map[common.ObjectID]bool),
		faulted: make(map[common.ObjectID]bool),
		future:  newPendingLookup(),
	}
}

// pendingQueue -- blocked id to waiting requests, and the flat list of
// requests ready for replay. Guarded by the object cache lock.
type pendingQueue struct {
	blocked     map[common.ObjectID][]*pendingRequest
	replayable  []*pendingRequest
	count       int
	logInterval int
}

// wants -- whether id is still to be resolved by the request.
func (pr *pendingRequest) wants(id common.ObjectID) bool {
	if pr.missing[id] {
		return false
	}
	for _, want := range pr.req.IDs {
		if want == id {
			return true
		}
	}
	return false
}

func newPendingQueue(logInterval int) *pendingQueue {
	return &pendingQueue{blocked: make(map[common.ObjectID][]*pendingRequest), logInterval: logInterval}
}

// block -- parks the request on id.
func (q *pendingQueue) block(id common.ObjectID, pr *pendingRequest) {
	pr.blocker = id
	pr.deferrals++
	if q.logInterval > 0 && pr.deferrals%q.logInterval == 0 {
		glog.Warningf("lookup %v deferred %d times, now blocked on %v", pr.req.IDs, pr.deferrals, id)
	}
	q.blocked[id] = append(q.blocked[id], pr)
	q.count++
}

// unblock -- moves every request waiting on id to the replayable list.
func (q *pendingQueue) unblock(id common.ObjectID) {
	waiters, ok := q.blocked[id]
	if !ok {
		return
	}
	delete(q.blocked, id)
	q.count -= len(waiters)
	q.replayable = append(q.replayable, waiters...)
	glog.V(2).Infof("unblocked %d lookups waiting on %v", len(waiters), id)
}

// failBlocked -- removes and returns the requests waiting on id without
// making them replayable. Used when the fault of the blocker failed.
func (q *pendingQueue) failBlocked(id common.ObjectID) []*pendingRequest {
	waiters := q.blocked[id]
	delete(q.blocked, id)
	q.count -= len(waiters)
	return waiters
}

// takeInterested -- removes and returns every request that still wants id:
// those blocked on id, those blocked on another id and replayable ones.
func (q *pendingQueue) takeInterested(id common.ObjectID) []*pendingRequest {
	out := q.failBlocked(id)
	for blocker, waiters := range q.blocked {
		kept := waiters[:0]
		for _, pr := range waiters {
			if pr.wants(id) {
				out = append(out, pr)
				q.count--
			} else {
				kept = append(kept, pr)
			}
		}
		if len(kept) == 0 {
			delete(q.blocked, blocker)
		} else {
			q.blocked[blocker] = kept
		}
	}
	kept := q.replayable[:0]
	for _, pr := range q.replayable {
		if pr.wants(id) {
			out = append(out, pr)
		} else {
			kept = append(kept, pr)
		}
	}
	q.replayable = kept
	return out
}

// requeue -- makes already taken requests replayable.
func (q *pendingQueue) requeue(prs ...*pendingRequest) {
	q.replayable = append(q.replayable, prs...)
}

// drainReplayable -- returns and clears the replayable list.
func (q *pendingQueue) drainReplayable() []*pendingRequest {
	prs := q.replayable
	q.replayable = nil
	return prs
}

// drainAll -- removes every request, blocked or replayable.
func (q *pendingQueue) drainAll() []*pendingRequest {
	prs := q.drainReplayable()
	for id, waiters := range q.blocked {
		prs = append(prs, waiters...)
		delete(q.blocked, id)
	}
	q.count = 0
	return prs
}

// len -- number of blocked plus replayable requests.
func (q *pendingQueue) len() int {
	return q.count + len(q.replayable)
}
