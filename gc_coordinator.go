// Use of this software is governed by an Apache 2.0
// licence which can be found in the license file

// This file implements the pause/resume handshake between the object cache
// and a reference tracing garbage collector.
//
// ACTIVE --OnGCPauseRequested--> PAUSING --zero checkouts--> READY
// READY  --OnGCComplete/OnGCResumed--> ACTIVE
//
// While the collector is not ACTIVE the cache keeps serving lookups and
// releases but completes no evictions.

package objectcache

import (
	"context"
	"fmt"
	"time"

	"objectcache/common"

	"github.com/golang/glog"
	"go.uber.org/multierr"
)

// GCState -- phase of the collector handshake.
type GCState int

// Collector handshake phases.
const (
	GCActive GCState = iota
	GCPausing
	GCReady
)

func (s GCState) String() string {
	switch s {
	case GCActive:
		return "ACTIVE"
	case GCPausing:
		return "PAUSING"
	case GCReady:
		return "READY"
	}
	return "UNKNOWN"
}

// GCListener is notified once the cache reached zero checked out objects
// after a pause request. It is invoked on its own goroutine.
type GCListener interface {
	ReadyToGC()
}

// gcCoordinator -- collector state, guarded by the object cache lock.
// 'zeroCh' is closed (and replaced) every time the checked out count drops
// to zero, waking WaitUntilReadyToGC callers.
// 'collecting' is set while OnGCComplete pushes deletions to the DB.
type gcCoordinator struct {
	state      GCState
	listener   GCListener
	zeroCh     chan struct{}
	collecting bool
	poll       time.Duration
}

func newGCCoordinator(listener GCListener, poll time.Duration) *gcCoordinator {
	return &gcCoordinator{state: GCActive, listener: listener, zeroCh: make(chan struct{}), poll: poll}
}

// broadcast -- wakes every waiter of the current zero channel.
func (gc *gcCoordinator) broadcast() {
	close(gc.zeroCh)
	gc.zeroCh = make(chan struct{})
}

// zeroCheckoutsLocked -- called whenever the checked out count reaches zero.
func (c *ObjectCache) zeroCheckoutsLocked() {
	c.gc.broadcast()
	if c.gc.state == GCPausing {
		c.gcReadyLocked()
	}
}

func (c *ObjectCache) gcReadyLocked() {
	c.gc.state = GCReady
	glog.Infof("object cache ready to gc (resident: %d)", c.table.len())
	if l := c.gc.listener; l != nil {
		go l.ReadyToGC()
	}
}

// OnGCPauseRequested stops evictions and moves the coordinator to PAUSING,
// or straight to READY when nothing is checked out.
func (c *ObjectCache) OnGCPauseRequested() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return
	}
	if c.gc.state != GCActive {
		glog.Warningf("gc pause requested in state %v", c.gc.state)
		return
	}
	c.gc.state = GCPausing
	glog.Infof("gc pause requested (checked out: %d)", c.table.checkedOut)
	if c.table.checkedOut == 0 {
		c.gcReadyLocked()
	}
}

// OnGCResumed abandons the collection cycle and resumes evictions.
func (c *ObjectCache) OnGCResumed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gc.collecting {
		glog.Warningf("gc resumed while deletions are in progress")
		return
	}
	c.gc.state = GCActive
	glog.Infof("gc resumed")
	c.completeEvictionsLocked()
	c.evictIfNeededLocked()
}

// GCState returns the current collector phase.
func (c *ObjectCache) GCState() GCState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gc.state
}

// WaitUntilReadyToGC blocks until no object is checked out. It polls every
// GCPollInterval in addition to being woken by releases so that a release
// racing the check is never lost.
func (c *ObjectCache) WaitUntilReadyToGC(ctx context.Context) error {
	ticker := time.NewTicker(c.gc.poll)
	defer ticker.Stop()
	for {
		c.mu.Lock()
		if c.shutdown {
			c.mu.Unlock()
			return common.ErrShutdown
		}
		if c.table.checkedOut == 0 {
			c.mu.Unlock()
			return nil
		}
		ch := c.gc.zeroCh
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// OnGCComplete deletes the unreachable ids computed by the collector. The
// coordinator must be READY. Nothing is mutated if any id is checked out or
// faulting. Deletions are pushed to the DB in batches of at most
// MaxFlushBatch, after which the coordinator returns to ACTIVE.
func (c *ObjectCache) OnGCComplete(ctx context.Context, ids []common.ObjectID) error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return common.ErrShutdown
	}
	if c.gc.state != GCReady || c.gc.collecting {
		state := c.gc.state
		c.mu.Unlock()
		return fmt.Errorf("gc complete in state %v: %w", state, common.ErrGCNotReady)
	}
	for _, id := range ids {
		if ref, ok := c.table.get(id); ok && (ref.isPlaceholder() || ref.checkedOut()) {
			c.mu.Unlock()
			glog.Errorf("gc attempted to delete live object %v", ref)
			return fmt.Errorf("gc delete of live object %v: %w", id, common.ErrInvariant)
		}
	}
	for _, id := range ids {
		ref, ok := c.table.get(id)
		if !ok {
			continue
		}
		if ref.pinned {
			if err := c.policy.Remove(id); err != nil {
				glog.Errorf("failed to remove %v from eviction policy: %v", id, err)
			}
			ref.pinned = false
		}
		c.table.remove(id)
		c.pending.unblock(id)
	}
	c.gc.collecting = true
	c.mu.Unlock()

	if dropped := c.flusher.cancel(ids); len(dropped) > 0 {
		glog.V(1).Infof("gc dropped %d queued flushes", len(dropped))
	}
	var errs error
	for start := 0; start < len(ids); start += c.cfg.MaxFlushBatch {
		end := start + c.cfg.MaxFlushBatch
		if end > len(ids) {
			end = len(ids)
		}
		if err := c.db.DeleteBatch(ctx, ids[start:end]); err != nil {
			glog.Errorf("gc failed to delete %d objects (err: %v)", end-start, err)
			errs = multierr.Append(errs, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.gc.collecting = false
	c.gc.state = GCActive
	glog.Infof("gc deleted %d objects", len(ids))
	c.processReplaysLocked()
	c.completeEvictionsLocked()
	c.evictIfNeededLocked()
	return errs
}
