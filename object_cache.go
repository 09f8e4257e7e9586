// Use of this software is governed by an Apache 2.0
// licence which can be found in the license file

// This file implements the object cache: the reference table, the fault in
// and flush out protocols, the pending lookup queue and eviction, all driven
// under a single lock. Faults and flushes run on worker goroutines and report
// back through completion values applied by one completion loop.

package objectcache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"objectcache/common"

	"github.com/golang/glog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// FlushFailureObserver is told about batched flushes that failed. The objects
// stay dirty and resident.
type FlushFailureObserver func(ids []common.ObjectID, err error)

// ObjectCacheCtx - context for the object cache. Only DBMgr is required.
// DBMgr          -- backing store of the objects.
// Policy         -- eviction ordering, Config.EvictionPolicy if nil.
// Stats          -- counters sink, ignored if nil.
// GCListener     -- notified when a gc pause reached zero checkouts.
// OnFlushFailure -- notified about failed batched flushes.
// Config         -- tuning, NewDefaultConfig() if nil.
type ObjectCacheCtx struct {
	DBMgr          DBMgr
	Policy         EvictionPolicy
	Stats          StatsSink
	GCListener     GCListener
	OnFlushFailure FlushFailureObserver
	Config         *Config
}

// LookupRequest -- a set of objects to check out together.
// IDs             -- existing objects, faulted in when not resident.
// NewIDs          -- fresh objects to materialize, must not exist.
// Reachable       -- number of extra objects to prefetch by following the
//                    references of the requested ones.
// TolerateMissing -- report ids that do not exist instead of failing.
// RemoveOnRelease -- the lookup is a removal only scan (gc, management); the
//                    objects it faulted are dropped again on release.
type LookupRequest struct {
	IDs             []common.ObjectID
	NewIDs          []common.ObjectID
	Reachable       int
	TolerateMissing bool
	RemoveOnRelease bool
}

// LookupResult -- the checked out objects of a satisfied lookup.
// Deferred lists references met by the prefetch that could not be included.
// Missing lists tolerated ids that do not exist.
type LookupResult struct {
	Objects  map[common.ObjectID]*ManagedObject
	Deferred []common.ObjectID
	Missing  []common.ObjectID
}

// CacheStats -- point in time counters of the cache.
type CacheStats struct {
	Resident      int
	CheckedOut    int
	Faulting      int
	Pending       int
	Evictable     int
	QueuedFlushes int
	Evictions     int64
	Flushes       int64
	FlushBatches  int64
	FlushFailures int64
}

// ObjectCache - in memory manager of persistently backed objects.
type ObjectCache struct {
	mu sync.Mutex

	cfg            *Config
	db             DBMgr
	policy         EvictionPolicy
	stats          StatsSink
	onFlushFailure FlushFailureObserver

	table   *refTable
	pending *pendingQueue
	gc      *gcCoordinator
	faults  *faultEngine
	flusher *flushEngine

	faultResults chan faultResult
	flushResults chan flushResult
	sweepStop    chan struct{}
	group        errgroup.Group
	ctx          context.Context
	cancel       context.CancelFunc

	shutdown      bool
	evictions     int64
	flushes       int64
	flushFailures int64
}

// NewObjectCache creates the cache and starts its completion loop, flush
// engine and, when SweepInterval is set, the background sweeper.
func NewObjectCache(octx ObjectCacheCtx) (*ObjectCache, error) {
	if octx.DBMgr == nil {
		glog.Errorf("object cache needs a DB manager")
		return nil, fmt.Errorf("nil DB manager: %w", common.ErrInvalidParam)
	}
	cfg := octx.Config
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		glog.Errorf("invalid object cache config: %v", err)
		return nil, err
	}
	policy := octx.Policy
	if policy == nil {
		var err error
		if policy, err = NewEvictionPolicy(cfg.EvictionPolicy); err != nil {
			return nil, err
		}
	}
	var stats StatsSink = noopStats{}
	if octx.Stats != nil {
		stats = safeStats{sink: octx.Stats}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &ObjectCache{
		cfg:            cfg,
		db:             octx.DBMgr,
		policy:         policy,
		stats:          stats,
		onFlushFailure: octx.OnFlushFailure,
		table:          newRefTable(),
		pending:        newPendingQueue(cfg.DeferralLogInterval),
		gc:             newGCCoordinator(octx.GCListener, cfg.GCPollInterval),
		faultResults:   make(chan faultResult, cfg.FaultWorkers),
		flushResults:   make(chan flushResult, 1),
		sweepStop:      make(chan struct{}),
		ctx:            ctx,
		cancel:         cancel,
	}
	c.faults = newFaultEngine(ctx, c.db, cfg.FaultWorkers, c.faultResults)
	c.flusher = newFlushEngine(ctx, c.db, cfg.MaxFlushBatch, cfg.FlushInterval, c.flushResults)
	c.group.Go(c.completions)
	if cfg.SweepInterval > 0 {
		c.group.Go(c.sweeper)
	}
	glog.Infof("object cache started (db: %s, eviction: %s, paranoid flush: %v)",
		c.db.Policy(), policy.Policy(), cfg.ParanoidFlush)
	return c, nil
}

// completions -- applies fault and flush completion values until both
// result channels are closed.
func (c *ObjectCache) completions() error {
	var faults <-chan faultResult = c.faultResults
	var flushes <-chan flushResult = c.flushResults
	for faults != nil || flushes != nil {
		select {
		case r, ok := <-faults:
			if !ok {
				faults = nil
				continue
			}
			c.applyFault(r)
		case r, ok := <-flushes:
			if !ok {
				flushes = nil
				continue
			}
			c.applyFlush(r)
		}
	}
	return nil
}

func dedupIDs(ids []common.ObjectID) []common.ObjectID {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[common.ObjectID]bool, len(ids))
	out := make([]common.ObjectID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func (c *ObjectCache) validateLookup(req *LookupRequest) error {
	req.IDs = dedupIDs(req.IDs)
	req.NewIDs = dedupIDs(req.NewIDs)
	n := len(req.IDs) + len(req.NewIDs)
	if n == 0 || req.Reachable < 0 {
		return fmt.Errorf("empty lookup or negative reachable budget: %w", common.ErrInvalidParam)
	}
	if n > c.cfg.MaxLookupFanOut {
		return fmt.Errorf("lookup of %d objects exceeds %d: %w", n, c.cfg.MaxLookupFanOut, common.ErrTooLarge)
	}
	existing := make(map[common.ObjectID]bool, len(req.IDs))
	for _, id := range req.IDs {
		if id.IsNil() {
			return fmt.Errorf("lookup of nil id: %w", common.ErrInvalidParam)
		}
		existing[id] = true
	}
	for _, id := range req.NewIDs {
		if id.IsNil() || existing[id] {
			return fmt.Errorf("new id %v is nil or also looked up: %w", id, common.ErrInvalidParam)
		}
	}
	return nil
}

// Lookup checks out every object of the request, or none. It never blocks:
// either the result is returned, or the lookup is deferred and the returned
// PendingLookup completes once the blocking objects clear. Exactly one of
// the result and the pending lookup is non nil when err is nil.
func (c *ObjectCache) Lookup(req LookupRequest) (*LookupResult, *PendingLookup, error) {
	if err := c.validateLookup(&req); err != nil {
		return nil, nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return nil, nil, common.ErrShutdown
	}
	for _, id := range req.NewIDs {
		if _, ok := c.table.get(id); ok {
			return nil, nil, fmt.Errorf("new object %v: %w", id, common.ErrExists)
		}
	}

	pr := newPendingRequest(req)
	for _, id := range req.NewIDs {
		ref := newResident(NewManagedObject(id, nil), false)
		ref.isNew = true
		c.table.addIfNotPresent(ref)
		c.table.checkOut(ref)
		pr.created[id] = ref
		c.stats.ObjectCreated()
	}
	result, blocked, err := c.attemptLocked(pr)
	switch {
	case err != nil:
		c.dropCreatedLocked(pr)
		return nil, nil, err
	case blocked:
		return nil, pr.future, nil
	}
	return result, nil, nil
}

// attemptLocked -- resolves every id of the request from scratch. Misses are
// faulted all at once, unless that takes the faults in flight above
// MaxInFlightFaults. If anything is faulting or checked out the request is
// parked on the first such id, otherwise everything is checked out.
func (c *ObjectCache) attemptLocked(pr *pendingRequest) (*LookupResult, bool, error) {
	removalOnly := pr.req.RemoveOnRelease
	misses := 0
	for _, id := range pr.req.IDs {
		if _, ok := c.table.get(id); !ok && !pr.missing[id] {
			misses++
		}
	}
	if misses > 0 && c.table.faulting+misses > c.cfg.MaxInFlightFaults {
		return nil, false, fmt.Errorf("%d faults in flight, %d more requested: %w",
			c.table.faulting, misses, common.ErrBackpressure)
	}
	var refs []*reference
	var blocker common.ObjectID
	for _, id := range pr.req.IDs {
		if pr.missing[id] {
			continue
		}
		ref, ok := c.table.get(id)
		switch {
		case !ok:
			c.faultLocked(id, removalOnly)
			pr.faulted[id] = true
		case ref.isPlaceholder():
			if !removalOnly && ref.removeOnRelease {
				glog.V(2).Infof("regular lookup downgrades removal only fault of %v", id)
				ref.removeOnRelease = false
			}
		case ref.checkedOut():
		default:
			refs = append(refs, ref)
			continue
		}
		if blocker.IsNil() {
			blocker = id
		}
	}
	if !blocker.IsNil() {
		for _, ref := range refs {
			if ref.pinned {
				c.policy.MarkReferenced(ref.id)
			}
		}
		c.pending.block(blocker, pr)
		return nil, true, nil
	}

	result := &LookupResult{Objects: make(map[common.ObjectID]*ManagedObject, len(refs)+len(pr.created))}
	seeds := make([]*reference, 0, len(refs)+len(pr.created))
	for _, ref := range refs {
		c.checkOutLocked(ref, removalOnly)
		result.Objects[ref.id] = ref.obj
		seeds = append(seeds, ref)
		if !pr.faulted[ref.id] {
			c.stats.CacheHit()
		}
	}
	for id, ref := range pr.created {
		result.Objects[id] = ref.obj
		seeds = append(seeds, ref)
	}
	budget := pr.req.Reachable
	if budget > c.cfg.MaxReachableObjects {
		budget = c.cfg.MaxReachableObjects
	}
	if budget > 0 {
		expanded, deferred := expand(c.table, seeds, budget)
		for _, ref := range expanded {
			c.checkOutLocked(ref, removalOnly)
			result.Objects[ref.id] = ref.obj
		}
		result.Deferred = deferred
	}
	for id := range pr.missing {
		result.Missing = append(result.Missing, id)
	}
	sort.Sort(common.ObjectIDs(result.Missing))
	return result, false, nil
}

// faultLocked -- installs the placeholder and submits the load.
func (c *ObjectCache) faultLocked(id common.ObjectID, removeOnRelease bool) {
	c.table.addIfNotPresent(newPlaceholder(id, removeOnRelease))
	c.stats.CacheMiss()
	c.faults.submit(id)
}

// checkOutLocked -- hands an available record to a lookup. The record leaves
// the eviction policy and a pending eviction is cancelled.
func (c *ObjectCache) checkOutLocked(ref *reference, removalOnly bool) {
	if ref.pinned {
		if err := c.policy.Remove(ref.id); err != nil {
			glog.Errorf("failed to remove %v from eviction policy: %v", ref.id, err)
		}
		ref.pinned = false
	}
	if ref.evicting {
		glog.V(2).Infof("lookup cancels eviction of %v", ref.id)
		ref.evicting = false
	}
	if !removalOnly {
		ref.removeOnRelease = false
	}
	c.table.checkOut(ref)
}

// pinLocked -- makes an unreferenced record evictable.
func (c *ObjectCache) pinLocked(ref *reference) {
	if ref.pinned {
		return
	}
	if err := c.policy.Add(ref.id); err != nil {
		glog.Errorf("failed to add %v to eviction policy: %v", ref.id, err)
	}
	ref.pinned = true
}

// failLocked -- completes a pending lookup with err and drops the objects
// it created.
func (c *ObjectCache) failLocked(pr *pendingRequest, err error) {
	c.dropCreatedLocked(pr)
	pr.future.complete(nil, err)
}

func (c *ObjectCache) dropCreatedLocked(pr *pendingRequest) {
	for id, ref := range pr.created {
		c.table.checkIn(ref)
		c.table.remove(id)
		c.pending.unblock(id)
	}
	if len(pr.created) > 0 && c.table.checkedOut == 0 {
		c.zeroCheckoutsLocked()
	}
	pr.created = nil
}

// processReplaysLocked -- re-attempts every replayable lookup.
func (c *ObjectCache) processReplaysLocked() {
	for {
		prs := c.pending.drainReplayable()
		if len(prs) == 0 {
			return
		}
		for _, pr := range prs {
			result, blocked, err := c.attemptLocked(pr)
			switch {
			case err != nil:
				c.failLocked(pr, err)
			case !blocked:
				pr.future.complete(result, nil)
			}
		}
	}
}

func (c *ObjectCache) applyFault(r faultResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref, ok := c.table.get(r.id)
	if !ok || !ref.isPlaceholder() {
		glog.Errorf("fault completion of %v without placeholder (found: %v)", r.id, ref)
		return
	}
	if r.err != nil {
		c.table.remove(r.id)
		notFound := errors.Is(r.err, common.ErrNotFound)
		for _, pr := range c.pending.takeInterested(r.id) {
			switch {
			case notFound && pr.req.TolerateMissing:
				pr.missing[r.id] = true
				c.pending.requeue(pr)
			case notFound:
				c.failLocked(pr, fmt.Errorf("%w: %v", common.ErrMissingObject, r.id))
			default:
				c.failLocked(pr, fmt.Errorf("fault of %v failed: %w", r.id, r.err))
			}
		}
	} else {
		r.obj.markPersisted()
		res := newResident(r.obj, ref.removeOnRelease)
		c.table.replacePlaceholder(res)
		if !res.removeOnRelease {
			c.pinLocked(res)
		}
		c.pending.unblock(r.id)
	}
	c.processReplaysLocked()
	c.evictIfNeededLocked()
}

func (c *ObjectCache) applyFlush(r flushResult) {
	c.mu.Lock()
	var failed []common.ObjectID
	for _, job := range r.jobs {
		ref, ok := c.table.get(job.obj.ID)
		if !ok || ref.isPlaceholder() {
			continue
		}
		if ref.flushing > 0 {
			ref.flushing--
		}
		if r.err != nil {
			ref.obj.dirty = true
			failed = append(failed, ref.id)
			if ref.evicting {
				ref.evicting = false
				ref.removeOnRelease = false
				if !ref.checkedOut() {
					c.pinLocked(ref)
				}
			}
			continue
		}
		ref.obj.isNew = false
		if c.gc.state == GCActive && evictable(ref) {
			glog.V(2).Infof("evicted %v after flush", ref.id)
			c.table.remove(ref.id)
			c.evictions++
		}
	}
	if r.err != nil {
		c.flushFailures++
	} else {
		c.flushes += int64(len(r.jobs))
		c.processReplaysLocked()
	}
	observer := c.onFlushFailure
	c.mu.Unlock()

	if r.err != nil && observer != nil && len(failed) > 0 {
		observer(failed, r.err)
	}
}

// Create inserts a brand new object, checked out to the caller. It is not
// evictable until its first release.
func (c *ObjectCache) Create(obj *ManagedObject) error {
	if obj == nil || obj.ID.IsNil() {
		return fmt.Errorf("nil object or id: %w", common.ErrInvalidParam)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return common.ErrShutdown
	}
	if _, ok := c.table.get(obj.ID); ok {
		return fmt.Errorf("create %v: %w", obj.ID, common.ErrExists)
	}
	obj.dirty = true
	obj.isNew = true
	ref := newResident(obj, false)
	ref.isNew = true
	c.table.addIfNotPresent(ref)
	c.table.checkOut(ref)
	c.stats.ObjectCreated()
	return nil
}

// heldRefLocked -- the checked out record that owns obj.
func (c *ObjectCache) heldRefLocked(obj *ManagedObject) (*reference, error) {
	ref, ok := c.table.get(obj.ID)
	if !ok || ref.isPlaceholder() || ref.obj != obj || !ref.checkedOut() || ref.releasing {
		glog.Errorf("release of %v that is not checked out (record: %v)", obj.ID, ref)
		return nil, fmt.Errorf("release of %v that is not checked out: %w", obj.ID, common.ErrInvariant)
	}
	return ref, nil
}

// Release gives a checked out object back. With persistIfDirty a dirty object
// is written: synchronously in paranoid mode, where a write error is
// returned after the release completed and the object stays dirty, or
// through the flush engine otherwise.
func (c *ObjectCache) Release(obj *ManagedObject, persistIfDirty bool) error {
	if obj == nil {
		return fmt.Errorf("nil object: %w", common.ErrInvalidParam)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return common.ErrShutdown
	}
	ref, err := c.heldRefLocked(obj)
	if err != nil {
		return err
	}

	var flushErr error
	if persistIfDirty && obj.dirty {
		if c.cfg.ParanoidFlush {
			snap := obj.deepCopy()
			ref.releasing = true
			c.mu.Unlock()
			flushErr = c.db.Save(c.ctx, snap)
			c.mu.Lock()
			ref.releasing = false
			if flushErr != nil {
				glog.Errorf("paranoid flush of %v failed (err: %v)", obj.ID, flushErr)
				flushErr = fmt.Errorf("flush of %v: %w", obj.ID, flushErr)
			} else {
				obj.markPersisted()
				c.flushes++
			}
		} else {
			c.queueFlushLocked(ref, false)
		}
	}
	if err := c.releaseLocked(ref); err != nil {
		return multierr.Append(err, flushErr)
	}
	return flushErr
}

func (c *ObjectCache) releaseLocked(ref *reference) error {
	if !c.table.checkIn(ref) {
		glog.Errorf("double release of %v", ref)
		return fmt.Errorf("double release of %v: %w", ref.id, common.ErrInvariant)
	}
	if ref.checkedOut() {
		return nil
	}
	ref.isNew = false
	switch {
	case ref.removeOnRelease && !ref.obj.dirty && ref.flushing == 0 && c.gc.state == GCActive:
		c.table.remove(ref.id)
	case ref.removeOnRelease:
		c.evictLocked(ref)
	default:
		c.pinLocked(ref)
	}
	c.pending.unblock(ref.id)
	if c.table.checkedOut == 0 {
		c.zeroCheckoutsLocked()
	}
	c.processReplaysLocked()
	c.evictIfNeededLocked()
	return nil
}

// evictLocked -- drops an unreferenced record. A dirty record stays in the
// table until its snapshot is stored, any record stays while a gc cycle runs.
func (c *ObjectCache) evictLocked(ref *reference) {
	if !ref.obj.dirty && ref.flushing == 0 && c.gc.state == GCActive {
		c.table.remove(ref.id)
		c.evictions++
		return
	}
	ref.evicting = true
	if ref.obj.dirty {
		c.queueFlushLocked(ref, true)
	}
}

// evictable -- an evicting record with nothing left to store.
func evictable(ref *reference) bool {
	return ref.evicting && ref.flushing == 0 && !ref.checkedOut() && !ref.obj.dirty
}

// completeEvictionsLocked -- removes the evicting records whose flushes
// completed while a gc cycle was running.
func (c *ObjectCache) completeEvictionsLocked() {
	n := 0
	c.table.forEach(func(ref *reference) bool {
		if !ref.isPlaceholder() && evictable(ref) {
			c.table.remove(ref.id)
			c.evictions++
			n++
		}
		return true
	})
	if n > 0 {
		glog.V(1).Infof("completed %d deferred evictions", n)
	}
}

// queueFlushLocked -- hands a snapshot of the object to the flush engine.
// The live object is clean until it is modified again.
func (c *ObjectCache) queueFlushLocked(ref *reference, evictAfter bool) {
	if c.flusher.enqueue(flushJob{obj: ref.obj.deepCopy(), evictAfter: evictAfter}) {
		ref.flushing++
	}
	ref.obj.dirty = false
}

// evictIfNeededLocked -- evicts down to MaxResidentObjects evictable
// records. Nothing is evicted while a gc cycle is running.
func (c *ObjectCache) evictIfNeededLocked() {
	if c.shutdown || c.gc.state != GCActive {
		return
	}
	excess := c.policy.Len() - c.cfg.MaxResidentObjects
	if excess <= 0 {
		return
	}
	for _, id := range c.policy.PickRemovalCandidates(excess) {
		if err := c.policy.Remove(id); err != nil {
			glog.Errorf("failed to remove candidate %v from eviction policy: %v", id, err)
		}
		ref, ok := c.table.get(id)
		if !ok || ref.isPlaceholder() {
			glog.Errorf("eviction policy returned untracked %v", id)
			continue
		}
		ref.pinned = false
		if ref.checkedOut() {
			glog.Errorf("eviction policy returned checked out %v", ref)
			continue
		}
		c.evictLocked(ref)
	}
	glog.V(1).Infof("evicted down to %d evictable objects", c.policy.Len())
}

// Sweep writes behind every dirty unreferenced object, drops records left
// behind by abandoned removal only lookups and evicts down to capacity.
func (c *ObjectCache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return
	}
	queued := 0
	c.table.forEach(func(ref *reference) bool {
		if ref.isPlaceholder() || ref.checkedOut() || ref.evicting {
			return true
		}
		if ref.removeOnRelease && !ref.pinned {
			c.evictLocked(ref)
			return true
		}
		if ref.obj.dirty {
			c.queueFlushLocked(ref, false)
			queued++
		}
		return true
	})
	glog.V(1).Infof("sweep queued %d dirty objects", queued)
	if c.gc.state == GCActive {
		c.completeEvictionsLocked()
	}
	c.evictIfNeededLocked()
}

func (c *ObjectCache) sweeper() error {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.sweepStop:
			return nil
		}
	}
}

// Stats returns a snapshot of the cache counters.
func (c *ObjectCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Resident:      c.table.len() - c.table.faulting,
		CheckedOut:    c.table.checkedOut,
		Faulting:      c.table.faulting,
		Pending:       c.pending.len(),
		Evictable:     c.policy.Len(),
		QueuedFlushes: c.flusher.pending(),
		Evictions:     c.evictions,
		Flushes:       c.flushes,
		FlushBatches:  c.flusher.written(),
		FlushFailures: c.flushFailures,
	}
}

// State returns the lifecycle state of id.
func (c *ObjectCache) State(id common.ObjectID) RefState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ref, ok := c.table.get(id); ok {
		return ref.state()
	}
	return RefStateRemoved
}

// Shutdown moves the cache to its terminal state. New calls and pending
// lookups fail with ErrShutdown, in flight faults drain, queued flushes are
// written and every dirty resident object is flushed. Returns the flush
// errors met on the way.
func (c *ObjectCache) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return common.ErrShutdown
	}
	c.shutdown = true
	prs := c.pending.drainAll()
	for _, pr := range prs {
		c.failLocked(pr, common.ErrShutdown)
	}
	c.gc.broadcast()
	c.mu.Unlock()
	glog.Infof("object cache shutting down (failed %d pending lookups)", len(prs))

	close(c.sweepStop)
	c.faults.wait()
	errs := c.flusher.stop()

	c.mu.Lock()
	var dirty []*ManagedObject
	c.table.forEach(func(ref *reference) bool {
		if !ref.isPlaceholder() && ref.obj.dirty {
			dirty = append(dirty, ref.obj.deepCopy())
			ref.obj.dirty = false
		}
		return true
	})
	c.mu.Unlock()

	for start := 0; start < len(dirty); start += c.cfg.MaxFlushBatch {
		end := start + c.cfg.MaxFlushBatch
		if end > len(dirty) {
			end = len(dirty)
		}
		if err := c.db.SaveBatch(ctx, dirty[start:end]); err != nil {
			glog.Errorf("final flush of %d objects failed (err: %v)", end-start, err)
			errs = multierr.Append(errs, err)
			c.mu.Lock()
			for _, snap := range dirty[start:end] {
				if ref, ok := c.table.get(snap.ID); ok && !ref.isPlaceholder() {
					ref.obj.dirty = true
				}
			}
			c.mu.Unlock()
		}
	}

	close(c.faultResults)
	close(c.flushResults)
	if err := c.group.Wait(); err != nil {
		errs = multierr.Append(errs, err)
	}
	c.cancel()
	glog.Infof("object cache shut down (flushed %d dirty objects)", len(dirty))
	return errs
}
