// Use of this software is governed by an Apache 2.0
// licence which can be found in the license file

package objectcache

import (
	"context"
	"sync"

	"objectcache/common"

	"github.com/golang/glog"
	"golang.org/x/sync/semaphore"
)

// faultResult -- completion value of a fault, applied by the cache.
// Exactly one of 'obj' and 'err' is set.
type faultResult struct {
	id  common.ObjectID
	obj *ManagedObject
	err error
}

// faultEngine loads non-resident objects from the DB manager. Submitting
// never blocks; at most 'workers' loads run at a time.
type faultEngine struct {
	db      DBMgr
	ctx     context.Context
	sem     *semaphore.Weighted
	results chan<- faultResult
	wg      sync.WaitGroup
}

func newFaultEngine(ctx context.Context, db DBMgr, workers int, results chan<- faultResult) *faultEngine {
	return &faultEngine{db: db, ctx: ctx, sem: semaphore.NewWeighted(int64(workers)), results: results}
}

// submit -- starts the asynchronous retrieval of id.
func (e *faultEngine) submit(id common.ObjectID) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.results <- e.load(id)
	}()
}

func (e *faultEngine) load(id common.ObjectID) faultResult {
	if err := e.sem.Acquire(e.ctx, 1); err != nil {
		return faultResult{id: id, err: err}
	}
	defer e.sem.Release(1)
	obj, err := e.db.Load(e.ctx, id)
	if err != nil {
		glog.V(1).Infof("fault of %v failed: %v", id, err)
		return faultResult{id: id, err: err}
	}
	if obj == nil {
		return faultResult{id: id, err: common.ErrNotFound}
	}
	glog.V(2).Infof("faulted in %v", id)
	return faultResult{id: id, obj: obj}
}

// wait -- blocks until every submitted fault delivered its result.
func (e *faultEngine) wait() {
	e.wg.Wait()
}
