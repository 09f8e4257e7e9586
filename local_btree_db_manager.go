// Use of this software is governed by an Apache 2.0
// licence which can be found in the license file

// This file implements a single node, in memory DB driver. Objects are kept
// in a btree ordered by identifier.

package objectcache

import (
	"context"
	"sync"

	"objectcache/common"

	"github.com/golang/glog"
	"github.com/google/btree"
)

// dbEntry -- btree item of LocalBTreeDBMgr.
type dbEntry struct {
	id  common.ObjectID
	obj *ManagedObject
}

// LocalBTreeDBMgr -- memory based DB implementation. DB is just a btree.
type LocalBTreeDBMgr struct {
	mu     sync.RWMutex
	tree   *btree.BTreeG[dbEntry]
	policy string
}

// NewLocalBTreeDBMgr -- instantiates a new local in memory DB manager.
func NewLocalBTreeDBMgr() *LocalBTreeDBMgr {
	return &LocalBTreeDBMgr{policy: common.DBMgrPolicyLocalBTree,
		tree: btree.NewG[dbEntry](8, func(a, b dbEntry) bool { return a.id < b.id })}
}

// Load - Load an object from the DB
func (mgr *LocalBTreeDBMgr) Load(ctx context.Context, id common.ObjectID) (*ManagedObject, error) {
	if TestPointExecute(TestPointFailDBFetch) {
		return nil, common.ErrDBLoadFailed
	}
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	entry, ok := mgr.tree.Get(dbEntry{id: id})
	glog.V(2).Infof("loading %v from db", id)
	if !ok {
		return nil, common.ErrNotFound
	}
	return entry.obj.deepCopy(), nil
}

// Save - store an object in the DB
func (mgr *LocalBTreeDBMgr) Save(ctx context.Context, obj *ManagedObject) error {
	return mgr.AtomicUpdate(saveOps([]*ManagedObject{obj}))
}

// SaveBatch - store a batch of objects atomically.
func (mgr *LocalBTreeDBMgr) SaveBatch(ctx context.Context, objs []*ManagedObject) error {
	return mgr.AtomicUpdate(saveOps(objs))
}

// DeleteBatch - delete a batch of objects atomically.
func (mgr *LocalBTreeDBMgr) DeleteBatch(ctx context.Context, ids []common.ObjectID) error {
	if TestPointExecute(TestPointFailDBDelete) {
		return common.ErrDBUpdateFailed
	}
	return mgr.AtomicUpdate(deleteOps(ids))
}

// AtomicUpdate - Updates the DB atomically with the provided ops.
func (mgr *LocalBTreeDBMgr) AtomicUpdate(ops []common.DBOp) error {
	if TestPointExecute(TestPointFailDBUpdate) {
		return common.ErrDBUpdateFailed
	}
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	for i := 0; i < len(ops); i++ {
		switch ops[i].Op {
		case common.DBOpStore:
			obj := ops[i].E.(*ManagedObject).deepCopy()
			obj.markPersisted()
			mgr.tree.ReplaceOrInsert(dbEntry{id: ops[i].ID, obj: obj})
			glog.V(1).Infof("storing %v in db (val: %v)", ops[i].ID, obj)
		case common.DBOpDelete:
			mgr.tree.Delete(dbEntry{id: ops[i].ID})
			glog.V(1).Infof("deleting %v from db", ops[i].ID)
		}
	}
	return nil
}

// Len -- number of stored objects.
func (mgr *LocalBTreeDBMgr) Len() int {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	return mgr.tree.Len()
}

// IDs -- stored identifiers in ascending order.
func (mgr *LocalBTreeDBMgr) IDs() []common.ObjectID {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	ids := make([]common.ObjectID, 0, mgr.tree.Len())
	mgr.tree.Ascend(func(e dbEntry) bool {
		ids = append(ids, e.id)
		return true
	})
	return ids
}

// LogAllKeys -- Prints the content of the DB
func (mgr *LocalBTreeDBMgr) LogAllKeys() {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	mgr.tree.Ascend(func(e dbEntry) bool {
		glog.Infof("%v: %v", e.id, e.obj)
		return true
	})
}

// Policy -- Get the policy name for this manager.
func (mgr *LocalBTreeDBMgr) Policy() string {
	return mgr.policy
}
