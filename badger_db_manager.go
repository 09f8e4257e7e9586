// Use of this software is governed by an Apache 2.0
// licence which can be found in the license file

// This file implements an embedded DB driver on top of badger. Object
// documents are JSON encoded and lz4 compressed.

package objectcache

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"objectcache/common"

	"github.com/dgraph-io/badger/v2"
	"github.com/golang/glog"
	"github.com/pierrec/lz4/v4"
)

// BadgerDBMgr -- badger backed DB implementation.
// db     -- badger instance, owned by the manager if opened by it.
// prefix -- key prefix of this object space.
type BadgerDBMgr struct {
	db     *badger.DB
	prefix []byte
	owned  bool
}

// NewBadgerDBMgr opens a badger DB at dir. An empty dir opens an in memory
// instance.
func NewBadgerDBMgr(dir string, prefix string) (*BadgerDBMgr, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		glog.Errorf("could not open badger at %q :: %v", dir, err)
		return nil, err
	}
	mgr := NewBadgerDBMgrFromDB(db, prefix)
	mgr.owned = true
	return mgr, nil
}

// NewBadgerDBMgrFromDB shares an already opened badger instance.
func NewBadgerDBMgrFromDB(db *badger.DB, prefix string) *BadgerDBMgr {
	return &BadgerDBMgr{db: db, prefix: []byte(prefix)}
}

func (mgr *BadgerDBMgr) key(id common.ObjectID) []byte {
	k := make([]byte, len(mgr.prefix)+8)
	copy(k, mgr.prefix)
	binary.BigEndian.PutUint64(k[len(mgr.prefix):], uint64(id))
	return k
}

// Load - Load an object from the DB
func (mgr *BadgerDBMgr) Load(ctx context.Context, id common.ObjectID) (*ManagedObject, error) {
	var raw []byte
	err := mgr.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(mgr.key(id))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		glog.Errorf("could not read object %v :: %v", id, err)
		return nil, fmt.Errorf("%w: %v", common.ErrDBLoadFailed, err)
	}
	obj, err := decodeBadgerValue(raw)
	if err != nil {
		glog.Errorf("failed to decode object %v (err: %v)", id, err)
		return nil, err
	}
	glog.V(2).Infof("loaded %v from badger", id)
	return obj, nil
}

// Save - store an object in the DB
func (mgr *BadgerDBMgr) Save(ctx context.Context, obj *ManagedObject) error {
	return mgr.AtomicUpdate(saveOps([]*ManagedObject{obj}))
}

// SaveBatch - store a batch of objects in one transaction.
func (mgr *BadgerDBMgr) SaveBatch(ctx context.Context, objs []*ManagedObject) error {
	return mgr.AtomicUpdate(saveOps(objs))
}

// DeleteBatch - delete a batch of objects in one transaction.
func (mgr *BadgerDBMgr) DeleteBatch(ctx context.Context, ids []common.ObjectID) error {
	return mgr.AtomicUpdate(deleteOps(ids))
}

// AtomicUpdate - Updates the DB atomically with the provided ops.
func (mgr *BadgerDBMgr) AtomicUpdate(ops []common.DBOp) error {
	err := mgr.db.Update(func(txn *badger.Txn) error {
		for i := 0; i < len(ops); i++ {
			switch ops[i].Op {
			case common.DBOpStore:
				val, err := encodeBadgerValue(ops[i].E.(*ManagedObject))
				if err != nil {
					return err
				}
				if err := txn.Set(mgr.key(ops[i].ID), val); err != nil {
					return err
				}
			case common.DBOpDelete:
				if err := txn.Delete(mgr.key(ops[i].ID)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		glog.Errorf("failed to commit %d ops (err: %v)", len(ops), err)
		return fmt.Errorf("%w: %v", common.ErrDBUpdateFailed, err)
	}
	glog.V(1).Infof("committed %d ops to badger", len(ops))
	return nil
}

// Close closes the badger instance if the manager opened it.
func (mgr *BadgerDBMgr) Close() error {
	if !mgr.owned {
		return nil
	}
	return mgr.db.Close()
}

// Policy -- Get the policy name for this manager.
func (mgr *BadgerDBMgr) Policy() string {
	return common.DBMgrPolicyBadger
}

func encodeBadgerValue(obj *ManagedObject) ([]byte, error) {
	doc, err := json.Marshal(toStoredObject(obj))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(doc); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeBadgerValue(raw []byte) (*ManagedObject, error) {
	doc, err := io.ReadAll(lz4.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, err
	}
	var so storedObject
	if err := json.Unmarshal(doc, &so); err != nil {
		return nil, err
	}
	return so.toManagedObject(), nil
}
