// Use of this software is governed by an Apache 2.0
// licence which can be found in the license file

// This file implements a dbmanager interface to load and persist managed
// objects from a backend DB, which typically can be a key value store.

package objectcache

import (
	"context"

	"objectcache/common"
)

// DBMgr - The DB Manager interface mentions the API that a persistence layer
// needs to support to back the object cache. Objects are stored as a set of
// key-value pairs keyed by the object identifier. The object cache calls
// these only from its fault and flush workers or from the garbage collection
// driver, never while holding its own lock.
type DBMgr interface {
	// Load gets the object from the underlying db. It should return:
	// (obj, nil) if the object exists.
	// (nil, common.ErrNotFound) if the object was never stored or deleted.
	// (nil, err) on any other DB error.
	Load(ctx context.Context, id common.ObjectID) (*ManagedObject, error)
	// Save stores a single object.
	Save(ctx context.Context, obj *ManagedObject) error
	// SaveBatch stores the objects in a single transaction.
	SaveBatch(ctx context.Context, objs []*ManagedObject) error
	// DeleteBatch deletes the objects in a single transaction. Deleting an
	// object that is not present is not an error.
	DeleteBatch(ctx context.Context, ids []common.ObjectID) error
	// Policy returns the name of the DB manager.
	Policy() string
}

// saveOps -- DB operations for a batch of objects.
func saveOps(objs []*ManagedObject) []common.DBOp {
	ops := make([]common.DBOp, 0, len(objs))
	for _, obj := range objs {
		ops = append(ops, common.DBOp{Op: common.DBOpStore, ID: obj.ID, E: obj})
	}
	return ops
}

// deleteOps -- DB operations for a batch of deletions.
func deleteOps(ids []common.ObjectID) []common.DBOp {
	ops := make([]common.DBOp, 0, len(ids))
	for _, id := range ids {
		ops = append(ops, common.DBOp{Op: common.DBOpDelete, ID: id})
	}
	return ops
}
