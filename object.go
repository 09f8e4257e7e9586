// Use of this software is governed by an Apache 2.0
// licence which can be found in the license file

package objectcache

import (
	"bytes"
	"fmt"

	"objectcache/common"
)

// ManagedObject - the in-memory, mutable representation of a persisted
// object. It is owned by exactly one reference record of the cache and must
// only be touched by the caller that currently has it checked out.
// 'ID' is the identifier of the object.
// 'State' is the serialized application state. It is opaque to the cache.
// 'Refs' are the outgoing references of the object, followed by the
//        reachability traversal.
// 'dirty' is set when the state changed since the last flush.
// 'isNew' is set for objects that were created but never persisted.
type ManagedObject struct {
	ID    common.ObjectID
	State []byte
	Refs  []common.ObjectID
	dirty bool
	isNew bool
}

// NewManagedObject creates a brand new, dirty object.
func NewManagedObject(id common.ObjectID, state []byte, refs ...common.ObjectID) *ManagedObject {
	return &ManagedObject{ID: id, State: state, Refs: refs, dirty: true, isNew: true}
}

// SetState replaces the state and the outgoing references and marks the
// object dirty.
func (obj *ManagedObject) SetState(state []byte, refs ...common.ObjectID) {
	obj.State = state
	obj.Refs = refs
	obj.dirty = true
}

// MarkDirty flags the object for the next flush.
func (obj *ManagedObject) MarkDirty() {
	obj.dirty = true
}

// IsDirty returns whether the object needs to be flushed.
func (obj *ManagedObject) IsDirty() bool {
	return obj.dirty
}

// IsNew returns whether the object was never persisted.
func (obj *ManagedObject) IsNew() bool {
	return obj.isNew
}

// Equal compares identifier, state and references.
func (obj *ManagedObject) Equal(other *ManagedObject) bool {
	if obj == nil || other == nil {
		return obj == other
	}
	if obj.ID != other.ID || !bytes.Equal(obj.State, other.State) || len(obj.Refs) != len(other.Refs) {
		return false
	}
	for i := range obj.Refs {
		if obj.Refs[i] != other.Refs[i] {
			return false
		}
	}
	return true
}

// deepCopy - snapshot handed to the flush engine and the DB managers so that
// the persisted copy never aliases the live object.
func (obj *ManagedObject) deepCopy() *ManagedObject {
	cp := &ManagedObject{ID: obj.ID, dirty: obj.dirty, isNew: obj.isNew}
	if obj.State != nil {
		cp.State = append([]byte(nil), obj.State...)
	}
	if obj.Refs != nil {
		cp.Refs = append([]common.ObjectID(nil), obj.Refs...)
	}
	return cp
}

// markPersisted clears the dirty and new flags after a successful flush.
func (obj *ManagedObject) markPersisted() {
	obj.dirty = false
	obj.isNew = false
}

// String - stringify the object.
func (obj *ManagedObject) String() string {
	return fmt.Sprintf("{%v [state: %d bytes, refs: %v, dirty: %v, new: %v]}",
		obj.ID, len(obj.State), obj.Refs, obj.dirty, obj.isNew)
}

// storedObject - the document shape DB managers persist.
type storedObject struct {
	ID    uint64   `json:"id" mapstructure:"id"`
	State []byte   `json:"state" mapstructure:"state"`
	Refs  []uint64 `json:"refs" mapstructure:"refs"`
}

func toStoredObject(obj *ManagedObject) storedObject {
	so := storedObject{ID: uint64(obj.ID), State: obj.State, Refs: make([]uint64, len(obj.Refs))}
	for i, r := range obj.Refs {
		so.Refs[i] = uint64(r)
	}
	return so
}

func (so storedObject) toManagedObject() *ManagedObject {
	obj := &ManagedObject{ID: common.ObjectID(so.ID), State: so.State}
	if len(so.Refs) > 0 {
		obj.Refs = make([]common.ObjectID, len(so.Refs))
		for i, r := range so.Refs {
			obj.Refs[i] = common.ObjectID(r)
		}
	}
	return obj
}
