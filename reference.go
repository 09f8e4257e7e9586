// Use of this software is governed by an Apache 2.0
// licence which can be found in the license file

package objectcache

import (
	"fmt"

	"objectcache/common"
)

// RefState -- lifecycle state of a reference record.
type RefState int

// Reference record lifecycle states.
const (
	RefStateRemoved RefState = iota
	RefStateNew
	RefStateResidentUnreferenced
	RefStateResidentReferenced
	RefStateFaulting
)

func (s RefState) String() string {
	switch s {
	case RefStateRemoved:
		return "REMOVED"
	case RefStateNew:
		return "NEW"
	case RefStateResidentUnreferenced:
		return "RESIDENT_UNREFERENCED"
	case RefStateResidentReferenced:
		return "RESIDENT_REFERENCED"
	case RefStateFaulting:
		return "FAULTING"
	}
	return "UNKNOWN"
}

// refKind -- which variant of the reference record is populated.
type refKind int

const (
	refResident refKind = iota
	refPlaceholder
)

// reference - a reference record of the table. It is either a placeholder
// for an in-flight fault or a resident record wrapping the object.
// 'removeOnRelease' deletes the record on release; set for faults issued by
//                   garbage collection or management scans.
// 'checkouts' is the holder count. Lookups only hand out records at zero, so
//             it is never above one.
// 'isNew' is set until the first release, the record is not evictable.
// 'evicting' is set while the record waits for its eviction flush.
// 'pinned' is set while the record is a member of the eviction policy.
// 'flushing' counts snapshots queued or in flight; the record is not removed
//            by eviction before they are stored.
// 'releasing' is set while the holder writes the object out on release.
type reference struct {
	id              common.ObjectID
	kind            refKind
	removeOnRelease bool

	obj       *ManagedObject
	checkouts int
	isNew     bool
	evicting  bool
	pinned    bool
	flushing  int
	releasing bool
}

func newPlaceholder(id common.ObjectID, removeOnRelease bool) *reference {
	return &reference{id: id, kind: refPlaceholder, removeOnRelease: removeOnRelease}
}

func newResident(obj *ManagedObject, removeOnRelease bool) *reference {
	return &reference{id: obj.ID, kind: refResident, obj: obj, removeOnRelease: removeOnRelease}
}

func (ref *reference) isPlaceholder() bool {
	return ref.kind == refPlaceholder
}

func (ref *reference) checkedOut() bool {
	return ref.checkouts > 0
}

// available - resident and free to be handed to a new lookup.
func (ref *reference) available() bool {
	return ref.kind == refResident && ref.checkouts == 0
}

func (ref *reference) state() RefState {
	switch {
	case ref.kind == refPlaceholder:
		return RefStateFaulting
	case ref.isNew:
		return RefStateNew
	case ref.checkouts > 0:
		return RefStateResidentReferenced
	}
	return RefStateResidentUnreferenced
}

func (ref *reference) String() string {
	if ref.isPlaceholder() {
		return fmt.Sprintf("{%v FAULTING removeOnRelease: %v}", ref.id, ref.removeOnRelease)
	}
	return fmt.Sprintf("{%v %v checkouts: %d, removeOnRelease: %v, evicting: %v, obj: %v}",
		ref.id, ref.state(), ref.checkouts, ref.removeOnRelease, ref.evicting, ref.obj)
}
