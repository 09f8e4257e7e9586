// Use of this software is governed by an Apache 2.0
// licence which can be found in the license file

package objectcache

import (
	"objectcache/common"

	"github.com/golang/glog"
)

// refTable -- book keeping map from identifier to reference record. It is the
// only path to a managed object. The table has no lock of its own, every
// method is called with the object cache lock held.
// faulting   -- number of placeholder records.
// checkedOut -- number of records with a non zero holder count.
type refTable struct {
	refs       map[common.ObjectID]*reference
	faulting   int
	checkedOut int
}

func newRefTable() *refTable {
	return &refTable{refs: make(map[common.ObjectID]*reference)}
}

func (t *refTable) get(id common.ObjectID) (*reference, bool) {
	ref, ok := t.refs[id]
	return ref, ok
}

func (t *refTable) len() int {
	return len(t.refs)
}

// addIfNotPresent -- inserts the record unless the id is already tracked.
// Returns false if the id was present.
func (t *refTable) addIfNotPresent(ref *reference) bool {
	if _, ok := t.refs[ref.id]; ok {
		return false
	}
	t.refs[ref.id] = ref
	if ref.isPlaceholder() {
		t.faulting++
	}
	glog.V(2).Infof("tracking %v", ref)
	return true
}

// replacePlaceholder -- swaps the placeholder for the resident record.
func (t *refTable) replacePlaceholder(ref *reference) {
	old, ok := t.refs[ref.id]
	if !ok || !old.isPlaceholder() {
		glog.Errorf("no placeholder to replace for %v (found: %v)", ref.id, old)
		return
	}
	t.faulting--
	t.refs[ref.id] = ref
	glog.V(2).Infof("resident %v", ref)
}

func (t *refTable) remove(id common.ObjectID) {
	ref, ok := t.refs[id]
	if !ok {
		return
	}
	if ref.isPlaceholder() {
		t.faulting--
	}
	if ref.checkedOut() {
		t.checkedOut--
	}
	delete(t.refs, id)
	glog.V(2).Infof("removed %v", ref)
}

// checkOut -- increments the holder count of a resident record.
func (t *refTable) checkOut(ref *reference) {
	if ref.checkouts == 0 {
		t.checkedOut++
	}
	ref.checkouts++
}

// checkIn -- decrements the holder count. Returns false on a release of a
// record that is not checked out.
func (t *refTable) checkIn(ref *reference) bool {
	if ref.checkouts <= 0 {
		return false
	}
	ref.checkouts--
	if ref.checkouts == 0 {
		t.checkedOut--
	}
	return true
}

// forEach -- visits every record until fn returns false.
func (t *refTable) forEach(fn func(ref *reference) bool) {
	for _, ref := range t.refs {
		if !fn(ref) {
			return
		}
	}
}
