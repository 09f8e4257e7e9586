// Use of this software is governed by an Apache 2.0
// licence which can be found in the license file

// This file implements a local single node eviction policy which employs
// LRU ordering.

package objectcache

import (
	"container/list"

	"objectcache/common"

	"github.com/golang/glog"
)

// LocalLRUEvictionPolicy -- eviction policy implementation. Tracked objects
// are kept on a list ordered from most to least recently referenced.
// policy -- name of the policy used.
// lruList -- list containing the identifiers for implementing LRU.
// memMap -- map for tracking the elements for fast lookup.
type LocalLRUEvictionPolicy struct {
	policy  string
	lruList *list.List
	memMap  map[common.ObjectID]*list.Element
}

// NewLocalLRUEvictionPolicy -- instantiates a new local LRU policy.
func NewLocalLRUEvictionPolicy() *LocalLRUEvictionPolicy {
	return &LocalLRUEvictionPolicy{policy: common.EvictionPolicyLocalLRU,
		lruList: list.New(), memMap: make(map[common.ObjectID]*list.Element)}
}

// Add - start tracking an object as most recently used. Adding a tracked
// object promotes it.
func (p *LocalLRUEvictionPolicy) Add(id common.ObjectID) error {
	if elem, ok := p.memMap[id]; ok {
		p.lruList.MoveToFront(elem)
		return common.ErrExists
	}
	p.memMap[id] = p.lruList.PushFront(id)
	glog.V(2).Infof("lru: tracking %v (size: %d)", id, p.lruList.Len())
	return nil
}

// Remove - stop tracking an object.
func (p *LocalLRUEvictionPolicy) Remove(id common.ObjectID) error {
	elem, ok := p.memMap[id]
	if !ok {
		return common.ErrNotFound
	}
	delete(p.memMap, id)
	p.lruList.Remove(elem)
	glog.V(2).Infof("lru: removed %v (size: %d)", id, p.lruList.Len())
	return nil
}

// MarkReferenced - update recency of the object.
func (p *LocalLRUEvictionPolicy) MarkReferenced(id common.ObjectID) {
	if elem, ok := p.memMap[id]; ok {
		p.lruList.MoveToFront(elem)
	}
}

// PickRemovalCandidates - least recently used objects first.
func (p *LocalLRUEvictionPolicy) PickRemovalCandidates(n int) []common.ObjectID {
	if n <= 0 {
		return nil
	}
	candidates := make([]common.ObjectID, 0, n)
	for e := p.lruList.Back(); e != nil && len(candidates) < n; e = e.Prev() {
		candidates = append(candidates, e.Value.(common.ObjectID))
	}
	return candidates
}

// Len - number of tracked objects.
func (p *LocalLRUEvictionPolicy) Len() int {
	return p.lruList.Len()
}

// Policy returns the string representation of the eviction policy.
func (p *LocalLRUEvictionPolicy) Policy() string {
	return p.policy
}
