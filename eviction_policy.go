// Use of this software is governed by an Apache 2.0
// licence which can be found in the license file

// This file implements the eviction policy interface used by the object cache
// to order resident, unreferenced objects for reclamation. The concrete
// ordering is pluggable; local_lru_eviction_policy.go implements a LRU based
// policy for a single node.

package objectcache

import (
	"fmt"

	"objectcache/common"
)

// EvictionPolicy - The eviction policy interface needs to be implemented by
// the user if they want the object cache to use their own ordering for
// reclamation. All methods are invoked with the object cache lock held, so
// implementations need no locking of their own.
// Add                   -- Start tracking an evictable object.
// Remove                -- Stop tracking an object (checked out or deleted).
// MarkReferenced        -- Record a use of a tracked object.
// PickRemovalCandidates -- Return up to n objects in reclamation order
//                          without removing them.
// Len                   -- Number of tracked objects.
// Policy                -- Returns the policy name (lru/xyz, etc.)
//
// The cache never trusts candidates blindly: a candidate that is checked out
// is dropped from the policy and skipped.
type EvictionPolicy interface {
	Add(id common.ObjectID) error
	Remove(id common.ObjectID) error
	MarkReferenced(id common.ObjectID)
	PickRemovalCandidates(n int) []common.ObjectID
	Len() int
	Policy() string
}

// NewEvictionPolicy instantiates a policy by name.
func NewEvictionPolicy(name string) (EvictionPolicy, error) {
	switch name {
	case "", common.EvictionPolicyLocalLRU:
		return NewLocalLRUEvictionPolicy(), nil
	}
	return nil, fmt.Errorf("unknown eviction policy %q: %w", name, common.ErrInvalidParam)
}
