// Use of this software is governed by an Apache 2.0
// licence which can be found in the license file

package objectcache

import (
	"objectcache/common"

	"github.com/golang/glog"
)

// expand -- breadth first expansion over the outgoing references of the
// seeds. Only resident records that are not checked out are included; the
// walk never faults. It stops when a hop yields nothing new or when 'limit'
// records were newly included. References that could not be included
// (checked out, faulting or absent) are returned as deferred ids, in the
// order they were met.
func expand(t *refTable, seeds []*reference, limit int) ([]*reference, []common.ObjectID) {
	if limit <= 0 || len(seeds) == 0 {
		return nil, nil
	}
	seen := make(map[common.ObjectID]bool, len(seeds))
	frontier := make([]*reference, 0, len(seeds))
	for _, ref := range seeds {
		seen[ref.id] = true
		frontier = append(frontier, ref)
	}

	var expanded []*reference
	var deferred []common.ObjectID
	for len(frontier) > 0 && len(expanded) < limit {
		var next []*reference
	hop:
		for _, ref := range frontier {
			for _, out := range ref.obj.Refs {
				if seen[out] {
					continue
				}
				seen[out] = true
				cand, ok := t.get(out)
				if !ok || !cand.available() {
					deferred = append(deferred, out)
					continue
				}
				expanded = append(expanded, cand)
				next = append(next, cand)
				if len(expanded) >= limit {
					break hop
				}
			}
		}
		frontier = next
	}
	glog.V(2).Infof("expanded %d seeds by %d objects (deferred: %v)", len(seeds), len(expanded), deferred)
	return expanded, deferred
}
