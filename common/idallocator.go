package common

import (
	"sync"

	"github.com/golang/glog"
)

// IDSource reserves ranges of identifiers. ReserveBatch returns the first
// identifier of a freshly reserved range of 'size' identifiers. A cluster
// would back this with its coordination service; identifiers of a range
// are never handed to anyone else.
type IDSource interface {
	ReserveBatch(size uint64) (ObjectID, error)
}

// IDAllocator -- hands out monotonically increasing identifiers from
// batches reserved from an IDSource.
// next  -- next identifier to hand out.
// limit -- first identifier past the current batch.
type IDAllocator struct {
	mu        sync.Mutex
	src       IDSource
	batchSize uint64
	next      ObjectID
	limit     ObjectID
}

// NewIDAllocator -- instantiates an allocator reserving 'batchSize' ids at a time.
func NewIDAllocator(src IDSource, batchSize uint64) (*IDAllocator, error) {
	if src == nil || batchSize == 0 {
		return nil, ErrInvalidParam
	}
	return &IDAllocator{src: src, batchSize: batchSize}, nil
}

// Next -- returns the next identifier, reserving a new batch when the
// current one is exhausted.
func (a *IDAllocator) Next() (ObjectID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.next >= a.limit {
		first, err := a.src.ReserveBatch(a.batchSize)
		if err != nil {
			glog.Errorf("failed to reserve id batch of %d: %v", a.batchSize, err)
			return InvalidObjectID, err
		}
		a.next = first
		a.limit = first + ObjectID(a.batchSize)
		if a.next.IsNil() {
			a.next++
		}
		glog.V(2).Infof("reserved id batch [%v, %v)", a.next, a.limit)
	}
	id := a.next
	a.next++
	return id, nil
}

// CounterIDSource -- single process IDSource backed by a counter. Useful for
// tests and single node deployments.
type CounterIDSource struct {
	mu   sync.Mutex
	next ObjectID
}

// ReserveBatch -- see IDSource.
func (s *CounterIDSource) ReserveBatch(size uint64) (ObjectID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next.IsNil() {
		s.next = 1
	}
	first := s.next
	s.next += ObjectID(size)
	return first, nil
}
