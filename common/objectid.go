package common

import (
	"fmt"
	"strconv"
)

// ObjectID - Construct of an identifier to uniquely identify a managed object.
// Identifiers are totally ordered and never reused while any reference to
// them could still exist in cluster state.
type ObjectID uint64

// InvalidObjectID is never handed out by an IDAllocator.
const InvalidObjectID ObjectID = 0

// Compare -- compares the two identifiers.
// Returns -1, 0, 1 for less than, equal to and greater than respectively.
func (id ObjectID) Compare(other ObjectID) int {
	switch {
	case id < other:
		return -1
	case id > other:
		return 1
	}
	return 0
}

// ToString -- string representation, used as document key by DB managers.
func (id ObjectID) ToString() string {
	return strconv.FormatUint(uint64(id), 10)
}

func (id ObjectID) String() string {
	return fmt.Sprintf("oid:%d", uint64(id))
}

// IsNil -- check for the invalid identifier.
func (id ObjectID) IsNil() bool {
	return id == InvalidObjectID
}

// ParseObjectID parses the ToString representation of an identifier.
func ParseObjectID(s string) (ObjectID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return InvalidObjectID, fmt.Errorf("invalid object id %q: %w", s, ErrInvalidParam)
	}
	return ObjectID(v), nil
}

// ObjectIDs - sortable slice of identifiers.
type ObjectIDs []ObjectID

func (ids ObjectIDs) Len() int           { return len(ids) }
func (ids ObjectIDs) Less(i, j int) bool { return ids[i] < ids[j] }
func (ids ObjectIDs) Swap(i, j int)      { ids[i], ids[j] = ids[j], ids[i] }
