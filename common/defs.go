package common

// DBOpType -- type of DB operation that is to be done.
type DBOpType int

// DBOp -- A given DB operation.
// Op  - is the type of operation (store/delete)
// ID  - is the object on which operation needs to be done.
// E   - optional value for the object (not used if operation is delete)
type DBOp struct {
	Op DBOpType
	ID ObjectID
	E  interface{}
}

// String returns the name of the operation type.
func (op DBOpType) String() string {
	switch op {
	case DBOpStore:
		return "store"
	case DBOpDelete:
		return "delete"
	}
	return "unknown"
}
