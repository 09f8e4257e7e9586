// Use of this software is governed by an Apache 2.0
// licence which can be found in the license file

package common

import "errors"

// Errors types used.
var (
	ErrNotFound       = errors.New("object not found")
	ErrMissingObject  = errors.New("missing object")
	ErrShutdown       = errors.New("object cache is shut down")
	ErrInvariant      = errors.New("object cache invariant violated")
	ErrInvalidParam   = errors.New("Invalid configuration parameter")
	ErrExists         = errors.New("Already exists")
	ErrTooLarge       = errors.New("Too many objects in request")
	ErrBackpressure   = errors.New("too many faults in flight")
	ErrGCNotReady     = errors.New("garbage collection is not ready")
	ErrDBLoadFailed   = errors.New("Failed to load from DB")
	ErrDBUpdateFailed = errors.New("Failed to update DB")
)
