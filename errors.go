package cyphal

import (
	"errors"
	"strconv"
)

var (
	ErrInvalidArgument = errors.New("invalid arg")
	ErrMemory          = errors.New("memory resource exhausted")
	ErrAlreadyExists   = errors.New("port already bound")
	ErrNotFound        = errors.New("not found")
	ErrCapacity        = errors.New("tx queue capacity exceeded")
	ErrTimeout         = errors.New("deadline expired before response")
	ErrSerialization   = errors.New("serialization failure")
	ErrClosed          = errors.New("session or transport closed")
	ErrAnonymous       = errors.New("operation requires a local node id")

	errEmptyPayload  = errors.New("empty or nil payload")
	errInvalidFrame  = errors.New("invalid frame")
	ErrBadDstAddr    = errors.New("bad destination address on frame")
	ErrInvalidNodeID = errors.New("node id out of range for the transport")
	ErrNoMatchingSub = errors.New("no matching session")
	ErrTransferKind  = errors.New("undefined transfer kind")

	errAVLNodeNotFound = errors.New("avl: node not found")
	errAVLNilRoot      = errors.New("avl: nil root")
)

// MediaError wraps a fault reported by a media driver with the index of the
// redundant interface it occurred on.
type MediaError struct {
	Media int
	Op    string
	Err   error
}

func (e *MediaError) Error() string {
	return "media " + strconv.Itoa(e.Media) + ": " + e.Op + ": " + e.Err.Error()
}

func (e *MediaError) Unwrap() error { return e.Err }
