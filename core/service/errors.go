package service

import (
	"errors"

	"github.com/wricardo/mcp-training/toolgate/core/manager"
	"github.com/wricardo/mcp-training/toolgate/core/session"
)

var (
	ErrToolNotFound     = errors.New("tool not found")
	ErrToolExists       = errors.New("tool already registered")
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// ErrorKind groups errors by how a transport should report them
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindBusy
	KindDraining
	KindPayloadTooLarge
	KindInvalid
	KindNotFound
	KindTimeout
	KindOperation
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindBusy:
		return "busy"
	case KindDraining:
		return "draining"
	case KindPayloadTooLarge:
		return "payload_too_large"
	case KindInvalid:
		return "invalid"
	case KindNotFound:
		return "not_found"
	case KindTimeout:
		return "timeout"
	case KindOperation:
		return "operation"
	default:
		return "internal"
	}
}

// Classify maps an error from Invoke (or any service call) to its kind.
// Admission errors are checked before the operation wrappers so a tool
// that rejects its arguments is reported as invalid, not as a failure.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, session.ErrCapacityExceeded):
		return KindBusy
	case errors.Is(err, session.ErrShutdownInProgress):
		return KindDraining
	case errors.Is(err, session.ErrMetadataTooLarge):
		return KindPayloadTooLarge
	case errors.Is(err, session.ErrInvalidMetadata), errors.Is(err, ErrInvalidArguments), errors.Is(err, session.ErrSessionExists):
		return KindInvalid
	case errors.Is(err, ErrToolNotFound), errors.Is(err, session.ErrSessionNotFound):
		return KindNotFound
	case errors.Is(err, manager.ErrOperationTimeout):
		return KindTimeout
	}

	var opErr *manager.OperationError
	if errors.As(err, &opErr) {
		return KindOperation
	}
	return KindInternal
}
