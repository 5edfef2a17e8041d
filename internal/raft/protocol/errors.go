package protocol

import (
	"context"
	"errors"
	"fmt"

	"raft-session-protocol/internal/raft/core"
)

// ErrorCode is the closed set of failures a response can carry. The values are the error bytes on the wire.
type ErrorCode uint8

const (
	// NoError is the zero value and never appears on the wire
	NoError ErrorCode = iota
	// NotLeader is returned when the request needs the leader and could not be forwarded to it. Retryable.
	NotLeader
	// SessionExpired is returned for a session that timed out or was unregistered.
	SessionExpired
	// SessionUnknown is returned for a session id the cluster has never issued.
	SessionUnknown
	// QueryFailure is returned when a query could not be completed. Retryable.
	QueryFailure
	// CommandOutOfOrder is returned when a command or query sequence cannot be applied in order.
	CommandOutOfOrder
	// InternalError covers everything else.
	InternalError
)

var ErrUnknownErrorCode = errors.New("unknown error code")

// Error implements the error interface, so codes can be returned and wrapped like any other error.
func (c ErrorCode) Error() string {
	switch c {
	case NoError:
		return "no error"
	case NotLeader:
		return "not leader"
	case SessionExpired:
		return "session expired"
	case SessionUnknown:
		return "unknown session"
	case QueryFailure:
		return "query failure"
	case CommandOutOfOrder:
		return "command out of order"
	case InternalError:
		return "internal error"
	default:
		return fmt.Sprintf("error code %d", uint8(c))
	}
}

// ID returns the wire id of the code
func (c ErrorCode) ID() uint8 {
	return uint8(c)
}

// Retryable reports whether a client may resubmit the same request
func (c ErrorCode) Retryable() bool {
	return c == NotLeader || c == QueryFailure
}

// ErrorCodeForID looks up a code by its wire id
func ErrorCodeForID(id uint8) (ErrorCode, error) {
	code := ErrorCode(id)
	if code < NotLeader || code > InternalError {
		return NoError, fmt.Errorf("%w: %d", ErrUnknownErrorCode, id)
	}
	return code, nil
}

// CodeOf maps any error to the code reported to clients. Errors that carry no code are internal errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return NoError
	}

	var code ErrorCode
	if errors.As(err, &code) && code != NoError {
		return code
	}

	switch {
	case errors.Is(err, core.ErrNotLeader):
		return NotLeader
	case errors.Is(err, core.ErrNoQuorum), errors.Is(err, context.DeadlineExceeded):
		return QueryFailure
	default:
		return InternalError
	}
}
