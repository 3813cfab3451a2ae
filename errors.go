package cadence

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrCancelled is matched by every cancellation outcome, including
	// operations that timed out.
	ErrCancelled = errors.New("operation cancelled")

	// ErrConnectionClosed is returned by calls issued on, or still pending
	// on, a closed client.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrAlreadyConnected is returned by Connect when the guard is held by
	// another live client.
	ErrAlreadyConnected = errors.New("a client is already connected")

	// ErrWorkerStopped is returned when starting a worker whose registration
	// has already been fully stopped. Stopped workers cannot be restarted.
	ErrWorkerStopped = errors.New("worker has been stopped and cannot be restarted")

	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrOperationTimedOut is the cause of a cancellation raised by the
	// timeout sweep.
	ErrOperationTimedOut = errors.New("operation timed out")
)

// cancelError is a cancellation outcome. It matches ErrCancelled and
// unwraps to its cause (a context error or ErrOperationTimedOut).
type cancelError struct {
	cause error
}

func (e *cancelError) Error() string {
	return "operation cancelled: " + e.cause.Error()
}

func (e *cancelError) Is(target error) bool { return target == ErrCancelled }
func (e *cancelError) Unwrap() error        { return e.cause }

// Error types carried by error-tagged replies.
const (
	ErrorTypeGeneric         = "GenericError"
	ErrorTypeEntityNotExists = "EntityNotExistsError"
	ErrorTypeCancelled       = "CancelledError"
	ErrorTypeBadRequest      = "BadRequestError"
)

// RemoteError is the error carried by an error-tagged reply.
type RemoteError struct {
	Type    string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Type + ": " + e.Message
}

// ConnectError is returned by Connect. Nothing started by the failed
// attempt is left running.
type ConnectError struct {
	Stage string
	Err   error
}

func (e *ConnectError) Error() string {
	return "connect: " + e.Stage + ": " + e.Err.Error()
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TransportError reports a failed send to the proxy. It is fatal to the
// connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "transport: " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError is the timeout-class error attached to the closed
// notification when the proxy stops answering heartbeats.
type TimeoutError struct {
	Op       string
	Failures int
	Err      error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s: %d consecutive failures", e.Op, e.Failures)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return e.Err }
func (e *TimeoutError) Timeout() bool { return true }

// ReplyMismatchError resolves an operation whose reply had the wrong type
// when the client runs with MismatchFail.
type ReplyMismatchError struct {
	RequestID int64
	Expected  MessageType
	Got       MessageType
}

func (e *ReplyMismatchError) Error() string {
	return fmt.Sprintf("reply mismatch for request %d: expected %s, got %s", e.RequestID, e.Expected, e.Got)
}
