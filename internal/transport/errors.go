package transport

import (
	"context"
	stderrors "errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/iofwd/iof/pkg/errors"
)

var (
	// ErrTimeout marks a call that did not complete within its deadline.
	ErrTimeout = stderrors.New("transport: timed out")
	// ErrUnreachable marks a call whose destination could not be reached. Calls
	// failing this way are evicted.
	ErrUnreachable = stderrors.New("transport: destination unreachable")
	// ErrClosed is returned once the client or server has been shut down.
	ErrClosed = stderrors.New("transport: closed")
	// ErrDuplicateOp is returned when a handler is registered twice for an op code.
	ErrDuplicateOp = stderrors.New("transport: op code already registered")
)

// classify turns a gRPC error into the local transport error seen by the request
// engine.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var (
		code  errors.ErrorCode
		cause error
	)
	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.DeadlineExceeded:
		code, cause = errors.ErrCodeTransportTimeout, ErrTimeout
	case codes.Unavailable:
		code, cause = errors.ErrCodeTransportUnreachable, ErrUnreachable
	case codes.Canceled:
		code, cause = errors.ErrCodeTransportSend, ErrClosed
	case codes.Unimplemented, codes.InvalidArgument, codes.Internal:
		code, cause = errors.ErrCodeTransportProtocol, err
	case codes.ResourceExhausted:
		code, cause = errors.ErrCodeResourceExhausted, err
	default:
		switch {
		case stderrors.Is(err, context.DeadlineExceeded):
			code, cause = errors.ErrCodeTransportTimeout, ErrTimeout
		case stderrors.Is(err, ErrUnreachable):
			code, cause = errors.ErrCodeTransportUnreachable, ErrUnreachable
		default:
			code, cause = errors.ErrCodeTransportSend, err
		}
	}

	return errors.NewError(code, st.Message()).
		WithComponent("transport").
		WithOperation(op).
		WithCause(cause)
}

// IsTimeout reports whether err is a transport timeout.
func IsTimeout(err error) bool {
	return stderrors.Is(err, ErrTimeout)
}

// IsUnreachable reports whether err means the destination is gone and the call
// should be evicted.
func IsUnreachable(err error) bool {
	return stderrors.Is(err, ErrUnreachable)
}
