package gwerrors

import (
	"database/sql/driver"
	"errors"
	"io"
	"net"
)

// IsTransportFailure reports whether err looks like a fatal transport-level
// loss — a dropped socket, a broken pipe, a session already torn down —
// rather than an ordinary statement failure. This is the line KindDriverTransport
// exists to draw (§7): adapters call this from their Execute/Introspect error
// paths to decide between KindStatementRuntime and KindDriverTransport.
func IsTransportFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && !netErr.Timeout()
}

// WrapExec builds the Error for a statement-execution failure, choosing
// between KindDriverTransport and KindStatementRuntime via IsTransportFailure.
// Adapters call this from their Execute error paths instead of wrapping with
// a fixed Kind, so a dropped connection is distinguishable from a bad query.
func WrapExec(tag string, cause error) *Error {
	if IsTransportFailure(cause) {
		return Wrap(KindDriverTransport, tag, cause)
	}
	return Wrap(KindStatementRuntime, tag, cause)
}
