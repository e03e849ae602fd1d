package lineio

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// In separate file because of import of syscall.

// IsClosed returns whether i/o failed because the connection is gone: closed,
// reset, at EOF, or past its read deadline. Used to log torn-down connections
// at a lower level, and by the engines to treat timeout and peer EOF
// identically.
func IsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, os.ErrDeadlineExceeded) || isRemoteTLSError(err)
}

// A remote TLS client can send a message indicating failure, this makes it
// back to us as a write error.
func isRemoteTLSError(err error) bool {
	var netErr *net.OpError
	return errors.As(err, &netErr) && netErr.Op == "remote error"
}
