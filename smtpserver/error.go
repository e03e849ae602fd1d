package smtpserver

import (
	"fmt"
)

// smtpError is panicked by command handlers for protocol-level errors. The
// command loop recovers it, writes the reply line and keeps the connection
// going.
type smtpError struct {
	line string // Full reply line, including code.
	err  error
}

func (e smtpError) Error() string { return e.err.Error() }
func (e smtpError) Unwrap() error { return e.err }

// xbadSequencef aborts the current command with a bad-sequence reply, the
// only protocol error this server issues.
func xbadSequencef(format string, args ...any) {
	panic(smtpError{
		line: "503 5.5.1 Bad sequence of commands",
		err:  fmt.Errorf("bad sequence: "+format, args...),
	})
}
