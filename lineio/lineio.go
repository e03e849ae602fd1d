// Package lineio provides the line-oriented transport used by the protocol
// engines: buffered, timeout-aware line reads on a net.Conn, and an in-place
// upgrade from plain text to TLS.
package lineio

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emailsec/selftestd/mlog"
)

// ErrLineTooLong is returned by ReadLine when no newline arrives within the
// line buffer. Our protocols cannot recover from that, callers tear down.
var ErrLineTooLong = errors.New("line from remote too long")

// Writes get a fixed deadline: we respond immediately, a peer that does not
// read within this window is gone.
const writeTimeout = 30 * time.Second

// Conn is a line-buffered connection. After UpgradeTLS the old Conn must not
// be used again; the upgrade returns a fresh Conn for the encrypted channel.
type Conn struct {
	conn net.Conn
	br   *bufio.Reader
	tls  bool
	log  *mlog.Log
}

// New wraps nc. isTLS tells whether nc already carries TLS (implicit-TLS
// listener ports).
func New(nc net.Conn, isTLS bool, log *mlog.Log) *Conn {
	return &Conn{conn: nc, br: bufio.NewReader(nc), tls: isTLS, log: log}
}

// TLS returns whether the stream is TLS-wrapped.
func (c *Conn) TLS() bool {
	return c.tls
}

// Handshake forces the TLS handshake on an implicit-TLS connection, so it
// completes before any protocol bytes are exchanged. A no-op on plaintext
// connections.
func (c *Conn) Handshake(ctx context.Context) error {
	tc, ok := c.conn.(*tls.Conn)
	if !ok {
		return nil
	}
	if err := tc.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("tls handshake: %w", err)
	}
	version, ciphersuite := TLSInfo(tc)
	c.log.Debug("tls handshake done", mlog.Field("tls", version), mlog.Field("ciphersuite", ciphersuite))
	return nil
}

// ReadLine reads one \n- or \r\n-terminated line, without its line
// terminator. The read deadline covers the whole line. A deadline expiry and
// a peer EOF both surface as errors; callers treat every ReadLine error as
// connection teardown.
func (c *Conn) ReadLine(timeout time.Duration) (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		c.log.Errorx("setting read deadline", err)
	}

	buf := bufget()
	defer bufput(buf)
	nread := 0
	for {
		if nread >= len(buf) {
			return "", fmt.Errorf("%w: no newline after %d bytes", ErrLineTooLong, nread)
		}
		b, err := c.br.ReadByte()
		if err == io.EOF {
			return "", io.ErrUnexpectedEOF
		} else if err != nil {
			return "", fmt.Errorf("reading line from remote: %w", err)
		}
		if b == '\n' {
			if nread > 0 && buf[nread-1] == '\r' {
				return string(buf[:nread-1]), nil
			}
			return string(buf[:nread]), nil
		}
		buf[nread] = b
		nread++
	}
}

// WriteLine writes line with CRLF appended.
func (c *Conn) WriteLine(line string) error {
	return c.Write([]byte(line + "\r\n"))
}

// Write writes buf in full, under the write deadline.
func (c *Conn) Write(buf []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		c.log.Errorx("setting write deadline", err)
	}
	if _, err := c.conn.Write(buf); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// UpgradeTLS performs the server-side TLS handshake on the underlying byte
// stream and returns a new Conn wrapping the encrypted channel. Plaintext
// still sitting in the read buffer is discarded: the protocol requires the
// client to send nothing between our ready reply and its ClientHello. On
// error the connection is no longer usable and must be closed by the caller;
// an upgrade is never retried.
func (c *Conn) UpgradeTLS(ctx context.Context, tlsConfig *tls.Config) (*Conn, error) {
	if c.tls {
		return nil, errors.New("tls already active")
	}
	if n := c.br.Buffered(); n > 0 {
		c.log.Debug("discarding plaintext buffered before tls upgrade", mlog.Field("bytes", n))
		if _, err := c.br.Discard(n); err != nil {
			return nil, fmt.Errorf("discarding buffered plaintext: %w", err)
		}
	}

	// Clear any deadline armed by an earlier line read, the handshake runs
	// under ctx.
	if err := c.conn.SetDeadline(time.Time{}); err != nil {
		c.log.Errorx("clearing deadline before tls upgrade", err)
	}

	tlsConn := tls.Server(c.conn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	version, ciphersuite := TLSInfo(tlsConn)
	c.log.Debug("tls handshake done", mlog.Field("tls", version), mlog.Field("ciphersuite", ciphersuite))

	nc := &Conn{conn: tlsConn, br: bufio.NewReader(tlsConn), tls: true, log: c.log}
	c.conn = nil
	c.br = nil
	return nc, nil
}

// Line buffers are capped at the SMTP limit with slack, which also covers
// IMAP commands this engine accepts.
const maxLineLength = 2 * 1024

// Cache of line buffers, filled on demand.
var bufpool = make(chan []byte, 8)

func bufget() []byte {
	select {
	case buf := <-bufpool:
		return buf
	default:
		return make([]byte, maxLineLength)
	}
}

func bufput(buf []byte) {
	select {
	case bufpool <- buf:
	default:
	}
}
