// Package smtpserver implements the SMTP side of the protocol engine: a
// submission-server lookalike whose STARTTLS and AUTH handling is conditioned
// on a per-client disruption mode, and that records what the client did as
// protocol events. Messages are consumed and counted, never stored;
// credentials are observed, never verified.
package smtpserver

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"strings"
	"time"

	"github.com/emailsec/selftestd/config"
	"github.com/emailsec/selftestd/event"
	"github.com/emailsec/selftestd/lineio"
	"github.com/emailsec/selftestd/metrics"
	"github.com/emailsec/selftestd/mlog"
	"github.com/emailsec/selftestd/mode"
)

// We use panic and recover for error handling while executing commands.
// These errors signal the connection must be closed.
var errIO = errors.New("io error")

var cleanClose struct{} // Sentinel value for panic/recover indicating clean close of connection.

// Per-line read timeout. Variable because shortened during tests.
var readTimeout = 2 * time.Minute

// The single out-of-protocol line injected over the encrypted channel in the
// post-handshake disruption mode.
const injectLine = "NOOP"

// Listen initializes network listeners for incoming SMTP connections.
// The listeners are stored for a later call to Serve.
func Listen(hostname, addr string, ports []int, tlsConfig *tls.Config, storePath string, events *event.Logger) {
	for _, port := range ports {
		listen1(hostname, addr, port, port == config.SMTPSPort, tlsConfig, storePath, events)
	}
}

var servers []func()

func listen1(hostname, addr string, port int, xtls bool, tlsConfig *tls.Config, storePath string, events *event.Logger) {
	log := mlog.New("smtpserver")
	laddr := net.JoinHostPort(addr, fmt.Sprintf("%d", port))
	ln, err := net.Listen("tcp", laddr)
	if err != nil {
		log.Fatalx("smtp: listen", err, mlog.Field("addr", laddr))
	}
	if xtls {
		ln = tls.NewListener(ln, tlsConfig)
	}
	log.Print("listening for smtp", mlog.Field("addr", laddr), mlog.Field("implicittls", xtls))

	serve := func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				log.Infox("smtp: accept", err, mlog.Field("addr", laddr))
				continue
			}
			go serve(hostname, mlog.Cid(), port, xtls, tlsConfig, conn, storePath, events)
		}
	}

	servers = append(servers, serve)
}

// Serve starts serving on all listeners, launching a goroutine per listener.
func Serve() {
	for _, serve := range servers {
		go serve()
	}
	servers = nil
}

type conn struct {
	cid int64

	// OrigConn is the original (TCP) connection, closed at teardown regardless
	// of any TLS layered on top via xconn.
	origConn net.Conn
	xconn    *lineio.Conn

	tls       bool
	hostname  string
	port      int
	tlsConfig *tls.Config
	remoteIP  string
	dec       mode.Decision
	events    *event.Logger
	log       *mlog.Log
	lastlog   time.Time
	cmd       string // Current command.

	disconnectReason string // Optional reason on the final disconnect event.

	// Message transaction.
	mailFrom  bool
	rcptCount int
}

func isClosed(err error) bool {
	return errors.Is(err, errIO) || lineio.IsClosed(err)
}

// reset the mail transaction state, for RSET and after a TLS upgrade.
func (c *conn) rset() {
	c.mailFrom = false
	c.rcptCount = 0
}

func (c *conn) readline() string {
	line, err := c.xconn.ReadLine(readTimeout)
	if err != nil {
		panic(fmt.Errorf("%s (%w)", err, errIO))
	}
	return line
}

// Write a response line, with CRLF appended.
func (c *conn) writelinef(format string, args ...any) {
	if err := c.xconn.WriteLine(fmt.Sprintf(format, args...)); err != nil {
		panic(fmt.Errorf("%s (%w)", err, errIO))
	}
}

// Write a multiline response in a single write, so a capability list arrives
// in one packet.
func (c *conn) writelines(lines []string) {
	if err := c.xconn.Write([]byte(strings.Join(lines, "\r\n") + "\r\n")); err != nil {
		panic(fmt.Errorf("%s (%w)", err, errIO))
	}
}

// event returns a partially filled event for this connection, to be completed
// and emitted by the caller.
func (c *conn) event(kind string) event.Event {
	return event.Event{
		Protocol:        "smtp",
		ClientAddr:      c.remoteIP,
		Mode:            string(c.dec.Mode),
		ModeSource:      c.dec.Source,
		OverrideSession: c.dec.Session,
		TLS:             c.tls,
		ServerPort:      c.port,
		Kind:            kind,
	}
}

func (c *conn) emit(e event.Event) {
	c.events.Emit(e)
}

func serve(hostname string, cid int64, port int, xtls bool, tlsConfig *tls.Config, nc net.Conn, storePath string, events *event.Logger) {
	var remoteIP string
	if a, ok := nc.RemoteAddr().(*net.TCPAddr); ok {
		remoteIP = a.IP.String()
	} else {
		// For net.Pipe, during tests.
		remoteIP = "127.0.0.10"
	}

	c := &conn{
		cid:       cid,
		origConn:  nc,
		tls:       xtls,
		hostname:  hostname,
		port:      port,
		tlsConfig: tlsConfig,
		remoteIP:  remoteIP,
		events:    events,
		lastlog:   time.Now(),
	}
	c.log = mlog.New("smtpserver").MoreFields(func() []mlog.Pair {
		now := time.Now()
		l := []mlog.Pair{
			mlog.Field("cid", c.cid),
			mlog.Field("delta", now.Sub(c.lastlog)),
		}
		c.lastlog = now
		return l
	})
	c.xconn = lineio.New(nc, xtls, c.log)

	dec, err := mode.Resolve(c.log, storePath, remoteIP)
	if err != nil {
		// A broken store must not silently degrade to baseline during a test
		// run. Refuse service without a greeting instead.
		c.log.Errorx("resolving mode, closing connection without greeting", err)
		nc.Close()
		return
	}
	c.dec = dec

	metrics.ConnectionInc("smtp", xtls)
	c.log.Info("new connection",
		mlog.Field("remote", nc.RemoteAddr()),
		mlog.Field("local", nc.LocalAddr()),
		mlog.Field("port", port),
		mlog.Field("tls", xtls),
		mlog.Field("mode", string(dec.Mode)),
		mlog.Field("modesource", dec.Source))

	if xtls {
		// Finish the handshake before any protocol bytes, as the implicit-TLS
		// port convention promises.
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		err := c.xconn.Handshake(ctx)
		cancel()
		if err != nil {
			c.log.Infox("implicit tls handshake", err)
			nc.Close()
			return
		}

		if dec.Mode.StarttlsOnly() {
			// Disruption modes are defined only for the explicit STARTTLS
			// path; an implicit-TLS escape hatch would let the client dodge
			// the disruption under test.
			metrics.DisruptionInc(string(dec.Mode), "implicit_tls_blocked")
			ev := c.event(event.KindDisconnect)
			ev.Reason = "implicit_tls_blocked"
			c.emit(ev)
			nc.Close()
			return
		}
	}

	defer func() {
		c.origConn.Close()

		x := recover()
		if x == nil || x == cleanClose {
			c.emitDisconnect()
			c.log.Info("connection closed")
		} else if err, ok := x.(error); ok && isClosed(err) {
			c.emitDisconnect()
			c.log.Infox("connection closed", err)
		} else {
			c.log.Error("unhandled panic", mlog.Field("panic", fmt.Sprintf("%v", x)))
			debug.PrintStack()
			metrics.PanicInc(metrics.Smtpserver)
		}
	}()

	c.emit(c.event(event.KindConnect))
	c.writelinef("220 %s ESMTP", c.hostname)

	for {
		c.command()
	}
}

func (c *conn) emitDisconnect() {
	ev := c.event(event.KindDisconnect)
	ev.Reason = c.disconnectReason
	c.emit(ev)
}

var commands = map[string]func(c *conn, args string){
	"helo":     (*conn).cmdHello,
	"ehlo":     (*conn).cmdHello,
	"starttls": (*conn).cmdStarttls,
	"auth":     (*conn).cmdAuth,
	"mail":     (*conn).cmdMail,
	"rcpt":     (*conn).cmdRcpt,
	"data":     (*conn).cmdData,
	"rset":     (*conn).cmdRset,
	"noop":     (*conn).cmdNoop,
	"quit":     (*conn).cmdQuit,
}

func (c *conn) command() {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		err, ok := x.(error)
		if !ok {
			panic(x)
		}
		if isClosed(err) {
			panic(err)
		}

		var serr smtpError
		if errors.As(err, &serr) {
			c.log.Debugx("smtp command error", serr.err, mlog.Field("cmd", c.cmd))
			c.writelinef("%s", serr.line)
		} else {
			// Other type of panic, we pass it on, aborting the connection.
			c.log.Errorx("command panic", err)
			panic(err)
		}
	}()

	line := c.readline()
	t := strings.SplitN(line, " ", 2)
	var args string
	if len(t) == 2 {
		args = t[1]
	}
	c.cmd = strings.ToLower(t[0])

	fn, ok := commands[c.cmd]
	if !ok {
		// Permissive: an unimplemented command must not end a test run early.
		c.writelinef("250 OK")
		return
	}
	fn(c, args)
}

func (c *conn) cmdHello(args string) {
	adv := !c.tls && c.dec.Mode.AdvertiseSTARTTLS()
	ev := c.event(event.KindEhlo)
	ev.StarttlsAdvertised = &adv
	c.emit(ev)

	lines := []string{
		"250-" + c.hostname,
		"250-PIPELINING",
		"250-SIZE 35882577",
		"250-AUTH PLAIN LOGIN",
	}
	if adv {
		lines = append(lines, "250-STARTTLS")
	}
	lines = append(lines, "250 HELP")
	c.writelines(lines)
}

func (c *conn) cmdStarttls(args string) {
	if c.tls {
		ev := c.event(event.KindStarttls)
		ev.Result = "already_tls"
		c.emit(ev)
		metrics.StarttlsInc("smtp", "already_tls")
		c.writelinef("454 TLS not available due to temporary reason")
		return
	}

	switch c.dec.Mode.OnStarttls() {
	case mode.StarttlsRefuse:
		ev := c.event(event.KindStarttls)
		ev.Result = "refused"
		c.emit(ev)
		metrics.StarttlsInc("smtp", "refused")
		metrics.DisruptionInc(string(c.dec.Mode), "starttls_refused")
		c.writelinef("454 TLS not available due to temporary reason")
		return
	case mode.StarttlsDropAfterReady:
		c.writelinef("220 2.0.0 Ready to start TLS")
		ev := c.event(event.KindStarttls)
		ev.Result = "drop_after_ready"
		c.emit(ev)
		metrics.StarttlsInc("smtp", "drop_after_ready")
		metrics.DisruptionInc(string(c.dec.Mode), "drop_after_ready")
		// Close without ever reading the ClientHello.
		panic(cleanClose)
	}

	c.writelinef("220 2.0.0 Ready to start TLS")
	ev := c.event(event.KindStarttls)
	ev.Result = "ok"
	c.emit(ev)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	nconn, err := c.xconn.UpgradeTLS(ctx, c.tlsConfig)
	if err != nil {
		fev := c.event(event.KindStarttls)
		fev.Result = "wrap_failed"
		c.emit(fev)
		metrics.StarttlsInc("smtp", "wrap_failed")
		panic(fmt.Errorf("starttls handshake: %s (%w)", err, errIO))
	}
	metrics.StarttlsInc("smtp", "ok")
	c.xconn = nconn
	c.tls = true
	c.rset() // RFC 3207: server state resets after the handshake.

	if c.dec.Mode.DisruptAfterHandshake() {
		dev := c.event(event.KindDisrupt)
		dev.Reason = "after_handshake"
		dev.Payload = injectLine
		c.emit(dev)
		metrics.DisruptionInc(string(c.dec.Mode), "after_handshake")
		// Best effort: the client may already have hung up on the stray line.
		if err := c.xconn.WriteLine(injectLine); err != nil {
			c.log.Debugx("writing injected line", err)
		}
		panic(cleanClose)
	}
}

func (c *conn) cmdMail(args string) {
	if !strings.HasPrefix(strings.ToLower(args), "from:") {
		c.writelinef("250 OK")
		return
	}
	c.mailFrom = true
	c.rcptCount = 0
	c.writelinef("250 2.1.0 OK")
}

func (c *conn) cmdRcpt(args string) {
	if !strings.HasPrefix(strings.ToLower(args), "to:") {
		c.writelinef("250 OK")
		return
	}
	if !c.mailFrom {
		xbadSequencef("rcpt before mail from")
	}
	c.rcptCount++
	c.writelinef("250 2.1.5 OK")
}

func (c *conn) cmdData(args string) {
	if !c.mailFrom || c.rcptCount == 0 {
		xbadSequencef("data without mail from and rcpt to")
	}
	c.writelinef("354 End data with <CR><LF>.<CR><LF>")

	// Consume until the lone-dot terminator, counting bytes. Content is never
	// inspected or logged.
	var dataBytes int64
	for {
		line := c.readline()
		if line == "." {
			break
		}
		dataBytes += int64(len(line)) + 2
	}
	ev := c.event(event.KindDataEnd)
	ev.DataBytes = dataBytes
	c.emit(ev)
	c.rset()
	c.writelinef("250 2.0.0 OK")
}

func (c *conn) cmdAuth(args string) {
	t := strings.SplitN(args, " ", 2)
	mech := strings.ToUpper(strings.TrimSpace(t[0]))

	switch mech {
	case "PLAIN":
		var initial string
		if len(t) == 2 {
			initial = strings.TrimSpace(t[1])
		}
		if initial == "" {
			c.writelinef("334 ")
			initial = c.readline()
		}
		c.finishAuth(event.KindAuthCommand, mech, usernameFromAuthPlain(initial))
	case "LOGIN":
		c.writelinef("334 VXNlcm5hbWU6") // "Username:"
		username := decodeBase64(strings.TrimSpace(c.readline()))
		c.writelinef("334 UGFzc3dvcmQ6") // "Password:"
		// The password line only advances the exchange. It is dropped here,
		// unparsed, and never reaches an event or log.
		c.readline()
		c.finishAuth(event.KindAuthLogin, mech, username)
	default:
		// Unknown mechanism: nothing to extract, but the exchange still
		// succeeds so the client's behavior remains observable.
		c.finishAuth(event.KindAuthCommand, mech, "")
	}
}

// finishAuth emits the observation events for an authentication attempt and
// sends the unconditional success reply. This engine never rejects
// credentials: its purpose is observation, not access control.
func (c *conn) finishAuth(kind, mech, username string) {
	var usernameSession string
	if username != "" {
		usernameSession = mode.ExtractSession(username)
	}

	if c.dec.Session != "" && usernameSession != "" && usernameSession != c.dec.Session {
		mev := c.event(event.KindSessionMismatch)
		mev.Username = username
		mev.UsernameSession = usernameSession
		c.emit(mev)
	}

	ev := c.event(kind)
	if kind == event.KindAuthCommand {
		ev.AuthMech = mech
	}
	ev.Username = username
	ev.UsernameSession = usernameSession
	ev.Session = usernameSession
	c.emit(ev)
	metrics.AuthObservedInc("smtp", strings.ToLower(mech), c.tls)

	c.writelinef("235 2.7.0 Authentication successful")

	// The mode's second injection point, after a successful auth on TLS. With
	// the current hook table the post-handshake injection closes the
	// connection first, so this fires only for a mode that lets the handshake
	// complete quietly.
	if c.tls && c.dec.Mode.DisruptAfterAuth() {
		dev := c.event(event.KindDrop)
		dev.Reason = "after_auth"
		c.emit(dev)
		metrics.DisruptionInc(string(c.dec.Mode), "after_auth")
		c.disconnectReason = "after_auth"
		panic(cleanClose)
	}
}

func (c *conn) cmdRset(args string) {
	c.rset()
	c.writelinef("250 2.0.0 OK")
}

func (c *conn) cmdNoop(args string) {
	c.writelinef("250 2.0.0 OK")
}

func (c *conn) cmdQuit(args string) {
	c.writelinef("221 2.0.0 Bye")
	panic(cleanClose)
}

// usernameFromAuthPlain extracts the authentication identity from a base64
// SASL PLAIN initial response: [authzid] NUL authcid NUL passwd (RFC 4616).
// The password part is never returned or retained. Malformed input yields an
// empty username; the auth flow still completes.
func usernameFromAuthPlain(b64 string) string {
	buf, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return ""
	}
	parts := strings.Split(string(buf), "\x00")
	switch {
	case len(parts) >= 3:
		return parts[1]
	case len(parts) == 2:
		return parts[0]
	}
	return ""
}

// decodeBase64 decodes a base64 AUTH LOGIN response, returning an empty
// string for malformed input ("no username extracted").
func decodeBase64(s string) string {
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return ""
	}
	return string(buf)
}
