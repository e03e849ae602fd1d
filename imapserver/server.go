// Package imapserver implements the IMAP4rev1 side of the protocol engine. It
// mirrors the SMTP engine: capability advertisement and STARTTLS handling are
// conditioned on the client's disruption mode, LOGIN is observed but never
// verified, and every notable exchange becomes a protocol event. Mailbox
// state does not exist; data commands get a bare tagged OK.
package imapserver

import (
	"context"
	"crypto/tls"
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

var errIO = errors.New("io error")

var cleanClose struct{} // Sentinel value for panic/recover indicating clean close of connection.

// Per-line read timeout. Variable because shortened during tests.
var readTimeout = 2 * time.Minute

const injectLine = "NOOP"

// Commands that are acknowledged and recorded as a generic command event.
// Everything else unrecognized gets the acknowledgement without the event.
var observedCommands = map[string]bool{
	"noop":    true,
	"check":   true,
	"status":  true,
	"select":  true,
	"examine": true,
}

// Listen initializes network listeners for incoming IMAP connections.
// The listeners are stored for a later call to Serve.
func Listen(hostname, addr string, ports []int, tlsConfig *tls.Config, storePath string, events *event.Logger) {
	for _, port := range ports {
		listen1(hostname, addr, port, port == config.IMAPSPort, tlsConfig, storePath, events)
	}
}

var servers []func()

func listen1(hostname, addr string, port int, xtls bool, tlsConfig *tls.Config, storePath string, events *event.Logger) {
	log := mlog.New("imapserver")
	laddr := net.JoinHostPort(addr, fmt.Sprintf("%d", port))
	ln, err := net.Listen("tcp", laddr)
	if err != nil {
		log.Fatalx("imap: listen", err, mlog.Field("addr", laddr))
	}
	if xtls {
		ln = tls.NewListener(ln, tlsConfig)
	}
	log.Print("listening for imap", mlog.Field("addr", laddr), mlog.Field("implicittls", xtls))

	serve := func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				log.Infox("imap: accept", err, mlog.Field("addr", laddr))
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
	cid       int64
	origConn  net.Conn
	xconn     *lineio.Conn
	tls       bool
	hostname  string
	port      int
	tlsConfig *tls.Config
	remoteIP  string
	dec       mode.Decision
	events    *event.Logger
	log       *mlog.Log
	lastlog   time.Time

	tag string // Tag of the command being processed.
	cmd string

	disconnectReason string
}

func isClosed(err error) bool {
	return errors.Is(err, errIO) || lineio.IsClosed(err)
}

func (c *conn) readline() string {
	line, err := c.xconn.ReadLine(readTimeout)
	if err != nil {
		panic(fmt.Errorf("%s (%w)", err, errIO))
	}
	return line
}

func (c *conn) writelinef(format string, args ...any) {
	if err := c.xconn.WriteLine(fmt.Sprintf(format, args...)); err != nil {
		panic(fmt.Errorf("%s (%w)", err, errIO))
	}
}

// Untagged response(s) plus the tagged completion, in a single write.
func (c *conn) writelines(lines []string) {
	if err := c.xconn.Write([]byte(strings.Join(lines, "\r\n") + "\r\n")); err != nil {
		panic(fmt.Errorf("%s (%w)", err, errIO))
	}
}

func (c *conn) event(kind string) event.Event {
	return event.Event{
		Protocol:        "imap",
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
	c.log = mlog.New("imapserver").MoreFields(func() []mlog.Pair {
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
		c.log.Errorx("resolving mode, closing connection without greeting", err)
		nc.Close()
		return
	}
	c.dec = dec

	metrics.ConnectionInc("imap", xtls)
	c.log.Info("new connection",
		mlog.Field("remote", nc.RemoteAddr()),
		mlog.Field("local", nc.LocalAddr()),
		mlog.Field("port", port),
		mlog.Field("tls", xtls),
		mlog.Field("mode", string(dec.Mode)),
		mlog.Field("modesource", dec.Source))

	if xtls {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		err := c.xconn.Handshake(ctx)
		cancel()
		if err != nil {
			c.log.Infox("implicit tls handshake", err)
			nc.Close()
			return
		}

		if dec.Mode.StarttlsOnly() {
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
			ev := c.event(event.KindDisconnect)
			ev.Reason = c.disconnectReason
			c.emit(ev)
			c.log.Info("connection closed")
		} else if err, ok := x.(error); ok && isClosed(err) {
			ev := c.event(event.KindDisconnect)
			ev.Reason = c.disconnectReason
			c.emit(ev)
			c.log.Infox("connection closed", err)
		} else {
			c.log.Error("unhandled panic", mlog.Field("panic", fmt.Sprintf("%v", x)))
			debug.PrintStack()
			metrics.PanicInc(metrics.Imapserver)
		}
	}()

	c.emit(c.event(event.KindConnect))
	c.writelinef("* OK %s IMAP4rev1 Service Ready", c.hostname)

	for {
		c.command()
	}
}

func (c *conn) command() {
	line := c.readline()
	fields := strings.SplitN(line, " ", 3)
	if len(fields) == 0 || fields[0] == "" {
		return
	}
	c.tag = fields[0]
	if len(fields) == 1 {
		// A lone tag is acknowledged like any unrecognized command.
		c.writelinef("%s OK", c.tag)
		return
	}
	c.cmd = strings.ToLower(fields[1])
	var args string
	if len(fields) == 3 {
		args = fields[2]
	}

	switch c.cmd {
	case "capability":
		c.cmdCapability()
	case "starttls":
		c.cmdStarttls()
	case "login":
		c.cmdLogin(args)
	case "logout":
		c.cmdLogout()
	default:
		if observedCommands[c.cmd] {
			ev := c.event(event.KindCommand)
			ev.Cmd = strings.ToUpper(c.cmd)
			c.emit(ev)
		}
		c.writelinef("%s OK", c.tag)
	}
}

func (c *conn) cmdCapability() {
	adv := !c.tls && c.dec.Mode.AdvertiseSTARTTLS()
	ev := c.event(event.KindCapability)
	ev.StarttlsAdvertised = &adv
	c.emit(ev)

	caps := "IMAP4rev1 AUTH=PLAIN AUTH=LOGIN"
	if adv {
		caps += " STARTTLS"
	}
	c.writelines([]string{
		"* CAPABILITY " + caps,
		c.tag + " OK CAPABILITY completed",
	})
}

func (c *conn) cmdStarttls() {
	if c.tls {
		ev := c.event(event.KindStarttls)
		ev.Result = "already_tls"
		c.emit(ev)
		metrics.StarttlsInc("imap", "already_tls")
		c.writelinef("%s BAD STARTTLS not available", c.tag)
		return
	}

	// Refusing covers both the mode that hides the capability and the one
	// that advertises but rejects. A client that tries STARTTLS anyway under
	// the former gets the same rejection.
	if c.dec.Mode.OnStarttls() == mode.StarttlsRefuse || !c.dec.Mode.AdvertiseSTARTTLS() {
		ev := c.event(event.KindStarttls)
		ev.Result = "refused"
		c.emit(ev)
		metrics.StarttlsInc("imap", "refused")
		metrics.DisruptionInc(string(c.dec.Mode), "starttls_refused")
		c.writelinef("%s BAD STARTTLS not available", c.tag)
		return
	}

	c.writelinef("%s OK Begin TLS negotiation now", c.tag)

	if c.dec.Mode.OnStarttls() == mode.StarttlsDropAfterReady {
		ev := c.event(event.KindStarttls)
		ev.Result = "drop_after_ok"
		c.emit(ev)
		metrics.StarttlsInc("imap", "drop_after_ok")
		metrics.DisruptionInc(string(c.dec.Mode), "drop_after_ok")
		panic(cleanClose)
	}

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
		metrics.StarttlsInc("imap", "wrap_failed")
		panic(fmt.Errorf("starttls handshake: %s (%w)", err, errIO))
	}
	metrics.StarttlsInc("imap", "ok")
	c.xconn = nconn
	c.tls = true

	if c.dec.Mode.DisruptAfterHandshake() {
		dev := c.event(event.KindDisrupt)
		dev.Reason = "after_handshake"
		dev.Payload = injectLine
		c.emit(dev)
		metrics.DisruptionInc(string(c.dec.Mode), "after_handshake")
		if err := c.xconn.WriteLine(injectLine); err != nil {
			c.log.Debugx("writing injected line", err)
		}
		panic(cleanClose)
	}
}

// cmdLogin observes a cleartext LOGIN. The username (first argument, quotes
// stripped) is recorded along with whether TLS was active. The password
// argument is never parsed out of the line.
func (c *conn) cmdLogin(args string) {
	var username string
	if f := strings.SplitN(args, " ", 2); len(f) > 0 {
		username = stripQuotes(f[0])
	}
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

	ev := c.event(event.KindLoginCommand)
	ev.Username = username
	ev.UsernameSession = usernameSession
	ev.Session = usernameSession
	c.emit(ev)
	metrics.AuthObservedInc("imap", "login", c.tls)

	c.writelinef("%s OK Logged in", c.tag)
}

// stripQuotes removes one matched pair of surrounding double or single
// quotes. An unmatched quote is left alone, it is part of whatever the client
// thinks its username is.
func stripQuotes(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"' || s[0] == '\'' && s[len(s)-1] == '\'') {
		return s[1 : len(s)-1]
	}
	return s
}

func (c *conn) cmdLogout() {
	c.writelines([]string{
		"* BYE Logging out",
		c.tag + " OK LOGOUT completed",
	})
	panic(cleanClose)
}
