package imapserver

import (
	"bufio"
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/emailsec/selftestd/event"
	"github.com/emailsec/selftestd/mlog"
	"github.com/emailsec/selftestd/mode"
)

func init() {
	readTimeout = 5 * time.Second
}

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func fakeCert(t *testing.T) tls.Certificate {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	privKey := ed25519.NewKeyFromSeed(seed) // Fake key, don't use this for real!
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
	}
	localCertBuf, err := x509.CreateCertificate(cryptorand.Reader, template, template, privKey.Public(), privKey)
	if err != nil {
		t.Fatalf("making certificate: %s", err)
	}
	cert, err := x509.ParseCertificate(localCertBuf)
	if err != nil {
		t.Fatalf("parsing generated certificate: %s", err)
	}
	return tls.Certificate{
		Certificate: [][]byte{localCertBuf},
		PrivateKey:  privKey,
		Leaf:        cert,
	}
}

type testServer struct {
	t         *testing.T
	conn      net.Conn
	br        *bufio.Reader
	eventPath string
	done      chan struct{}
}

func newTestServer(t *testing.T, m mode.Mode, session string, xtls bool) *testServer {
	t.Helper()
	dir := t.TempDir()
	storePath := filepath.Join(dir, "mode.json")
	st := mode.Store{
		DefaultMode: mode.ModeBaseline,
		Overrides: []mode.Override{
			{IP: "127.0.0.10", Mode: m, Expires: time.Now().Add(time.Hour).Unix(), Session: session},
		},
	}
	err := mode.Save(storePath, st)
	tcheck(t, err, "save mode store")

	eventPath := filepath.Join(dir, "events.ndjson")
	events, err := event.Open(eventPath)
	tcheck(t, err, "open event log")

	tlsConfig := &tls.Config{Certificates: []tls.Certificate{fakeCert(t)}}
	serverConn, clientConn := net.Pipe()
	var nc net.Conn = serverConn
	if xtls {
		nc = tls.Server(serverConn, tlsConfig)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		serve("selftest", mlog.Cid(), 143, xtls, tlsConfig, nc, storePath, events)
	}()

	ts := &testServer{t: t, conn: clientConn, br: bufio.NewReader(clientConn), eventPath: eventPath, done: done}
	t.Cleanup(func() {
		clientConn.Close()
		<-done
		events.Close()
	})
	return ts
}

func (ts *testServer) readline() string {
	ts.t.Helper()
	ts.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := ts.br.ReadString('\n')
	tcheck(ts.t, err, "read line from server")
	return strings.TrimRight(line, "\r\n")
}

func (ts *testServer) writeline(line string) {
	ts.t.Helper()
	ts.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := ts.conn.Write([]byte(line + "\r\n"))
	tcheck(ts.t, err, "write line to server")
}

func (ts *testServer) expect(line string) {
	ts.t.Helper()
	if got := ts.readline(); got != line {
		ts.t.Fatalf("got %q, expected %q", got, line)
	}
}

func (ts *testServer) expectClosed() {
	ts.t.Helper()
	ts.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if line, err := ts.br.ReadString('\n'); err == nil {
		ts.t.Fatalf("expected connection close, got line %q", line)
	}
}

func (ts *testServer) starttls() {
	ts.t.Helper()
	tc := tls.Client(ts.conn, &tls.Config{InsecureSkipVerify: true})
	err := tc.Handshake()
	tcheck(ts.t, err, "client tls handshake")
	ts.conn = tc
	ts.br = bufio.NewReader(tc)
}

func (ts *testServer) events() []map[string]any {
	ts.t.Helper()
	ts.conn.Close()
	<-ts.done
	buf, err := os.ReadFile(ts.eventPath)
	tcheck(ts.t, err, "read event log")
	var l []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(buf)), "\n") {
		if line == "" {
			continue
		}
		var e map[string]any
		err := json.Unmarshal([]byte(line), &e)
		tcheck(ts.t, err, "parse event line")
		l = append(l, e)
	}
	return l
}

func checkKinds(t *testing.T, events []map[string]any, exp ...string) {
	t.Helper()
	var got []string
	for _, e := range events {
		got = append(got, e["event"].(string))
	}
	if len(got) != len(exp) {
		t.Fatalf("got events %v, expected %v", got, exp)
	}
	for i := range exp {
		if got[i] != exp[i] {
			t.Fatalf("got events %v, expected %v", got, exp)
		}
	}
}

func TestBaselineStarttlsLogin(t *testing.T) {
	ts := newTestServer(t, mode.ModeBaseline, "", false)
	ts.expect("* OK selftest IMAP4rev1 Service Ready")

	ts.writeline("a1 CAPABILITY")
	ts.expect("* CAPABILITY IMAP4rev1 AUTH=PLAIN AUTH=LOGIN STARTTLS")
	ts.expect("a1 OK CAPABILITY completed")

	ts.writeline("a2 STARTTLS")
	ts.expect("a2 OK Begin TLS negotiation now")
	ts.starttls()

	// After the upgrade the capability list no longer offers STARTTLS.
	ts.writeline("a3 CAPABILITY")
	ts.expect("* CAPABILITY IMAP4rev1 AUTH=PLAIN AUTH=LOGIN")
	ts.expect("a3 OK CAPABILITY completed")

	ts.writeline(`a4 LOGIN "test-AbC123xy" "secretpw"`)
	ts.expect("a4 OK Logged in")

	ts.writeline("a5 SELECT INBOX")
	ts.expect("a5 OK")

	ts.writeline("a6 LOGOUT")
	ts.expect("* BYE Logging out")
	ts.expect("a6 OK LOGOUT completed")
	ts.expectClosed()

	events := ts.events()
	checkKinds(t, events, "connect", "capability", "starttls", "capability", "login_command", "command", "disconnect")
	if events[2]["result"] != "ok" {
		t.Fatalf("starttls event: got %v", events[2])
	}
	login := events[4]
	if login["username"] != "test-AbC123xy" || login["username_session"] != "AbC123xy" || login["tls"] != true {
		t.Fatalf("login event: got %v", login)
	}
	if events[5]["cmd"] != "SELECT" {
		t.Fatalf("command event: got %v", events[5])
	}

	buf, err := os.ReadFile(ts.eventPath)
	tcheck(t, err, "read event log")
	if strings.Contains(string(buf), "secretpw") {
		t.Fatalf("event log contains the password")
	}
}

func TestT1CapabilityHidden(t *testing.T) {
	ts := newTestServer(t, mode.ModeT1, "", false)
	ts.expect("* OK selftest IMAP4rev1 Service Ready")

	ts.writeline("a1 CAPABILITY")
	ts.expect("* CAPABILITY IMAP4rev1 AUTH=PLAIN AUTH=LOGIN")
	ts.expect("a1 OK CAPABILITY completed")

	// Trying anyway is rejected: the capability is genuinely withheld.
	ts.writeline("a2 STARTTLS")
	ts.expect("a2 BAD STARTTLS not available")

	events := ts.events()
	checkKinds(t, events, "connect", "capability", "starttls", "disconnect")
	if adv, ok := events[1]["starttls_advertised"].(bool); !ok || adv {
		t.Fatalf("capability event advertised: got %v", events[1])
	}
	if events[2]["result"] != "refused" {
		t.Fatalf("starttls event: got %v", events[2])
	}
}

func TestT2DropAfterOK(t *testing.T) {
	ts := newTestServer(t, mode.ModeT2, "", false)
	ts.expect("* OK selftest IMAP4rev1 Service Ready")
	ts.writeline("a1 STARTTLS")
	ts.expect("a1 OK Begin TLS negotiation now")
	ts.expectClosed()

	events := ts.events()
	checkKinds(t, events, "connect", "starttls", "disconnect")
	if events[1]["result"] != "drop_after_ok" {
		t.Fatalf("starttls event: got %v", events[1])
	}
}

func TestT3Refused(t *testing.T) {
	ts := newTestServer(t, mode.ModeT3, "", false)
	ts.expect("* OK selftest IMAP4rev1 Service Ready")
	ts.writeline("a1 STARTTLS")
	ts.expect("a1 BAD STARTTLS not available")

	// The plaintext session continues.
	ts.writeline("a2 NOOP")
	ts.expect("a2 OK")

	events := ts.events()
	checkKinds(t, events, "connect", "starttls", "command", "disconnect")
	if events[1]["result"] != "refused" {
		t.Fatalf("starttls event: got %v", events[1])
	}
}

func TestT4InjectAfterHandshake(t *testing.T) {
	ts := newTestServer(t, mode.ModeT4, "", false)
	ts.expect("* OK selftest IMAP4rev1 Service Ready")
	ts.writeline("a1 STARTTLS")
	ts.expect("a1 OK Begin TLS negotiation now")
	ts.starttls()
	ts.expect("NOOP")
	ts.expectClosed()

	events := ts.events()
	checkKinds(t, events, "connect", "starttls", "disrupt", "disconnect")
	disrupt := events[2]
	if disrupt["reason"] != "after_handshake" || disrupt["payload"] != "NOOP" || disrupt["tls"] != true {
		t.Fatalf("disrupt event: got %v", disrupt)
	}
}

func TestLoginSessionMismatch(t *testing.T) {
	ts := newTestServer(t, mode.ModeT3, "AbC123xy", false)
	ts.expect("* OK selftest IMAP4rev1 Service Ready")
	ts.writeline(`a1 LOGIN test-ZZZ999zz@example.org secretpw`)
	ts.expect("a1 OK Logged in")

	events := ts.events()
	checkKinds(t, events, "connect", "session_mismatch", "login_command", "disconnect")
	mm := events[1]
	if mm["username_session"] != "ZZZ999zz" || mm["override_session"] != "AbC123xy" {
		t.Fatalf("session_mismatch event: got %v", mm)
	}
}

func TestLoginQuotedUsername(t *testing.T) {
	ts := newTestServer(t, mode.ModeBaseline, "", false)
	ts.expect("* OK selftest IMAP4rev1 Service Ready")

	ts.writeline(`a1 LOGIN 'test-AbC123xy' 'secretpw'`)
	ts.expect("a1 OK Logged in")
	ts.writeline(`a2 LOGIN "unmatched secretpw`)
	ts.expect("a2 OK Logged in")

	events := ts.events()
	checkKinds(t, events, "connect", "login_command", "login_command", "disconnect")
	if events[1]["username"] != "test-AbC123xy" || events[1]["username_session"] != "AbC123xy" {
		t.Fatalf("single-quoted login event: got %v", events[1])
	}
	// An unmatched quote stays part of the username.
	if events[2]["username"] != `"unmatched` {
		t.Fatalf("unmatched-quote login event: got %v", events[2])
	}
}

func TestUnknownCommand(t *testing.T) {
	ts := newTestServer(t, mode.ModeBaseline, "", false)
	ts.expect("* OK selftest IMAP4rev1 Service Ready")
	ts.writeline("a1 XAPPLEPUSHSERVICE")
	ts.expect("a1 OK")
	ts.writeline("a2 ID NIL")
	ts.expect("a2 OK")

	// Neither produces a command event, only the observed set does.
	events := ts.events()
	checkKinds(t, events, "connect", "disconnect")
}

func TestImplicitTLSBlocked(t *testing.T) {
	ts := newTestServer(t, mode.ModeT4, "", true)
	ts.starttls()
	ts.expectClosed()

	events := ts.events()
	checkKinds(t, events, "disconnect")
	if events[0]["reason"] != "implicit_tls_blocked" {
		t.Fatalf("disconnect event: got %v", events[0])
	}
}

func TestImplicitTLSBaseline(t *testing.T) {
	ts := newTestServer(t, mode.ModeBaseline, "", true)
	ts.starttls()
	ts.expect("* OK selftest IMAP4rev1 Service Ready")

	ts.writeline("a1 STARTTLS")
	ts.expect("a1 BAD STARTTLS not available")

	events := ts.events()
	checkKinds(t, events, "connect", "starttls", "disconnect")
	if events[1]["result"] != "already_tls" {
		t.Fatalf("starttls event: got %v", events[1])
	}
}
