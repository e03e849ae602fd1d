package lineio

import (
	"context"
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"math/big"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emailsec/selftestd/mlog"
)

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

func TestReadLine(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	c := New(server, false, mlog.New("lineio"))

	go func() {
		client.Write([]byte("hello\r\n"))
		client.Write([]byte("world\n"))
		client.Write([]byte("\r\n"))
	}()

	for _, exp := range []string{"hello", "world", ""} {
		line, err := c.ReadLine(time.Second)
		tcheck(t, err, "read line")
		if line != exp {
			t.Fatalf("got %q, expected %q", line, exp)
		}
	}

	go client.Close()
	if _, err := c.ReadLine(time.Second); err == nil {
		t.Fatalf("read after close: expected error")
	}
}

func TestReadLineTooLong(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	c := New(server, false, mlog.New("lineio"))

	go func() {
		defer client.Close()
		client.Write([]byte(strings.Repeat("x", maxLineLength+10)))
	}()

	_, err := c.ReadLine(time.Second)
	if !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("got %v, expected ErrLineTooLong", err)
	}
}

func TestReadLineTimeout(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	c := New(server, false, mlog.New("lineio"))

	_, err := c.ReadLine(50 * time.Millisecond)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !IsClosed(err) {
		t.Fatalf("timeout not recognized as connection-ending: %v", err)
	}
}

// Plaintext the client pipelined behind its upgrade command must not survive
// into the TLS channel.
func TestUpgradeTLSDiscardsBuffered(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	log := mlog.New("lineio")
	c := New(server, false, log)

	// One write, so the trailing garbage ends up in the server's read buffer
	// together with the command line.
	go func() {
		client.Write([]byte("STARTTLS\r\nINJECTED GARBAGE"))
	}()

	line, err := c.ReadLine(time.Second)
	tcheck(t, err, "read command line")
	if line != "STARTTLS" {
		t.Fatalf("got %q, expected STARTTLS", line)
	}

	tlsConfig := &tls.Config{Certificates: []tls.Certificate{fakeCert(t)}}
	type upgradeResult struct {
		conn *Conn
		err  error
	}
	resc := make(chan upgradeResult, 1)
	go func() {
		nc, err := c.UpgradeTLS(context.Background(), tlsConfig)
		resc <- upgradeResult{nc, err}
	}()

	tc := tls.Client(client, &tls.Config{InsecureSkipVerify: true})
	err = tc.Handshake()
	tcheck(t, err, "client handshake")

	res := <-resc
	tcheck(t, res.err, "upgrade tls")
	if !res.conn.TLS() {
		t.Fatalf("upgraded conn not marked tls")
	}
	if version, suite := TLSInfo(tc); !strings.HasPrefix(version, "TLS") || suite == "" {
		t.Fatalf("tls info: got version %q, ciphersuite %q", version, suite)
	}

	// First line over TLS is the client's, not the stale plaintext.
	go func() {
		tc.Write([]byte("PING\r\n"))
	}()
	line, err = res.conn.ReadLine(time.Second)
	tcheck(t, err, "read line over tls")
	if line != "PING" {
		t.Fatalf("got %q, expected PING", line)
	}
}
