package lineio

import (
	"crypto/tls"
)

// TLSInfo returns the negotiated protocol version and cipher suite as
// human-readable strings, for the handshake debug lines.
func TLSInfo(conn *tls.Conn) (version, ciphersuite string) {
	st := conn.ConnectionState()
	return tls.VersionName(st.Version), tls.CipherSuiteName(st.CipherSuite)
}
