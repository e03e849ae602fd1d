// Package event writes the append-only protocol observation log.
//
// Each event is one self-contained JSON object on its own line. The log is
// the system's primary output: the reporting layer tails it while connection
// handlers are still appending. Events are written before Emit returns and
// are never mutated afterwards.
package event

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/emailsec/selftestd/mlog"
)

// Event kinds emitted by the protocol engines.
const (
	KindConnect         = "connect"
	KindDisconnect      = "disconnect"
	KindEhlo            = "ehlo"
	KindCapability      = "capability"
	KindStarttls        = "starttls"
	KindDisrupt         = "disrupt"
	KindDrop            = "drop"
	KindAuthCommand     = "auth_command"
	KindAuthLogin       = "auth_login"
	KindLoginCommand    = "login_command"
	KindSessionMismatch = "session_mismatch"
	KindCommand         = "command"
	KindDataEnd         = "data_end"
)

// Event is a single protocol-level observation. Passwords and raw AUTH/LOGIN
// payloads must never end up in any field; only the username and the TLS
// state under which it was seen are recorded.
type Event struct {
	Ts              int64  `json:"ts"`
	Protocol        string `json:"proto"` // "smtp" or "imap".
	ClientAddr      string `json:"client_ip"`
	Mode            string `json:"mode"`
	ModeSource      string `json:"mode_source"`
	OverrideSession string `json:"override_session,omitempty"` // Session carried by the resolved override.
	TLS             bool   `json:"tls"`
	ServerPort      int    `json:"server_port"`
	Kind            string `json:"event"`

	// Kind-specific fields.
	Result             string `json:"result,omitempty"` // For starttls: ok, refused, already_tls, drop_after_ready, drop_after_ok, wrap_failed.
	Reason             string `json:"reason,omitempty"` // For disconnect/disrupt/drop.
	StarttlsAdvertised *bool  `json:"starttls_advertised,omitempty"`
	Username           string `json:"username,omitempty"`
	UsernameSession    string `json:"username_session,omitempty"` // Session code parsed from the username.
	Session            string `json:"session,omitempty"`          // Session attributed to this observation.
	AuthMech           string `json:"auth_mech,omitempty"`
	Cmd                string `json:"cmd,omitempty"`
	DataBytes          int64  `json:"bytes,omitempty"`
	Payload            string `json:"payload,omitempty"` // Injected disruption payload, never client data.
}

// Logger appends events to a log file, or to stdout when no path was
// configured.
type Logger struct {
	log *mlog.Log

	mu sync.Mutex
	f  *os.File // Nil means stdout.
}

// Open returns a Logger appending to the file at path, creating it if
// needed. An empty path means standard output.
func Open(path string) (*Logger, error) {
	l := &Logger{log: mlog.New("event")}
	if path == "" {
		return l, nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0640)
	if err != nil {
		return nil, err
	}
	l.f = f
	return l, nil
}

// Emit appends e to the log. Ts is filled in when zero. Emit never fails
// toward the caller: a write error is logged and the event dropped, so
// observation problems cannot tear down the connection being observed.
func (l *Logger) Emit(e Event) {
	if e.Ts == 0 {
		e.Ts = time.Now().Unix()
	}
	buf, err := json.Marshal(e)
	if err != nil {
		l.log.Errorx("marshal event", err, mlog.Field("kind", e.Kind))
		return
	}
	buf = append(buf, '\n')

	// One write per event, under the lock, so lines from concurrent
	// connection handlers never interleave.
	l.mu.Lock()
	defer l.mu.Unlock()
	f := l.f
	if f == nil {
		f = os.Stdout
	}
	if _, err := f.Write(buf); err != nil {
		l.log.Errorx("append event", err, mlog.Field("kind", e.Kind))
	}
}

// Close closes the underlying file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
