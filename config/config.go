// Package config holds the static configuration of the selftest service: the
// listeners, TLS key material, and paths to the mode store and event log.
//
// The config file is in "sconf" format, see
// https://pkg.go.dev/github.com/mjl-/sconf.
package config

import (
	"crypto/tls"
	"fmt"
	"io"

	"github.com/mjl-/sconf"

	"github.com/emailsec/selftestd/mlog"
)

// Conventional implicit-TLS ports. Connections on these ports are wrapped in
// TLS immediately after accept, and STARTTLS is never offered on them.
const (
	SMTPSPort = 465
	IMAPSPort = 993
)

// Static is the parsed form of the selftestd config file.
type Static struct {
	LogLevel         string            `sconf:"optional" sconf-doc:"Default log level, one of: error, info, debug. Default: info."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package, e.g. smtpserver, imapserver, mode."`
	Hostname         string            `sconf:"optional" sconf-doc:"Hostname announced in SMTP/IMAP greetings. Default: selftest."`
	ListenAddr       string            `sconf:"optional" sconf-doc:"IP address to listen on for all protocol ports. Default: 0.0.0.0."`
	SMTPPorts        []int             `sconf:"optional" sconf-doc:"Ports for the SMTP-family engine. Port 465 is implicit TLS (SMTPS), all others start in plain text and rely on STARTTLS. Default: 25, 465, 587."`
	IMAPPorts        []int             `sconf:"optional" sconf-doc:"Ports for the IMAP-family engine. Port 993 is implicit TLS (IMAPS). Default: 143, 993."`
	ModeStorePath    string            `sconf-doc:"Path to the JSON mode store mapping client IPs to disruption modes. Written by the web layer and the setmode subcommand, only read here."`
	EventLogPath     string            `sconf:"optional" sconf-doc:"Path to the append-only NDJSON event log. If empty, events are written to standard output."`
	TLSCertFile      string            `sconf-doc:"PEM certificate (chain) presented on implicit-TLS ports and for STARTTLS upgrades."`
	TLSKeyFile       string            `sconf-doc:"PEM private key for TLSCertFile."`
	MetricsAddr      string            `sconf:"optional" sconf-doc:"Address for an internal HTTP listener serving prometheus metrics on /metrics, e.g. 127.0.0.1:8010. Empty disables the listener."`
}

// Load reads the config file at path, applies defaults and checks log levels.
func Load(path string) (Static, error) {
	var c Static
	if err := sconf.ParseFile(path, &c); err != nil {
		return Static{}, fmt.Errorf("parsing config file: %w", err)
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if _, ok := mlog.Levels[c.LogLevel]; !ok {
		return Static{}, fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	for pkg, s := range c.PackageLogLevels {
		if _, ok := mlog.Levels[s]; !ok {
			return Static{}, fmt.Errorf("unknown log level %q for package %q", s, pkg)
		}
	}
	if c.Hostname == "" {
		c.Hostname = "selftest"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0"
	}
	if len(c.SMTPPorts) == 0 {
		c.SMTPPorts = []int{25, SMTPSPort, 587}
	}
	if len(c.IMAPPorts) == 0 {
		c.IMAPPorts = []int{143, IMAPSPort}
	}
	return c, nil
}

// LogLevels returns the mlog configuration for the configured levels.
// Load has already validated the level names.
func (c Static) LogLevels() map[string]mlog.Level {
	m := map[string]mlog.Level{"": mlog.Levels[c.LogLevel]}
	for pkg, s := range c.PackageLogLevels {
		m[pkg] = mlog.Levels[s]
	}
	return m
}

// TLSConfig loads the configured certificate/key pair for use on the
// listeners and during STARTTLS upgrades.
func (c Static) TLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.TLSCertFile, c.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading tls certificate and key: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// Describe writes an annotated example config file.
func Describe(w io.Writer) error {
	example := Static{
		LogLevel:      "info",
		Hostname:      "selftest",
		ListenAddr:    "0.0.0.0",
		SMTPPorts:     []int{25, SMTPSPort, 587},
		IMAPPorts:     []int{143, IMAPSPort},
		ModeStorePath: "/var/lib/selftest/mode.json",
		EventLogPath:  "/var/log/selftest/events.jsonl",
		TLSCertFile:   "/etc/selftest/tls/cert.pem",
		TLSKeyFile:    "/etc/selftest/tls/key.pem",
	}
	return sconf.Describe(w, &example)
}
