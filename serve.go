package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/emailsec/selftestd/config"
	"github.com/emailsec/selftestd/event"
	"github.com/emailsec/selftestd/imapserver"
	"github.com/emailsec/selftestd/metrics"
	"github.com/emailsec/selftestd/mlog"
	"github.com/emailsec/selftestd/smtpserver"
)

func cmdServe(c *cmd) {
	c.help = `Start the selftest SMTP and IMAP endpoints and serve until a signal.

Opens the configured listeners (implicit TLS on ports 465 and 993, plain text
with STARTTLS elsewhere), the event log and optionally a prometheus metrics
listener, then accepts connections until SIGTERM or SIGINT. The mode store is
not held open: it is re-read for every incoming connection, so mode changes
made by the setmode subcommand or the web layer take effect immediately.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	serve(c.log)
}

func serve(log *mlog.Log) {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalx("loading config", err, mlog.Field("path", configPath))
	}
	if loglevel != "" {
		// The command-line level wins over the config file.
		cfg.LogLevel = loglevel
		if _, ok := mlog.Levels[loglevel]; !ok {
			log.Fatal("unknown loglevel", mlog.Field("loglevel", loglevel))
		}
	}
	mlog.SetConfig(cfg.LogLevels())

	tlsConfig, err := cfg.TLSConfig()
	if err != nil {
		log.Fatalx("loading tls config", err)
	}

	events, err := event.Open(cfg.EventLogPath)
	if err != nil {
		log.Fatalx("opening event log", err, mlog.Field("path", cfg.EventLogPath))
	}

	smtpserver.Listen(cfg.Hostname, cfg.ListenAddr, cfg.SMTPPorts, tlsConfig, cfg.ModeStorePath, events)
	imapserver.Listen(cfg.Hostname, cfg.ListenAddr, cfg.IMAPPorts, tlsConfig, cfg.ModeStorePath, events)
	if cfg.MetricsAddr != "" {
		metrics.Serve(cfg.MetricsAddr)
	}

	smtpserver.Serve()
	imapserver.Serve()

	log.Print("selftestd started",
		mlog.Field("hostname", cfg.Hostname),
		mlog.Field("smtpports", cfg.SMTPPorts),
		mlog.Field("imapports", cfg.IMAPPorts),
		mlog.Field("modestore", cfg.ModeStorePath))

	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigc
	log.Print("shutting down", mlog.Field("signal", sig.String()))
	if err := events.Close(); err != nil {
		log.Errorx("closing event log", err)
	}
}
