package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/emailsec/selftestd/mode"
)

func cmdSetmode(c *cmd) {
	var storePath, ip, session, scenario string
	var ttl int
	var show bool
	c.flag.StringVar(&storePath, "store", "/var/lib/selftest/mode.json", "path to the mode store")
	c.flag.StringVar(&ip, "ip", "", "client IP to override; if empty, the default mode is set instead")
	c.flag.IntVar(&ttl, "ttl", 600, "override TTL in seconds")
	c.flag.StringVar(&session, "session", "", "session code to attach to the override, e.g. test-AbC123")
	c.flag.StringVar(&scenario, "scenario", "", "scenario to record on the override: immediate or two_phase")
	c.flag.BoolVar(&show, "show", false, "print the resulting store JSON")
	c.params = "[-store path] [-ip addr] [-ttl seconds] [-session code] [-scenario name] [-show] mode"
	c.help = `Set the disruption mode for a client IP, or the store's default mode.

Modes: baseline, t1 (STARTTLS not advertised), t2 (connection dropped after
the STARTTLS go-ahead), t3 (STARTTLS refused), t4 (TLS established, then a
plaintext-style line injected and the connection closed).

With -ip, expired overrides are pruned, any previous override for that IP is
replaced, and a new override with the given TTL is appended. Without -ip the
store's default mode is changed. The running server picks the change up on
the next connection.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	m, err := mode.Parse(args[0])
	xcheckf(err, "parsing mode")

	st, err := mode.Load(storePath)
	xcheckf(err, "loading mode store")

	now := time.Now().Unix()
	var kept []mode.Override
	for _, o := range st.Overrides {
		if o.Expires >= now && o.IP != ip {
			kept = append(kept, o)
		}
	}
	st.Overrides = kept

	if ip != "" {
		st.Overrides = append(st.Overrides, mode.Override{
			IP:       ip,
			Mode:     m,
			Expires:  now + int64(ttl),
			Session:  session,
			Scenario: scenario,
		})
	} else {
		st.DefaultMode = m
	}

	err = mode.Save(storePath, st)
	xcheckf(err, "saving mode store")

	if show {
		buf, err := json.MarshalIndent(st, "", "  ")
		xcheckf(err, "marshal store")
		fmt.Printf("%s\n", buf)
	}
}
