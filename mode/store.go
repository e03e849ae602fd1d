// Package mode implements the disruption-mode store and resolver.
//
// The store is a small JSON file mapping client IPs to the disruption mode a
// connection from that IP should experience, with a process-wide default
// mode. The web layer and the setmode subcommand write it, the protocol
// engines only read it (through Resolve). Writes replace the file atomically
// so concurrent readers never see a partial store.
package mode

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Mode is the disruption behavior applied to a connection's STARTTLS/AUTH
// sequence. The zero value is not valid; absent store fields default to
// ModeBaseline explicitly.
type Mode string

const (
	ModeBaseline Mode = "baseline" // No disruption, normal STARTTLS service.
	ModeT1       Mode = "t1"       // STARTTLS not advertised in capabilities.
	ModeT2       Mode = "t2"       // STARTTLS accepted, connection dropped before the handshake.
	ModeT3       Mode = "t3"       // STARTTLS refused with a temporary failure.
	ModeT4       Mode = "t4"       // Handshake succeeds, then injected bytes/teardown.
)

var modes = map[Mode]bool{ModeBaseline: true, ModeT1: true, ModeT2: true, ModeT3: true, ModeT4: true}

// Parse returns the Mode for s, or an error for unknown values.
func Parse(s string) (Mode, error) {
	m := Mode(s)
	if !modes[m] {
		return "", fmt.Errorf("unknown mode %q", s)
	}
	return m, nil
}

// Scenario values, stored with an override for the web layer's orchestration.
// The engine persists and reports them but applies the resolved mode
// unconditionally; interpreting two_phase is the orchestrator's job.
const (
	ScenarioImmediate = "immediate"
	ScenarioTwoPhase  = "two_phase"
)

// Override is a time-limited per-client-IP mode assignment, taking precedence
// over the default mode.
type Override struct {
	IP       string `json:"ip"`
	Mode     Mode   `json:"mode"`
	Expires  int64  `json:"expires"` // Unix seconds. Always nonzero for overrides.
	Session  string `json:"session,omitempty"`
	Scenario string `json:"scenario,omitempty"`
}

// Store is the full contents of the mode store file.
type Store struct {
	DefaultMode Mode       `json:"default_mode"`
	Overrides   []Override `json:"overrides"`
}

// Load reads the store file at path. A missing file is not an error and
// yields the empty state: default mode baseline, no overrides. A present but
// unparseable file is an error: silently falling back to baseline during a
// security test would invalidate the test, so that case fails loudly.
func Load(path string) (Store, error) {
	buf, err := os.ReadFile(path)
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return Store{DefaultMode: ModeBaseline}, nil
	} else if err != nil {
		return Store{}, fmt.Errorf("reading mode store: %w", err)
	}
	var s Store
	if err := json.Unmarshal(buf, &s); err != nil {
		return Store{}, fmt.Errorf("parsing mode store %s: %w", path, err)
	}
	if s.DefaultMode == "" {
		s.DefaultMode = ModeBaseline
	}
	return s, nil
}

// Save writes the store to path by writing a temporary file in the same
// directory and renaming it over the target, so a concurrent Load never sees
// a torn file.
func Save(path string, s Store) error {
	buf, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal mode store: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0770); err != nil {
			return fmt.Errorf("creating mode store directory: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0660); err != nil {
		return fmt.Errorf("writing temp mode store: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		if xerr := os.Remove(tmp); xerr != nil && !errors.Is(xerr, fs.ErrNotExist) {
			return fmt.Errorf("renaming mode store (%s), and removing temp file: %w", err, xerr)
		}
		return fmt.Errorf("renaming mode store: %w", err)
	}
	return nil
}
