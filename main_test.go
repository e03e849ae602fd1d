package main

import (
	"strings"
	"testing"
)

// The command table is built in init; a broken table would leave the binary
// without subcommands.
func TestCommandTable(t *testing.T) {
	if len(cmds) != len(commands) {
		t.Fatalf("got %d commands in table, expected %d", len(cmds), len(commands))
	}
	seen := map[string]bool{}
	for _, c := range cmds {
		if len(c.words) == 0 || c.fn == nil {
			t.Fatalf("command without words or function: %+v", c)
		}
		name := strings.Join(c.words, " ")
		if seen[name] {
			t.Fatalf("duplicate command %q", name)
		}
		seen[name] = true
	}
	for _, name := range []string{"serve", "setmode", "describeconf", "help"} {
		if !seen[name] {
			t.Fatalf("command %q missing from table", name)
		}
	}
}
