package mode

import (
	"regexp"
	"strings"
)

// Test accounts are named test-<code>. The code correlates wire-level
// observations with one browser-initiated test run, also when the IP-keyed
// override has since been overwritten by another client behind the same
// address.
var sessionRegexp = regexp.MustCompile(`^test-([A-Za-z0-9]{6,64})$`)

// ExtractSession returns the session code embedded in a login username, or
// the empty string if the username does not carry one. An @domain suffix is
// stripped first.
func ExtractSession(username string) string {
	u := strings.TrimSpace(username)
	if i := strings.Index(u, "@"); i >= 0 {
		u = u[:i]
	}
	m := sessionRegexp.FindStringSubmatch(u)
	if m == nil {
		return ""
	}
	return m[1]
}
