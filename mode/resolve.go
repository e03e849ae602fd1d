package mode

import (
	"time"

	"github.com/emailsec/selftestd/mlog"
)

// Decision is the effective mode for one connection.
type Decision struct {
	Mode    Mode
	Source  string // "default", or "override:<ip>" when an override matched.
	Session string // Session code carried by the matching override, if any.
}

// Resolve determines the effective mode for a connection from ip, pruning
// expired overrides from the store as a side effect.
func Resolve(log *mlog.Log, path, ip string) (Decision, error) {
	return ResolveAt(log, path, ip, time.Now())
}

// ResolveAt is Resolve at an explicit wall-clock time.
//
// Expired overrides (nonzero expires in the past) are dropped, and if that
// changed anything the pruned store is written back, best-effort: a failed
// write only delays cleanup, it can never resurrect an override since expiry
// is re-checked here on every call. Among the remaining overrides the first
// whose IP matches wins; writers that want last-write-wins must remove prior
// entries for the same IP when writing.
func ResolveAt(log *mlog.Log, path, ip string, now time.Time) (Decision, error) {
	s, err := Load(path)
	if err != nil {
		return Decision{}, err
	}

	kept := make([]Override, 0, len(s.Overrides))
	var match *Override
	for i, o := range s.Overrides {
		if o.Expires != 0 && o.Expires < now.Unix() {
			continue
		}
		kept = append(kept, o)
		if match == nil && o.IP == ip {
			match = &s.Overrides[i]
		}
	}

	if len(kept) != len(s.Overrides) {
		pruned := s
		pruned.Overrides = kept
		if err := Save(path, pruned); err != nil {
			log.Errorx("persisting pruned mode store", err, mlog.Field("path", path))
		}
	}

	if match != nil {
		return Decision{Mode: match.Mode, Source: "override:" + ip, Session: match.Session}, nil
	}
	return Decision{Mode: s.DefaultMode, Source: "default"}, nil
}
