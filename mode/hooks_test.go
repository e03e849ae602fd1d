package mode

import (
	"testing"
)

func TestHooks(t *testing.T) {
	for m, advertise := range map[Mode]bool{ModeBaseline: true, ModeT1: false, ModeT2: true, ModeT3: true, ModeT4: true} {
		if m.AdvertiseSTARTTLS() != advertise {
			t.Fatalf("mode %s: advertise %v, expected %v", m, m.AdvertiseSTARTTLS(), advertise)
		}
	}
	for m, action := range map[Mode]StarttlsAction{ModeBaseline: StarttlsProceed, ModeT1: StarttlsProceed, ModeT2: StarttlsDropAfterReady, ModeT3: StarttlsRefuse, ModeT4: StarttlsProceed} {
		if m.OnStarttls() != action {
			t.Fatalf("mode %s: starttls action %v, expected %v", m, m.OnStarttls(), action)
		}
	}
	// Both t4 injection points, even though the post-handshake one usually
	// ends the connection before auth can happen.
	for _, m := range []Mode{ModeBaseline, ModeT1, ModeT2, ModeT3} {
		if m.DisruptAfterHandshake() || m.DisruptAfterAuth() {
			t.Fatalf("mode %s disrupts after handshake or auth", m)
		}
	}
	if !ModeT4.DisruptAfterHandshake() || !ModeT4.DisruptAfterAuth() {
		t.Fatalf("t4 missing a disruption point")
	}

	if ModeBaseline.StarttlsOnly() {
		t.Fatalf("baseline marked starttls-only")
	}
	for _, m := range []Mode{ModeT1, ModeT2, ModeT3, ModeT4} {
		if !m.StarttlsOnly() {
			t.Fatalf("mode %s not starttls-only", m)
		}
	}
}
