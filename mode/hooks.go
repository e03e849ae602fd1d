package mode

// StarttlsAction is what a mode does when a client requests STARTTLS.
type StarttlsAction int

const (
	// Reply ready and negotiate TLS.
	StarttlsProceed StarttlsAction = iota
	// Reply with a temporary failure, stay on the plaintext channel.
	StarttlsRefuse
	// Reply ready, then close the connection without negotiating.
	StarttlsDropAfterReady
)

// The disruption behavior per mode, as a hook table consulted by the protocol
// engines at their STARTTLS/AUTH decision points. Adding a mode means adding
// a row here, not new branches in the engines.
type hooks struct {
	advertise      bool // STARTTLS listed in EHLO/CAPABILITY responses.
	starttls       StarttlsAction
	afterHandshake bool // Inject one line over the fresh TLS channel, then close.
	afterAuth      bool // Close after a successful auth reply on TLS.
}

var modeHooks = map[Mode]hooks{
	ModeBaseline: {advertise: true, starttls: StarttlsProceed},
	ModeT1:       {advertise: false, starttls: StarttlsProceed},
	ModeT2:       {advertise: true, starttls: StarttlsDropAfterReady},
	ModeT3:       {advertise: true, starttls: StarttlsRefuse},
	ModeT4:       {advertise: true, starttls: StarttlsProceed, afterHandshake: true, afterAuth: true},
}

// AdvertiseSTARTTLS returns whether capability responses include STARTTLS
// (assuming TLS is not yet active).
func (m Mode) AdvertiseSTARTTLS() bool {
	return modeHooks[m].advertise
}

// OnStarttls returns the action for an explicit STARTTLS request.
func (m Mode) OnStarttls() StarttlsAction {
	return modeHooks[m].starttls
}

// DisruptAfterHandshake returns whether to inject one out-of-protocol line
// over the just-established TLS channel and close.
func (m Mode) DisruptAfterHandshake() bool {
	return modeHooks[m].afterHandshake
}

// DisruptAfterAuth returns whether to tear the connection down right after a
// successful authentication reply over TLS.
func (m Mode) DisruptAfterAuth() bool {
	return modeHooks[m].afterAuth
}

// StarttlsOnly returns whether the mode's contract is defined only for an
// explicit STARTTLS negotiation. Such modes drop connections arriving on
// implicit-TLS ports immediately post-accept.
func (m Mode) StarttlsOnly() bool {
	return m != ModeBaseline && modes[m]
}
