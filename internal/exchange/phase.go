// Package exchange runs the authorization-code login: it starts a login with
// PKCE, state and nonce, and completes it exactly once per state value.
package exchange

// Phase is a step of one login attempt.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseInitiated        Phase = "initiated"
	PhaseAwaitingCallback Phase = "awaiting_callback"
	PhaseExchanging       Phase = "exchanging"
	PhaseEstablished      Phase = "established"
	PhaseFailed           Phase = "failed"
)

var transitions = map[Phase][]Phase{
	PhaseIdle:             {PhaseInitiated},
	PhaseInitiated:        {PhaseAwaitingCallback, PhaseFailed},
	PhaseAwaitingCallback: {PhaseExchanging, PhaseFailed},
	PhaseExchanging:       {PhaseEstablished, PhaseFailed},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// Terminal is true for Established and Failed.
func (p Phase) Terminal() bool { return p == PhaseEstablished || p == PhaseFailed }
