package icomwlan

import "fmt"

// Phase is the connection-session state described in spec.md §3.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseDisconnecting
	PhaseReconnecting
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseDisconnecting:
		return "disconnecting"
	case PhaseReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// legalTransitions enumerates every transition spec.md §3 permits. Any
// transition not listed here is a programming error, not a runtime
// condition to route around.
var legalTransitions = map[Phase]map[Phase]bool{
	PhaseIdle:          {PhaseConnecting: true},
	PhaseConnecting:    {PhaseConnected: true, PhaseDisconnecting: true, PhaseIdle: true},
	PhaseConnected:     {PhaseDisconnecting: true, PhaseReconnecting: true},
	PhaseDisconnecting: {PhaseIdle: true},
	PhaseReconnecting:  {PhaseConnected: true, PhaseIdle: true},
}

func (p Phase) canTransitionTo(next Phase) bool {
	return legalTransitions[p][next]
}

// transitionTo moves the controller to next, updating the metrics gauge
// alongside. It must only be called from inside an actor.call, since it
// reads and writes c.phase directly. An illegal transition is a
// programming error (a new call site not accounted for in
// legalTransitions), not a runtime condition, so per spec.md §8.7 it
// must raise rather than proceed.
func (c *Controller) transitionTo(next Phase) {
	if !c.phase.canTransitionTo(next) {
		panic(fmt.Sprintf("icomwlan: illegal phase transition %s -> %s", c.phase, next))
	}
	c.phase = next
	c.metrics.setPhase(next)
}
