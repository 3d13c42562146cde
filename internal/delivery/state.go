package delivery

import "fmt"

type State string

const (
	Sending   State = "sending"
	Sent      State = "sent"
	Delivered State = "delivered"
	Failed    State = "failed"
)

// transitions is the complete set of legal moves. Nothing skips sending
// except resubmission after failed.
var transitions = map[State][]State{
	Sending: {Sent, Failed},
	Sent:    {Delivered},
	Failed:  {Sending},
}

func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type IllegalTransitionError struct {
	From, To State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal delivery transition %s -> %s", e.From, e.To)
}

// Transition is what listeners observe for every state change.
type Transition struct {
	ClientID  string
	SessionID string
	From      State // empty for the initial sending state
	To        State
	Err       error
}
