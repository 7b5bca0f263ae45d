// Package state holds the device's top-level mode and the single
// coordinator goroutine that routes motion, runs announcements and owns the
// conversation session.
package state

import "time"

type State string

const (
	Standby      State = "STANDBY"
	Announce     State = "ANNOUNCE"
	Conversation State = "CONVERSATION"
)

// Routing reasons. Conversation exits use the conversation.ExitReason values.
const (
	ReasonPersonOrVehicle = "person_or_vehicle"
	ReasonOtherObject     = "other_object"
	ReasonAnnouncePrefix  = "announce:"
)

// legal lists the allowed successors of each state. ANNOUNCE and
// CONVERSATION are only entered from STANDBY and only return to it.
var legal = map[State][]State{
	Standby:      {Announce, Conversation},
	Announce:     {Standby},
	Conversation: {Standby},
}

func canTransition(from, to State) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is the log record of one state change.
type Transition struct {
	From      State     `json:"from_state"`
	To        State     `json:"to_state"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"timestamp"`
	SessionID string    `json:"session_id,omitempty"`
}
