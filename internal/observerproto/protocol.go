package observerproto

import "turtlecraft.ai/internal/sim/dispatch"

// Version is the observer protocol version.
const Version = "0.1"

// Client -> Server. First message on the observer WS connection, and can be
// re-sent to change the filter.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// Turtles limits the stream to these names. Empty means all.
	Turtles []string `json:"turtles,omitempty"`
	// InterruptsOnly drops dispatches that ran the regular queue.
	InterruptsOnly bool `json:"interrupts_only,omitempty"`
}

// Server -> Client. Sent once after a valid SUBSCRIBE.
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
}

// Server -> Client. One per dispatch matching the subscription.
type DispatchMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	Event           dispatch.Event `json:"event"`
}

// Matches reports whether ev passes the subscription filter.
func (s SubscribeMsg) Matches(ev dispatch.Event) bool {
	if s.InterruptsOnly && ev.Interrupt == dispatch.InterruptNone {
		return false
	}
	if len(s.Turtles) == 0 {
		return true
	}
	for _, n := range s.Turtles {
		if n == ev.Turtle {
			return true
		}
	}
	return false
}
