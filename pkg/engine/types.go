package engine

import (
	"fmt"
	"time"
)

// State is the connection and control state of the engine.
type State int

const (
	Disconnected State = iota
	Connecting
	Streaming
	SafetyTripped
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Streaming:
		return "Streaming"
	case SafetyTripped:
		return "SafetyTripped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// SafetyState is the latched record of the last safety trip. It is cleared
// only by an explicit re-enable.
type SafetyState struct {
	Tripped bool
	Reason  string
	Time    time.Time
	Voltage float64 // Reading that caused the trip (V)
}

// EventKind classifies engine events.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventSafetyTrip
	EventReenabled
	EventParameter
	EventTrackingWarning
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventSafetyTrip:
		return "safety_trip"
	case EventReenabled:
		return "reenabled"
	case EventParameter:
		return "parameter"
	case EventTrackingWarning:
		return "tracking_warning"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is a notable change delivered to OnEvent subscribers.
type Event struct {
	Kind    EventKind
	Time    time.Time
	Message string
}

// Stats are running counters of the session.
type Stats struct {
	Samples         int
	ParseErrors     int
	LogErrors       int
	Reconnects      int
	LastError       string
	TrackingWarning bool // Latest sample deviates from the setpoint by more than the warning fraction
}
