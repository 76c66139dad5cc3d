package graph

import "time"

// State of a running pipeline instance.
type State int

const (
	StateNull State = iota
	StateReady
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StatePlaying:
		return "playing"
	default:
		return "null"
	}
}

// EventType enumerates engine notifications.
type EventType int

const (
	EventStreamStart EventType = iota + 1
	EventError
	EventStateChanged
	EventEOS
	EventWarning
)

func (t EventType) String() string {
	switch t {
	case EventStreamStart:
		return "stream-start"
	case EventError:
		return "error"
	case EventStateChanged:
		return "state-changed"
	case EventEOS:
		return "eos"
	case EventWarning:
		return "warning"
	default:
		return "unknown"
	}
}

// Event is a lifecycle or error notification from a running instance.
type Event struct {
	Type     EventType
	Pipeline string
	Node     string
	Err      error
	Old      State
	New      State
	Time     time.Time
}
