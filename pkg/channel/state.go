package channel

import (
	"fmt"
	"strconv"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	// Closing is terminal: the handle was closed deliberately.
	Closing
)

var states = []State{Disconnected, Connecting, Connected, Closing}

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// ChannelError is a transport-level failure of the push connection.
type ChannelError struct {
	Op     string
	Status int
	Err    error
}

func (e *ChannelError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("channel %s failed with status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("channel %s failed: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}
