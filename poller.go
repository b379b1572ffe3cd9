package reactor

import (
	"strings"
)

// IOEvents is a bitmask of readiness conditions, as reported by the poller.
type IOEvents uint32

const (
	// EventRead indicates the descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the descriptor.
	EventError
	// EventHangup indicates the peer closed its end of the connection.
	EventHangup
)

func (e IOEvents) String() string {
	if e == 0 {
		return "none"
	}
	var parts []string
	if e&EventRead != 0 {
		parts = append(parts, "read")
	}
	if e&EventWrite != 0 {
		parts = append(parts, "write")
	}
	if e&EventError != 0 {
		parts = append(parts, "error")
	}
	if e&EventHangup != 0 {
		parts = append(parts, "hangup")
	}
	return strings.Join(parts, "|")
}

// fires reports whether readiness in events should complete a registration
// for dir. Error and hangup conditions fire every direction, leaving the
// operation to discover the error itself.
func (e IOEvents) fires(dir Direction) bool {
	if e&(EventError|EventHangup) != 0 {
		return true
	}
	switch dir {
	case Read:
		return e&EventRead != 0
	case Write:
		return e&EventWrite != 0
	default:
		return false
	}
}
