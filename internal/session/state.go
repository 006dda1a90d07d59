package session

import "fmt"

// State is the lifecycle position of one connection.
type State int

const (
	Connecting State = iota
	Identifying
	Resuming
	Ready
	Zombie
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Identifying:
		return "IDENTIFYING"
	case Resuming:
		return "RESUMING"
	case Ready:
		return "READY"
	case Zombie:
		return "ZOMBIE"
	case Closed:
		return "CLOSED"
	default:
		return fmt.Sprintf("STATE_%d", int(s))
	}
}

// CanTransition reports whether from -> to is a legal edge. Every state
// except Closed may move to Closed.
func CanTransition(from, to State) bool {
	if to == Closed {
		return from != Closed
	}
	switch from {
	case Connecting:
		return to == Identifying || to == Resuming
	case Identifying, Resuming:
		return to == Ready
	case Ready:
		return to == Zombie
	default:
		return false
	}
}

func transition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
