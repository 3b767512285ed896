package track

// State is the fetch state of a track.
//
// Idle, Fetching, Playable and Fetched are totally ordered and only move
// forward until the track is reset. Failed is terminal for the current fetch
// attempt and ranks below Fetching so that casting a failed track re-fetches it.
type State int32

const (
	StateFailed   State = -1
	StateIdle     State = 1
	StateFetching State = 2
	StatePlayable State = 3
	StateFetched  State = 4
)

func (s State) rank() int {
	switch s {
	case StateIdle:
		return 1
	case StateFetching:
		return 2
	case StatePlayable:
		return 3
	case StateFetched:
		return 4
	default:
		return 0
	}
}

// Before reports whether s ranks strictly below o.
func (s State) Before(o State) bool {
	return s.rank() < o.rank()
}

// AtLeast reports whether s ranks at or above o. A failed state is never at
// least anything but itself.
func (s State) AtLeast(o State) bool {
	if s == StateFailed {
		return o == StateFailed
	}
	return s.rank() >= o.rank()
}

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StatePlayable:
		return "playable"
	case StateFetched:
		return "fetched"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
