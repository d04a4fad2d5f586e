// Package turn holds the per-session turn buffer and the response state machine that drives it.
package turn

import (
	"errors"
	"fmt"
)

type State int

const (
	Idle State = iota
	Started
	Buffering
	GeneratingVideo
	Ready
	Playing
)

var ErrInvalidTransition = errors.New("invalid response state transition")

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Started:
		return "started"
	case Buffering:
		return "buffering"
	case GeneratingVideo:
		return "generating_video"
	case Ready:
		return "ready"
	case Playing:
		return "playing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// InFlight reports whether a video job owns the current turn.
func (s State) InFlight() bool {
	return s == GeneratingVideo || s == Ready || s == Playing
}

// Any state may return to Idle through Clear; these are the forward edges.
var transitions = map[State][]State{
	Idle:            {Started},
	Started:         {Buffering, GeneratingVideo},
	Buffering:       {Buffering, GeneratingVideo},
	GeneratingVideo: {Ready, Idle},
	Ready:           {Playing, Idle},
	Playing:         {Idle},
}

// CanTransition reports whether from → to is an allowed edge.
func CanTransition(from, to State) bool {
	if to == Idle {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
