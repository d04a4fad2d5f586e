package turn

import (
	"errors"
	"fmt"

	"github.com/antoniostano/deckard/internal/logging"
)

var ErrTurnInFlight = errors.New("turn already in flight")

// Tracker owns at most one Buffer for a session and the response state around it.
// It is not safe for concurrent use; the session's consumption goroutine owns it.
type Tracker struct {
	sessionID string
	counter   int
	state     State
	buf       *Buffer
}

func NewTracker(sessionID string) *Tracker {
	return &Tracker{sessionID: sessionID}
}

// Start allocates a buffer for a new turn and moves to Started.
func (t *Tracker) Start() (*Buffer, error) {
	if t.buf != nil {
		logging.Warn("turn start requested while a buffer exists",
			"session_id", t.sessionID, "response_id", t.buf.ResponseID, "state", t.state.String())
		return t.buf, ErrTurnInFlight
	}
	t.counter++
	t.buf = newBuffer(fmt.Sprintf("%s_response_%d", t.sessionID, t.counter))
	t.state = Started
	return t.buf, nil
}

// Clear drops the buffer and returns to Idle. Calling it with no buffer is a no-op.
func (t *Tracker) Clear() {
	t.buf = nil
	t.state = Idle
}

// Buffer returns the active buffer or nil.
func (t *Tracker) Buffer() *Buffer { return t.buf }

func (t *Tracker) State() State { return t.state }

// Counter is the number of turns started in this session.
func (t *Tracker) Counter() int { return t.counter }

// Transition moves to `to` if the edge is allowed.
func (t *Tracker) Transition(to State) error {
	if !CanTransition(t.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.state, to)
	}
	if to == Idle {
		t.Clear()
		return nil
	}
	t.state = to
	return nil
}
