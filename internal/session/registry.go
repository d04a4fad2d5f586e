package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/antoniostano/deckard/internal/persona"
	"github.com/antoniostano/deckard/internal/video"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

const resultsMailboxSize = 8

var (
	ErrNotFound         = errors.New("session not found")
	ErrAlreadyConnected = errors.New("session already connected")
)

// Session is the externally visible state of one live connection.
type Session struct {
	ID                string     `json:"session_id"`
	Status            Status     `json:"status"`
	Persona           persona.ID `json:"persona"`
	State             string     `json:"response_state"`
	ResponseCounter   int        `json:"response_counter"`
	ActiveResponseID  string     `json:"active_response_id,omitempty"`
	InterruptionCount int        `json:"interruption_count"`
	StartedAt         time.Time  `json:"started_at"`
	LastActivityAt    time.Time  `json:"last_activity_at"`
}

type entry struct {
	s        *Session
	outbound chan<- any
	results  chan video.Outcome
	done     chan struct{}
	cancel   context.CancelFunc
}

// Registry maps session ids to live connections. Background work always looks sessions up by
// id, so a closed session simply stops receiving.
type Registry struct {
	mu                sync.RWMutex
	entries           map[string]*entry
	inactivityTimeout time.Duration
	onExpire          func(*Session)
}

func NewRegistry(inactivityTimeout time.Duration) *Registry {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 10 * time.Minute
	}
	return &Registry{
		entries:           make(map[string]*entry),
		inactivityTimeout: inactivityTimeout,
	}
}

func (r *Registry) SetExpireHook(hook func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

// Open registers a live connection. cancel is invoked when the session is ended from outside
// the connection (janitor, REST end).
func (r *Registry) Open(id string, p persona.ID, outbound chan<- any, cancel context.CancelFunc) (*Session, error) {
	now := time.Now().UTC()
	e := &entry{
		s: &Session{
			ID:             id,
			Status:         StatusActive,
			Persona:        p,
			State:          "idle",
			StartedAt:      now,
			LastActivityAt: now,
		},
		outbound: outbound,
		results:  make(chan video.Outcome, resultsMailboxSize),
		done:     make(chan struct{}),
		cancel:   cancel,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		return nil, ErrAlreadyConnected
	}
	r.entries[id] = e
	return clone(e.s), nil
}

// Close removes the session. Outcomes delivered afterwards are dropped.
func (r *Registry) Close(id string) (*Session, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	close(e.done)
	e.s.Status = StatusEnded
	return clone(e.s), nil
}

// Disconnect asks the connection owning id to shut down.
func (r *Registry) Disconnect(id string) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if e.cancel != nil {
		e.cancel()
	}
	return nil
}

func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e.s), nil
}

// List returns live sessions ordered by start time.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, clone(e.s))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) SetPersona(id string, p persona.ID) error {
	return r.update(id, func(s *Session) { s.Persona = p })
}

func (r *Registry) Persona(id string) (persona.ID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return "", ErrNotFound
	}
	return e.s.Persona, nil
}

// UpdateTurn mirrors the connection's response state for introspection.
func (r *Registry) UpdateTurn(id, state string, counter int, responseID string) error {
	return r.update(id, func(s *Session) {
		s.State = state
		s.ResponseCounter = counter
		s.ActiveResponseID = responseID
	})
}

func (r *Registry) Interrupt(id string) error {
	return r.update(id, func(s *Session) { s.InterruptionCount++ })
}

func (r *Registry) Touch(id string) error {
	return r.update(id, func(*Session) {})
}

func (r *Registry) update(id string, fn func(*Session)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return ErrNotFound
	}
	fn(e.s)
	e.s.LastActivityAt = time.Now().UTC()
	return nil
}

// Outbound returns the client send queue for id and a channel closed when the session ends.
func (r *Registry) Outbound(id string) (chan<- any, <-chan struct{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, nil, ErrNotFound
	}
	return e.outbound, e.done, nil
}

// Results returns the mailbox where video outcomes for id arrive.
func (r *Registry) Results(id string) (<-chan video.Outcome, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.results, nil
}

// Deliver hands o to its session. It returns false when the session is gone.
func (r *Registry) Deliver(o video.Outcome) bool {
	r.mu.RLock()
	e, ok := r.entries[o.Job.SessionID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case e.results <- o:
		return true
	case <-e.done:
		return false
	}
}

func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireInactive()
			}
		}
	}()
}

// expireInactive cancels idle connections. The connection itself closes its entry on the way out.
func (r *Registry) expireInactive() {
	now := time.Now().UTC()
	var expired []*Session
	var cancels []context.CancelFunc

	r.mu.Lock()
	for _, e := range r.entries {
		if e.s.Status != StatusActive || now.Sub(e.s.LastActivityAt) < r.inactivityTimeout {
			continue
		}
		e.s.Status = StatusEnded
		expired = append(expired, clone(e.s))
		if e.cancel != nil {
			cancels = append(cancels, e.cancel)
		}
	}
	hook := r.onExpire
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
