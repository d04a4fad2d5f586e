package realtime

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// MockConnector produces scripted assistant responses for local development without an API key.
type MockConnector struct {
	// ChunkDelay spaces out audio chunks to resemble streaming.
	ChunkDelay time.Duration
	Reply      func(prompt string) string
}

func NewMockConnector() *MockConnector {
	return &MockConnector{ChunkDelay: 40 * time.Millisecond}
}

func (c *MockConnector) Name() string { return "mock" }

func (c *MockConnector) Connect(_ context.Context, opts Options) (Session, error) {
	rate := opts.SampleRate
	if rate <= 0 {
		rate = 24000
	}
	reply := c.Reply
	if reply == nil {
		reply = func(prompt string) string {
			if prompt == "" {
				return "I heard you. This is a scripted reply from the mock realtime provider."
			}
			return "You said: " + prompt
		}
	}
	return &mockSession{
		sessionID:  opts.SessionID,
		sampleRate: rate,
		delay:      c.ChunkDelay,
		reply:      reply,
		events:     make(chan Event, eventBuffer),
		done:       make(chan struct{}),
	}, nil
}

type mockSession struct {
	sessionID  string
	sampleRate int
	delay      time.Duration
	reply      func(string) string

	mu         sync.Mutex
	seq        int
	audioBytes int
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func (s *mockSession) SendAudio(_ context.Context, pcm []byte) error {
	if s.closed() {
		return ErrSessionClosed
	}
	s.mu.Lock()
	s.audioBytes += len(pcm)
	s.mu.Unlock()
	return nil
}

func (s *mockSession) CommitAudio(_ context.Context) error {
	if s.closed() {
		return ErrSessionClosed
	}
	s.mu.Lock()
	n := s.audioBytes
	s.audioBytes = 0
	s.mu.Unlock()
	if n == 0 {
		return nil
	}
	s.respond("")
	return nil
}

func (s *mockSession) SendMessage(_ context.Context, msg UserMessage) error {
	if s.closed() {
		return ErrSessionClosed
	}
	var parts []string
	for _, c := range msg.Content {
		if c.Type == "input_text" && strings.TrimSpace(c.Text) != "" {
			parts = append(parts, strings.TrimSpace(c.Text))
		}
	}
	s.respond(strings.Join(parts, " "))
	return nil
}

func (s *mockSession) Interrupt(_ context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (s *mockSession) Events() <-chan Event { return s.events }

func (s *mockSession) Err() error { return nil }

func (s *mockSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.Interrupt(context.Background())
		go func() {
			s.wg.Wait()
			close(s.events)
		}()
	})
	return nil
}

func (s *mockSession) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *mockSession) respond(prompt string) {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.seq++
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	responseID := fmt.Sprintf("resp_mock_%d", s.seq)
	itemID := fmt.Sprintf("item_mock_%d", s.seq)
	seq := s.seq
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.script(ctx, responseID, itemID, s.reply(prompt))

		s.mu.Lock()
		if s.seq == seq {
			s.cancel = nil
		}
		s.mu.Unlock()
		cancel()
	}()
}

func (s *mockSession) script(ctx context.Context, responseID, itemID, text string) {
	emit := func(ev Event) bool {
		select {
		case <-ctx.Done():
			return false
		case <-s.done:
			return false
		case s.events <- ev:
			return true
		}
	}
	lifecycle := func(typ, status string) Event {
		inner := map[string]any{"type": typ, "response": map[string]any{"id": responseID, "status": status}}
		return RawModelEvent{Data: map[string]any{"type": "raw_server_event", "data": inner}}
	}

	if !emit(lifecycle("response.created", "in_progress")) {
		return
	}
	words := strings.Fields(text)
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		if !emit(TranscriptDeltaEvent{ItemID: itemID, ResponseID: responseID, Delta: w}) {
			return
		}
		if !emit(AudioEvent{Data: tone(s.sampleRate, 120*time.Millisecond, i), ItemID: itemID, ResponseID: responseID}) {
			return
		}
		if s.delay > 0 {
			select {
			case <-ctx.Done():
				_ = emitFinal(s, lifecycle("response.done", "cancelled"))
				return
			case <-time.After(s.delay):
			}
		}
	}
	if !emit(AudioEndEvent{ItemID: itemID, ResponseID: responseID}) {
		return
	}
	if !emit(HistoryAddedEvent{Item: Item{
		ID:      itemID,
		Type:    "message",
		Role:    "assistant",
		Status:  "completed",
		Content: []ContentPart{{Type: "audio", Transcript: text}},
	}}) {
		return
	}
	emit(lifecycle("response.done", "completed"))
}

// emitFinal delivers a terminal event even after the script context was cancelled.
func emitFinal(s *mockSession, ev Event) bool {
	select {
	case <-s.done:
		return false
	case s.events <- ev:
		return true
	}
}

// tone renders a short sine burst of PCM16LE mono so clients have something audible.
func tone(sampleRate int, d time.Duration, step int) []byte {
	n := int(float64(sampleRate) * d.Seconds())
	freq := 220.0 + float64(step%5)*40
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(3000 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
		out[i*2] = byte(v)
		out[i*2+1] = byte(uint16(v) >> 8)
	}
	return out
}
