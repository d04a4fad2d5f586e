package voice

import (
	"fmt"
	"testing"
	"time"

	"github.com/antoniostano/deckard/internal/observability"
	"github.com/antoniostano/deckard/internal/persona"
	"github.com/antoniostano/deckard/internal/protocol"
	"github.com/antoniostano/deckard/internal/session"
)

func newSendOrchestrator(t *testing.T, outbound chan any) *Orchestrator {
	t.Helper()
	reg := session.NewRegistry(time.Minute)
	if _, err := reg.Open("s1", persona.Joi, outbound, nil); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return &Orchestrator{
		sessions: reg,
		metrics:  observability.NewMetrics(fmt.Sprintf("deckard_test_send_%d", time.Now().UnixNano())),
	}
}

func TestSendDeliversCriticalWhenOutboundQueueTemporarilyFull(t *testing.T) {
	outbound := make(chan any, 1)
	o := newSendOrchestrator(t, outbound)
	outbound <- protocol.RawModelEvent{Type: protocol.TypeRawModelEvent}

	go func() {
		time.Sleep(40 * time.Millisecond)
		<-outbound
	}()

	o.send("s1", protocol.TalkVideo{Type: protocol.TypeTalkVideo, TalkID: "tlk_1", URL: "https://v/1.mp4"})

	select {
	case msg := <-outbound:
		tv, ok := msg.(protocol.TalkVideo)
		if !ok {
			t.Fatalf("outbound msg type = %T, want protocol.TalkVideo", msg)
		}
		if tv.TalkID != "tlk_1" {
			t.Fatalf("TalkVideo.TalkID = %q, want tlk_1", tv.TalkID)
		}
	case <-time.After(300 * time.Millisecond):
		t.Fatalf("timed out waiting for critical outbound message")
	}
}

func TestSendDropsNonCriticalWhenQueueFull(t *testing.T) {
	outbound := make(chan any, 1)
	o := newSendOrchestrator(t, outbound)
	outbound <- protocol.NewAudioEnd()

	o.send("s1", protocol.NewClientInfo("persona_set"))

	if got := len(outbound); got != 1 {
		t.Fatalf("len(outbound) = %d, want 1", got)
	}
	if _, ok := (<-outbound).(protocol.AudioEnd); !ok {
		t.Fatalf("queued message was replaced")
	}
}

func TestSendToUnknownSessionIsNoop(t *testing.T) {
	outbound := make(chan any, 1)
	o := newSendOrchestrator(t, outbound)

	o.send("missing", protocol.NewAudioEnd())

	if got := len(outbound); got != 0 {
		t.Fatalf("len(outbound) = %d, want 0", got)
	}
}
