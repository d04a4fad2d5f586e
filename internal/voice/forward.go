package voice

import (
	"strings"

	"github.com/antoniostano/deckard/internal/protocol"
	"github.com/antoniostano/deckard/internal/realtime"
)

// forward relays upstream events that are not part of turn assembly. Audio and end-of-audio
// are withheld here; the runner decides when they reach the client.
func (r *turnRunner) forward(ev realtime.Event) {
	switch e := ev.(type) {
	case realtime.HistoryAddedEvent:
		r.o.send(r.sessionID, protocol.HistoryAdded{
			Type: protocol.TypeHistoryAdded,
			Item: protocol.HistoryItem{ID: e.Item.ID, Role: e.Item.Role, Text: itemText(e.Item)},
		})
	case realtime.AudioInterruptedEvent:
		r.o.send(r.sessionID, protocol.AudioInterrupted{Type: protocol.TypeAudioInterrupted})
	case realtime.RawModelEvent:
		if t := e.ServerType(); t != "" {
			r.o.send(r.sessionID, protocol.RawModelEvent{
				Type:          protocol.TypeRawModelEvent,
				RawModelEvent: protocol.RawModelEventBody{Type: t},
			})
		}
	case realtime.ErrorEvent:
		code := e.Code
		if code == "" {
			code = "unknown"
		}
		r.o.metrics.ProviderErrors.WithLabelValues(r.o.connector.Name(), code).Inc()
		r.log.Warn("upstream error event", "code", e.Code, "message", e.Message, "retryable", e.Retryable)
		r.o.send(r.sessionID, protocol.NewError(e.Error()))
	}
}

func itemText(item realtime.Item) string {
	parts := make([]string, 0, len(item.Content))
	for _, c := range item.Content {
		t := c.Text
		if t == "" {
			t = c.Transcript
		}
		if t = strings.TrimSpace(t); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}
