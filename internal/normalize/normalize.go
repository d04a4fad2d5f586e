// Package normalize folds the heterogeneous upstream event shapes into one tagged variant.
package normalize

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/antoniostano/deckard/internal/logging"
	"github.com/antoniostano/deckard/internal/realtime"
)

type Kind string

const (
	KindAudioChunk   Kind = "audio_chunk"
	KindAudioEnd     Kind = "audio_end"
	KindTextFragment Kind = "text_fragment"
	KindTurnStarted  Kind = "turn_started"
	KindTurnDone     Kind = "turn_done"
	KindOther        Kind = "other"
)

// Event is the normalized form of one upstream event.
type Event struct {
	Kind         Kind
	Role         string
	Text         string
	ItemID       string
	ResponseID   string
	Audio        []byte
	Partial      bool
	UpstreamType string
}

// Func is the shape of a normalizer so callers can substitute one in tests.
type Func func(ev any) Event

var failureHook atomic.Value // func()

// SetFailureHook registers fn to be called whenever normalization recovers from a panic.
func SetFailureHook(fn func()) {
	if fn == nil {
		fn = func() {}
	}
	failureHook.Store(fn)
}

// Normalize classifies ev. It never panics; anything it cannot read becomes KindOther.
func Normalize(ev any) (out Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Warn("normalize: recovered from malformed event", "panic", fmt.Sprint(r), "event_type", fmt.Sprintf("%T", ev))
			if fn, ok := failureHook.Load().(func()); ok {
				fn()
			}
			out = Event{Kind: KindOther}
		}
	}()

	switch e := ev.(type) {
	case nil:
		return Event{Kind: KindOther}
	case realtime.AudioEvent:
		return Event{Kind: KindAudioChunk, Audio: e.Data, ItemID: e.ItemID, ResponseID: e.ResponseID, Role: "assistant", UpstreamType: e.EventType()}
	case *realtime.AudioEvent:
		return Normalize(*e)
	case realtime.AudioEndEvent:
		return Event{Kind: KindAudioEnd, ItemID: e.ItemID, ResponseID: e.ResponseID, Role: "assistant", UpstreamType: e.EventType()}
	case *realtime.AudioEndEvent:
		return Normalize(*e)
	case realtime.TranscriptDeltaEvent:
		return Event{Kind: KindTextFragment, Role: "assistant", Text: e.Delta, ItemID: e.ItemID, ResponseID: e.ResponseID, Partial: true, UpstreamType: e.EventType()}
	case *realtime.TranscriptDeltaEvent:
		return Normalize(*e)
	case realtime.HistoryAddedEvent:
		return fromItem(e.Item, e.EventType())
	case *realtime.HistoryAddedEvent:
		return Normalize(*e)
	case realtime.RawModelEvent:
		return fromMap(e.Data)
	case *realtime.RawModelEvent:
		return Normalize(*e)
	case realtime.Event:
		return Event{Kind: KindOther, UpstreamType: e.EventType()}
	case map[string]any:
		return fromMap(e)
	case json.RawMessage:
		return fromJSON(e)
	case []byte:
		return fromJSON(e)
	default:
		return Event{Kind: KindOther}
	}
}

func fromJSON(data []byte) Event {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Event{Kind: KindOther}
	}
	return fromMap(m)
}

func fromItem(item realtime.Item, upstream string) Event {
	role := strings.ToLower(strings.TrimSpace(item.Role))
	var parts []string
	for _, c := range item.Content {
		if t := partText(c.Type, c.Text, c.Transcript); t != "" {
			parts = append(parts, t)
		}
	}
	text := strings.TrimSpace(strings.Join(parts, " "))
	if role != "assistant" || text == "" {
		return Event{Kind: KindOther, Role: role, ItemID: item.ID, UpstreamType: upstream}
	}
	return Event{Kind: KindTextFragment, Role: role, Text: text, ItemID: item.ID, UpstreamType: upstream}
}

func partText(typ, text, transcript string) string {
	switch typ {
	case "text", "output_text", "input_text":
		return strings.TrimSpace(text)
	case "audio":
		return strings.TrimSpace(transcript)
	default:
		return ""
	}
}

// unwrap peels raw_server_event envelopes, at most a few levels deep.
func unwrap(m map[string]any) map[string]any {
	for i := 0; i < 3 && m != nil; i++ {
		if str(m["type"]) != "raw_server_event" {
			return m
		}
		inner, ok := m["data"].(map[string]any)
		if !ok {
			return m
		}
		m = inner
	}
	return m
}

func fromMap(raw map[string]any) Event {
	m := unwrap(raw)
	if m == nil {
		return Event{Kind: KindOther}
	}
	typ := str(m["type"])
	role := strings.ToLower(str(m["role"]))
	if role == "" && strings.HasPrefix(typ, "response.") {
		role = "assistant"
	}
	base := Event{
		Role:         role,
		ItemID:       str(m["item_id"]),
		ResponseID:   str(m["response_id"]),
		UpstreamType: typ,
	}

	switch typ {
	case "response.created":
		base.Kind = KindTurnStarted
		base.ResponseID = responseID(m)
		return base
	case "response.done":
		base.Kind = KindTurnDone
		base.ResponseID = responseID(m)
		return base
	case "response.audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(str(m["delta"]))
		if err != nil {
			base.Kind = KindOther
			return base
		}
		base.Kind = KindAudioChunk
		base.Audio = pcm
		return base
	case "response.audio.done":
		base.Kind = KindAudioEnd
		return base
	case "response.audio_transcript.delta", "response.text.delta":
		return textEvent(base, str(m["delta"]), true)
	case "response.audio_transcript.done":
		return textEvent(base, str(m["transcript"]), false)
	case "response.text.done":
		return textEvent(base, str(m["text"]), false)
	case "conversation.item.created", "response.output_item.done", "history_added":
		if item, ok := m["item"].(map[string]any); ok {
			return fromItem(itemFromMap(item), typ)
		}
	}

	if item, ok := m["item"].(map[string]any); ok {
		return fromItem(itemFromMap(item), typ)
	}
	text := firstNonEmpty(str(m["text"]), str(m["transcript"]), str(m["delta"]))
	if text == "" {
		text = contentText(m["content"])
	}
	if text != "" {
		return textEvent(base, text, false)
	}
	base.Kind = KindOther
	return base
}

func textEvent(base Event, text string, partial bool) Event {
	if base.Role != "assistant" || text == "" || (!partial && strings.TrimSpace(text) == "") {
		base.Kind = KindOther
		return base
	}
	base.Kind = KindTextFragment
	base.Partial = partial
	if partial {
		base.Text = text
	} else {
		base.Text = strings.TrimSpace(text)
	}
	return base
}

func itemFromMap(m map[string]any) realtime.Item {
	item := realtime.Item{
		ID:     str(m["id"]),
		Type:   str(m["type"]),
		Role:   str(m["role"]),
		Status: str(m["status"]),
	}
	parts, _ := m["content"].([]any)
	for _, p := range parts {
		pm, ok := p.(map[string]any)
		if !ok {
			continue
		}
		item.Content = append(item.Content, realtime.ContentPart{
			Type:       str(pm["type"]),
			Text:       str(pm["text"]),
			Transcript: str(pm["transcript"]),
		})
	}
	return item
}

func contentText(v any) string {
	parts, _ := v.([]any)
	var out []string
	for _, p := range parts {
		pm, ok := p.(map[string]any)
		if !ok {
			continue
		}
		if t := partText(str(pm["type"]), str(pm["text"]), str(pm["transcript"])); t != "" {
			out = append(out, t)
		}
	}
	return strings.Join(out, " ")
}

func responseID(m map[string]any) string {
	if resp, ok := m["response"].(map[string]any); ok {
		if id := str(resp["id"]); id != "" {
			return id
		}
	}
	return str(m["response_id"])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
