package normalize

import (
	"encoding/base64"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/deckard/internal/realtime"
)

func TestNormalizeTypedEvents(t *testing.T) {
	got := Normalize(realtime.AudioEvent{Data: []byte{1, 2}, ItemID: "i1", ResponseID: "r1"})
	assert.Equal(t, KindAudioChunk, got.Kind)
	assert.Equal(t, []byte{1, 2}, got.Audio)

	got = Normalize(&realtime.AudioEndEvent{ItemID: "i1"})
	assert.Equal(t, KindAudioEnd, got.Kind)

	got = Normalize(realtime.TranscriptDeltaEvent{ItemID: "i1", Delta: " hel"})
	assert.Equal(t, KindTextFragment, got.Kind)
	assert.True(t, got.Partial)
	assert.Equal(t, " hel", got.Text)
	assert.Equal(t, "assistant", got.Role)

	got = Normalize(realtime.AudioInterruptedEvent{})
	assert.Equal(t, KindOther, got.Kind)
	assert.Equal(t, "audio_interrupted", got.UpstreamType)
}

func TestNormalizeHistoryItemRoles(t *testing.T) {
	assistant := Normalize(realtime.HistoryAddedEvent{Item: realtime.Item{
		ID:   "i2",
		Role: "assistant",
		Content: []realtime.ContentPart{
			{Type: "audio", Transcript: "Hello"},
			{Type: "output_text", Text: "world"},
			{Type: "image", Text: "ignored"},
		},
	}})
	assert.Equal(t, KindTextFragment, assistant.Kind)
	assert.False(t, assistant.Partial)
	assert.Equal(t, "Hello world", assistant.Text)
	assert.Equal(t, "i2", assistant.ItemID)

	user := Normalize(realtime.HistoryAddedEvent{Item: realtime.Item{
		Role:    "user",
		Content: []realtime.ContentPart{{Type: "input_text", Text: "hi"}},
	}})
	assert.Equal(t, KindOther, user.Kind)
	assert.Equal(t, "user", user.Role)
}

func TestNormalizeLifecycleThroughWrappers(t *testing.T) {
	single := realtime.RawModelEvent{Data: map[string]any{"type": "response.created", "response": map[string]any{"id": "resp_1"}}}
	got := Normalize(single)
	assert.Equal(t, KindTurnStarted, got.Kind)
	assert.Equal(t, "resp_1", got.ResponseID)

	double := realtime.RawModelEvent{Data: map[string]any{
		"type": "raw_server_event",
		"data": map[string]any{"type": "response.done", "response": map[string]any{"id": "resp_1", "status": "completed"}},
	}}
	got = Normalize(double)
	assert.Equal(t, KindTurnDone, got.Kind)
	assert.Equal(t, "resp_1", got.ResponseID)
	assert.Equal(t, "response.done", got.UpstreamType)
}

func TestNormalizeDictionaryAndJSONForms(t *testing.T) {
	pcm := []byte{9, 8, 7, 6}
	got := Normalize(map[string]any{"type": "response.audio.delta", "delta": base64.StdEncoding.EncodeToString(pcm)})
	require.Equal(t, KindAudioChunk, got.Kind)
	assert.Equal(t, pcm, got.Audio)

	got = Normalize([]byte(`{"type":"response.audio_transcript.done","item_id":"i3","transcript":"  All done. "}`))
	assert.Equal(t, KindTextFragment, got.Kind)
	assert.False(t, got.Partial)
	assert.Equal(t, "All done.", got.Text)
	assert.Equal(t, "assistant", got.Role)

	got = Normalize([]byte(`{"type":"response.text.delta","delta":"par"}`))
	assert.Equal(t, KindTextFragment, got.Kind)
	assert.True(t, got.Partial)

	got = Normalize(map[string]any{"type": "conversation.item.created", "item": map[string]any{
		"id": "i4", "role": "assistant", "content": []any{map[string]any{"type": "text", "text": "typed"}},
	}})
	assert.Equal(t, KindTextFragment, got.Kind)
	assert.Equal(t, "typed", got.Text)
}

func TestNormalizeRoleOverridesResponsePrefix(t *testing.T) {
	got := Normalize(map[string]any{"type": "response.text.done", "role": "user", "text": "echo"})
	assert.Equal(t, KindOther, got.Kind)
}

func TestNormalizeToleratesMissingAndMalformedFields(t *testing.T) {
	cases := []any{
		nil,
		42,
		map[string]any{},
		map[string]any{"type": "response.audio.delta", "delta": "!!not base64!!"},
		map[string]any{"type": "raw_server_event"},
		map[string]any{"type": "conversation.item.created", "item": "not a map"},
		[]byte(`{broken`),
		realtime.RawModelEvent{},
	}
	for _, c := range cases {
		assert.NotPanics(t, func() {
			got := Normalize(c)
			assert.Equal(t, KindOther, got.Kind, "input %#v", c)
		})
	}
}

func TestNormalizeRecoversFromNilPointer(t *testing.T) {
	var failures atomic.Int32
	SetFailureHook(func() { failures.Add(1) })
	defer SetFailureHook(nil)

	var ev *realtime.AudioEvent
	got := Normalize(ev)
	assert.Equal(t, KindOther, got.Kind)
	assert.Equal(t, int32(1), failures.Load())
}
