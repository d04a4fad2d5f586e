package realtime

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeServerEventAudioDelta(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	raw := `{"type":"response.audio.delta","response_id":"r1","item_id":"i1","content_index":0,"delta":"` +
		base64.StdEncoding.EncodeToString(pcm) + `"}`

	evs := DecodeServerEvent([]byte(raw))
	require.Len(t, evs, 1)
	audio, ok := evs[0].(AudioEvent)
	require.True(t, ok, "got %T", evs[0])
	assert.Equal(t, pcm, audio.Data)
	assert.Equal(t, "r1", audio.ResponseID)
	assert.Equal(t, "i1", audio.ItemID)
}

func TestDecodeServerEventLifecycleIsDoubleWrapped(t *testing.T) {
	evs := DecodeServerEvent([]byte(`{"type":"response.done","response":{"id":"r1","status":"completed"}}`))
	require.Len(t, evs, 1)
	raw, ok := evs[0].(RawModelEvent)
	require.True(t, ok)
	assert.Equal(t, "raw_server_event", raw.Data["type"])
	assert.Equal(t, "response.done", raw.ServerType())
}

func TestDecodeServerEventHistoryItem(t *testing.T) {
	evs := DecodeServerEvent([]byte(`{"type":"response.output_item.done","item":{"id":"i9","type":"message","role":"assistant","content":[{"type":"audio","transcript":"hello there"}]}}`))
	require.Len(t, evs, 1)
	h, ok := evs[0].(HistoryAddedEvent)
	require.True(t, ok)
	assert.Equal(t, "assistant", h.Item.Role)
	require.Len(t, h.Item.Content, 1)
	assert.Equal(t, "hello there", h.Item.Content[0].Transcript)
}

func TestDecodeServerEventError(t *testing.T) {
	evs := DecodeServerEvent([]byte(`{"type":"error","error":{"type":"server_error","code":"rate_limit_exceeded","message":"slow down"}}`))
	require.Len(t, evs, 1)
	e, ok := evs[0].(ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, "rate_limit_exceeded", e.Code)
	assert.True(t, e.Retryable)
	assert.Equal(t, "rate_limit_exceeded: slow down", e.Error())
}

func TestDecodeServerEventPassesThroughUnknownAndDropsGarbage(t *testing.T) {
	evs := DecodeServerEvent([]byte(`{"type":"rate_limits.updated"}`))
	require.Len(t, evs, 1)
	assert.Equal(t, "rate_limits.updated", evs[0].(RawModelEvent).ServerType())

	assert.Empty(t, DecodeServerEvent([]byte(`{not json`)))
}

func TestOpenAIConnectorSendsSessionUpdateAndStreamsEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan map[string]any, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "realtime=v1", r.Header.Get("OpenAI-Beta"))
		assert.Equal(t, "test-model", r.URL.Query().Get("model"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < 2; i++ {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			received <- msg
		}
		_ = conn.WriteJSON(map[string]any{"type": "response.created", "response": map[string]any{"id": "r1"}})
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	c := NewOpenAIConnector(OpenAIConfig{
		APIKey: "sk-test",
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		Model:  "test-model",
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := c.Connect(ctx, Options{SessionID: "s1", Voice: "alloy", Instructions: "be brief"})
	require.NoError(t, err)
	defer sess.Close()

	first := <-received
	assert.Equal(t, "session.update", first["type"])

	require.NoError(t, sess.SendAudio(ctx, []byte{0, 1}))
	second := <-received
	assert.Equal(t, "input_audio_buffer.append", second["type"])
	assert.Equal(t, "AAE=", second["audio"])

	select {
	case ev := <-sess.Events():
		raw, ok := ev.(RawModelEvent)
		require.True(t, ok)
		assert.Equal(t, "response.created", raw.ServerType())
	case <-ctx.Done():
		t.Fatal("timed out waiting for upstream event")
	}
}

func TestMockSessionScriptsFullResponse(t *testing.T) {
	c := &MockConnector{Reply: func(string) string { return "two words" }}
	sess, err := c.Connect(context.Background(), Options{SessionID: "s1"})
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, sess.SendMessage(context.Background(), UserMessage{Content: []InputContent{{Type: "input_text", Text: "hi"}}}))

	var types []string
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sess.Events():
			types = append(types, ev.EventType())
			if raw, ok := ev.(RawModelEvent); ok && raw.ServerType() == "response.done" {
				assert.Equal(t, []string{
					"raw_model_event",
					"transcript_delta", "audio",
					"transcript_delta", "audio",
					"audio_end", "history_added", "raw_model_event",
				}, types)
				return
			}
		case <-timeout:
			t.Fatalf("timed out, got %v", types)
		}
	}
}
