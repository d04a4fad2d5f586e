package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseClientMessageAudio(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"audio","data":[1,-2,32767]}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	audio, ok := msg.(AudioIn)
	if !ok {
		t.Fatalf("message type = %T, want AudioIn", msg)
	}
	if len(audio.Data) != 3 || audio.Data[1] != -2 || audio.Data[2] != 32767 {
		t.Fatalf("unexpected audio samples: %v", audio.Data)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageImageIDsAreStringified(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"image_start","id":17,"text":"what is this"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	start := msg.(ImageStart)
	if start.ID != "17" || start.Text != "what is this" {
		t.Fatalf("unexpected image_start: %+v", start)
	}

	msg, err = ParseClientMessage([]byte(`{"type":"image_chunk","id":"abc","chunk":"ZGF0"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if chunk := msg.(ImageChunk); chunk.ID != "abc" || chunk.Chunk != "ZGF0" {
		t.Fatalf("unexpected image_chunk: %+v", chunk)
	}

	if _, err := ParseClientMessage([]byte(`{"type":"image_end","id":{"x":1}}`)); err == nil {
		t.Fatalf("expected error for object id")
	}
}

func TestParseClientMessageControlVariants(t *testing.T) {
	for raw, want := range map[string]MessageType{
		`{"type":"interrupt"}`:                        TypeInterrupt,
		`{"type":"commit_audio"}`:                     TypeCommitAudio,
		`{"type":"set_persona","persona":"officer_k"}`: TypeSetPersona,
	} {
		msg, err := ParseClientMessage([]byte(raw))
		if err != nil {
			t.Fatalf("ParseClientMessage(%s) error = %v", raw, err)
		}
		var got MessageType
		switch m := msg.(type) {
		case Interrupt:
			got = m.Type
		case CommitAudio:
			got = m.Type
		case SetPersona:
			got = m.Type
			if m.Persona != "officer_k" {
				t.Fatalf("persona = %q", m.Persona)
			}
		}
		if got != want {
			t.Fatalf("type = %q, want %q", got, want)
		}
	}
}

func TestParseClientMessageInvalidEnvelope(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`not json`)); err == nil {
		t.Fatalf("expected envelope error")
	}
}

func TestTalkVideoWireShape(t *testing.T) {
	raw, err := json.Marshal(TalkVideo{Type: TypeTalkVideo, Persona: "joi", TalkID: "tlk_1", Status: "done", URL: "https://x/v.mp4", ResponseID: "s_response_1"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(raw)
	for _, want := range []string{`"type":"talk_video"`, `"coordinated":false`, `"response_id":"s_response_1"`} {
		if !strings.Contains(s, want) {
			t.Fatalf("%s missing %s", s, want)
		}
	}
}

func TestCriticalClassification(t *testing.T) {
	if !IsCritical(MessageTypeOf(NewAudio("AA=="))) {
		t.Fatalf("audio should be critical")
	}
	if !IsCritical(MessageTypeOf(TalkError{Type: TypeTalkError})) {
		t.Fatalf("talk_error should be critical")
	}
	if IsCritical(MessageTypeOf(NewClientInfo("persona_set"))) {
		t.Fatalf("client_info should be best-effort")
	}
	if MessageTypeOf(struct{}{}) != "" {
		t.Fatalf("unknown message should have empty type")
	}
}

func BenchmarkParseClientMessageAudio(b *testing.B) {
	raw := []byte(`{"type":"audio","data":[0,1,2,3,4,5,6,7,8,9,10,11,12,13,14,15]}`)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := ParseClientMessage(raw); err != nil {
			b.Fatalf("ParseClientMessage() error = %v", err)
		}
	}
}
