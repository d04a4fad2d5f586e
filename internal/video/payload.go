package video

import (
	"encoding/base64"

	"github.com/antoniostano/deckard/internal/protocol"
	"github.com/antoniostano/deckard/internal/turn"
)

// CoordinatedPayload is the success sequence: buffered audio, talk_video, audio_end.
func CoordinatedPayload(buf *turn.Buffer, o Outcome) []any {
	out := bufferedAudio(buf)
	out = append(out, talkVideo(o), protocol.NewAudioEnd())
	return out
}

// FallbackPayload is the failure sequence: buffered audio, audio_end, talk_error.
func FallbackPayload(buf *turn.Buffer, o Outcome) []any {
	out := bufferedAudio(buf)
	out = append(out, protocol.NewAudioEnd(), talkError(o))
	return out
}

// StandalonePayload is the single message sent for a job whose audio already streamed.
func StandalonePayload(o Outcome) []any {
	if o.Result.Succeeded() {
		return []any{talkVideo(o)}
	}
	return []any{talkError(o)}
}

func bufferedAudio(buf *turn.Buffer) []any {
	if buf == nil || buf.Interrupted {
		return nil
	}
	chunks := buf.AudioChunks()
	out := make([]any, 0, len(chunks)+2)
	for _, c := range chunks {
		out = append(out, protocol.NewAudio(base64.StdEncoding.EncodeToString(c)))
	}
	return out
}

func talkVideo(o Outcome) protocol.TalkVideo {
	return protocol.TalkVideo{
		Type:        protocol.TypeTalkVideo,
		Persona:     string(o.Job.Persona),
		TalkID:      o.Result.TalkID,
		Status:      o.Result.Status,
		URL:         o.Result.URL,
		ResponseID:  o.Job.ResponseID,
		Coordinated: o.Coordinated(),
	}
}

func talkError(o Outcome) protocol.TalkError {
	return protocol.TalkError{
		Type:       protocol.TypeTalkError,
		Persona:    string(o.Job.Persona),
		Error:      o.Result.ErrorText(),
		ResponseID: o.Job.ResponseID,
	}
}
