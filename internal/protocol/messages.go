package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

// Client → gateway.
const (
	TypeAudio       MessageType = "audio"
	TypeCommitAudio MessageType = "commit_audio"
	TypeImage       MessageType = "image"
	TypeImageStart  MessageType = "image_start"
	TypeImageChunk  MessageType = "image_chunk"
	TypeImageEnd    MessageType = "image_end"
	TypeInterrupt   MessageType = "interrupt"
	TypeSetPersona  MessageType = "set_persona"
)

// Gateway → client. TypeAudio is shared with the inbound direction.
const (
	TypeAudioEnd         MessageType = "audio_end"
	TypeTalkVideo        MessageType = "talk_video"
	TypeTalkError        MessageType = "talk_error"
	TypeClientInfo       MessageType = "client_info"
	TypeError            MessageType = "error"
	TypeHistoryAdded     MessageType = "history_added"
	TypeAudioInterrupted MessageType = "audio_interrupted"
	TypeRawModelEvent    MessageType = "raw_model_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ID accepts either a JSON string or number and keeps its string form.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

type AudioIn struct {
	Type MessageType `json:"type"`
	Data []int16     `json:"data"`
}

type CommitAudio struct {
	Type MessageType `json:"type"`
}

type ImageIn struct {
	Type    MessageType `json:"type"`
	DataURL string      `json:"data_url"`
	Text    string      `json:"text,omitempty"`
}

type ImageStart struct {
	Type MessageType `json:"type"`
	ID   ID          `json:"id"`
	Text string      `json:"text,omitempty"`
}

type ImageChunk struct {
	Type  MessageType `json:"type"`
	ID    ID          `json:"id"`
	Chunk string      `json:"chunk"`
}

type ImageEnd struct {
	Type MessageType `json:"type"`
	ID   ID          `json:"id"`
}

type Interrupt struct {
	Type MessageType `json:"type"`
}

type SetPersona struct {
	Type    MessageType `json:"type"`
	Persona string      `json:"persona"`
}

type Audio struct {
	Type  MessageType `json:"type"`
	Audio string      `json:"audio"`
}

type AudioEnd struct {
	Type MessageType `json:"type"`
}

type TalkVideo struct {
	Type        MessageType `json:"type"`
	Persona     string      `json:"persona"`
	TalkID      string      `json:"talk_id"`
	Status      string      `json:"status"`
	URL         string      `json:"url"`
	ResponseID  string      `json:"response_id,omitempty"`
	Coordinated bool        `json:"coordinated"`
}

type TalkError struct {
	Type       MessageType `json:"type"`
	Persona    string      `json:"persona"`
	Error      string      `json:"error"`
	ResponseID string      `json:"response_id,omitempty"`
}

type ClientInfo struct {
	Type    MessageType `json:"type"`
	Info    string      `json:"info"`
	ID      string      `json:"id,omitempty"`
	Count   int         `json:"count,omitempty"`
	Size    int         `json:"size,omitempty"`
	Persona string      `json:"persona,omitempty"`
}

type Error struct {
	Type  MessageType `json:"type"`
	Error string      `json:"error"`
}

type HistoryItem struct {
	ID   string `json:"id,omitempty"`
	Role string `json:"role,omitempty"`
	Text string `json:"text,omitempty"`
}

type HistoryAdded struct {
	Type MessageType `json:"type"`
	Item HistoryItem `json:"item"`
}

type AudioInterrupted struct {
	Type MessageType `json:"type"`
}

type RawModelEventBody struct {
	Type string `json:"type"`
}

type RawModelEvent struct {
	Type          MessageType       `json:"type"`
	RawModelEvent RawModelEventBody `json:"raw_model_event"`
}

func NewAudio(b64 string) Audio { return Audio{Type: TypeAudio, Audio: b64} }

func NewAudioEnd() AudioEnd { return AudioEnd{Type: TypeAudioEnd} }

func NewError(msg string) Error { return Error{Type: TypeError, Error: msg} }

func NewClientInfo(info string) ClientInfo { return ClientInfo{Type: TypeClientInfo, Info: info} }

// MessageTypeOf returns the discriminator of an outbound message, or "" if unknown.
func MessageTypeOf(msg any) MessageType {
	switch m := msg.(type) {
	case Audio:
		return m.Type
	case AudioEnd:
		return m.Type
	case TalkVideo:
		return m.Type
	case TalkError:
		return m.Type
	case ClientInfo:
		return m.Type
	case Error:
		return m.Type
	case HistoryAdded:
		return m.Type
	case AudioInterrupted:
		return m.Type
	case RawModelEvent:
		return m.Type
	default:
		return ""
	}
}

// IsCritical reports whether losing msg would corrupt a turn as seen by the client.
func IsCritical(t MessageType) bool {
	switch t {
	case TypeAudio, TypeAudioEnd, TypeTalkVideo, TypeTalkError, TypeError:
		return true
	default:
		return false
	}
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch MessageType(strings.TrimSpace(string(env.Type))) {
	case TypeAudio:
		var msg AudioIn
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("invalid audio: %w", err)
		}
		return msg, nil
	case TypeCommitAudio:
		return CommitAudio{Type: TypeCommitAudio}, nil
	case TypeImage:
		var msg ImageIn
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("invalid image: %w", err)
		}
		return msg, nil
	case TypeImageStart:
		var msg ImageStart
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("invalid image_start: %w", err)
		}
		return msg, nil
	case TypeImageChunk:
		var msg ImageChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("invalid image_chunk: %w", err)
		}
		return msg, nil
	case TypeImageEnd:
		var msg ImageEnd
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("invalid image_end: %w", err)
		}
		return msg, nil
	case TypeInterrupt:
		return Interrupt{Type: TypeInterrupt}, nil
	case TypeSetPersona:
		var msg SetPersona
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("invalid set_persona: %w", err)
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}
}
