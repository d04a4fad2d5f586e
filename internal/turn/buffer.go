package turn

import (
	"strings"
	"time"
)

// Fragment is one final piece of text attributed to a role.
type Fragment struct {
	Role   string
	Text   string
	ItemID string
}

// VideoRef is the finished video attached to a turn.
type VideoRef struct {
	TalkID string
	URL    string
}

// Buffer accumulates everything one turn produced. It is owned by a single goroutine.
type Buffer struct {
	ResponseID         string
	UpstreamResponseID string
	VideoTriggered     bool
	AudioEnded         bool
	Interrupted        bool
	Video              *VideoRef
	CreatedAt          time.Time

	audio        [][]byte
	audioBytes   int
	fragments    []Fragment
	seen         map[fragmentKey]struct{}
	partials     map[string]*strings.Builder
	partialOrder []string
	completeText string
}

type fragmentKey struct {
	itemID string
	text   string
}

func newBuffer(responseID string) *Buffer {
	return &Buffer{
		ResponseID: responseID,
		CreatedAt:  time.Now().UTC(),
		seen:       make(map[fragmentKey]struct{}),
		partials:   make(map[string]*strings.Builder),
	}
}

// AppendAudio stores a copy of chunk. Empty chunks are ignored.
func (b *Buffer) AppendAudio(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	c := make([]byte, len(chunk))
	copy(c, chunk)
	b.audio = append(b.audio, c)
	b.audioBytes += len(c)
}

// AppendText records a final fragment. A repeated (itemID, text) pair is recorded once;
// fragments without an item id cannot be told apart from genuine repeats and are always kept.
func (b *Buffer) AppendText(role, text, itemID string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	if itemID != "" {
		key := fragmentKey{itemID: itemID, text: text}
		if _, dup := b.seen[key]; dup {
			return false
		}
		b.seen[key] = struct{}{}
	}
	b.fragments = append(b.fragments, Fragment{Role: strings.ToLower(role), Text: text, ItemID: itemID})
	b.recompute()
	return true
}

// AppendPartial adds a streamed delta for itemID.
func (b *Buffer) AppendPartial(itemID, delta string) {
	if delta == "" {
		return
	}
	sb, ok := b.partials[itemID]
	if !ok {
		sb = &strings.Builder{}
		b.partials[itemID] = sb
		b.partialOrder = append(b.partialOrder, itemID)
	}
	sb.WriteString(delta)
}

func (b *Buffer) recompute() {
	parts := make([]string, 0, len(b.fragments))
	for _, f := range b.fragments {
		if f.Role == "assistant" {
			parts = append(parts, f.Text)
		}
	}
	b.completeText = strings.TrimSpace(strings.Join(parts, " "))
}

// CompleteText is the assistant text of the turn. Items that never got a final fragment
// contribute their assembled partial text.
func (b *Buffer) CompleteText() string {
	finalItems := make(map[string]struct{}, len(b.fragments))
	for _, f := range b.fragments {
		if f.Role == "assistant" {
			finalItems[f.ItemID] = struct{}{}
		}
	}
	var extra []string
	for _, id := range b.partialOrder {
		if _, ok := finalItems[id]; ok {
			continue
		}
		if t := strings.TrimSpace(b.partials[id].String()); t != "" {
			extra = append(extra, t)
		}
	}
	if len(extra) == 0 {
		return b.completeText
	}
	all := append([]string{b.completeText}, extra...)
	return strings.TrimSpace(strings.Join(all, " "))
}

func (b *Buffer) Fragments() []Fragment {
	out := make([]Fragment, len(b.fragments))
	copy(out, b.fragments)
	return out
}

// AudioChunks returns the buffered chunks in arrival order. Callers must not modify them.
func (b *Buffer) AudioChunks() [][]byte {
	return b.audio
}

// PCM concatenates every buffered chunk.
func (b *Buffer) PCM() []byte {
	out := make([]byte, 0, b.audioBytes)
	for _, c := range b.audio {
		out = append(out, c...)
	}
	return out
}

func (b *Buffer) TotalAudioBytes() int { return b.audioBytes }

// Empty reports a turn with neither audio nor assistant text.
func (b *Buffer) Empty() bool {
	return b.audioBytes == 0 && b.CompleteText() == ""
}
