package persistence

import (
	"context"
	"regexp"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// RedactPII masks common high-risk PII patterns.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Cards first, or the phone pattern swallows them.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// RedactingStore scrubs turn text before handing records to the wrapped store.
type RedactingStore struct {
	Store
}

func NewRedactingStore(inner Store) *RedactingStore {
	return &RedactingStore{Store: inner}
}

func (s *RedactingStore) SaveTurn(ctx context.Context, record TurnRecord) error {
	if text, changed := RedactPII(record.Text); changed {
		record.Text = text
		record.PIIRedacted = true
	}
	return s.Store.SaveTurn(ctx, record)
}

func (s *RedactingStore) RecordSessionEvent(ctx context.Context, ev SessionEvent) error {
	ev.Detail, _ = RedactPII(ev.Detail)
	return s.Store.RecordSessionEvent(ctx, ev)
}
