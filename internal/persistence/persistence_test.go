package persistence

import (
	"context"
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at k@lapd.gov or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
	if _, changed := RedactPII("nothing to see here"); changed {
		t.Fatalf("changed = true for clean input")
	}
}

func TestInMemoryRecentTurnsChronological(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"r1", "r2", "r3"} {
		if err := s.SaveTurn(ctx, TurnRecord{SessionID: "s1", ResponseID: id}); err != nil {
			t.Fatalf("SaveTurn() error = %v", err)
		}
	}
	_ = s.SaveTurn(ctx, TurnRecord{SessionID: "other", ResponseID: "x"})

	got, err := s.RecentTurns(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("RecentTurns() error = %v", err)
	}
	if len(got) != 2 || got[0].ResponseID != "r2" || got[1].ResponseID != "r3" {
		t.Fatalf("RecentTurns() = %+v", got)
	}
	if got[0].ID == "" || got[0].CreatedAt.IsZero() {
		t.Fatalf("id and timestamp should be filled: %+v", got[0])
	}
	if none, _ := s.RecentTurns(ctx, "missing", 5); none != nil {
		t.Fatalf("RecentTurns(missing) = %+v, want nil", none)
	}
}

func TestRedactingStoreScrubsBeforeWrite(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(ctx, "", true)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer store.Close()

	if err := store.SaveTurn(ctx, TurnRecord{SessionID: "s1", Text: "Write to joi@wallace.corp"}); err != nil {
		t.Fatalf("SaveTurn() error = %v", err)
	}
	if err := store.RecordSessionEvent(ctx, SessionEvent{SessionID: "s1", Event: "persona_set", Detail: "by joi@wallace.corp"}); err != nil {
		t.Fatalf("RecordSessionEvent() error = %v", err)
	}

	got, _ := store.RecentTurns(ctx, "s1", 0)
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if strings.Contains(got[0].Text, "@") || !got[0].PIIRedacted {
		t.Fatalf("turn was not redacted: %+v", got[0])
	}

	inner := store.(*RedactingStore).Store.(*InMemoryStore)
	events := inner.SessionEvents("s1")
	if len(events) != 1 || strings.Contains(events[0].Detail, "@") {
		t.Fatalf("event was not redacted: %+v", events)
	}
}
