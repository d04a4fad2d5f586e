package persistence

import (
	"context"
	"strings"
)

// NewStore creates a postgres-backed store when configured, otherwise in-memory. When redact is
// set, turn text is scrubbed of PII before it reaches either backend.
func NewStore(ctx context.Context, databaseURL string, redact bool) (Store, error) {
	var store Store
	if strings.TrimSpace(databaseURL) == "" {
		store = NewInMemoryStore()
	} else {
		pg, err := NewPostgresStore(ctx, databaseURL)
		if err != nil {
			return nil, err
		}
		store = pg
	}
	if redact {
		store = NewRedactingStore(store)
	}
	return store, nil
}
