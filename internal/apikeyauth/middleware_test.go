package apikeyauth

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tomentu/poicrawler/internal/clock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	byPrefix   map[string]Token
	lastUsedID int64
}

func (f *fakeStore) FindByPrefix(ctx context.Context, raw string) (Token, bool, error) {
	t, ok := f.byPrefix[rawPrefix(raw)]
	return t, ok, nil
}

func (f *fakeStore) UpdateLastUsed(ctx context.Context, id int64, at time.Time) error {
	f.lastUsedID = id
	return nil
}

func newTokenFixture(name string) (raw string, token Token) {
	raw, prefix, hash, err := generate()
	if err != nil {
		panic(err)
	}
	return raw, Token{ID: 1, Name: name, KeyHash: hash, KeyPrefix: prefix}
}

func TestMiddlewareAllowsValidToken(t *testing.T) {
	raw, token := newTokenFixture("ingest-script")
	store := &fakeStore{byPrefix: map[string]Token{token.KeyPrefix: token}}
	mw := New(store, clock.NewFake(time.Now(), time.UTC), discardLogger())

	var called bool
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		got, ok := FromContext(r.Context())
		if !ok || got.ID != token.ID {
			t.Fatalf("expected token in context, got %v ok=%v", got, ok)
		}
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !called {
		t.Fatalf("expected handler to be called")
	}
	if store.lastUsedID != token.ID {
		t.Fatalf("expected last_used_at to be stamped for token %d", token.ID)
	}
}

func TestMiddlewareRejectsMissingHeader(t *testing.T) {
	store := &fakeStore{byPrefix: map[string]Token{}}
	mw := New(store, clock.NewFake(time.Now(), time.UTC), discardLogger())

	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestMiddlewareRejectsUnknownPrefix(t *testing.T) {
	store := &fakeStore{byPrefix: map[string]Token{}}
	mw := New(store, clock.NewFake(time.Now(), time.UTC), discardLogger())

	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+TokenPrefix+"deadbeef")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestMiddlewareRejectsPrefixMatchWithWrongTail(t *testing.T) {
	raw, token := newTokenFixture("ingest-script")
	store := &fakeStore{byPrefix: map[string]Token{token.KeyPrefix: token}}
	mw := New(store, clock.NewFake(time.Now(), time.UTC), discardLogger())

	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler should not be called")
	}))

	// Same lookup prefix, tampered suffix: the prefix-indexed lookup finds
	// the row, but the full-hash comparison must still reject it.
	tampered := raw + "ff"
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tampered)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}
