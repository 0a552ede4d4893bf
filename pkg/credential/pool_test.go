package credential

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tomentu/poicrawler/internal/clock"
	"github.com/tomentu/poicrawler/internal/store"
)

type fakeStore struct {
	byID map[int64]*store.Credential
}

func newFakeStore(creds ...store.Credential) *fakeStore {
	f := &fakeStore{byID: make(map[int64]*store.Credential)}
	for i := range creds {
		c := creds[i]
		f.byID[c.ID] = &c
	}
	return f
}

func (f *fakeStore) ListActive(ctx context.Context) ([]store.Credential, error) {
	var out []store.Credential
	for _, c := range f.byID {
		if c.Active {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeStore) ListEligible(ctx context.Context, kind store.Kind) ([]store.Credential, error) {
	var out []store.Credential
	for _, c := range f.byID {
		if c.Eligible(kind) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeStore) ResetCredentialsBefore(ctx context.Context, boundary, now time.Time) (int64, error) {
	var n int64
	for _, c := range f.byID {
		if !c.Active {
			continue
		}
		if c.LastReset == nil || c.LastReset.Before(boundary) {
			c.KeywordUsed, c.AroundUsed, c.PolygonUsed = 0, 0, 0
			t := now
			c.LastReset = &t
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) IncrementUsage(ctx context.Context, id int64, kind store.Kind) (bool, error) {
	c, ok := f.byID[id]
	if !ok {
		return false, nil
	}
	switch kind {
	case store.KindKeyword:
		c.KeywordUsed++
	case store.KindAround:
		c.AroundUsed++
	case store.KindPolygon:
		c.PolygonUsed++
	default:
		return false, nil
	}
	return true, nil
}

func (f *fakeStore) MarkDailyExhausted(ctx context.Context, id int64, kind store.Kind) error {
	c, ok := f.byID[id]
	if !ok {
		return nil
	}
	switch kind {
	case store.KindKeyword:
		c.KeywordUsed = c.Limit(kind)
	case store.KindAround:
		c.AroundUsed = c.Limit(kind)
	case store.KindPolygon:
		c.PolygonUsed = c.Limit(kind)
	}
	return nil
}

func (f *fakeStore) Disable(ctx context.Context, id int64, reason string) error {
	c, ok := f.byID[id]
	if !ok {
		return nil
	}
	c.Active = false
	c.Description = c.Description + "| reason: " + reason
	return nil
}

func (f *fakeStore) UpdateLimits(ctx context.Context, id int64, limits store.CredentialLimits) (bool, error) {
	c, ok := f.byID[id]
	if !ok {
		return false, nil
	}
	if limits.KeywordLimit != nil {
		c.KeywordLimit = limits.KeywordLimit
	}
	if limits.PolygonLimit != nil {
		c.PolygonLimit = limits.PolygonLimit
	}
	return true, nil
}

func (f *fakeStore) Get(ctx context.Context, id int64) (store.Credential, error) {
	c, ok := f.byID[id]
	if !ok {
		return store.Credential{}, context.Canceled
	}
	return *c, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAcquireReturnsNoneWhenNoneEligible(t *testing.T) {
	c := store.Credential{ID: 1, Key: "key1234567890", Active: true}
	c.PolygonUsed = store.DefaultDailyLimit
	fs := newFakeStore(c)
	fc := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), time.UTC)

	pool := NewPool(fs, fc, 1, nil, discardLogger())
	_, ok, err := pool.Acquire(context.Background(), store.KindPolygon)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if ok {
		t.Fatalf("expected no eligible credential")
	}
}

func TestAcquireSelectsEligibleCredential(t *testing.T) {
	c := store.Credential{ID: 1, Key: "key1234567890", Active: true}
	fs := newFakeStore(c)
	fc := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), time.UTC)

	pool := NewPool(fs, fc, 1, nil, discardLogger())
	got, ok, err := pool.Acquire(context.Background(), store.KindPolygon)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !ok || got.ID != 1 {
		t.Fatalf("expected credential 1, got %+v ok=%v", got, ok)
	}
}

func TestAcquireResetsStaleCounters(t *testing.T) {
	lastReset := time.Date(2025, 12, 30, 0, 0, 0, 0, time.UTC)
	c := store.Credential{ID: 1, Key: "key1234567890", Active: true, LastReset: &lastReset}
	c.PolygonUsed = store.DefaultDailyLimit
	fs := newFakeStore(c)
	fc := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), time.UTC)

	pool := NewPool(fs, fc, 1, nil, discardLogger())
	got, ok, err := pool.Acquire(context.Background(), store.KindPolygon)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !ok {
		t.Fatalf("expected reset credential to become eligible")
	}
	if got.PolygonUsed != 0 {
		t.Fatalf("expected usage reset to 0, got %d", got.PolygonUsed)
	}
}

func TestAcquireDoesNotResetBeforeResetHour(t *testing.T) {
	lastReset := time.Date(2026, 1, 1, 0, 30, 0, 0, time.UTC)
	c := store.Credential{ID: 1, Key: "key1234567890", Active: true, LastReset: &lastReset}
	fs := newFakeStore(c)
	// 00:30, reset hour is 01:00 — boundary should be yesterday's 01:00, and
	// last_reset (today 00:30) is already after that boundary, so no reset.
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 30, 0, 0, time.UTC), time.UTC)

	pool := NewPool(fs, fc, 1, nil, discardLogger())
	_, _, err := pool.Acquire(context.Background(), store.KindPolygon)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	got, _ := fs.Get(context.Background(), 1)
	if !got.LastReset.Equal(lastReset) {
		t.Fatalf("expected last_reset unchanged, got %v", got.LastReset)
	}
}

func TestIncrementUsageUnknownKind(t *testing.T) {
	c := store.Credential{ID: 1, Key: "key1234567890", Active: true}
	fs := newFakeStore(c)
	fc := clock.NewFake(time.Now(), time.UTC)
	pool := NewPool(fs, fc, 1, nil, discardLogger())

	ok, err := pool.IncrementUsage(context.Background(), 1, store.Kind("bogus"))
	if err != nil {
		t.Fatalf("IncrementUsage: %v", err)
	}
	if ok {
		t.Fatalf("expected unknown kind to report false")
	}
}

func TestMarkDailyExhausted(t *testing.T) {
	c := store.Credential{ID: 1, Key: "key1234567890", Active: true}
	fs := newFakeStore(c)
	fc := clock.NewFake(time.Now(), time.UTC)
	pool := NewPool(fs, fc, 1, nil, discardLogger())

	if err := pool.MarkDailyExhausted(context.Background(), 1, store.KindPolygon); err != nil {
		t.Fatalf("MarkDailyExhausted: %v", err)
	}
	got, _ := fs.Get(context.Background(), 1)
	if got.Eligible(store.KindPolygon) {
		t.Fatalf("expected credential to be ineligible after exhaustion")
	}
}

func TestDisableIsSticky(t *testing.T) {
	c := store.Credential{ID: 1, Key: "key1234567890", Active: true}
	fs := newFakeStore(c)
	fc := clock.NewFake(time.Now(), time.UTC)
	pool := NewPool(fs, fc, 1, nil, discardLogger())

	if err := pool.Disable(context.Background(), 1, "INVALID_USER_KEY"); err != nil {
		t.Fatalf("Disable: %v", err)
	}

	// A subsequent reset must not revive it.
	_, _, err := pool.Acquire(context.Background(), store.KindPolygon)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	got, _ := fs.Get(context.Background(), 1)
	if got.Active {
		t.Fatalf("expected credential to remain disabled")
	}
}

type fakeLimiter struct {
	allow bool
	err   error
}

func (f fakeLimiter) Allow(ctx context.Context, credentialID int64, kind store.Kind, qps int) (bool, error) {
	return f.allow, f.err
}

func TestAcquireFallsBackWhenLimiterErrors(t *testing.T) {
	c := store.Credential{ID: 1, Key: "key1234567890", Active: true}
	fs := newFakeStore(c)
	fc := clock.NewFake(time.Now(), time.UTC)
	pool := NewPool(fs, fc, 1, fakeLimiter{err: context.DeadlineExceeded}, discardLogger())

	got, ok, err := pool.Acquire(context.Background(), store.KindPolygon)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !ok || got.ID != 1 {
		t.Fatalf("expected fallback to quota-only selection, got ok=%v cred=%+v", ok, got)
	}
}
