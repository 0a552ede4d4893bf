package clock

import (
	"testing"
	"time"
)

func TestRealUsesConfiguredLocation(t *testing.T) {
	c := NewReal("Asia/Shanghai")
	if c.Location().String() != "Asia/Shanghai" {
		t.Fatalf("expected Asia/Shanghai, got %s", c.Location())
	}
	if c.Now().Location().String() != "Asia/Shanghai" {
		t.Fatalf("Now() not converted into configured location")
	}
}

func TestRealFallsBackToUTC(t *testing.T) {
	c := NewReal("Not/ARealZone")
	if c.Location() != time.UTC {
		t.Fatalf("expected UTC fallback, got %s", c.Location())
	}
}

func TestFakeAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start, time.UTC)
	f.Advance(10 * time.Minute)
	if !f.Now().Equal(start.Add(10 * time.Minute)) {
		t.Fatalf("expected advanced time, got %v", f.Now())
	}
}

func TestFakeSetConvertsLocation(t *testing.T) {
	loc := time.FixedZone("shanghai-ish", 8*3600)
	f := NewFake(time.Unix(0, 0), loc)
	f.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	if f.Now().Location() != loc {
		t.Fatalf("expected time converted into fake clock's location")
	}
}
