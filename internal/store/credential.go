// Package store is the persistence adapter (spec.md §4.2): typed CRUD over
// Credential and Job rows plus the small set of atomic compound operations
// the credential pool, scheduler loop, and crawl engine need. Every mutation
// here is a single SQL statement, so no explicit multi-statement
// transactions are required — each state transition touches exactly one row.
package store

import "time"

// Kind is one of the three upstream search endpoints and their per-credential
// quotas (spec.md GLOSSARY).
type Kind string

const (
	KindKeyword Kind = "keyword"
	KindAround  Kind = "around"
	KindPolygon Kind = "polygon"
)

// DefaultDailyLimit and DefaultQPS are the fallback per-kind limits used when
// a credential's custom limit column is null (spec.md §3).
const (
	DefaultDailyLimit = 100
	DefaultQPS        = 3
)

// Credential mirrors the Credential row of spec.md §3.
type Credential struct {
	ID          int64
	Key         string
	Active      bool
	Description string
	LastReset   *time.Time

	KeywordUsed int
	AroundUsed  int
	PolygonUsed int

	KeywordLimit *int
	AroundLimit  *int
	PolygonLimit *int

	KeywordQPS *int
	AroundQPS  *int
	PolygonQPS *int
}

// Used returns the current usage counter for kind.
func (c *Credential) Used(kind Kind) int {
	switch kind {
	case KindKeyword:
		return c.KeywordUsed
	case KindAround:
		return c.AroundUsed
	case KindPolygon:
		return c.PolygonUsed
	default:
		return 0
	}
}

// Limit returns the effective daily limit for kind: the custom limit if set,
// else DefaultDailyLimit (spec.md §3 "limit[kind] (null ⇒ default 100)").
func (c *Credential) Limit(kind Kind) int {
	var custom *int
	switch kind {
	case KindKeyword:
		custom = c.KeywordLimit
	case KindAround:
		custom = c.AroundLimit
	case KindPolygon:
		custom = c.PolygonLimit
	}
	if custom != nil {
		return *custom
	}
	return DefaultDailyLimit
}

// QPS returns the effective QPS advisory for kind: the custom value if set,
// else DefaultQPS (spec.md §3 "qps[kind] (null ⇒ default 3)").
func (c *Credential) QPS(kind Kind) int {
	var custom *int
	switch kind {
	case KindKeyword:
		custom = c.KeywordQPS
	case KindAround:
		custom = c.AroundQPS
	case KindPolygon:
		custom = c.PolygonQPS
	}
	if custom != nil {
		return *custom
	}
	return DefaultQPS
}

// Eligible reports whether the credential is active and under its daily
// limit for kind.
func (c *Credential) Eligible(kind Kind) bool {
	return c.Active && c.Used(kind) < c.Limit(kind)
}

// MaskedKey returns the redacted display form: first 6 chars + 8 asterisks +
// last 4 chars; "" for an empty key, and 8 asterisks alone for a key shorter
// than 10 chars.
func (c *Credential) MaskedKey() string {
	return MaskKey(c.Key)
}

// MaskKey applies spec.md GLOSSARY's masking rule to a raw key string.
func MaskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) < 10 {
		return "********"
	}
	return key[:6] + "********" + key[len(key)-4:]
}

// CredentialLimits carries the optional per-kind overrides for UpdateLimits
// (spec.md §4.3 "UpdateLimits(id, limits)").
type CredentialLimits struct {
	KeywordLimit *int
	AroundLimit  *int
	PolygonLimit *int
	KeywordQPS   *int
	AroundQPS    *int
	PolygonQPS   *int
}
