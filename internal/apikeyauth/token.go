// Package apikeyauth implements bearer-token authentication for the control
// API. There is no OIDC, no session cookies, and no tenant: a single flat
// token table gates the job-control surface for ingestion scripts hitting a
// single-instance service (spec.md §4.9, §1 Non-goals).
package apikeyauth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"
)

// TokenPrefix identifies a raw token as belonging to this service, the way
// pkg/pat.TokenPrefix does in the teacher repo.
const TokenPrefix = "pcr_key_"

// prefixLen is how much of the raw token is stored in the clear for fast
// row lookup before the full hash comparison.
const prefixLen = len(TokenPrefix) + 8

// Token is a row in the api_keys table.
type Token struct {
	ID         int64
	Name       string
	KeyHash    string
	KeyPrefix  string
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// generate creates a new raw token, its prefix for lookup, and its SHA-256
// hash for storage. The raw value is returned only once, at creation time.
func generate() (raw, prefix, hash string, err error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", "", "", fmt.Errorf("generating token: %w", err)
	}
	raw = TokenPrefix + hex.EncodeToString(b)
	if len(raw) < prefixLen {
		prefix = raw
	} else {
		prefix = raw[:prefixLen]
	}
	sum := sha256.Sum256([]byte(raw))
	hash = hex.EncodeToString(sum[:])
	return raw, prefix, hash, nil
}

// hashToken returns the SHA-256 hex digest of a raw token, for comparison against
// a stored KeyHash.
func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// matches reports whether raw hashes to the token's stored hash, using a
// constant-time comparison to avoid timing side channels.
func (t Token) matches(raw string) bool {
	candidate := hashToken(raw)
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(t.KeyHash)) == 1
}

// rawPrefix returns the lookup prefix of a raw token, or the whole token if
// it is shorter than prefixLen.
func rawPrefix(raw string) string {
	if len(raw) < prefixLen {
		return raw
	}
	return raw[:prefixLen]
}
