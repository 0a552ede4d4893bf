package apikeyauth

import "testing"

func TestGenerateProducesMatchingToken(t *testing.T) {
	raw, prefix, hash, err := generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(raw) == 0 {
		t.Fatalf("expected non-empty raw token")
	}
	if prefix != raw[:len(prefix)] {
		t.Fatalf("prefix %q is not a prefix of raw %q", prefix, raw)
	}

	token := Token{KeyHash: hash}
	if !token.matches(raw) {
		t.Fatalf("expected generated token to match its own hash")
	}
	if token.matches(raw + "x") {
		t.Fatalf("expected tampered token to not match")
	}
}

func TestGenerateIsUnique(t *testing.T) {
	raw1, _, _, err := generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	raw2, _, _, err := generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if raw1 == raw2 {
		t.Fatalf("expected two generated tokens to differ")
	}
}
