// Package sha256 includes tests for the SHA-256 hasher adapter.
package sha256

import "testing"

// TestHasherHashDeterministic ensures repeated hashing yields the same digest.
func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got := h.Hash([]byte("hello world"))
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if again := h.Hash([]byte("hello world")); again != got {
		t.Fatalf("expected deterministic hash, got %s vs %s", got, again)
	}
}

// TestHasherKeyNormalizes ensures cosmetic differences collapse to one key.
func TestHasherKeyNormalizes(t *testing.T) {
	t.Parallel()

	h := New()
	a := h.Key("CA", "Fresno", "Joe's  Plumbing", "12 Main St")
	b := h.Key("ca", " fresno ", "JOE'S PLUMBING", "12 main  st")
	if a != b {
		t.Fatalf("expected normalized keys to match: %s vs %s", a, b)
	}
	if c := h.Key("CA", "Fresno", "Joe's Plumbing", "14 Main St"); c == a {
		t.Fatal("different addresses must produce different keys")
	}
	// Field boundaries matter.
	if h.Key("ab", "c") == h.Key("a", "bc") {
		t.Fatal("expected separator to keep field boundaries")
	}
}
