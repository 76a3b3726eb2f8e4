package util

import (
	"strings"
	"testing"
)

func TestStorageKeyStableAndPrefixed(t *testing.T) {
	a := StorageKey("src:books", `["cast"]`)
	b := StorageKey("src:books", `["cast"]`)
	if a != b {
		t.Fatalf("storage key not deterministic: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, "src:books:") {
		t.Fatalf("missing prefix: %q", a)
	}
	if len(a) != len("src:books:")+32 {
		t.Fatalf("unexpected key length %d", len(a))
	}
	if StorageKey("src:books", `["sea"]`) == a {
		t.Fatalf("different keys collided")
	}
	if StorageKey("src:other", `["cast"]`) == a {
		t.Fatalf("namespace not isolated")
	}
}
