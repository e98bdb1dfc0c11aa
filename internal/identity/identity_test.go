package identity

import (
	"path/filepath"
	"testing"
)

func TestLoadOrGenerateCreatesThenReusesSameIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.key")

	first, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}
	if first.Owner.IsZero() {
		t.Fatalf("expected a non-zero owner id")
	}

	second, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("LoadOrGenerate (reload): %v", err)
	}
	if first.Owner != second.Owner || first.Public != second.Public || first.Private != second.Private {
		t.Fatalf("reloading the same file must reproduce the same identity")
	}
}

func TestLoadOrGenerateDifferentPathsDifferentIdentities(t *testing.T) {
	a, err := LoadOrGenerate(filepath.Join(t.TempDir(), "a.key"))
	if err != nil {
		t.Fatalf("LoadOrGenerate a: %v", err)
	}
	b, err := LoadOrGenerate(filepath.Join(t.TempDir(), "b.key"))
	if err != nil {
		t.Fatalf("LoadOrGenerate b: %v", err)
	}
	if a.Owner == b.Owner {
		t.Fatalf("freshly generated identities must not collide")
	}
}
