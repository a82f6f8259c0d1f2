package blockstore

import "testing"

func TestKeySetAddIfAbsent(t *testing.T) {
	s := NewKeySet()
	if !s.AddIfAbsent("a") {
		t.Fatal("expected first add to report new")
	}
	if s.AddIfAbsent("a") {
		t.Fatal("expected second add of same key to report not-new")
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
	if !s.Contains("a") {
		t.Fatal("expected Contains(a) to be true")
	}
	if s.Contains("b") {
		t.Fatal("expected Contains(b) to be false")
	}
}

func TestKeySetKeysSnapshot(t *testing.T) {
	s := NewKeySet()
	s.AddIfAbsent("a")
	s.AddIfAbsent("b")
	keys := s.Keys()
	if len(keys) != 2 {
		t.Fatalf("Keys() length = %d, want 2", len(keys))
	}
}
