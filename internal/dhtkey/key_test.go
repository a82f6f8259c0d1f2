package dhtkey

import (
	"math/big"
	"testing"
)

var bigOne = big.NewInt(1)

func TestParseStringRoundTrip(t *testing.T) {
	want := "0123456789abcdef0123456789abcdef01234567"
	k, err := Parse(want)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := k.String(); got != want {
		t.Fatalf("round trip mismatch: got %s want %s", got, want)
	}
}

func TestParseRejectsBadLength(t *testing.T) {
	if _, err := Parse("abcd"); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestMinMax(t *testing.T) {
	if Min.String() != "0000000000000000000000000000000000000000" {
		t.Fatalf("unexpected Min: %s", Min.String())
	}
	if Max.String() != "ffffffffffffffffffffffffffffffffffffffff" {
		t.Fatalf("unexpected Max: %s", Max.String())
	}
	if !Min.Less(Max) {
		t.Fatal("Min should be less than Max")
	}
}

func TestSuccessorWrapsAtMax(t *testing.T) {
	if got := Max.Successor(); got != Min {
		t.Fatalf("Max.Successor() = %s, want Min", got)
	}
}

func TestCompare(t *testing.T) {
	a := FromUint64(10)
	b := FromUint64(20)
	if a.Compare(b) >= 0 {
		t.Fatal("expected a < b")
	}
	if b.Compare(a) <= 0 {
		t.Fatal("expected b > a")
	}
	if a.Compare(a) != 0 {
		t.Fatal("expected a == a")
	}
}

func TestDistanceWraps(t *testing.T) {
	d := Max.Distance(Min)
	if d.Cmp(bigOne) != 0 {
		t.Fatalf("distance from Max to Min should be 1, got %s", d)
	}
}

func TestMidpoint(t *testing.T) {
	start := FromUint64(10)
	end := FromUint64(20)
	mid := Midpoint(start, end)
	if mid.Compare(start) <= 0 || mid.Compare(end) >= 0 {
		t.Fatalf("midpoint %s not strictly between %s and %s", mid, start, end)
	}
}

func TestGenerateNewKeysDeterministic(t *testing.T) {
	prime := FromUint64(42)
	keys1, err := GenerateNewKeys(&prime, "network-a", 2, nil)
	if err != nil {
		t.Fatalf("GenerateNewKeys: %v", err)
	}
	keys2, err := GenerateNewKeys(&prime, "network-a", 2, nil)
	if err != nil {
		t.Fatalf("GenerateNewKeys: %v", err)
	}
	if len(keys1) != 3 {
		t.Fatalf("expected 3 keys, got %d", len(keys1))
	}
	for i := range keys1 {
		if keys1[i] != keys2[i] {
			t.Fatalf("derivation not deterministic at index %d", i)
		}
	}
	if keys1[0] != prime {
		t.Fatal("prime key should be index 0 unchanged")
	}
}

func TestGenerateNewKeysDiffersByNetworkName(t *testing.T) {
	prime := FromUint64(42)
	a, _ := GenerateNewKeys(&prime, "network-a", 1, nil)
	b, _ := GenerateNewKeys(&prime, "network-b", 1, nil)
	if a[1] == b[1] {
		t.Fatal("replica derivation should depend on network name")
	}
}

func TestAllKeysMatchesGenerateNewKeys(t *testing.T) {
	prime := FromUint64(7)
	gen, _ := GenerateNewKeys(&prime, "netx", 3, nil)
	all := AllKeys(prime, 3, "netx")
	if len(gen) != len(all) {
		t.Fatalf("length mismatch: %d vs %d", len(gen), len(all))
	}
	for i := range gen {
		if gen[i] != all[i] {
			t.Fatalf("index %d mismatch: %s vs %s", i, gen[i], all[i])
		}
	}
}

func TestGenerateNewKeysRandomPrime(t *testing.T) {
	called := false
	rnd := func(b []byte) (int, error) {
		called = true
		for i := range b {
			b[i] = byte(i)
		}
		return len(b), nil
	}
	keys, err := GenerateNewKeys(nil, "netx", 1, rnd)
	if err != nil {
		t.Fatalf("GenerateNewKeys: %v", err)
	}
	if !called {
		t.Fatal("expected random source to be invoked")
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
}
