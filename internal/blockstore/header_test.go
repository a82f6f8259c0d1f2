package blockstore

import (
	"bytes"
	"errors"
	"testing"

	"github.com/dreamware/fabnetdht/internal/dhterrors"
	"github.com/dreamware/fabnetdht/internal/dhtkey"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	master := dhtkey.FromUint64(23412)
	checksum := dhtkey.SHA1([]byte("payload"))
	owner := dhtkey.SHA1([]byte("1324"))

	buf := Pack(master, 2, checksum, owner)
	if len(buf) != HeaderSize {
		t.Fatalf("Pack produced %d bytes, want %d", len(buf), HeaderSize)
	}

	h, err := Unpack(buf)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if h.MasterKey != master || h.Checksum != checksum || h.OwnerHash != owner || h.ReplicaCount != 2 {
		t.Fatalf("round trip mismatch: %+v", h)
	}

	// pack(unpack(h)) == h (spec §8 property 7)
	again := PackAt(h)
	if !bytes.Equal(buf, again) {
		t.Fatalf("pack(unpack(h)) != h")
	}
}

func TestUnpackRejectsBadLabel(t *testing.T) {
	buf := Pack(dhtkey.Key{}, 0, dhtkey.Key{}, dhtkey.Key{})
	buf[0] = 'X'
	if _, err := Unpack(buf); !errors.Is(err, dhterrors.ErrInvalidDataBlock) {
		t.Fatalf("expected ErrInvalidDataBlock, got %v", err)
	}
}

func TestUnpackRejectsShortBuffer(t *testing.T) {
	if _, err := Unpack([]byte("short")); !errors.Is(err, dhterrors.ErrInvalidDataBlock) {
		t.Fatalf("expected ErrInvalidDataBlock, got %v", err)
	}
}

func TestMatchOwnerMismatch(t *testing.T) {
	owner := dhtkey.SHA1([]byte("alice"))
	h := Header{OwnerHash: owner}
	other := dhtkey.SHA1([]byte("mallory"))
	if err := h.Match(MatchOptions{OwnerHash: &other}); !errors.Is(err, dhterrors.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if err := h.Match(MatchOptions{OwnerHash: &owner}); err != nil {
		t.Fatalf("expected match to pass, got %v", err)
	}
}

func TestMatchOldData(t *testing.T) {
	h := Header{StoredUnixtime: 23523}
	older := 23400.0
	if err := h.Match(MatchOptions{NotOlder: &older}); !errors.Is(err, dhterrors.ErrOldData) {
		t.Fatalf("expected ErrOldData, got %v", err)
	}
	newer := 23600.0
	if err := h.Match(MatchOptions{NotOlder: &newer}); err != nil {
		t.Fatalf("expected newer write to pass, got %v", err)
	}
}

func TestCheckRawDataChecksum(t *testing.T) {
	payload := []byte("hello world")
	sum, err := CheckRawData(bytes.NewReader(payload), nil)
	if err != nil {
		t.Fatalf("CheckRawData: %v", err)
	}
	want := dhtkey.SHA1(payload)
	if sum != want {
		t.Fatalf("checksum mismatch: got %s want %s", sum, want)
	}

	if _, err := CheckRawData(bytes.NewReader(payload), &want); err != nil {
		t.Fatalf("expected checksum to verify: %v", err)
	}
	bad := dhtkey.SHA1([]byte("tampered"))
	if _, err := CheckRawData(bytes.NewReader(payload), &bad); !errors.Is(err, dhterrors.ErrInvalidDataBlock) {
		t.Fatalf("expected ErrInvalidDataBlock, got %v", err)
	}
}
