package blockstore

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/dreamware/fabnetdht/internal/dhtkey"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "block.mdb")
	d := Open(path)

	master := dhtkey.FromUint64(1)
	owner := dhtkey.SHA1([]byte("alice"))
	payload := []byte("hello fabnetdht")

	res, err := d.Write(bytes.NewReader(payload), master, 2, owner)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if res.Size != int64(len(payload)) {
		t.Fatalf("Size = %d, want %d", res.Size, len(payload))
	}
	if res.Checksum != dhtkey.SHA1(payload) {
		t.Fatalf("checksum mismatch")
	}

	h, err := d.GetHeader()
	if err != nil {
		t.Fatalf("GetHeader: %v", err)
	}
	if h.MasterKey != master || h.OwnerHash != owner || h.ReplicaCount != 2 {
		t.Fatalf("header mismatch: %+v", h)
	}

	got, err := d.Read(-1, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("Read = %q, want %q", got, payload)
	}
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	d := Open(filepath.Join(dir, "missing.mdb"))
	if d.Exists() {
		t.Fatal("expected Exists to be false before write")
	}
	if _, err := d.Write(bytes.NewReader(nil), dhtkey.Key{}, 0, dhtkey.Key{}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !d.Exists() {
		t.Fatal("expected Exists to be true after write")
	}
}

func TestChunksIteratesWholePayload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "block.rdb")
	d := Open(path)

	payload := bytes.Repeat([]byte("x"), ChunkSize+37)
	if _, err := d.Write(bytes.NewReader(payload), dhtkey.Key{}, 1, dhtkey.Key{}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	next, closeFn, err := d.Chunks()
	if err != nil {
		t.Fatalf("Chunks: %v", err)
	}
	defer closeFn()

	var got []byte
	for {
		chunk, err := next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		got = append(got, chunk...)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("chunked read mismatch: got %d bytes, want %d", len(got), len(payload))
	}
}

func TestHardlinkCreatesIndependentPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "block.mdb")
	d := Open(path)
	if _, err := d.Write(bytes.NewReader([]byte("data")), dhtkey.Key{}, 1, dhtkey.Key{}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	linkPath, err := d.Hardlink()
	if err != nil {
		t.Fatalf("Hardlink: %v", err)
	}
	if linkPath == path {
		t.Fatal("hardlink path must differ from original")
	}
	if _, err := os.Stat(linkPath); err != nil {
		t.Fatalf("hardlink target missing: %v", err)
	}

	if err := d.Remove(); err != nil {
		t.Fatalf("Remove original: %v", err)
	}
	if _, err := os.Stat(linkPath); err != nil {
		t.Fatalf("hardlink should survive removal of original: %v", err)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	d := Open(filepath.Join(dir, "absent.mdb"))
	if err := d.Remove(); err != nil {
		t.Fatalf("Remove on absent file should not error: %v", err)
	}
}

func TestBlockIsIdempotentPerInstance(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "block.mdb")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	d := Open(path)
	if err := d.Block(true); err != nil {
		t.Fatalf("Block(shared): %v", err)
	}
	if err := d.Block(true); err != nil {
		t.Fatalf("second Block(shared) should be a no-op: %v", err)
	}
	if err := d.Block(false); err == nil {
		t.Fatal("expected escalation from shared to exclusive to fail")
	}
	if err := d.Unblock(); err != nil {
		t.Fatalf("Unblock: %v", err)
	}
}

func TestWithLockReleasesOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "block.mdb")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	d := Open(path)

	sentinel := errFnFailed
	err := d.WithLock(false, func() error { return sentinel })
	if err != sentinel {
		t.Fatalf("expected sentinel error, got %v", err)
	}

	// lock must have been released; a second exclusive acquisition must
	// not block.
	d2 := Open(path)
	if err := d2.Block(false); err != nil {
		t.Fatalf("expected lock to be free after WithLock returned: %v", err)
	}
	d2.Unblock()
}

var errFnFailed = os.ErrInvalid
