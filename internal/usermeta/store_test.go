package usermeta

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/dreamware/fabnetdht/internal/dhterrors"
	"github.com/dreamware/fabnetdht/internal/dhtkey"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetUserInfoBeforeInitReturnsNotInitialized(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetUserInfo(); err == nil {
		t.Fatal("expected error before UpdateUserInfo")
	}
}

func TestUpdateUserInfoIsAbsolute(t *testing.T) {
	s := openTestStore(t)
	owner := dhtkey.SHA1([]byte("fabregas"))
	if err := s.UpdateUserInfo(UserInfo{OwnerHash: owner, StorageSize: 100500}); err != nil {
		t.Fatalf("UpdateUserInfo: %v", err)
	}
	if err := s.UpdateUserInfo(UserInfo{OwnerHash: owner, StorageSize: 200}); err != nil {
		t.Fatalf("UpdateUserInfo: %v", err)
	}
	info, err := s.GetUserInfo()
	if err != nil {
		t.Fatalf("GetUserInfo: %v", err)
	}
	if info.StorageSize != 200 {
		t.Fatalf("StorageSize = %d, want 200 (absolute, not accumulated)", info.StorageSize)
	}
}

func TestMakePathCreatesIntermediatesAndRejectsDuplicate(t *testing.T) {
	s := openTestStore(t)
	if err := s.MakePath("/a/b/c"); err != nil {
		t.Fatalf("MakePath: %v", err)
	}
	if err := s.MakePath("/a/b/c"); err == nil {
		t.Fatal("expected AlreadyExists on duplicate make_path")
	}
	names, err := s.ListDir("/a")
	if err != nil {
		t.Fatalf("ListDir: %v", err)
	}
	if len(names) != 1 || names[0] != "b" {
		t.Fatalf("ListDir(/a) = %v, want [b]", names)
	}
}

func TestUpdatePathMergesBlocksAndChargesUsedSize(t *testing.T) {
	s := openTestStore(t)
	if err := s.UpdateUserInfo(UserInfo{StorageSize: 1_000_000}); err != nil {
		t.Fatalf("UpdateUserInfo: %v", err)
	}
	if err := s.MakePath("/test"); err != nil {
		t.Fatalf("MakePath: %v", err)
	}

	blocks := []DataBlockInfo{
		{DBKey: dhtkey.FromUint64(23124), ReplicaCount: 2, Seek: 0, Size: 22223},
		{DBKey: dhtkey.FromUint64(542322), ReplicaCount: 2, Seek: 22223, Size: 3333},
	}
	if err := s.UpdatePath("/test/out", blocks); err != nil {
		t.Fatalf("UpdatePath: %v", err)
	}

	info, err := s.GetUserInfo()
	if err != nil {
		t.Fatalf("GetUserInfo: %v", err)
	}
	want := (22223 + 3333) * 3
	if info.UsedSize != int64(want) {
		t.Fatalf("UsedSize = %d, want %d", info.UsedSize, want)
	}

	got, err := s.GetDataBlocks("/test/out")
	if err != nil {
		t.Fatalf("GetDataBlocks: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("GetDataBlocks length = %d, want 2", len(got))
	}

	// Update in place: grow the first block's size, charging only the delta.
	before := info.UsedSize
	grown := blocks
	grown[0].Size = 30000
	if err := s.UpdatePath("/test/out", grown[:1]); err != nil {
		t.Fatalf("UpdatePath (grow): %v", err)
	}
	info, _ = s.GetUserInfo()
	wantDelta := (30000 - 22223) * 3
	if info.UsedSize != before+int64(wantDelta) {
		t.Fatalf("UsedSize after grow = %d, want %d", info.UsedSize, before+int64(wantDelta))
	}
}

func TestUpdatePathFailsWithoutStorageSize(t *testing.T) {
	s := openTestStore(t)
	if err := s.MakePath("/test"); err != nil {
		t.Fatalf("MakePath: %v", err)
	}
	err := s.UpdatePath("/test/out", []DataBlockInfo{{DBKey: dhtkey.FromUint64(1), Size: 10}})
	if err == nil {
		t.Fatal("expected NotInitialized when storage_size is 0")
	}
}

func TestUpdatePathFailsOnMissingParent(t *testing.T) {
	s := openTestStore(t)
	if err := s.UpdateUserInfo(UserInfo{StorageSize: 1000}); err != nil {
		t.Fatalf("UpdateUserInfo: %v", err)
	}
	err := s.UpdatePath("/missing/out", []DataBlockInfo{{DBKey: dhtkey.FromUint64(1), Size: 10}})
	if err == nil {
		t.Fatal("expected NotFound when parent path is missing")
	}
}

func TestUpdatePathFailsOnNoFreeSpace(t *testing.T) {
	s := openTestStore(t)
	if err := s.UpdateUserInfo(UserInfo{StorageSize: 10}); err != nil {
		t.Fatalf("UpdateUserInfo: %v", err)
	}
	if err := s.MakePath("/test"); err != nil {
		t.Fatalf("MakePath: %v", err)
	}
	err := s.UpdatePath("/test/out", []DataBlockInfo{{DBKey: dhtkey.FromUint64(1), ReplicaCount: 2, Size: 1000}})
	if err == nil {
		t.Fatal("expected NoFreeSpace")
	}
}

func TestRemovePathDecrementsUsedSizeAndIsImmutableAtRoot(t *testing.T) {
	s := openTestStore(t)
	if err := s.UpdateUserInfo(UserInfo{StorageSize: 1_000_000}); err != nil {
		t.Fatalf("UpdateUserInfo: %v", err)
	}
	if err := s.MakePath("/test"); err != nil {
		t.Fatalf("MakePath: %v", err)
	}
	if err := s.UpdatePath("/test/out", []DataBlockInfo{{DBKey: dhtkey.FromUint64(1), ReplicaCount: 1, Size: 100}}); err != nil {
		t.Fatalf("UpdatePath: %v", err)
	}
	if err := s.RemovePath("/test/out"); err != nil {
		t.Fatalf("RemovePath: %v", err)
	}
	info, _ := s.GetUserInfo()
	if info.UsedSize != 0 {
		t.Fatalf("UsedSize after remove = %d, want 0", info.UsedSize)
	}

	if err := s.RemovePath("/"); err == nil {
		t.Fatal("expected root removal to fail")
	}
}

func TestRemovePathRejectsNonEmptyDirectory(t *testing.T) {
	s := openTestStore(t)
	if err := s.MakePath("/a/b"); err != nil {
		t.Fatalf("MakePath: %v", err)
	}
	if err := s.RemovePath("/a"); err == nil {
		t.Fatal("expected removal of non-empty directory to fail")
	}
}

func TestGetPathInfoRecursiveSize(t *testing.T) {
	s := openTestStore(t)
	if err := s.UpdateUserInfo(UserInfo{StorageSize: 1_000_000}); err != nil {
		t.Fatalf("UpdateUserInfo: %v", err)
	}
	if err := s.MakePath("/dir"); err != nil {
		t.Fatalf("MakePath: %v", err)
	}
	if err := s.UpdatePath("/dir/a", []DataBlockInfo{{DBKey: dhtkey.FromUint64(1), Size: 100}}); err != nil {
		t.Fatalf("UpdatePath: %v", err)
	}
	if err := s.UpdatePath("/dir/b", []DataBlockInfo{{DBKey: dhtkey.FromUint64(2), Size: 200}}); err != nil {
		t.Fatalf("UpdatePath: %v", err)
	}
	info, err := s.GetPathInfo("/dir")
	if err != nil {
		t.Fatalf("GetPathInfo: %v", err)
	}
	if info.RecursiveSize != 300 {
		t.Fatalf("RecursiveSize = %d, want 300", info.RecursiveSize)
	}
	if len(info.Children) != 2 {
		t.Fatalf("Children = %v, want 2 entries", info.Children)
	}
}

func TestGetChecksumStable(t *testing.T) {
	s := openTestStore(t)
	if err := s.UpdateUserInfo(UserInfo{StorageSize: 100}); err != nil {
		t.Fatalf("UpdateUserInfo: %v", err)
	}
	c1, err := s.GetChecksum()
	if err != nil {
		t.Fatalf("GetChecksum: %v", err)
	}
	c2, err := s.GetChecksum()
	if err != nil {
		t.Fatalf("GetChecksum: %v", err)
	}
	if c1 != c2 {
		t.Fatal("expected checksum to be stable across repeated calls")
	}
}

func TestOpenFailsWhenAlreadyLocked(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s1.Close()

	if _, err := Open(dir); err == nil {
		t.Fatal("expected second Open of same dir to fail while locked")
	}
}

func TestCacheReusesOpenStore(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCache(4)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	sub := filepath.Join(dir, "user1")
	s1, err := c.Get(sub)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	s2, err := c.Get(sub)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s1 != s2 {
		t.Fatal("expected cache to return the same *Store instance")
	}
	c.Flush()
}

func TestGetPathInfoMissingPathWrapsErrNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetPathInfo("/nope")
	if !errors.Is(err, dhterrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
