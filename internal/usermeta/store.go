package usermeta

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/gofrs/flock"

	"github.com/dreamware/fabnetdht/internal/dhterrors"
	"github.com/dreamware/fabnetdht/internal/dhtkey"
)

// Store is one user's path tree: an embedded ordered key-value store
// (cockroachdb/pebble) rooted at dir, guarded by a visible lock file so
// the repair path can observe which stores are open without reaching
// into pebble's own internals (spec §4.5).
type Store struct {
	dir    string
	db     *pebble.DB
	lock   *flock.Flock
	paths  *pathLocks
	nextID uint64 // atomic; seeded from the max OwnID found at Open
}

// Open opens (creating if absent) the pebble store rooted at dir,
// taking dir/dht.lock as an advisory guard on the handle's lifetime.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("usermeta: mkdir %s: %w", dir, err)
	}
	lk := flock.New(dir + "/dht.lock")
	locked, err := lk.TryLock()
	if err != nil {
		return nil, fmt.Errorf("usermeta: locking %s: %w", dir, err)
	}
	if !locked {
		return nil, fmt.Errorf("usermeta: %s already locked by another process: %w", dir, dhterrors.ErrPermissionDenied)
	}

	db, err := pebble.Open(dir+"/store", &pebble.Options{})
	if err != nil {
		lk.Unlock()
		return nil, fmt.Errorf("usermeta: opening store %s: %w", dir, err)
	}

	s := &Store{dir: dir, db: db, lock: lk, paths: newPathLocks()}
	if err := s.seedNextID(); err != nil {
		db.Close()
		lk.Unlock()
		return nil, err
	}
	return s, nil
}

// Close releases the pebble handle and the lock file.
func (s *Store) Close() error {
	err := s.db.Close()
	s.lock.Unlock()
	return err
}

func (s *Store) seedNextID() error {
	iter, err := s.db.NewIter(nil)
	if err != nil {
		return fmt.Errorf("usermeta: scanning %s: %w", s.dir, err)
	}
	defer iter.Close()

	var max uint64
	for iter.First(); iter.Valid(); iter.Next() {
		v, err := unmarshalItemValue(iter.Value())
		if err != nil {
			continue // the UserInfo root entry doesn't unmarshal as an ItemValue
		}
		if v.OwnID > max {
			max = v.OwnID
		}
	}
	atomic.StoreUint64(&s.nextID, max+1)
	return nil
}

func (s *Store) allocID() uint64 {
	return atomic.AddUint64(&s.nextID, 1) - 1
}

// GetUserInfo returns the store's root UserInfo entry, or
// ErrNotInitialized if update_user_info was never called.
func (s *Store) GetUserInfo() (UserInfo, error) {
	buf, closer, err := s.db.Get(RootKey.Pack())
	if err == pebble.ErrNotFound {
		return UserInfo{}, fmt.Errorf("usermeta: %w", dhterrors.ErrNotInitialized)
	}
	if err != nil {
		return UserInfo{}, fmt.Errorf("usermeta: get user info: %w", dhterrors.ErrIO)
	}
	defer closer.Close()

	var info UserInfo
	if err := json.Unmarshal(buf, &info); err != nil {
		return UserInfo{}, fmt.Errorf("usermeta: decode user info: %w", dhterrors.ErrInvalidDataBlock)
	}
	return info, nil
}

// UpdateUserInfo sets the root UserInfo entry, overwriting whatever was
// there before. StorageSize is an absolute value, not a delta (spec
// Open Question resolution: "the intended semantics should be fixed to
// 'set absolute' for the rewrite").
func (s *Store) UpdateUserInfo(info UserInfo) error {
	buf, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("usermeta: encode user info: %w", err)
	}
	if err := s.db.Set(RootKey.Pack(), buf, pebble.Sync); err != nil {
		return fmt.Errorf("usermeta: set user info: %w", dhterrors.ErrIO)
	}
	return nil
}

// AddUserStorageSize adjusts StorageSize by delta (which may be
// negative), leaving UsedSize untouched.
func (s *Store) AddUserStorageSize(delta int64) error {
	info, err := s.GetUserInfo()
	if err != nil {
		return err
	}
	info.StorageSize += delta
	return s.UpdateUserInfo(info)
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// lookupChild finds the entry named name among the children of
// parentID at the given level, walking the collision chain until it
// finds a matching Name or runs out of slots.
func (s *Store) lookupChild(parentID uint64, level uint16, name string) (MDKey, ItemValue, bool, error) {
	hash := pathHash(name)
	for idx := uint16(0); ; idx++ {
		key := MDKey{ParentID: parentID, PathHash: hash, Level: level, Index: idx}
		buf, closer, err := s.db.Get(key.Pack())
		if err == pebble.ErrNotFound {
			return MDKey{}, ItemValue{}, false, nil
		}
		if err != nil {
			return MDKey{}, ItemValue{}, false, fmt.Errorf("usermeta: lookup %q: %w", name, dhterrors.ErrIO)
		}
		v, decErr := unmarshalItemValue(buf)
		closer.Close()
		if decErr != nil {
			return MDKey{}, ItemValue{}, false, fmt.Errorf("usermeta: decode %q: %w", name, dhterrors.ErrInvalidDataBlock)
		}
		if v.Name == name {
			return key, v, true, nil
		}
		if idx == maxCollisionIndex {
			return MDKey{}, ItemValue{}, false, fmt.Errorf("usermeta: collision chain exhausted for %q", name)
		}
	}
}

// createChild stores a new entry named name under parentID, finding
// the first free collision-chain slot.
func (s *Store) createChild(parentID uint64, level uint16, name string, value ItemValue) (MDKey, error) {
	hash := pathHash(name)
	for idx := uint16(0); ; idx++ {
		key := MDKey{ParentID: parentID, PathHash: hash, Level: level, Index: idx}
		_, closer, err := s.db.Get(key.Pack())
		if err == pebble.ErrNotFound {
			buf, encErr := value.marshal()
			if encErr != nil {
				return MDKey{}, fmt.Errorf("usermeta: encode %q: %w", name, encErr)
			}
			if err := s.db.Set(key.Pack(), buf, pebble.Sync); err != nil {
				return MDKey{}, fmt.Errorf("usermeta: create %q: %w", name, dhterrors.ErrIO)
			}
			return key, nil
		}
		if err != nil {
			return MDKey{}, fmt.Errorf("usermeta: probing %q: %w", name, dhterrors.ErrIO)
		}
		closer.Close()
		if idx == maxCollisionIndex {
			return MDKey{}, fmt.Errorf("usermeta: collision chain exhausted for %q", name)
		}
	}
}

// resolve walks path from the root, returning the key and value of
// every component in order. If the path doesn't fully resolve, it
// returns the components found so far and ok=false.
func (s *Store) resolve(path string) (keys []MDKey, values []ItemValue, ok bool, err error) {
	components := splitPath(path)
	var parentID uint64
	for i, name := range components {
		key, val, found, lookErr := s.lookupChild(parentID, uint16(i+1), name)
		if lookErr != nil {
			return nil, nil, false, lookErr
		}
		if !found {
			return keys, values, false, nil
		}
		keys = append(keys, key)
		values = append(values, val)
		parentID = val.OwnID
	}
	return keys, values, true, nil
}

// MakePath creates every missing intermediate directory in path,
// failing with ErrAlreadyExists if the terminal component already
// exists (spec §4.5 "make_path").
func (s *Store) MakePath(path string) error {
	release := s.paths.Acquire(path)
	defer release()

	components := splitPath(path)
	if len(components) == 0 {
		return fmt.Errorf("usermeta: cannot make_path on root: %w", dhterrors.ErrAlreadyExists)
	}

	var parentID uint64
	for i, name := range components {
		level := uint16(i + 1)
		_, val, found, err := s.lookupChild(parentID, level, name)
		if err != nil {
			return err
		}
		isLast := i == len(components)-1
		if found {
			if isLast {
				return fmt.Errorf("usermeta: %s: %w", path, dhterrors.ErrAlreadyExists)
			}
			if val.Type != ItemDir {
				return fmt.Errorf("usermeta: %s: not a directory: %w", path, dhterrors.ErrInvalidDataBlock)
			}
			parentID = val.OwnID
			continue
		}
		newVal := ItemValue{Type: ItemDir, Name: name, OwnID: s.allocID()}
		if _, err := s.createChild(parentID, level, name, newVal); err != nil {
			return err
		}
		parentID = newVal.OwnID
	}
	return nil
}

// UpdatePath merges blocks into the file at path by DBKey, creating the
// file entry if it doesn't exist yet. The parent directory must already
// exist (spec §4.5 "update_path").
func (s *Store) UpdatePath(path string, blocks []DataBlockInfo) error {
	release := s.paths.Acquire(path)
	defer release()

	components := splitPath(path)
	if len(components) == 0 {
		return fmt.Errorf("usermeta: cannot update_path on root: %w", dhterrors.ErrNotFound)
	}
	parentComponents := components[:len(components)-1]
	name := components[len(components)-1]

	var parentID uint64
	for i, comp := range parentComponents {
		_, val, found, err := s.lookupChild(parentID, uint16(i+1), comp)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("usermeta: %s: parent missing: %w", path, dhterrors.ErrNotFound)
		}
		parentID = val.OwnID
	}

	level := uint16(len(components))
	key, val, found, err := s.lookupChild(parentID, level, name)
	if err != nil {
		return err
	}
	if !found {
		val = ItemValue{Type: ItemFile, Name: name, OwnID: s.allocID()}
	}

	info, err := s.GetUserInfo()
	if err != nil {
		return err
	}
	if info.StorageSize == 0 {
		return fmt.Errorf("usermeta: %w", dhterrors.ErrNotInitialized)
	}

	var delta int64
	merged := make([]DataBlockInfo, len(val.Blocks))
	copy(merged, val.Blocks)
	for _, incoming := range blocks {
		matched := false
		for i, existing := range merged {
			if existing.DBKey == incoming.DBKey {
				delta += (incoming.Size - existing.Size) * int64(incoming.ReplicaCount+1)
				merged[i] = incoming
				matched = true
				break
			}
		}
		if !matched {
			delta += incoming.chargedSize()
			merged = append(merged, incoming)
		}
	}

	if info.UsedSize+delta > info.StorageSize {
		return fmt.Errorf("usermeta: %s: %w", path, dhterrors.ErrNoFreeSpace)
	}

	val.Blocks = merged
	buf, err := val.marshal()
	if err != nil {
		return fmt.Errorf("usermeta: encode %s: %w", path, err)
	}
	if !found {
		var createErr error
		key, createErr = s.createChild(parentID, level, name, val)
		if createErr != nil {
			return createErr
		}
	} else if err := s.db.Set(key.Pack(), buf, pebble.Sync); err != nil {
		return fmt.Errorf("usermeta: update %s: %w", path, dhterrors.ErrIO)
	}

	info.UsedSize += delta
	return s.UpdateUserInfo(info)
}

// GetDataBlocks returns the block list backing the file at path.
func (s *Store) GetDataBlocks(path string) ([]DataBlockInfo, error) {
	_, values, ok, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("usermeta: %s: %w", path, dhterrors.ErrNotFound)
	}
	last := values[len(values)-1]
	if last.Type != ItemFile {
		return nil, fmt.Errorf("usermeta: %s: not a file: %w", path, dhterrors.ErrInvalidDataBlock)
	}
	return last.Blocks, nil
}

// ListDir returns the one-level child names of the directory at path
// ("" or "/" addresses the root directory itself).
func (s *Store) ListDir(path string) ([]string, error) {
	parentID, level, err := s.resolveDirID(path)
	if err != nil {
		return nil, err
	}
	return s.childNames(parentID, level)
}

// IterDir returns an iterator over the one-level child names of the
// directory at path: the names are read up front via ListDir and then
// yielded one at a time (spec §4.5 lists both "iterdir(path)" and
// "listdir(path)").
func (s *Store) IterDir(path string) (next func() (string, bool), err error) {
	names, err := s.ListDir(path)
	if err != nil {
		return nil, err
	}
	i := 0
	return func() (string, bool) {
		if i >= len(names) {
			return "", false
		}
		name := names[i]
		i++
		return name, true
	}, nil
}

func (s *Store) resolveDirID(path string) (parentID uint64, level uint16, err error) {
	components := splitPath(path)
	if len(components) == 0 {
		return 0, 1, nil
	}
	_, values, ok, resErr := s.resolve(path)
	if resErr != nil {
		return 0, 0, resErr
	}
	if !ok {
		return 0, 0, fmt.Errorf("usermeta: %s: %w", path, dhterrors.ErrNotFound)
	}
	last := values[len(values)-1]
	if last.Type != ItemDir {
		return 0, 0, fmt.Errorf("usermeta: %s: not a directory: %w", path, dhterrors.ErrInvalidDataBlock)
	}
	return last.OwnID, uint16(len(components) + 1), nil
}

func (s *Store) childNames(parentID uint64, level uint16) ([]string, error) {
	prefix := MDKey{ParentID: parentID, Level: level}.Pack()[:8]
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: nextPrefix(prefix)})
	if err != nil {
		return nil, fmt.Errorf("usermeta: iterate: %w", dhterrors.ErrIO)
	}
	defer iter.Close()

	var names []string
	for iter.First(); iter.Valid(); iter.Next() {
		k := UnpackMDKey(iter.Key())
		if k.ParentID != parentID || k.Level != level {
			continue
		}
		v, decErr := unmarshalItemValue(iter.Value())
		if decErr != nil {
			continue
		}
		names = append(names, v.Name)
	}
	return names, nil
}

// nextPrefix returns the lexicographic successor of prefix (for use as
// a pebble iterator UpperBound), or nil if prefix is already the
// maximum possible byte sequence.
func nextPrefix(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}

// GetPathInfo returns name, type, recursive size, and (for a directory)
// a one-level child listing (spec §4.5 "get_path_info").
func (s *Store) GetPathInfo(path string) (PathInfo, error) {
	components := splitPath(path)
	if len(components) == 0 {
		size, err := s.recursiveSize(0, 1)
		if err != nil {
			return PathInfo{}, err
		}
		children, err := s.childNames(0, 1)
		if err != nil {
			return PathInfo{}, err
		}
		return PathInfo{Name: "/", Type: ItemDir, RecursiveSize: size, Children: children}, nil
	}

	_, values, ok, err := s.resolve(path)
	if err != nil {
		return PathInfo{}, err
	}
	if !ok {
		return PathInfo{}, fmt.Errorf("usermeta: %s: %w", path, dhterrors.ErrNotFound)
	}
	last := values[len(values)-1]

	if last.Type == ItemFile {
		var total int64
		for _, b := range last.Blocks {
			total += b.Size
		}
		return PathInfo{Name: last.Name, Type: ItemFile, RecursiveSize: total}, nil
	}

	level := uint16(len(components) + 1)
	size, err := s.recursiveSize(last.OwnID, level)
	if err != nil {
		return PathInfo{}, err
	}
	children, err := s.childNames(last.OwnID, level)
	if err != nil {
		return PathInfo{}, err
	}
	return PathInfo{Name: last.Name, Type: ItemDir, RecursiveSize: size, Children: children}, nil
}

func (s *Store) recursiveSize(parentID uint64, level uint16) (int64, error) {
	prefix := MDKey{ParentID: parentID, Level: level}.Pack()[:8]
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: nextPrefix(prefix)})
	if err != nil {
		return 0, fmt.Errorf("usermeta: iterate: %w", dhterrors.ErrIO)
	}
	defer iter.Close()

	var total int64
	for iter.First(); iter.Valid(); iter.Next() {
		k := UnpackMDKey(iter.Key())
		if k.ParentID != parentID || k.Level != level {
			continue
		}
		v, decErr := unmarshalItemValue(iter.Value())
		if decErr != nil {
			continue
		}
		if v.Type == ItemFile {
			for _, b := range v.Blocks {
				total += b.Size
			}
			continue
		}
		sub, subErr := s.recursiveSize(v.OwnID, level+1)
		if subErr != nil {
			return 0, subErr
		}
		total += sub
	}
	return total, nil
}

// RemovePath deletes the entry at path. Directories must be empty; file
// removal decrements UsedSize by its full charged size. The root is
// immutable (spec §4.5 "remove_path").
func (s *Store) RemovePath(path string) error {
	release := s.paths.Acquire(path)
	defer release()

	components := splitPath(path)
	if len(components) == 0 {
		return fmt.Errorf("usermeta: cannot remove root: %w", dhterrors.ErrPermissionDenied)
	}

	keys, values, ok, err := s.resolve(path)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("usermeta: %s: %w", path, dhterrors.ErrNotFound)
	}
	last := values[len(values)-1]
	lastKey := keys[len(keys)-1]

	if last.Type == ItemDir {
		children, err := s.childNames(last.OwnID, uint16(len(components)+1))
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return fmt.Errorf("usermeta: %s: directory not empty", path)
		}
		if err := s.db.Delete(lastKey.Pack(), pebble.Sync); err != nil {
			return fmt.Errorf("usermeta: remove %s: %w", path, dhterrors.ErrIO)
		}
		return nil
	}

	var charged int64
	for _, b := range last.Blocks {
		charged += b.chargedSize()
	}
	if err := s.db.Delete(lastKey.Pack(), pebble.Sync); err != nil {
		return fmt.Errorf("usermeta: remove %s: %w", path, dhterrors.ErrIO)
	}
	info, err := s.GetUserInfo()
	if err != nil {
		return err
	}
	info.UsedSize -= charged
	if info.UsedSize < 0 {
		info.UsedSize = 0
	}
	return s.UpdateUserInfo(info)
}

// GetChecksum returns a stable hash of the store's UserInfo (spec §4.5
// "get_checksum()").
func (s *Store) GetChecksum() (dhtkey.Key, error) {
	info, err := s.GetUserInfo()
	if err != nil {
		return dhtkey.Key{}, err
	}
	buf, err := json.Marshal(info)
	if err != nil {
		return dhtkey.Key{}, err
	}
	return dhtkey.SHA1(buf), nil
}
