// Package fsrange maps a hash range owned by this node onto a directory
// tree on local disk, one tree per content class, adapted from the
// teacher's internal/shard package — generalizing its single
// consistent-hashing Shard into a set of on-disk, range-bounded trees
// (spec §4.3).
package fsrange

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/dreamware/fabnetdht/internal/dhtkey"
)

// ContentClass names one of the five content trees a node maintains,
// matching the suffixes used on disk (spec §2, §4.3).
type ContentClass string

const (
	ClassMasterData  ContentClass = "mdb" // blocks this node owns as primary
	ClassReplicaData ContentClass = "rdb" // replicated blocks this node holds for another owner
	ClassMasterMeta  ContentClass = "mmd" // primary user-metadata stores
	ClassReplicaMeta ContentClass = "rmd" // replicated user-metadata snapshots
	ClassTemporary   ContentClass = "tmp" // in-flight writes and snapshot staging
)

// AllClasses lists every content class a node's data directory holds.
var AllClasses = []ContentClass{ClassMasterData, ClassReplicaData, ClassMasterMeta, ClassReplicaMeta, ClassTemporary}

// Range is a [Start, End] hash interval mapped onto baseDir/class. The
// directory layout fans keys out by the first two bytes of their hex
// form so that no single directory holds an unbounded number of
// entries as the range fills (spec §4.3 "avoid unbounded directory
// fan-out").
type Range struct {
	mu sync.RWMutex

	baseDir string
	class   ContentClass
	start   dhtkey.Key
	end     dhtkey.Key
	blocked bool // true while a write-side backpressure condition holds
}

// New returns a Range rooted at filepath.Join(baseDir, string(class)),
// creating the directory if it does not exist.
func New(baseDir string, class ContentClass, start, end dhtkey.Key) (*Range, error) {
	root := filepath.Join(baseDir, string(class))
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("fsrange: mkdir %s: %w", root, err)
	}
	return &Range{baseDir: baseDir, class: class, start: start, end: end}, nil
}

// Bounds returns the current [start, end] boundary.
func (r *Range) Bounds() (start, end dhtkey.Key) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.start, r.end
}

// Contains reports whether k falls within this range's boundary.
func (r *Range) Contains(k dhtkey.Key) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return k.Compare(r.start) >= 0 && k.Compare(r.end) <= 0
}

// root is the directory this Range's content class lives under.
func (r *Range) root() string {
	return filepath.Join(r.baseDir, string(r.class))
}

// Root exposes the directory this Range's content class lives under,
// for callers that need to walk it directly rather than through
// Iterate — notably repair's user-metadata pass, since metadata
// entries are pebble-backed directories rather than the single files
// Iterate expects.
func (r *Range) Root() string {
	return r.root()
}

// DBPath returns the on-disk path a block keyed by k would occupy. The
// fan-out is two levels deep: the first two and next two hex
// characters of the key each name a subdirectory.
func (r *Range) DBPath(k dhtkey.Key) string {
	hex := k.String()
	return filepath.Join(r.root(), hex[0:2], hex[2:4], hex)
}

// BlockForWrite sets the write-backpressure flag (spec §4.3
// "block_for_write"). The flag is only recorded and reported by
// IsBlockedForWrite: no write path consults it, and it stays set until
// UnblockForWrite is called.
func (r *Range) BlockForWrite() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocked = true
}

// UnblockForWrite clears the write-backpressure flag.
func (r *Range) UnblockForWrite() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocked = false
}

// IsBlockedForWrite reports the current write-backpressure state.
func (r *Range) IsBlockedForWrite() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.blocked
}

// FreeBytes returns the free space available on the filesystem backing
// this range's root, via statfs(2) (spec §4.3 "get_free_size").
func (r *Range) FreeBytes() (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(r.root(), &st); err != nil {
		return 0, fmt.Errorf("fsrange: statfs %s: %w", r.root(), err)
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// FreeSizePercents returns the free space as a percentage of the total
// filesystem size backing this range's root (spec §4.3
// "get_free_size_percents").
func (r *Range) FreeSizePercents() (float64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(r.root(), &st); err != nil {
		return 0, fmt.Errorf("fsrange: statfs %s: %w", r.root(), err)
	}
	if st.Blocks == 0 {
		return 0, nil
	}
	return 100 * float64(st.Bavail) / float64(st.Blocks), nil
}

// EstimatedDataPercents estimates what fraction of the filesystem is
// occupied by data this range already holds, by walking its directory
// tree and comparing the total against the filesystem's total size (spec §4.3
// "get_estimated_data_percents").
func (r *Range) EstimatedDataPercents() (float64, error) {
	var used int64
	err := filepath.Walk(r.root(), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			used += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("fsrange: walk %s: %w", r.root(), err)
	}

	var st unix.Statfs_t
	if err := unix.Statfs(r.root(), &st); err != nil {
		return 0, fmt.Errorf("fsrange: statfs %s: %w", r.root(), err)
	}
	total := st.Blocks * uint64(st.Bsize)
	if total == 0 {
		return 0, nil
	}
	return 100 * float64(used) / float64(total), nil
}

// Iterate walks every on-disk file under this range's class directory,
// calling fn with the key and its file path, whether or not the key
// falls within the range's current bounds (callers that care check
// Contains or compare against Bounds, e.g. the foreign-block handoff).
// Iteration stops early if fn returns false. Entries whose name
// doesn't parse as a key (stray files, lockfiles) are skipped.
func (r *Range) Iterate(fn func(k dhtkey.Key, path string) bool) error {
	root := r.root()
	entries, err := collectFiles(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("fsrange: iterate %s: %w", root, err)
	}
	sort.Strings(entries)
	for _, path := range entries {
		name := filepath.Base(path)
		k, err := dhtkey.Parse(name)
		if err != nil {
			continue
		}
		if !fn(k, path) {
			break
		}
	}
	return nil
}

func collectFiles(root string) ([]string, error) {
	var out []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			out = append(out, path)
		}
		return nil
	})
	return out, err
}

// RemoveDB unlinks the file backing k, idempotently (spec §4.3
// "remove_db ... unlinks idempotently").
func (r *Range) RemoveDB(k dhtkey.Key) error {
	if err := os.Remove(r.DBPath(k)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("fsrange: remove %s: %w", r.DBPath(k), err)
	}
	return nil
}

// Split divides this range at mid: the receiver keeps [start, mid), and
// a new Range covering [mid, end] is returned sharing the same
// baseDir/class (spec §4.3 "split_range"). Because on-disk placement
// is keyed by absolute key rather than by range, no files need to move
// for the split itself — callers that need to physically relocate the
// new subrange's files to a different node use Iterate to stream them
// out and RemoveDB to clear them locally afterward.
func (r *Range) Split(mid dhtkey.Key) (*Range, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if mid.Compare(r.start) <= 0 || mid.Compare(r.end) > 0 {
		return nil, fmt.Errorf("fsrange: split point %s outside (%s, %s]", mid, r.start, r.end)
	}
	upper := &Range{baseDir: r.baseDir, class: r.class, start: mid, end: r.end}
	r.end = predecessor(mid)
	return upper, nil
}

func predecessor(k dhtkey.Key) dhtkey.Key {
	for i := len(k) - 1; i >= 0; i-- {
		if k[i] != 0 {
			k[i]--
			return k
		}
		k[i] = 0xff
	}
	return k
}

// JoinSubranges absorbs other into the receiver, widening the
// receiver's boundary to cover both, provided the two ranges are
// adjacent or overlapping and share the same baseDir/class (spec §4.3
// "join_subranges"). Like Split, no file movement is required since
// placement does not depend on range boundaries.
func (r *Range) JoinSubranges(other *Range) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	other.mu.RLock()
	defer other.mu.RUnlock()

	if other.baseDir != r.baseDir || other.class != r.class {
		return fmt.Errorf("fsrange: cannot join ranges from different trees")
	}
	if (r.end != dhtkey.Max && other.start.Compare(r.end.Successor()) > 0) ||
		(other.end != dhtkey.Max && r.start.Compare(other.end.Successor()) > 0) {
		return fmt.Errorf("fsrange: cannot join non-adjacent ranges [%s,%s] and [%s,%s]", r.start, r.end, other.start, other.end)
	}
	if other.start.Compare(r.start) < 0 {
		r.start = other.start
	}
	if other.end.Compare(r.end) > 0 {
		r.end = other.end
	}
	return nil
}

// Extend widens the range to [start, newEnd]. newEnd must not be
// smaller than the current end (spec §4.3 "extend").
func (r *Range) Extend(newEnd dhtkey.Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if newEnd.Compare(r.end) < 0 {
		return fmt.Errorf("fsrange: extend target %s is behind current end %s", newEnd, r.end)
	}
	r.end = newEnd
	return nil
}
