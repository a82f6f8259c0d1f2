package blockstore

import (
	"bufio"
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/dreamware/fabnetdht/internal/dhterrors"
	"github.com/dreamware/fabnetdht/internal/dhtkey"
)

// ChunkSize is the default read/write chunk used by Chunks and the
// streaming copy path in ClientPut/RepairProcess (spec §4.1 "chunked
// read/write").
const ChunkSize = 64 * 1024

// lockRegistry is the process-wide map from canonical file path to its
// in-process lock state, generalizing the teacher's per-shard RWMutex
// into a path-keyed table since DataBlock instances are created and
// discarded per request rather than held for the process lifetime.
var lockRegistry = struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}{locks: make(map[string]*pathLock)}

// pathLock is the in-process lock for one canonical path: shared readers
// are reference-counted and may coexist; an exclusive writer waits for
// all shared holders to drain and excludes new readers while held (spec
// §4.1: "shared readers may coexist; an exclusive writer waits").
type pathLock struct {
	mu          sync.Mutex
	cond        *sync.Cond
	sharedCount int
	exclusive   bool
	refs        int // DataBlock instances currently using this pathLock
}

func acquirePathLock(path string) *pathLock {
	lockRegistry.mu.Lock()
	defer lockRegistry.mu.Unlock()
	pl, ok := lockRegistry.locks[path]
	if !ok {
		pl = &pathLock{}
		pl.cond = sync.NewCond(&pl.mu)
		lockRegistry.locks[path] = pl
	}
	pl.refs++
	return pl
}

func releasePathLockRef(path string, pl *pathLock) {
	lockRegistry.mu.Lock()
	defer lockRegistry.mu.Unlock()
	pl.refs--
	if pl.refs == 0 {
		delete(lockRegistry.locks, path)
	}
}

func (pl *pathLock) lockShared() {
	pl.mu.Lock()
	for pl.exclusive {
		pl.cond.Wait()
	}
	pl.sharedCount++
	pl.mu.Unlock()
}

func (pl *pathLock) lockExclusive() {
	pl.mu.Lock()
	for pl.exclusive || pl.sharedCount > 0 {
		pl.cond.Wait()
	}
	pl.exclusive = true
	pl.mu.Unlock()
}

func (pl *pathLock) unlockShared() {
	pl.mu.Lock()
	pl.sharedCount--
	pl.mu.Unlock()
	pl.cond.Broadcast()
}

func (pl *pathLock) unlockExclusive() {
	pl.mu.Lock()
	pl.exclusive = false
	pl.mu.Unlock()
	pl.cond.Broadcast()
}

// DataBlock is a single file-backed blob: header (see Header) followed
// by payload. Access is mediated by an OS advisory file lock
// (cross-process, via gofrs/flock) composed with an in-process lock
// keyed by canonical path (cross-goroutine within this node); shared
// readers may coexist, an exclusive writer waits for both (spec §4.1).
//
// Block is idempotent per DataBlock instance: calling Block twice on the
// same instance without an intervening Unblock is a no-op, matching
// spec §4.1's "block() is idempotent per instance" — recursive entry is
// scoped to the instance, not to a goroutine identity, since Go has no
// portable thread-local storage to key that on.
type DataBlock struct {
	path   string
	pl     *pathLock
	flk    *flock.Flock
	held   bool
	shared bool
}

// Open returns a DataBlock bound to path. The file need not exist yet;
// Exists, Read, and Write all operate lazily.
func Open(path string) *DataBlock {
	return &DataBlock{path: path}
}

// Path returns the file path this DataBlock is bound to.
func (d *DataBlock) Path() string { return d.path }

// Exists reports whether the backing file is present.
func (d *DataBlock) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// Block acquires the lock on this DataBlock: shared if shared is true,
// exclusive otherwise. It is idempotent per instance — calling Block
// again before Unblock is a no-op as long as the mode does not escalate
// from shared to exclusive (escalation returns an error; callers that
// need exclusive access must Unblock the shared hold first).
func (d *DataBlock) Block(shared bool) error {
	if d.held {
		if d.shared && !shared {
			return fmt.Errorf("blockstore: cannot escalate shared lock to exclusive on %s", d.path)
		}
		return nil
	}
	d.pl = acquirePathLock(d.path)
	if shared {
		d.pl.lockShared()
	} else {
		d.pl.lockExclusive()
	}

	d.flk = flock.New(d.path + ".lock")
	var err error
	if shared {
		err = d.flk.RLock()
	} else {
		err = d.flk.Lock()
	}
	if err != nil {
		if shared {
			d.pl.unlockShared()
		} else {
			d.pl.unlockExclusive()
		}
		releasePathLockRef(d.path, d.pl)
		d.pl = nil
		return fmt.Errorf("blockstore: advisory lock %s: %w", d.path, dhterrors.ErrIO)
	}

	d.held = true
	d.shared = shared
	return nil
}

// Unblock releases whatever lock Block most recently acquired. It is
// safe to call on an instance that never called Block.
func (d *DataBlock) Unblock() error {
	if !d.held {
		return nil
	}
	var err error
	if d.flk != nil {
		err = d.flk.Unlock()
		d.flk = nil
	}
	if d.shared {
		d.pl.unlockShared()
	} else {
		d.pl.unlockExclusive()
	}
	releasePathLockRef(d.path, d.pl)
	d.pl = nil
	d.held = false
	if err != nil {
		return fmt.Errorf("blockstore: releasing advisory lock %s: %w", d.path, dhterrors.ErrIO)
	}
	return nil
}

// WithLock acquires the lock (shared or exclusive), runs fn, and
// guarantees release on every exit path including panics — the Go
// equivalent of the enter/exit scoped acquisition spec §4.1 requires.
func (d *DataBlock) WithLock(shared bool, fn func() error) error {
	if err := d.Block(shared); err != nil {
		return err
	}
	defer d.Unblock()
	return fn()
}

// GetHeader opens the file and parses its Header without reading the
// payload.
func (d *DataBlock) GetHeader() (Header, error) {
	f, err := os.Open(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Header{}, fmt.Errorf("blockstore: %s: %w", d.path, dhterrors.ErrNoData)
		}
		return Header{}, fmt.Errorf("blockstore: open %s: %w", d.path, dhterrors.ErrIO)
	}
	defer f.Close()

	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return Header{}, fmt.Errorf("blockstore: reading header %s: %w", d.path, dhterrors.ErrInvalidDataBlock)
	}
	return Unpack(buf)
}

// Read returns size bytes starting at offset past the header (offset is
// relative to the payload, not the file). size<0 reads to EOF.
func (d *DataBlock) Read(size int64, offset int64) ([]byte, error) {
	f, err := os.Open(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blockstore: %s: %w", d.path, dhterrors.ErrNoData)
		}
		return nil, fmt.Errorf("blockstore: open %s: %w", d.path, dhterrors.ErrIO)
	}
	defer f.Close()

	if _, err := f.Seek(HeaderSize+offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("blockstore: seek %s: %w", d.path, dhterrors.ErrIO)
	}
	if size < 0 {
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("blockstore: read %s: %w", d.path, dhterrors.ErrIO)
		}
		return data, nil
	}
	buf := make([]byte, size)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("blockstore: read %s: %w", d.path, dhterrors.ErrIO)
	}
	return buf[:n], nil
}

// Chunks returns a function that yields successive ChunkSize payload
// chunks until EOF, a lazy streaming iterator (spec §4.1 "chunks()")
// used by fan-out and repair to avoid buffering whole blocks in memory.
// The returned function returns (nil, io.EOF) once exhausted; callers
// must call close() when done (including on early exit).
func (d *DataBlock) Chunks() (next func() ([]byte, error), close func() error, err error) {
	f, err := os.Open(d.path)
	if err != nil {
		return nil, nil, fmt.Errorf("blockstore: open %s: %w", d.path, dhterrors.ErrIO)
	}
	if _, err := f.Seek(HeaderSize, io.SeekStart); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("blockstore: seek %s: %w", d.path, dhterrors.ErrIO)
	}
	r := bufio.NewReaderSize(f, ChunkSize)
	next = func() ([]byte, error) {
		buf := make([]byte, ChunkSize)
		n, err := r.Read(buf)
		if n > 0 {
			return buf[:n], nil
		}
		if err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return next, f.Close, nil
}

// WriteResult reports the outcome of a Write: the payload's SHA-1
// checksum and its size in bytes.
type WriteResult struct {
	Checksum dhtkey.Key
	Size     int64
}

// Write streams r into the file at path, reserving HeaderSize bytes at
// the front, then seeks back and fills in the header with the computed
// checksum. Every write issues fsync before returning (spec §4.1
// "every write path issues fsync before returning").
func (d *DataBlock) Write(r io.Reader, masterKey dhtkey.Key, replicaCount uint8, ownerHash dhtkey.Key) (WriteResult, error) {
	if err := os.MkdirAll(parentDir(d.path), 0o755); err != nil {
		return WriteResult{}, fmt.Errorf("blockstore: mkdir for %s: %w", d.path, dhterrors.ErrIO)
	}
	f, err := os.OpenFile(d.path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return WriteResult{}, fmt.Errorf("blockstore: create %s: %w", d.path, dhterrors.ErrIO)
	}
	defer f.Close()

	if _, err := f.Seek(HeaderSize, io.SeekStart); err != nil {
		return WriteResult{}, fmt.Errorf("blockstore: seek %s: %w", d.path, dhterrors.ErrIO)
	}

	hasher := sha1.New()
	mw := io.MultiWriter(f, hasher)
	n, err := io.Copy(mw, r)
	if err != nil {
		return WriteResult{}, fmt.Errorf("blockstore: streaming write %s: %w", d.path, dhterrors.ErrIO)
	}

	var checksum dhtkey.Key
	copy(checksum[:], hasher.Sum(nil))

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return WriteResult{}, fmt.Errorf("blockstore: seek header %s: %w", d.path, dhterrors.ErrIO)
	}
	header := Pack(masterKey, replicaCount, checksum, ownerHash)
	if _, err := f.Write(header); err != nil {
		return WriteResult{}, fmt.Errorf("blockstore: writing header %s: %w", d.path, dhterrors.ErrIO)
	}
	if err := f.Sync(); err != nil {
		return WriteResult{}, fmt.Errorf("blockstore: fsync %s: %w", d.path, dhterrors.ErrIO)
	}

	return WriteResult{Checksum: checksum, Size: n}, nil
}

// WriteAt behaves like Write but stamps the header with h's own
// StoredUnixtime instead of the current time, and uses h's MasterKey,
// ReplicaCount and OwnerHash verbatim. Used by carefully_save replica
// pushes (spec §4.9 "PutDataBlock(carefully_save=true, owner_hash,
// stored_unixtime)") so a republished block keeps the stored time of
// the write it is reproducing, not the time of the repair pass.
func (d *DataBlock) WriteAt(r io.Reader, h Header) (WriteResult, error) {
	if err := os.MkdirAll(parentDir(d.path), 0o755); err != nil {
		return WriteResult{}, fmt.Errorf("blockstore: mkdir for %s: %w", d.path, dhterrors.ErrIO)
	}
	f, err := os.OpenFile(d.path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return WriteResult{}, fmt.Errorf("blockstore: create %s: %w", d.path, dhterrors.ErrIO)
	}
	defer f.Close()

	if _, err := f.Seek(HeaderSize, io.SeekStart); err != nil {
		return WriteResult{}, fmt.Errorf("blockstore: seek %s: %w", d.path, dhterrors.ErrIO)
	}

	hasher := sha1.New()
	mw := io.MultiWriter(f, hasher)
	n, err := io.Copy(mw, r)
	if err != nil {
		return WriteResult{}, fmt.Errorf("blockstore: streaming write %s: %w", d.path, dhterrors.ErrIO)
	}
	var checksum dhtkey.Key
	copy(checksum[:], hasher.Sum(nil))
	h.Checksum = checksum

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return WriteResult{}, fmt.Errorf("blockstore: seek header %s: %w", d.path, dhterrors.ErrIO)
	}
	if _, err := f.Write(PackAt(h)); err != nil {
		return WriteResult{}, fmt.Errorf("blockstore: writing header %s: %w", d.path, dhterrors.ErrIO)
	}
	if err := f.Sync(); err != nil {
		return WriteResult{}, fmt.Errorf("blockstore: fsync %s: %w", d.path, dhterrors.ErrIO)
	}
	return WriteResult{Checksum: checksum, Size: n}, nil
}

// Hardlink creates a uniquely-named hardlink to this block's file,
// suffixed ".i", for zero-copy fan-out streaming (spec §4.1). The
// caller is responsible for removing the link once fan-out completes.
func (d *DataBlock) Hardlink() (string, error) {
	linkPath := fmt.Sprintf("%s.%s.i", d.path, uuid.NewString())
	if err := os.Link(d.path, linkPath); err != nil {
		return "", fmt.Errorf("blockstore: hardlink %s: %w", d.path, dhterrors.ErrIO)
	}
	return linkPath, nil
}

// Remove unlinks the backing file. It is idempotent: removing an
// already-absent file is not an error (spec §4.3 "remove_db ...
// unlinks idempotently").
func (d *DataBlock) Remove() error {
	if err := os.Remove(d.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blockstore: remove %s: %w", d.path, dhterrors.ErrIO)
	}
	return nil
}

func parentDir(path string) string {
	i := len(path) - 1
	for i >= 0 && path[i] != '/' {
		i--
	}
	if i < 0 {
		return "."
	}
	return path[:i]
}
